package vcard

import "strings"

// Separator delimits the name and phone columns of a delimited-text line.
type Separator string

// Candidates is the fixed trial order for separator detection. Ties are
// broken in favour of the earlier candidate.
var Candidates = []Separator{"|", ",", ":", ";", "\t", " - ", " "}

// DetectSampleLines bounds how many non-blank lines Detect inspects.
const DetectSampleLines = 10

// String renders the separator for display; tab and space are spelled out.
func (s Separator) String() string {
	switch s {
	case "\t":
		return "tab"
	case " ":
		return "space"
	default:
		return string(s)
	}
}

// Detect infers the separator used by lines. It samples at most
// DetectSampleLines non-blank lines; for each candidate present in a line,
// the line is split on its first occurrence and the candidate gets a vote
// when both halves are non-empty after trimming. The candidate with the most
// votes wins. ok is false when no candidate received a vote.
func Detect(lines []string) (sep Separator, ok bool) {
	sep, _, ok = detect(lines)
	return sep, ok
}

func detect(lines []string) (Separator, int, bool) {
	votes := make([]int, len(Candidates))
	sampled := 0
	for _, line := range lines {
		if sampled >= DetectSampleLines {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sampled++
		for i, c := range Candidates {
			left, right, found := strings.Cut(line, string(c))
			if !found {
				continue
			}
			if strings.TrimSpace(left) != "" && strings.TrimSpace(right) != "" {
				votes[i]++
			}
		}
	}

	best := -1
	for i, v := range votes {
		if v == 0 {
			continue
		}
		if best < 0 || v > votes[best] {
			best = i
		}
	}
	if best < 0 {
		return "", sampled, false
	}
	return Candidates[best], sampled, true
}
