package vcard

import (
	"strings"
)

// Mode selects how delimited text is ingested.
type Mode int

const (
	// ModeExplicit requires exactly one "|" per line and keeps the phone as
	// written.
	ModeExplicit Mode = iota
	// ModeAuto detects the separator and normalizes phones to the 62
	// country prefix.
	ModeAuto
)

func (m Mode) String() string {
	if m == ModeAuto {
		return "auto"
	}
	return "explicit"
}

// ExplicitSeparator is the delimiter of the explicit ingestion path and of
// ExportDelimited output.
const ExplicitSeparator Separator = "|"

// CountryPrefix is the dialing prefix applied by NormalizePhone.
const CountryPrefix = "62"

// IngestResult is the outcome of IngestDelimited.
type IngestResult struct {
	Records   Sequence
	Separator Separator
	Skipped   int // non-blank lines that did not yield a record
}

// IngestDelimited builds records from "name SEP phone" lines. Blank lines are
// ignored. Lines that cannot be split into a non-empty name and phone are
// skipped and counted. In ModeAuto a separator that cannot be detected fails
// with UndetectableFormatError. A result without any record fails with
// EmptyResultError.
func IngestDelimited(lines []string, mode Mode) (*IngestResult, error) {
	res := &IngestResult{Records: Sequence{}, Separator: ExplicitSeparator}
	if mode == ModeAuto {
		sep, sampled, ok := detect(lines)
		if !ok {
			return nil, &UndetectableFormatError{Sampled: sampled}
		}
		res.Separator = sep
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, phone, ok := splitLine(line, res.Separator, mode)
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, NewRecord(name, phone))
	}

	if len(res.Records) == 0 {
		return nil, &EmptyResultError{Op: "ingest"}
	}
	return res, nil
}

func splitLine(line string, sep Separator, mode Mode) (name, phone string, ok bool) {
	if mode == ModeExplicit {
		parts := strings.Split(line, string(ExplicitSeparator))
		if len(parts) != 2 {
			return "", "", false
		}
		name, phone = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		return name, phone, name != "" && phone != ""
	}

	left, right, found := strings.Cut(line, string(sep))
	if !found {
		return "", "", false
	}
	name = strings.TrimSpace(left)
	digits, ok := NormalizePhone(right)
	if name == "" || !ok {
		return "", "", false
	}
	return name, "+" + digits, true
}

// NormalizePhone strips every non-digit and rewrites the number to the 62
// country prefix: a leading "0" becomes "62", and a number not already
// starting with "62" gets it prepended. ok is false when raw has no digit.
func NormalizePhone(raw string) (string, bool) {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	switch {
	case digits == "":
		return "", false
	case strings.HasPrefix(digits, "0"):
		return CountryPrefix + digits[1:], true
	case strings.HasPrefix(digits, CountryPrefix):
		return digits, true
	default:
		return CountryPrefix + digits, true
	}
}

// ExportDelimited renders one "name|phone" line per record. Records missing
// either field are skipped.
func ExportDelimited(seq Sequence) []string {
	out := make([]string, 0, len(seq))
	for _, r := range seq {
		name, okName := r.Lookup(FieldName)
		phone, okPhone := r.Lookup(FieldPhone)
		if !okName || !okPhone {
			continue
		}
		out = append(out, name+string(ExplicitSeparator)+phone)
	}
	return out
}

// FromPairs synthesizes a record per pair, the reduced input form used for
// spreadsheet ingestion. Line breaks inside a cell become spaces. Pairs with
// an empty name or phone are skipped. A result without any record fails with
// EmptyResultError.
func FromPairs(pairs []Pair) (Sequence, error) {
	seq := make(Sequence, 0, len(pairs))
	for _, p := range pairs {
		name := strings.TrimSpace(lineBreaks.Replace(p.Name))
		phone := strings.TrimSpace(lineBreaks.Replace(p.Phone))
		if name == "" || phone == "" {
			continue
		}
		seq = append(seq, NewRecord(name, phone))
	}
	if len(seq) == 0 {
		return nil, &EmptyResultError{Op: "ingest"}
	}
	return seq, nil
}
