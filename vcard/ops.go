package vcard

import (
	"strings"
)

// Stats summarizes a sequence.
type Stats struct {
	Total     int `json:"total"`
	WithPhone int `json:"with_phone"`
	WithName  int `json:"with_name"`
}

// Count reports the record count and how many records carry a non-empty
// name and phone. An empty sequence reports zeros.
func Count(seq Sequence) Stats {
	st := Stats{Total: len(seq)}
	for _, r := range seq {
		if _, ok := r.Lookup(FieldName); ok {
			st.WithName++
		}
		if _, ok := r.Lookup(FieldPhone); ok {
			st.WithPhone++
		}
	}
	return st
}

// hasLineBreak reports whether s would split a property line.
func hasLineBreak(s string) bool { return strings.ContainsAny(s, "\r\n") }

// Append returns a copy of seq with a freshly synthesized record for name
// and phone added at the end. Both values are trimmed and must be non-empty
// single-line strings.
func Append(seq Sequence, name, phone string) (Sequence, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "empty"}
	}
	if phone == "" {
		return nil, &ValidationError{Field: "phone", Reason: "empty"}
	}
	if hasLineBreak(name) {
		return nil, &ValidationError{Field: "name", Reason: "contains line break"}
	}
	if hasLineBreak(phone) {
		return nil, &ValidationError{Field: "phone", Reason: "contains line break"}
	}
	out := make(Sequence, len(seq), len(seq)+1)
	copy(out, seq)
	return append(out, NewRecord(name, phone)), nil
}

// DeleteAt removes the record at the 1-based index and returns the remaining
// sequence together with the removed record. Removing the last remaining
// record is rejected with EmptyResultError.
func DeleteAt(seq Sequence, index int) (Sequence, Record, error) {
	if index < 1 || index > len(seq) {
		return nil, Record{}, &IndexOutOfRangeError{Index: index, Len: len(seq)}
	}
	if len(seq) == 1 {
		return nil, Record{}, &EmptyResultError{Op: "delete"}
	}
	removed := seq[index-1]
	out := make(Sequence, 0, len(seq)-1)
	out = append(out, seq[:index-1]...)
	out = append(out, seq[index:]...)
	return out, removed, nil
}

// RenameMode selects how Rename matches the old name.
type RenameMode int

const (
	// RenameSubstring replaces every occurrence of "FN:"+old anywhere in the
	// document, so "Al" also rewrites the prefix of "Alice".
	RenameSubstring RenameMode = iota
	// RenameExact rewrites only name lines whose whole value equals old.
	RenameExact
)

func (m RenameMode) String() string {
	if m == RenameExact {
		return "exact"
	}
	return "substring"
}

// RenameResult is the rewritten document and the number of replacements.
type RenameResult struct {
	Document string `json:"document"`
	Replaced int    `json:"replaced"`
}

// Rename rewrites name fields in the serialized document doc. The default
// RenameSubstring mode is a plain textual substitution of "FN:"+oldName with
// "FN:"+newName. Zero matches fail with NotFoundError.
func Rename(doc, oldName, newName string, mode RenameMode) (RenameResult, error) {
	oldName = strings.TrimSpace(oldName)
	newName = strings.TrimSpace(newName)
	if oldName == "" {
		return RenameResult{}, &ValidationError{Field: "old_name", Reason: "empty"}
	}
	if newName == "" {
		return RenameResult{}, &ValidationError{Field: "new_name", Reason: "empty"}
	}
	if hasLineBreak(oldName) {
		return RenameResult{}, &ValidationError{Field: "old_name", Reason: "contains line break"}
	}
	if hasLineBreak(newName) {
		return RenameResult{}, &ValidationError{Field: "new_name", Reason: "contains line break"}
	}

	from := NamePrefix + oldName
	to := NamePrefix + newName

	var res RenameResult
	switch mode {
	case RenameExact:
		lines := strings.Split(doc, "\n")
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed != from {
				continue
			}
			lines[i] = strings.Replace(line, trimmed, to, 1)
			res.Replaced++
		}
		res.Document = strings.Join(lines, "\n")
	default:
		res.Replaced = strings.Count(doc, from)
		res.Document = strings.ReplaceAll(doc, from, to)
	}

	if res.Replaced == 0 {
		return RenameResult{}, &NotFoundError{Pattern: from}
	}
	return res, nil
}

// RenameSequence is Rename applied to the serialized form of seq; the result
// is parsed back into a sequence.
func RenameSequence(seq Sequence, oldName, newName string, mode RenameMode) (Sequence, int, error) {
	res, err := Rename(Serialize(seq), oldName, newName, mode)
	if err != nil {
		return nil, 0, err
	}
	return Parse(res.Document), res.Replaced, nil
}

// Merge parses every document in order and concatenates their records.
// It fails with EmptyResultError when no document contains a record.
func Merge(docs ...string) (Sequence, error) {
	seqs := make([]Sequence, len(docs))
	for i, d := range docs {
		seqs[i] = Parse(d)
	}
	return MergeSequences(seqs...)
}

// MergeSequences concatenates already-parsed sequences in order.
func MergeSequences(seqs ...Sequence) (Sequence, error) {
	total := 0
	for _, s := range seqs {
		total += len(s)
	}
	if total == 0 {
		return nil, &EmptyResultError{Op: "merge"}
	}
	out := make(Sequence, 0, total)
	for _, s := range seqs {
		out = append(out, s...)
	}
	return out, nil
}

// SplitParts divides seq into exactly k contiguous parts whose sizes differ
// by at most one; the first len(seq)%k parts hold the extra record.
func SplitParts(seq Sequence, k int) ([]Sequence, error) {
	if k < 2 {
		return nil, &ValidationError{Field: "parts", Reason: "must be at least 2"}
	}
	if len(seq) < k {
		return nil, &ValidationError{
			Field:  "parts",
			Reason: "more parts than records",
		}
	}

	base, extra := len(seq)/k, len(seq)%k
	parts := make([]Sequence, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		parts = append(parts, seq[start:start+size].clone())
		start += size
	}
	return parts, nil
}

// SplitSize divides seq into contiguous parts of n records; the last part
// holds the remainder. An empty sequence yields no parts.
func SplitSize(seq Sequence, n int) ([]Sequence, error) {
	if n < 1 {
		return nil, &ValidationError{Field: "size", Reason: "must be at least 1"}
	}
	parts := make([]Sequence, 0, (len(seq)+n-1)/n)
	for start := 0; start < len(seq); start += n {
		end := min(start+n, len(seq))
		parts = append(parts, seq[start:end].clone())
	}
	return parts, nil
}
