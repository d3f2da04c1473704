// Package vcard is the contact-interchange engine: it parses vCard-like
// contact lists into ordered records, applies record-set operations to them
// and serializes them back.
//
// The engine is stateless. Every entry point takes already-materialized text
// (or an already-parsed Sequence) and returns new values; nothing is mutated
// in place and nothing is logged. Failures are returned as typed errors (see
// errors.go) for the caller to render.
//
//	seq := vcard.Parse(text)
//	parts, err := vcard.SplitParts(seq, 3)
//	for _, p := range parts {
//		out := vcard.Serialize(p)
//		...
//	}
package vcard

import (
	"strings"
)

// Field markers. These literals are matched exactly after trimming the
// surrounding whitespace of a line and are not configurable.
const (
	BeginMarker = "BEGIN:VCARD"
	EndMarker   = "END:VCARD"
	VersionLine = "VERSION:3.0"
	NamePrefix  = "FN:"
	PhonePrefix = "TEL:"
)

// Unknown is the display value used when a record has no name or phone.
const Unknown = "Unknown"

// Field names a recognized contact property.
type Field string

const (
	FieldName  Field = "FN"
	FieldPhone Field = "TEL"
)

func (f Field) prefix() string { return string(f) + ":" }

// Record is one contact entry.
//
// Raw is the verbatim text span that produced the record, from its begin
// marker up to (not including) the next begin marker. Records passed through
// an operation unchanged are reproduced from Raw.
type Record struct {
	Raw string

	// fields maps property names to values. Later occurrences of the same
	// property overwrite earlier ones.
	fields map[string]string
}

// Sequence is an ordered list of records in order of appearance.
type Sequence []Record

// Pair is the delimited-text form of a contact.
type Pair struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// lineBreaks flattens embedded line breaks to single spaces.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// NewRecord synthesizes a minimal record block for name and phone. Line
// breaks inside either value are flattened to spaces.
func NewRecord(name, phone string) Record {
	name, phone = lineBreaks.Replace(name), lineBreaks.Replace(phone)
	var sb strings.Builder
	sb.WriteString(BeginMarker)
	sb.WriteByte('\n')
	sb.WriteString(VersionLine)
	sb.WriteByte('\n')
	sb.WriteString(NamePrefix)
	sb.WriteString(name)
	sb.WriteByte('\n')
	sb.WriteString(PhonePrefix)
	sb.WriteString(phone)
	sb.WriteByte('\n')
	sb.WriteString(EndMarker)
	return newRecord(sb.String())
}

func newRecord(raw string) Record {
	return Record{Raw: raw, fields: parseFields(raw)}
}

// parseFields collects "KEY:value" property lines. Marker lines are skipped.
func parseFields(raw string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == BeginMarker || line == EndMarker {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

// Fields returns a copy of the record's property map.
func (r Record) Fields() map[string]string {
	if r.fields == nil {
		r.fields = parseFields(r.Raw)
	}
	out := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Lookup scans the record's lines for the first line starting with the
// field's prefix and returns its trimmed value. ok is false when no line
// carries the field or its value is empty.
func (r Record) Lookup(f Field) (value string, ok bool) {
	prefix := f.prefix()
	for _, line := range strings.Split(r.Raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		value = strings.TrimSpace(line[len(prefix):])
		return value, value != ""
	}
	return "", false
}

// Name returns the contact name or Unknown.
func (r Record) Name() string {
	if v, ok := r.Lookup(FieldName); ok {
		return v
	}
	return Unknown
}

// Phone returns the contact phone or Unknown.
func (r Record) Phone() string {
	if v, ok := r.Lookup(FieldPhone); ok {
		return v
	}
	return Unknown
}

// Parse splits text into records. A line equal to BeginMarker (after
// trimming) opens a new record and closes the previous one. Lines before the
// first begin marker are dropped. Text without any begin marker yields an
// empty, non-nil sequence.
func Parse(text string) Sequence {
	seq := Sequence{}
	var current []string
	open := false

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == BeginMarker {
			if open {
				seq = append(seq, newRecord(strings.Join(current, "\n")))
			}
			current = []string{line}
			open = true
			continue
		}
		if open {
			current = append(current, line)
		}
	}
	if open {
		seq = append(seq, newRecord(strings.Join(current, "\n")))
	}
	return seq
}

// Serialize joins the records' raw blocks with one blank line between
// records. Trailing blank lines of each block (the separator that followed it
// in its source document) are dropped so that re-serializing a parsed
// document does not grow.
func Serialize(seq Sequence) string {
	var sb strings.Builder
	for i, r := range seq {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(trimTrailingBlankLines(r.Raw))
	}
	return sb.String()
}

func trimTrailingBlankLines(raw string) string {
	for {
		idx := strings.LastIndexByte(raw, '\n')
		if idx < 0 {
			return raw
		}
		if strings.TrimSpace(raw[idx+1:]) != "" {
			return raw
		}
		raw = raw[:idx]
	}
}

// Pairs extracts the (name, phone) pair of every record, using Unknown for
// missing values.
func (s Sequence) Pairs() []Pair {
	out := make([]Pair, len(s))
	for i, r := range s {
		out[i] = Pair{Name: r.Name(), Phone: r.Phone()}
	}
	return out
}

func (s Sequence) clone() Sequence {
	out := make(Sequence, len(s))
	copy(out, s)
	return out
}
