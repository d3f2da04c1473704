package vcard

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const twoContacts = "BEGIN:VCARD\nVERSION:3.0\nFN:Alice\nTEL:555\nEND:VCARD\n\nBEGIN:VCARD\nVERSION:3.0\nFN:Bob\nTEL:666\nEND:VCARD"

// buildSeq returns n synthesized records named C1..Cn.
func buildSeq(t *testing.T, n int) Sequence {
	t.Helper()
	seq := Sequence{}
	for i := 1; i <= n; i++ {
		var err error
		seq, err = Append(seq, fmt.Sprintf("C%d", i), fmt.Sprintf("08%08d", i))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	return seq
}

func names(seq Sequence) []string {
	out := make([]string, len(seq))
	for i, r := range seq {
		out[i] = r.Name()
	}
	return out
}

func raws(seq Sequence) []string {
	out := make([]string, len(seq))
	for i, r := range seq {
		out[i] = r.Raw
	}
	return out
}

func TestParse_TwoContacts(t *testing.T) {
	seq := Parse(twoContacts)
	if len(seq) != 2 {
		t.Fatalf("records = %d, want 2", len(seq))
	}
	want := Stats{Total: 2, WithPhone: 2, WithName: 2}
	if diff := cmp.Diff(want, Count(seq)); diff != "" {
		t.Errorf("Count mismatch (-want +got):\n%s", diff)
	}
	wantPairs := []Pair{{"Alice", "555"}, {"Bob", "666"}}
	if diff := cmp.Diff(wantPairs, seq.Pairs()); diff != "" {
		t.Errorf("Pairs mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_RawBlockSpansToNextBegin(t *testing.T) {
	seq := Parse(twoContacts)
	want := "BEGIN:VCARD\nVERSION:3.0\nFN:Alice\nTEL:555\nEND:VCARD\n"
	if seq[0].Raw != want {
		t.Errorf("Raw = %q, want %q", seq[0].Raw, want)
	}
}

func TestParse_DropsPreamble(t *testing.T) {
	seq := Parse("exported by phone\nVERSION:3.0\n" + twoContacts)
	if len(seq) != 2 {
		t.Fatalf("records = %d, want 2", len(seq))
	}
	if seq[0].Name() != "Alice" {
		t.Errorf("first name = %q, want Alice", seq[0].Name())
	}
}

func TestParse_NoMarkers(t *testing.T) {
	for _, in := range []string{"", "\n\n", "FN:Alice\nTEL:555", "begin:vcard\nFN:x"} {
		seq := Parse(in)
		if seq == nil {
			t.Errorf("Parse(%q) returned nil", in)
		}
		if len(seq) != 0 {
			t.Errorf("Parse(%q) = %d records, want 0", in, len(seq))
		}
	}
}

func TestParse_MarkerWhitespaceTrimmed(t *testing.T) {
	seq := Parse("  BEGIN:VCARD \r\nFN:Alice\r\nEND:VCARD\r\n\tBEGIN:VCARD\nFN:Bob\n")
	if diff := cmp.Diff([]string{"Alice", "Bob"}, names(seq)); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_UnterminatedRecordFlushed(t *testing.T) {
	seq := Parse("BEGIN:VCARD\nFN:Alice\nTEL:1")
	if len(seq) != 1 || seq[0].Phone() != "1" {
		t.Fatalf("got %+v", seq.Pairs())
	}
}

func TestLookup_FirstMatchWins(t *testing.T) {
	r := Parse("BEGIN:VCARD\nFN:First\nFN:Second\nTEL: 123 \nEND:VCARD")[0]
	if got := r.Name(); got != "First" {
		t.Errorf("Name = %q, want First", got)
	}
	if got := r.Phone(); got != "123" {
		t.Errorf("Phone = %q, want 123", got)
	}
	if got := r.Fields()["FN"]; got != "Second" {
		t.Errorf(`Fields()["FN"] = %q, want Second`, got)
	}
}

func TestLookup_Missing(t *testing.T) {
	r := Parse("BEGIN:VCARD\nFN:\nNOTE:x\nEND:VCARD")[0]
	if _, ok := r.Lookup(FieldName); ok {
		t.Error("empty FN reported as present")
	}
	if _, ok := r.Lookup(FieldPhone); ok {
		t.Error("absent TEL reported as present")
	}
	if r.Name() != Unknown || r.Phone() != Unknown {
		t.Errorf("fallbacks = %q/%q, want %q", r.Name(), r.Phone(), Unknown)
	}
	if got := Count(Sequence{r}); got != (Stats{Total: 1}) {
		t.Errorf("Count = %+v", got)
	}
}

func TestSerialize_InverseOfParse(t *testing.T) {
	if got := Serialize(Parse(twoContacts)); got != twoContacts {
		t.Errorf("Serialize(Parse(doc)) = %q, want %q", got, twoContacts)
	}
}

func TestSerialize_Idempotent(t *testing.T) {
	// Documents written with a trailing blank line after every record.
	doc := "BEGIN:VCARD\nFN:A\nEND:VCARD\n\n\nBEGIN:VCARD\nFN:B\nEND:VCARD\n\n"
	once := Serialize(Parse(doc))
	twice := Serialize(Parse(once))
	if once != twice {
		t.Errorf("not idempotent:\n%q\n%q", once, twice)
	}
	if once != "BEGIN:VCARD\nFN:A\nEND:VCARD\n\nBEGIN:VCARD\nFN:B\nEND:VCARD" {
		t.Errorf("Serialize = %q", once)
	}
}

func TestSerialize_Empty(t *testing.T) {
	if got := Serialize(nil); got != "" {
		t.Errorf("Serialize(nil) = %q", got)
	}
}

func TestRoundTrip_BuiltSequences(t *testing.T) {
	for n := 1; n <= 12; n++ {
		seq := buildSeq(t, n)
		if n > 2 {
			parts, err := SplitParts(seq, 2)
			if err != nil {
				t.Fatal(err)
			}
			seq, err = MergeSequences(parts[1], parts[0])
			if err != nil {
				t.Fatal(err)
			}
		}
		got := Parse(Serialize(seq))
		if diff := cmp.Diff(seq.Pairs(), got.Pairs()); diff != "" {
			t.Errorf("n=%d round trip mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestNewRecord_Layout(t *testing.T) {
	r := NewRecord("Alice", "+62811")
	want := "BEGIN:VCARD\nVERSION:3.0\nFN:Alice\nTEL:+62811\nEND:VCARD"
	if r.Raw != want {
		t.Errorf("Raw = %q, want %q", r.Raw, want)
	}
}

func TestNewRecord_FlattensLineBreaks(t *testing.T) {
	r := NewRecord("Eve\nEND:VCARD\nBEGIN:VCARD\nFN:Mallory", "0811\r")
	want := "BEGIN:VCARD\nVERSION:3.0\nFN:Eve END:VCARD BEGIN:VCARD FN:Mallory\nTEL:0811 \nEND:VCARD"
	if r.Raw != want {
		t.Errorf("Raw = %q, want %q", r.Raw, want)
	}
	if got := Parse(Serialize(Sequence{r})); len(got) != 1 {
		t.Errorf("round trip yields %d records, want 1", len(got))
	}
}
