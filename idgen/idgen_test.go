package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_FormatAndVersion(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("UUIDv7: unexpected format %q", id)
	}
	if id[14] != '7' {
		t.Fatalf("UUIDv7: version nibble = %c, want 7 (%s)", id[14], id)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("uuid.Parse(%q): %v", id, err)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("UUIDv7 not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("aud_", UUIDv7())()
	if !strings.HasPrefix(id, "aud_") || len(id) != 40 {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestSequential(t *testing.T) {
	gen := Sequential("bug_")
	for _, want := range []string{"bug_1", "bug_2", "bug_3"} {
		if got := gen(); got != want {
			t.Fatalf("Sequential: got %q, want %q", got, want)
		}
	}
}
