package docpipe

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// NamedText is one input of MergeText.
type NamedText struct {
	Name string
	Text string
}

// MergeText concatenates text files, each preceded by a
// "=== File N: name ===" header and followed by a blank line. Inputs that
// are empty after trimming are skipped and do not consume a number. It
// returns the merged text and the number of files included.
func MergeText(files []NamedText) (string, int) {
	var parts []string
	n := 0
	for _, f := range files {
		body := strings.TrimSpace(f.Text)
		if body == "" {
			continue
		}
		n++
		parts = append(parts, fmt.Sprintf("=== File %d: %s ===", n, filepath.Base(f.Name)), body, "")
	}
	return strings.Join(parts, "\n"), n
}

// Author identifies the sender of a saved note.
type Author struct {
	Name     string
	Username string
	ID       string
}

// NoteText renders a message as a text file body with a sender header.
func NoteText(a Author, at time.Time, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pesan dari: %s\n", a.Name)
	if a.Username != "" {
		fmt.Fprintf(&sb, "Username: @%s\n", a.Username)
	}
	fmt.Fprintf(&sb, "User ID: %s\n", a.ID)
	fmt.Fprintf(&sb, "Tanggal: %s\n", at.UTC().Format("2006-01-02 15:04:05 MST"))
	sb.WriteString(strings.Repeat("=", 50))
	sb.WriteByte('\n')
	sb.WriteString(body)
	return sb.String()
}
