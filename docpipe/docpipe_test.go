package docpipe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
)

func TestDetect(t *testing.T) {
	pipe := New(Config{})

	tests := []struct {
		path   string
		format Format
	}{
		{"a.vcf", FormatVCF},
		{"a.VCF", FormatVCF},
		{"a.vcard", FormatVCF},
		{"a.txt", FormatTXT},
		{"a.xlsx", FormatXLSX},
		{"a.xlsm", FormatXLSX},
		{"a.csv", FormatCSV},
	}
	for _, tt := range tests {
		f, err := pipe.Detect(tt.path)
		if err != nil {
			t.Errorf("Detect(%q): %v", tt.path, err)
			continue
		}
		if f != tt.format {
			t.Errorf("Detect(%q) = %q, want %q", tt.path, f, tt.format)
		}
	}

	var ue *UnsupportedFormatError
	if _, err := pipe.Detect("file.xls"); !errors.As(err, &ue) || ue.Ext != ".xls" {
		t.Errorf("Detect(file.xls) err = %v, want UnsupportedFormatError", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadText_StripsBOM(t *testing.T) {
	path := writeFile(t, "list.txt", "\xef\xbb\xbfAlice|0811\r\nBob|0822\r\n")
	pipe := New(Config{})

	lines, err := pipe.ReadLines(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Alice|0811", "Bob|0822", ""}, lines); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
}

func TestReadText_InvalidUTF8(t *testing.T) {
	path := writeFile(t, "list.txt", "Al\xffice|0811")
	text, err := New(Config{}).ReadText(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if text != "Al�ice|0811" {
		t.Errorf("text = %q", text)
	}
}

func TestReadText_TooLarge(t *testing.T) {
	path := writeFile(t, "big.txt", strings.Repeat("x", 100))
	_, err := New(Config{MaxFileSize: 10}).ReadText(context.Background(), path)
	var tl *FileTooLargeError
	if !errors.As(err, &tl) || tl.Size != 100 {
		t.Errorf("err = %v, want FileTooLargeError", err)
	}
}

func TestReadText_Cancelled(t *testing.T) {
	path := writeFile(t, "a.txt", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}).ReadText(ctx, path); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func writeXLSX(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		r := row
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "contacts.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSheet_XLSXHeaderHeuristics(t *testing.T) {
	path := writeXLSX(t, [][]any{
		{"No", "Nama Lengkap", "Nomor HP", "Kota"},
		{1, "Alice", "0811222333", "Bandung"},
		{2, "", "0822", "Jakarta"},
		{3, "Bob", "nan", "Bogor"},
		{4, "Carol", 628123456789, "Depok"},
	})

	sheet, err := New(Config{}).ReadSheet(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if sheet.NameColumn != "Nama Lengkap" || sheet.PhoneColumn != "Nomor HP" {
		t.Errorf("columns = %q/%q", sheet.NameColumn, sheet.PhoneColumn)
	}
	if sheet.Rows != 4 {
		t.Errorf("Rows = %d, want 4", sheet.Rows)
	}
}

func TestReadSheet_XLSXPhoneColumn(t *testing.T) {
	path := writeXLSX(t, [][]any{
		{"Nama", "Telepon"},
		{"Alice", "0811222333"},
		{"", "0822"},
		{"Bob", "nan"},
		{"Carol", 628123456789},
	})

	sheet, err := New(Config{}).ReadSheet(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	want := []Pair{{"Alice", "0811222333"}, {"Carol", "628123456789"}}
	if diff := cmp.Diff(want, sheet.Pairs); diff != "" {
		t.Errorf("pairs (-want +got):\n%s", diff)
	}
}

func TestReadSheet_FallbackToFirstColumns(t *testing.T) {
	path := writeFile(t, "list.csv", "Person,Contact,Extra\nAlice, 0811 ,x\nBob,0822\n")
	sheet, err := New(Config{}).ReadSheet(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if sheet.NameColumn != "Person" || sheet.PhoneColumn != "Contact" {
		t.Errorf("columns = %q/%q", sheet.NameColumn, sheet.PhoneColumn)
	}
	want := []Pair{{"Alice", "0811"}, {"Bob", "0822"}}
	if diff := cmp.Diff(want, sheet.Pairs); diff != "" {
		t.Errorf("pairs (-want +got):\n%s", diff)
	}
}

func TestReadSheet_TooFewColumns(t *testing.T) {
	path := writeFile(t, "one.csv", "Nama\nAlice\n")
	if _, err := New(Config{}).ReadSheet(context.Background(), path); !errors.Is(err, ErrTooFewColumns) {
		t.Errorf("err = %v, want ErrTooFewColumns", err)
	}
}

func TestReadSheet_NotASpreadsheet(t *testing.T) {
	path := writeFile(t, "a.vcf", "BEGIN:VCARD")
	if _, err := New(Config{}).ReadSheet(context.Background(), path); err == nil {
		t.Error("expected error for vcf input")
	}
}

func TestMergeText(t *testing.T) {
	merged, n := MergeText([]NamedText{
		{Name: "/work/42/a.txt", Text: "Alice|1\n"},
		{Name: "empty.txt", Text: "  \n"},
		{Name: "b.txt", Text: "Bob|2"},
	})
	if n != 2 {
		t.Errorf("files = %d, want 2", n)
	}
	want := "=== File 1: a.txt ===\nAlice|1\n\n=== File 2: b.txt ===\nBob|2\n"
	if merged != want {
		t.Errorf("merged = %q, want %q", merged, want)
	}
}

func TestNoteText(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	got := NoteText(Author{Name: "Budi", Username: "budi", ID: "42"}, at, "hello")
	want := "Pesan dari: Budi\nUsername: @budi\nUser ID: 42\nTanggal: 2026-03-01 10:30:00 UTC\n" +
		strings.Repeat("=", 50) + "\nhello"
	if got != want {
		t.Errorf("NoteText = %q, want %q", got, want)
	}
}
