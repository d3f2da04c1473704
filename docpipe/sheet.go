package docpipe

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrTooFewColumns is returned when a sheet has fewer than two columns.
var ErrTooFewColumns = errors.New("docpipe: sheet needs at least two columns (name and phone)")

var (
	nameHeaders  = []string{"nama", "name"}
	phoneHeaders = []string{"telepon", "phone", "nomor", "hp", "no"}
)

// ReadSheet reads the first sheet of an .xlsx/.xlsm file, or a .csv file,
// and returns its (name, phone) pairs. The first row is the header: the name
// column is the header containing "nama" or "name", the phone column the
// header containing "telepon", "phone", "nomor", "hp" or "no", keywords
// tried in that order. When either is missing the first two columns are
// used. Rows with an empty
// or "nan" cell are skipped.
func (p *Pipeline) ReadSheet(ctx context.Context, path string) (*Sheet, error) {
	format, err := p.Detect(path)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	switch format {
	case FormatXLSX:
		rows, err = p.xlsxRows(ctx, path)
	case FormatCSV:
		rows, err = p.csvRows(ctx, path)
	default:
		return nil, fmt.Errorf("docpipe: %s is not a spreadsheet", format)
	}
	if err != nil {
		return nil, err
	}

	sheet, err := pairsFromRows(rows)
	if err != nil {
		return nil, err
	}
	sheet.Path = path
	p.logger.Debug("docpipe: sheet read", "path", path, "rows", sheet.Rows, "pairs", len(sheet.Pairs),
		"name_column", sheet.NameColumn, "phone_column", sheet.PhoneColumn)
	return sheet, nil
}

func (p *Pipeline) xlsxRows(ctx context.Context, path string) ([][]string, error) {
	if err := p.checkSize(ctx, path); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("docpipe: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrTooFewColumns
	}
	// Raw values keep long phone numbers out of scientific notation.
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("docpipe: read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func (p *Pipeline) csvRows(ctx context.Context, path string) ([][]string, error) {
	text, err := p.ReadText(ctx, path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("docpipe: parse csv: %w", err)
	}
	return rows, nil
}

func (p *Pipeline) checkSize(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("docpipe: stat %s: %w", path, err)
	}
	if info.Size() > p.cfg.MaxFileSize {
		return &FileTooLargeError{Size: info.Size(), Max: p.cfg.MaxFileSize}
	}
	return nil
}

func pairsFromRows(rows [][]string) (*Sheet, error) {
	if len(rows) == 0 {
		return nil, ErrTooFewColumns
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	nameCol := findColumn(header, nameHeaders, -1)
	phoneCol := findColumn(header, phoneHeaders, nameCol)
	if nameCol < 0 || phoneCol < 0 {
		if len(header) < 2 {
			return nil, ErrTooFewColumns
		}
		nameCol, phoneCol = 0, 1
	}

	sheet := &Sheet{
		NameColumn:  strings.TrimSpace(rows[0][nameCol]),
		PhoneColumn: strings.TrimSpace(rows[0][phoneCol]),
		Rows:        len(rows) - 1,
		Pairs:       []Pair{},
	}
	for _, row := range rows[1:] {
		name, phone := cell(row, nameCol), cell(row, phoneCol)
		if name == "" || phone == "" {
			continue
		}
		sheet.Pairs = append(sheet.Pairs, Pair{Name: name, Phone: phone})
	}
	return sheet, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	v := strings.TrimSpace(row[i])
	if strings.EqualFold(v, "nan") {
		return ""
	}
	return v
}

// findColumn returns the first column whose header contains the earliest
// keyword of keywords, skipping column skip. It returns -1 when none match.
func findColumn(header, keywords []string, skip int) int {
	for _, kw := range keywords {
		for i, h := range header {
			if i != skip && strings.Contains(h, kw) {
				return i
			}
		}
	}
	return -1
}
