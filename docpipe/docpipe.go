// Package docpipe is the file intake layer: it recognizes uploads by
// extension, reads them within a size bound and reduces spreadsheets to
// (name, phone) pairs.
//
// Supported formats:
//   - .vcf          contact lists, returned as text
//   - .txt          delimited contact lines, returned as text or lines
//   - .xlsx, .xlsm  spreadsheets (excelize), first sheet only
//   - .csv          spreadsheets exported as comma-separated values
//
//	pipe := docpipe.New(docpipe.Config{MaxFileSize: cfg.Limits.MaxFileBytes})
//	sheet, err := pipe.ReadSheet(ctx, "/work/42/list.xlsx")
package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/vcfbot/horosafe"
)

// Pipeline reads uploaded files.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// MaxFileSize returns the effective size limit.
func (p *Pipeline) MaxFileSize() int64 { return p.cfg.MaxFileSize }

// Detect returns the format based on the file extension.
func (p *Pipeline) Detect(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".vcf", ".vcard":
		return FormatVCF, nil
	case ".txt", ".text":
		return FormatTXT, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", &UnsupportedFormatError{Ext: ext}
	}
}

// ReadText reads a text file as UTF-8. A leading byte-order mark is dropped
// and invalid sequences are replaced with U+FFFD.
func (p *Pipeline) ReadText(ctx context.Context, path string) (string, error) {
	data, err := p.readFile(ctx, path)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		p.logger.Debug("docpipe: invalid utf-8 replaced", "path", path)
		return strings.ToValidUTF8(string(data), "�"), nil
	}
	return string(data), nil
}

// ReadLines reads a text file and splits it into lines without their
// terminators ("\n" or "\r\n").
func (p *Pipeline) ReadLines(ctx context.Context, path string) ([]string, error) {
	text, err := p.ReadText(ctx, path)
	if err != nil {
		return nil, err
	}
	return SplitLines(text), nil
}

// SplitLines splits text on "\n" and drops a trailing "\r" from each line.
func SplitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func (p *Pipeline) readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("docpipe: stat %s: %w", path, err)
	}
	if info.Size() > p.cfg.MaxFileSize {
		return nil, &FileTooLargeError{Size: info.Size(), Max: p.cfg.MaxFileSize}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("docpipe: open %s: %w", path, err)
	}
	defer f.Close()
	data, err := horosafe.LimitedReadAll(f, p.cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("docpipe: read %s: %w", path, err)
	}
	return data, nil
}

// SupportedFormats returns all supported formats.
func SupportedFormats() []string {
	return []string{string(FormatVCF), string(FormatTXT), string(FormatXLSX), string(FormatCSV)}
}
