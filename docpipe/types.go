package docpipe

import "fmt"

// Format identifies an accepted upload type.
type Format string

const (
	FormatVCF  Format = "vcf"
	FormatTXT  Format = "txt"
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// Sheet is the (name, phone) view of a spreadsheet upload.
type Sheet struct {
	Path        string `json:"path"`
	NameColumn  string `json:"name_column"`
	PhoneColumn string `json:"phone_column"`
	Rows        int    `json:"rows"` // data rows, header excluded
	Pairs       []Pair `json:"pairs"`
}

// Pair mirrors vcard.Pair so the intake layer does not depend on the engine.
type Pair struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// UnsupportedFormatError is returned by Detect for unknown extensions.
type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("docpipe: unsupported format: %q", e.Ext)
}

// FileTooLargeError is returned when a file exceeds Config.MaxFileSize.
type FileTooLargeError struct {
	Size, Max int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("docpipe: file too large: %d bytes (max %d)", e.Size, e.Max)
}
