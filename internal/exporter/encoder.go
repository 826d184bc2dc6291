package exporter

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// RowEncoder writes a result set in one output format. WriteHeader is called
// exactly once, before any row. Close finalises the output but never closes
// the underlying writer.
type RowEncoder interface {
	WriteHeader(columns []string) error
	WriteRow(values []any) error
	// Flush pushes buffered rows to the underlying writer.
	Flush() error
	Close() error
}

// Format names an export output format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatExcel Format = "excel"
	FormatPDF   Format = "pdf"
)

// ParseFormat accepts a format name or file extension. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "json", "jsonl", "ndjson":
		return FormatJSON, nil
	case "excel", "xlsx":
		return FormatExcel, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Extension is the file extension for exports in this format.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "jsonl"
	case FormatExcel:
		return "xlsx"
	case FormatPDF:
		return "pdf"
	default:
		return "csv"
	}
}

// NewEncoder returns the encoder for f writing to w.
func NewEncoder(f Format, w io.Writer) (RowEncoder, error) {
	switch f {
	case FormatCSV:
		return NewCSVEncoder(w), nil
	case FormatJSON:
		return NewJSONEncoder(w), nil
	case FormatExcel:
		return NewExcelEncoder(w)
	case FormatPDF:
		return NewPDFEncoder(w), nil
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

const timeLayout = "2006-01-02 15:04:05"

// formatValue renders a driver value as text without going through fmt
// for the common types.
func formatValue(val any) string {
	switch v := val.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return v
	case time.Time:
		return v.Format(timeLayout)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

// guardFormula prefixes text that a spreadsheet would evaluate as a formula.
func guardFormula(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@':
		return "'" + s
	}
	return s
}
