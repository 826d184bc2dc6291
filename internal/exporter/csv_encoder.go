package exporter

import (
	"bufio"
	"encoding/csv"
	"io"
)

// CSVEncoder writes RFC 4180 CSV with a header row. Text cells that a
// spreadsheet would evaluate as formulas are prefixed with a quote.
type CSVEncoder struct {
	w      *csv.Writer
	buf    *bufio.Writer
	record []string
}

// NewCSVEncoder buffers output in 64KB chunks.
func NewCSVEncoder(w io.Writer) *CSVEncoder {
	buf := bufio.NewWriterSize(w, 64*1024)
	return &CSVEncoder{
		w:   csv.NewWriter(buf),
		buf: buf,
	}
}

func (e *CSVEncoder) WriteHeader(columns []string) error {
	e.record = make([]string, len(columns))
	return e.w.Write(columns)
}

func (e *CSVEncoder) WriteRow(values []any) error {
	if cap(e.record) < len(values) {
		e.record = make([]string, len(values))
	}
	record := e.record[:len(values)]
	for i, v := range values {
		record[i] = csvField(v)
	}
	// csv.Writer copies the fields, so record can be reused.
	return e.w.Write(record)
}

func (e *CSVEncoder) Flush() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return err
	}
	return e.buf.Flush()
}

func (e *CSVEncoder) Close() error {
	return e.Flush()
}

func csvField(v any) string {
	s := formatValue(v)
	switch v.(type) {
	case string, []byte:
		return guardFormula(s)
	}
	return s
}
