package exporter

import (
	"io"

	"github.com/go-pdf/fpdf"
)

const (
	pdfRowHeight = 7.0
	pdfFontSize  = 9.0
)

// PDFEncoder renders rows as a landscape A4 grid. The header row repeats on
// every page. The whole document is held in memory until Flush, so it suits
// small reports rather than bulk exports.
type PDFEncoder struct {
	pdf      *fpdf.Fpdf
	w        io.Writer
	tr       func(string) string
	columns  []string
	colWidth float64
	flushed  bool
}

func NewPDFEncoder(w io.Writer) *PDFEncoder {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", pdfFontSize)
	pdf.SetAutoPageBreak(true, 10)
	return &PDFEncoder{
		pdf: pdf,
		w:   w,
		tr:  pdf.UnicodeTranslatorFromDescriptor(""),
	}
}

func (e *PDFEncoder) WriteHeader(columns []string) error {
	e.columns = columns
	pageWidth, _ := e.pdf.GetPageSize()
	left, _, right, _ := e.pdf.GetMargins()
	if len(columns) > 0 {
		e.colWidth = (pageWidth - left - right) / float64(len(columns))
	}

	e.pdf.SetHeaderFunc(func() {
		e.pdf.SetFont("Arial", "B", pdfFontSize)
		for _, col := range e.columns {
			e.pdf.CellFormat(e.colWidth, pdfRowHeight, e.fit(col), "1", 0, "C", false, 0, "")
		}
		e.pdf.Ln(-1)
		e.pdf.SetFont("Arial", "", pdfFontSize)
	})
	e.pdf.AddPage()
	return e.pdf.Error()
}

func (e *PDFEncoder) WriteRow(values []any) error {
	for _, v := range values {
		e.pdf.CellFormat(e.colWidth, pdfRowHeight, e.fit(formatValue(v)), "1", 0, "L", false, 0, "")
	}
	e.pdf.Ln(-1)
	return e.pdf.Error()
}

// fit translates s to the core font's code page and truncates it to the
// column width.
func (e *PDFEncoder) fit(s string) string {
	s = e.tr(s)
	limit := e.colWidth - 2*e.pdf.GetCellMargin()
	if e.pdf.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && e.pdf.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}

// Flush writes the finished document. It can run only once.
func (e *PDFEncoder) Flush() error {
	if e.flushed {
		return nil
	}
	e.flushed = true
	if e.pdf.PageCount() == 0 {
		e.pdf.AddPage()
	}
	return e.pdf.Output(e.w)
}

func (e *PDFEncoder) Close() error {
	return e.Flush()
}
