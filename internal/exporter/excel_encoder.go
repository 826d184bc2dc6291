package exporter

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const excelSheet = "Export"

// ExcelEncoder writes a single-sheet .xlsx workbook through excelize's
// StreamWriter, so rows are not kept in memory as cell objects. The workbook
// is only written to w on Flush, since xlsx is a zip archive.
type ExcelEncoder struct {
	f   *excelize.File
	sw  *excelize.StreamWriter
	w   io.Writer
	row int
}

func NewExcelEncoder(w io.Writer) (*ExcelEncoder, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", excelSheet); err != nil {
		f.Close()
		return nil, err
	}
	sw, err := f.NewStreamWriter(excelSheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ExcelEncoder{f: f, sw: sw, w: w, row: 1}, nil
}

func (e *ExcelEncoder) WriteHeader(columns []string) error {
	style, err := e.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	cells := make([]any, len(columns))
	for i, col := range columns {
		cells[i] = excelize.Cell{StyleID: style, Value: col}
	}
	if err := e.sw.SetPanes(&excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	return e.setRow(cells)
}

func (e *ExcelEncoder) WriteRow(values []any) error {
	if e.row > excelize.TotalRows {
		return fmt.Errorf("excel row limit exceeded (%d rows)", excelize.TotalRows)
	}
	cells := make([]any, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case nil:
			cells[i] = nil
		case []byte:
			cells[i] = guardFormula(string(val))
		case string:
			cells[i] = guardFormula(val)
		case time.Time, int64, int, float64, bool:
			cells[i] = val
		default:
			cells[i] = formatValue(val)
		}
	}
	return e.setRow(cells)
}

func (e *ExcelEncoder) setRow(cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, e.row)
	if err != nil {
		return err
	}
	if err := e.sw.SetRow(cell, cells); err != nil {
		return err
	}
	e.row++
	return nil
}

// Flush finishes the sheet and writes the workbook. It can run only once.
func (e *ExcelEncoder) Flush() error {
	if e.sw == nil {
		return nil
	}
	if err := e.sw.Flush(); err != nil {
		return err
	}
	e.sw = nil
	return e.f.Write(e.w)
}

func (e *ExcelEncoder) Close() error {
	return errors.Join(e.Flush(), e.f.Close())
}
