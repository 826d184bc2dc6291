package exporter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// JSONEncoder writes JSON Lines: one object per row with keys in column order.
type JSONEncoder struct {
	w    *bufio.Writer
	keys [][]byte
	line bytes.Buffer
}

func NewJSONEncoder(w io.Writer) *JSONEncoder {
	return &JSONEncoder{w: bufio.NewWriterSize(w, 64*1024)}
}

// WriteHeader pre-encodes every `"column":` prefix.
func (e *JSONEncoder) WriteHeader(columns []string) error {
	e.keys = make([][]byte, len(columns))
	for i, col := range columns {
		key, err := json.Marshal(col)
		if err != nil {
			return err
		}
		e.keys[i] = append(key, ':')
	}
	return nil
}

func (e *JSONEncoder) WriteRow(values []any) error {
	e.line.Reset()
	e.line.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			e.line.WriteByte(',')
		}
		if i < len(e.keys) {
			e.line.Write(e.keys[i])
		} else {
			e.line.WriteString(`"column_` + strconv.Itoa(i+1) + `":`)
		}

		switch val := v.(type) {
		case []byte:
			v = string(val)
		case time.Time:
			v = val.Format(time.RFC3339Nano)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		e.line.Write(data)
	}
	e.line.WriteString("}\n")

	_, err := e.w.Write(e.line.Bytes())
	return err
}

func (e *JSONEncoder) Flush() error {
	return e.w.Flush()
}

func (e *JSONEncoder) Close() error {
	return e.Flush()
}
