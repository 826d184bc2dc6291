package asyncdb

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/jmoiron/sqlx/reflectx"

	"asyncdb/internal/driver"
)

// Row is one result row with values in column order. Values hold whatever
// the driver produced: int64, float64, bool, []byte, string, time.Time or nil.
type Row struct {
	Columns []string
	Values  []any
}

// Get returns the value of the named column. Names match case-insensitively.
func (r Row) Get(name string) (any, bool) {
	for i, col := range r.Columns {
		if strings.EqualFold(col, name) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Map returns the row as a column-keyed map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, col := range r.Columns {
		m[col] = r.Values[i]
	}
	return m
}

func scanRow(rs driver.RowStreamer) (Row, error) {
	cols, err := rs.Columns()
	if err != nil {
		return Row{}, err
	}
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rs.Scan(dest...); err != nil {
		return Row{}, err
	}
	return Row{Columns: cols, Values: values}, nil
}

// scanFirstColumn scans column 0 into T and discards the rest.
func scanFirstColumn[T any](rs driver.RowStreamer) (T, error) {
	var v T
	cols, err := rs.Columns()
	if err != nil {
		return v, err
	}
	if len(cols) == 0 {
		return v, fmt.Errorf("result has no columns")
	}
	dest := make([]any, len(cols))
	dest[0] = &v
	for i := 1; i < len(dest); i++ {
		dest[i] = new(any)
	}
	return v, rs.Scan(dest...)
}

var structMapper = reflectx.NewMapperFunc("db", strings.ToLower)

var scannerType = reflect.TypeFor[sql.Scanner]()

// newRowMapper returns a mapper for T. Structs (or pointers to structs) that
// do not implement sql.Scanner are filled field by field from `db` tags,
// falling back to the lower-cased field name. Columns with no matching field
// are skipped. Every other T receives the first column.
func newRowMapper[T any]() func(driver.RowStreamer) (T, error) {
	t := reflect.TypeFor[T]()
	base := reflectx.Deref(t)
	if base.Kind() != reflect.Struct || reflect.PointerTo(base).Implements(scannerType) {
		return scanFirstColumn[T]
	}

	var fields [][]int
	return func(rs driver.RowStreamer) (T, error) {
		var out T
		if fields == nil {
			cols, err := rs.Columns()
			if err != nil {
				return out, err
			}
			fields = structMapper.TraversalsByName(base, lowerAll(cols))
		}

		target := reflect.New(base)
		dest := make([]any, len(fields))
		for i, index := range fields {
			if len(index) == 0 {
				dest[i] = new(any)
				continue
			}
			dest[i] = reflectx.FieldByIndexes(target.Elem(), index).Addr().Interface()
		}
		if err := rs.Scan(dest...); err != nil {
			return out, err
		}

		if t.Kind() == reflect.Pointer {
			return target.Interface().(T), nil
		}
		return target.Elem().Interface().(T), nil
	}
}

func lowerAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}
