package exporter

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/driver"
)

func seeded(t *testing.T) *asyncdb.Connection {
	t.Helper()
	ctx := context.Background()
	c, err := asyncdb.Open(ctx, driver.NewSQLiteDriver(":memory:"), asyncdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER, name TEXT, score REAL)",
		"INSERT INTO users VALUES (1, 'ann', 1.5), (2, '=cmd()', -2), (3, NULL, 0)",
	} {
		if _, err := c.ExecuteSQL(stmt).Wait(ctx); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	return c
}

func export(t *testing.T, c *asyncdb.Connection, f Format, query string, args ...any) ([]byte, *ExportResult) {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(f, &buf)
	if err != nil {
		t.Fatal(err)
	}
	q := c.BuildQuery(query)
	defer q.Close()

	res, err := StreamQuery(context.Background(), q, enc, args...)
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes(), res
}

func TestStreamQueryCSV(t *testing.T) {
	c := seeded(t)
	out, res := export(t, c, FormatCSV, "SELECT id, name, score FROM users ORDER BY id")

	want := "id,name,score\n1,ann,1.5\n2,'=cmd(),-2\n3,NULL,0\n"
	if string(out) != want {
		t.Errorf("csv =\n%s\nwant\n%s", out, want)
	}
	if res.RowsProcessed != 3 || len(res.Columns) != 3 {
		t.Errorf("result = %+v", res)
	}
	if c.TransactionDepth() != 0 {
		t.Errorf("transaction left open, depth %d", c.TransactionDepth())
	}
}

func TestStreamQueryJSONKeepsColumnOrder(t *testing.T) {
	c := seeded(t)
	out, _ := export(t, c, FormatJSON, "SELECT name, id FROM users WHERE id = @id", sql.Named("id", 1))

	if want := `{"name":"ann","id":1}` + "\n"; string(out) != want {
		t.Errorf("json = %q, want %q", out, want)
	}
}

func TestStreamQueryEmptyResult(t *testing.T) {
	c := seeded(t)
	out, res := export(t, c, FormatCSV, "SELECT id FROM users WHERE id > ?", 100)
	if string(out) != "id\n" || res.RowsProcessed != 0 {
		t.Errorf("out = %q, rows = %d", out, res.RowsProcessed)
	}
}

func TestStreamQueryFailure(t *testing.T) {
	c := seeded(t)
	q := c.BuildQuery("SELECT nope FROM users")
	defer q.Close()

	if _, err := StreamQuery(context.Background(), q, NewCSVEncoder(&bytes.Buffer{})); err == nil {
		t.Fatal("expected error")
	}
	if c.TransactionDepth() != 0 {
		t.Errorf("failed export left depth %d", c.TransactionDepth())
	}
}

func TestStreamQueryExcel(t *testing.T) {
	c := seeded(t)
	out, _ := export(t, c, FormatExcel, "SELECT id, name FROM users ORDER BY id")

	f, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(excelSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][1] != "name" || rows[2][1] != "'=cmd()" {
		t.Errorf("rows = %v", rows)
	}
}

func TestStreamQueryPDF(t *testing.T) {
	c := seeded(t)
	out, _ := export(t, c, FormatPDF, "SELECT id, name, score FROM users")
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Errorf("output is not a PDF: %q", out[:min(len(out), 16)])
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ext  string
	}{
		{"", FormatCSV, "csv"},
		{"JSON", FormatJSON, "jsonl"},
		{"xlsx", FormatExcel, "xlsx"},
		{"pdf", FormatPDF, "pdf"},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil || got != tt.want || got.Extension() != tt.ext {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{[]byte("raw"), "raw"},
		{int64(-7), "-7"},
		{2.50, "2.5"},
		{true, "1"},
		{ts, "2024-03-01 12:30:00"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := csvField("+1"); !strings.HasPrefix(got, "'") {
		t.Errorf("formula not guarded: %q", got)
	}
}
