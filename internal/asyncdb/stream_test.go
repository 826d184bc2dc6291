package asyncdb

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"testing"

	"asyncdb/internal/driver"
)

func rowsOf(n int) [][]sqldriver.Value {
	rows := make([][]sqldriver.Value, n)
	for i := range rows {
		rows[i] = []sqldriver.Value{int64(i), "name"}
	}
	return rows
}

func TestStreamOverEmptyResult(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM empty", []string{"id", "name"})

	q := c.BuildQuery("SELECT * FROM empty")
	defer q.Close()
	st := q.Execute()
	if st.Next(context.Background()) {
		t.Fatal("Next returned a row for an empty result")
	}
	if err := st.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	eventually(t, "active slot to be freed", func() bool { return c.activeOperation() == nil })
	await(t, c.ExecuteSQL("UPDATE t SET a = 1"))
	st.Close()
}

func TestStreamYieldsRowsInOrder(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM t", []string{"id", "name"}, rowsOf(5)...)

	q := c.BuildQuery("SELECT * FROM t")
	defer q.Close()
	st := q.Execute()
	defer st.Close()

	var n int64
	for st.Next(context.Background()) {
		row := st.Value()
		if id, ok := row.Get("ID"); !ok || id != n {
			t.Fatalf("row %d id = %v", n, id)
		}
		if row.Map()["name"] != "name" {
			t.Fatalf("row %d = %v", n, row.Values)
		}
		n++
	}
	if err := st.Err(); err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("rows = %d, want 5", n)
	}
	if st.Next(context.Background()) {
		t.Error("exhausted stream produced another row")
	}
}

func TestEarlyCloseFreesConnection(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM t", []string{"id", "name"}, rowsOf(100)...)

	q := c.BuildQuery("SELECT * FROM t")
	defer q.Close()
	st := ExecuteAs[int64](q)
	for i := 0; i < 3; i++ {
		if !st.Next(context.Background()) {
			t.Fatalf("stream ended after %d rows: %v", i, st.Err())
		}
	}
	next := c.ExecuteSQL("UPDATE t SET a = 1")
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	await(t, next)
	if c.activeOperation() != nil {
		t.Error("active slot still held")
	}
}

func TestRangeBreakFreesConnection(t *testing.T) {
	c := openSQLite(t)
	await(t, c.ExecuteSQL("CREATE TABLE T (id INTEGER)"))
	await(t, c.ExecuteSQL("INSERT INTO T VALUES (1), (2), (3)"))

	q := c.BuildQuery("SELECT id FROM T ORDER BY id")
	defer q.Close()

	var seen []int64
	for id, err := range ExecuteAs[int64](q).All(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		seen = append(seen, id)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("seen = %v", seen)
	}
	await(t, c.ExecuteSQL("INSERT INTO T VALUES (4)"))
}

func TestCloseBeforeReaderOpens(t *testing.T) {
	c, s := openFake(t)

	running := c.ExecuteSQL("WAIT")
	s.waitStarted(t)

	q := c.BuildQuery("SELECT * FROM never")
	st := q.Execute()
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.open()
	await(t, running)
	await(t, c.ExecuteSQL("UPDATE t SET a = 1"))

	if s.count("SELECT * FROM never") != 0 {
		t.Error("closed stream still ran its query")
	}
	if err := q.Close(); err != nil {
		t.Errorf("query Close: %v", err)
	}
}

func TestStreamReportsQueryError(t *testing.T) {
	c, _ := openFake(t)

	q := c.BuildQuery("FAIL select")
	defer q.Close()
	st := q.Execute()
	if st.Next(context.Background()) {
		t.Fatal("Next returned a row for a failed query")
	}
	if err := st.Err(); err == nil {
		t.Fatal("Err = nil, want the driver error")
	}
	await(t, c.ExecuteSQL("UPDATE t SET a = 1"))
}

func TestStreamReportsMapperError(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM t", []string{"id"}, rowsOf(3)...)

	errMapper := errors.New("mapper")
	q := c.BuildQuery("SELECT * FROM t")
	defer q.Close()
	st := ExecuteFunc(q, func(driver.RowStreamer) (int, error) { return 0, errMapper })
	for st.Next(context.Background()) {
	}
	if !errors.Is(st.Err(), errMapper) {
		t.Errorf("Err = %v, want mapper error", st.Err())
	}
	await(t, c.ExecuteSQL("UPDATE t SET a = 1"))
}

func TestReaderHoldsConnectionUntilClosed(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM t", []string{"id", "name"}, rowsOf(2)...)

	q := c.BuildQuery("SELECT * FROM t")
	defer q.Close()
	r := await(t, q.ExecuteReader())
	next := c.ExecuteSQL("UPDATE t SET a = 1")

	if cols, _ := r.Columns(); len(cols) != 2 {
		t.Fatalf("columns = %v", cols)
	}
	for r.Next() {
	}
	if next.Completed() {
		t.Fatal("operation ran while a reader was open")
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	await(t, next)
}

func TestStreamColumns(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM empty", []string{"id", "name"})

	q := c.BuildQuery("SELECT * FROM empty")
	defer q.Close()
	st := q.Execute()
	defer st.Close()

	cols, err := st.Columns(context.Background())
	if err != nil || len(cols) != 2 || cols[1] != "name" {
		t.Fatalf("Columns = %v, %v", cols, err)
	}

	failed := c.BuildQuery("FAIL columns").Execute()
	if _, err := failed.Columns(context.Background()); err == nil {
		t.Error("Columns on a failed query returned no error")
	}
}
