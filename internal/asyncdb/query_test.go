package asyncdb

import (
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"reflect"
	"testing"
)

func TestScalarCountOnEmptyTable(t *testing.T) {
	c := openSQLite(t)
	await(t, c.ExecuteSQL("CREATE TABLE T (id INTEGER)"))

	count := c.BuildQuery("SELECT COUNT(*) FROM T")
	defer count.Close()
	if got := await(t, count.ExecuteScalar()); got != int64(0) {
		t.Fatalf("count = %v (%T), want 0", got, got)
	}

	insert := c.BuildQuery("INSERT INTO T VALUES (?)")
	defer insert.Close()
	if n := await(t, insert.ExecuteNonQuery(1)); n != 1 {
		t.Fatalf("rows affected = %d, want 1", n)
	}
	if got := await(t, count.ExecuteScalar()); got != int64(1) {
		t.Fatalf("count = %v, want 1", got)
	}
}

func TestScalarWithNoRows(t *testing.T) {
	c := openSQLite(t)
	await(t, c.ExecuteSQL("CREATE TABLE T (id INTEGER)"))

	if got := await(t, c.ExecuteScalar("SELECT id FROM T")); got != nil {
		t.Errorf("ExecuteScalar = %v, want nil", got)
	}
	if got := await(t, ExecuteScalarAs[int64](c, "SELECT id FROM T")); got != 0 {
		t.Errorf("ExecuteScalarAs = %d, want 0", got)
	}
}

func TestQueryScalarInto(t *testing.T) {
	c := openSQLite(t)
	q := c.BuildQuery("SELECT @a || '-' || @b")
	defer q.Close()

	var got string
	await(t, QueryScalarInto(q, &got, sql.Named("b", "y"), sql.Named("a", "x")))
	if got != "x-y" {
		t.Errorf("got %q, want %q", got, "x-y")
	}
}

func TestArgumentValidationFailsBeforeEnqueue(t *testing.T) {
	c, s := openFake(t)
	q := c.BuildQuery("SELECT * FROM t WHERE a = ? AND b = @b")
	defer q.Close()

	_, err := awaitErr(t, q.ExecuteNonQuery(1))
	var countErr *ArgumentCountError
	if !errors.As(err, &countErr) || countErr.Got != 1 || countErr.Want != 2 {
		t.Fatalf("err = %v, want ArgumentCountError{1, 2}", err)
	}
	if !errors.Is(err, ErrArgumentCount) {
		t.Error("ArgumentCountError does not match ErrArgumentCount")
	}

	_, err = awaitErr(t, q.ExecuteNonQuery(1, sql.Named("c", 2)))
	var nameErr *UnknownParameterError
	if !errors.As(err, &nameErr) || nameErr.Name != "c" {
		t.Fatalf("err = %v, want UnknownParameterError{c}", err)
	}
	if !errors.Is(err, ErrUnknownParameter) {
		t.Error("UnknownParameterError does not match ErrUnknownParameter")
	}

	if q.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", q.Outstanding())
	}
	for _, st := range s.statements() {
		if st != "OPEN "+c.Driver().DSN() {
			t.Errorf("unexpected statement %q reached the driver", st)
		}
	}
}

func TestNamedAndPositionalBinding(t *testing.T) {
	c, s := openFake(t)
	q := c.BuildQuery("UPDATE t SET a = @a WHERE b = ? AND c = @a AND d = '@x?'")
	defer q.Close()

	if want := []string{"p0", "a"}; !reflect.DeepEqual(q.Params(), want) {
		t.Fatalf("Params = %v, want %v", q.Params(), want)
	}
	await(t, q.ExecuteNonQuery(sql.Named("a", "x"), int64(5)))

	calls := s.calls()
	last := calls[len(calls)-1]
	if want := "UPDATE t SET a = ? WHERE b = ? AND c = ? AND d = '@x?'"; last.text != want {
		t.Errorf("text = %q, want %q", last.text, want)
	}
	if want := []any{"x", int64(5), "x"}; !reflect.DeepEqual(last.args, want) {
		t.Errorf("args = %v, want %v", last.args, want)
	}
}

func TestPositionalFillsSlotsNamedArgumentsLeftOpen(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		args []any
		want []any
	}{
		{
			name: "NamedThenPositional",
			sql:  "UPDATE t SET a = @a, b = @b",
			args: []any{sql.Named("a", int64(1)), int64(2)},
			want: []any{int64(1), int64(2)},
		},
		{
			name: "PositionalThenNamed",
			sql:  "UPDATE t SET a = @a, b = @b",
			args: []any{int64(1), sql.Named("b", int64(2))},
			want: []any{int64(1), int64(2)},
		},
		{
			name: "SecondNamedFirst",
			sql:  "UPDATE t SET a = @a, b = @b, c = @c",
			args: []any{sql.Named("b", "y"), "x", "z"},
			want: []any{"x", "y", "z"},
		},
		{
			name: "MarkerAndNames",
			sql:  "UPDATE t SET a = @a, b = ? WHERE c = @c",
			args: []any{sql.Named("a", "x"), sql.Named("c", "z"), "y"},
			want: []any{"x", "y", "z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s := openFake(t)
			q := c.BuildQuery(tt.sql)
			defer q.Close()
			await(t, q.ExecuteNonQuery(tt.args...))

			calls := s.calls()
			last := calls[len(calls)-1]
			if !reflect.DeepEqual(last.args, tt.want) {
				t.Errorf("args = %#v, want %#v", last.args, tt.want)
			}
		})
	}
}

func TestDuplicateNamedArgumentFailsBeforeEnqueue(t *testing.T) {
	c, s := openFake(t)
	q := c.BuildQuery("UPDATE t SET a = @a, b = @b")
	defer q.Close()

	_, err := awaitErr(t, q.ExecuteNonQuery(sql.Named("a", 1), sql.Named("a", 2)))
	var dupErr *DuplicateParameterError
	if !errors.As(err, &dupErr) || dupErr.Name != "a" {
		t.Fatalf("err = %v, want DuplicateParameterError{a}", err)
	}
	if !errors.Is(err, ErrDuplicateParameter) {
		t.Error("DuplicateParameterError does not match ErrDuplicateParameter")
	}
	if got := len(s.statements()); got != 1 {
		t.Errorf("%d statements reached the driver", got-1)
	}
}

func TestDriverErrorIsDelivered(t *testing.T) {
	c, _ := openFake(t)

	_, err := awaitErr(t, c.ExecuteSQL("FAIL now"))
	if err == nil || err.Error() != "fake failure: FAIL now" {
		t.Fatalf("err = %v, want the driver error", err)
	}
	// The worker survives and keeps serving.
	if n := await(t, c.ExecuteSQL("UPDATE t SET a = 1")); n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}
}

func TestPanicInOperationIsDelivered(t *testing.T) {
	c, _ := openFake(t)

	if _, err := awaitErr(t, c.ExecuteSQL("PANIC")); err == nil {
		t.Fatal("expected panic to be reported as an error")
	}
	await(t, c.ExecuteSQL("UPDATE t SET a = 1"))
}

func TestQueryCloseWhileBusy(t *testing.T) {
	c, s := openFake(t)
	q := c.BuildQuery("WAIT")

	f := q.ExecuteNonQuery()
	s.waitStarted(t)
	if q.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d, want 1", q.Outstanding())
	}
	if err := q.Close(); !errors.Is(err, ErrQueryBusy) || !errors.Is(err, ErrInvalidOperationState) {
		t.Fatalf("Close = %v, want ErrQueryBusy", err)
	}

	s.open()
	await(t, f)
	if err := q.Close(); err != nil {
		t.Fatalf("Close after completion: %v", err)
	}
	if _, err := awaitErr(t, q.ExecuteNonQuery()); !errors.Is(err, ErrQueryClosed) {
		t.Errorf("execute after Close = %v, want ErrQueryClosed", err)
	}
}

func TestPreparedStatementIsReused(t *testing.T) {
	c := openSQLite(t)
	await(t, c.ExecuteSQL("CREATE TABLE T (id INTEGER)"))

	q := c.BuildQuery("INSERT INTO T VALUES (?)")
	defer q.Close()
	for i := range 5 {
		await(t, q.ExecuteNonQuery(i))
	}
	if q.prepared == nil {
		t.Fatal("parameterised query was not prepared")
	}
	if got := await(t, ExecuteScalarAs[int64](c, "SELECT SUM(id) FROM T")); got != 10 {
		t.Errorf("sum = %d, want 10", got)
	}
}

func TestGetColumnNames(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM users", []string{"id", "name"})

	q := c.BuildQuery("SELECT * FROM users")
	defer q.Close()
	if got := await(t, q.GetColumnNames()); !reflect.DeepEqual(got, []string{"id", "name"}) {
		t.Errorf("columns = %v", got)
	}
}

type user struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Email string
}

func TestExecuteArrayMapsStructs(t *testing.T) {
	c, s := openFake(t)
	s.setResult("SELECT * FROM users", []string{"ID", "name", "email", "extra"},
		[]sqldriver.Value{int64(1), "ann", "ann@example.com", "skip"},
		[]sqldriver.Value{int64(2), "bob", "bob@example.com", "skip"},
	)

	got := await(t, ExecuteArray[user](c, "SELECT * FROM users"))
	want := []user{
		{ID: 1, Name: "ann", Email: "ann@example.com"},
		{ID: 2, Name: "bob", Email: "bob@example.com"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	ptrs := await(t, ExecuteArray[*user](c, "SELECT * FROM users"))
	if len(ptrs) != 2 || *ptrs[1] != want[1] {
		t.Errorf("pointer rows = %+v", ptrs)
	}
}

func TestExecuteArrayScalars(t *testing.T) {
	c := openSQLite(t)
	await(t, c.ExecuteSQL("CREATE TABLE T (id INTEGER, name TEXT)"))
	await(t, c.ExecuteSQL("INSERT INTO T VALUES (1, 'a'), (2, 'b'), (3, 'c')"))

	ids := await(t, ExecuteArray[int64](c, "SELECT id FROM T WHERE id > ? ORDER BY id", 1))
	if !reflect.DeepEqual(ids, []int64{2, 3}) {
		t.Errorf("ids = %v", ids)
	}

	names := await(t, ExecutePrimitiveArray[string](c, "SELECT name, id FROM T ORDER BY id"))
	if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Errorf("names = %v", names)
	}

	empty := await(t, ExecuteArray[int64](c, "SELECT id FROM T WHERE id > 100"))
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty result = %#v, want empty non-nil slice", empty)
	}
}

func TestQueryArray(t *testing.T) {
	c := openSQLite(t)
	await(t, c.ExecuteSQL("CREATE TABLE T (id INTEGER, name TEXT)"))
	await(t, c.ExecuteSQL("INSERT INTO T VALUES (1, 'a'), (2, 'b')"))

	q := c.BuildQuery("SELECT id, name FROM T WHERE name <> @skip ORDER BY id")
	defer q.Close()
	got := await(t, QueryArray[user](q, sql.Named("skip", "a")))
	if len(got) != 1 || got[0].ID != 2 || got[0].Name != "b" {
		t.Errorf("got %+v", got)
	}
}
