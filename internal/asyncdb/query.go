package asyncdb

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"asyncdb/internal/binder"
	"asyncdb/internal/driver"
	"asyncdb/internal/future"
)

// Query is a statement bound to one connection. It can be executed any
// number of times; each execution is queued on the connection's worker.
type Query struct {
	conn        *Connection
	stmt        *binder.Statement
	text        string
	order       []int
	outstanding atomic.Int32

	mu       sync.Mutex
	closed   bool
	prepared *sql.Stmt
}

// BuildQuery parses sql for placeholders and allocates its parameter slots.
// Nothing is sent to the database until the query is executed.
func (c *Connection) BuildQuery(sql string) *Query {
	st := binder.Parse(sql)
	text, order := st.Rewrite(c.drv.Dialect())
	return &Query{
		conn:  c,
		stmt:  st,
		text:  text,
		order: order,
	}
}

// Connection returns the connection the query runs on.
func (q *Query) Connection() *Connection {
	return q.conn
}

// SQL returns the statement text as given to BuildQuery.
func (q *Query) SQL() string {
	return q.stmt.Text()
}

// Params returns the parameter names in slot order.
func (q *Query) Params() []string {
	return q.stmt.Params()
}

// Outstanding returns the number of executions not yet settled.
func (q *Query) Outstanding() int {
	return int(q.outstanding.Load())
}

// Close releases the prepared statement. It fails with ErrQueryBusy while
// executions are outstanding. Closing twice is a no-op.
func (q *Query) Close() error {
	if q.outstanding.Load() > 0 {
		return ErrQueryBusy
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	prepared := q.prepared
	q.prepared = nil
	q.mu.Unlock()

	if prepared != nil {
		return prepared.Close()
	}
	return nil
}

// validate checks argument shape before anything is enqueued. Every slot
// must end up with exactly one value.
func (q *Query) validate(args []any) error {
	if want := q.stmt.NumParams(); len(args) != want {
		return &ArgumentCountError{Got: len(args), Want: want}
	}
	seen := make(map[string]bool)
	for _, arg := range args {
		named, ok := arg.(sql.NamedArg)
		if !ok {
			continue
		}
		if _, found := q.stmt.Index(named.Name); !found {
			return &UnknownParameterError{Name: named.Name}
		}
		if seen[named.Name] {
			return &DuplicateParameterError{Name: named.Name}
		}
		seen[named.Name] = true
	}
	return nil
}

// bind places each argument in its slot and expands the slots into the
// order the rewritten text expects. Named arguments claim their slot first;
// unnamed ones then fill the remaining slots in order.
func (q *Query) bind(args []any) []any {
	values := make([]any, q.stmt.NumParams())
	claimed := make([]bool, len(values))
	for _, arg := range args {
		if named, ok := arg.(sql.NamedArg); ok {
			slot, _ := q.stmt.Index(named.Name)
			values[slot] = named.Value
			claimed[slot] = true
		}
	}
	next := 0
	for _, arg := range args {
		if _, ok := arg.(sql.NamedArg); ok {
			continue
		}
		for claimed[next] {
			next++
		}
		values[next] = arg
		next++
	}
	return binder.Expand(values, q.order)
}

// command resolves the statement to run on conn. Parameterised statements
// are prepared once and reused; others are sent as plain text.
func (q *Query) command(ctx context.Context, conn *driver.Conn) (command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return command{}, ErrQueryClosed
	}
	if len(q.order) == 0 {
		return command{conn: conn, text: q.text}, nil
	}
	if q.prepared == nil {
		prepared, err := conn.PrepareContext(ctx, q.text)
		if err != nil {
			return command{}, err
		}
		q.prepared = prepared
	}
	return command{conn: conn, text: q.text, prepared: q.prepared}, nil
}

type command struct {
	conn     *driver.Conn
	text     string
	prepared *sql.Stmt
}

func (c command) exec(ctx context.Context, args []any) (sql.Result, error) {
	if c.prepared != nil {
		return c.prepared.ExecContext(ctx, args...)
	}
	return c.conn.ExecContext(ctx, c.text, args...)
}

func (c command) query(ctx context.Context, args []any) (*sql.Rows, error) {
	if c.prepared != nil {
		return c.prepared.QueryContext(ctx, args...)
	}
	return c.conn.QueryContext(ctx, c.text, args...)
}

// ExecuteNonQuery runs the statement and reports the number of rows affected.
func (q *Query) ExecuteNonQuery(args ...any) *future.Future[int64] {
	return start(q, args, execOptions[int64]{}, execNonQuery)
}

func execNonQuery(ctx context.Context, cmd command, args []any) (int64, error) {
	res, err := cmd.exec(ctx, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecuteScalar returns the first column of the first row, or nil if the
// statement produced no rows.
func (q *Query) ExecuteScalar(args ...any) *future.Future[any] {
	return QueryScalarAs[any](q, args...)
}

// QueryScalarAs returns the first column of the first row scanned into T,
// or the zero value of T if the statement produced no rows.
func QueryScalarAs[T any](q *Query, args ...any) *future.Future[T] {
	return start(q, args, execOptions[T]{}, func(ctx context.Context, cmd command, args []any) (T, error) {
		var v T
		rows, err := cmd.query(ctx, args)
		if err != nil {
			return v, err
		}
		defer rows.Close()

		if !rows.Next() {
			return v, rows.Err()
		}
		cols, err := rows.Columns()
		if err != nil {
			return v, err
		}
		dest := make([]any, len(cols))
		dest[0] = &v
		for i := 1; i < len(dest); i++ {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return v, err
		}
		return v, rows.Close()
	})
}

// QueryScalarInto is QueryScalarAs that also stores the value in target on success.
func QueryScalarInto[T any](q *Query, target *T, args ...any) *future.Future[T] {
	return future.Bind(QueryScalarAs[T](q, args...), target)
}

// ExecuteReader opens a cursor. The connection stays reserved for this
// reader until it is closed.
func (q *Query) ExecuteReader(args ...any) *future.Future[*Reader] {
	var f *future.Future[*Reader]
	f, op := prepare(q, args, execOptions[*Reader]{
		keepActive: true,
		discard:    func(r *Reader) { r.discard() },
	}, func(ctx context.Context, cmd command, args []any) (*Reader, error) {
		rows, err := cmd.query(ctx, args)
		if err != nil {
			return nil, err
		}
		r := &Reader{query: q, rows: rows, handle: f}
		q.conn.trackReader(r)
		return r, nil
	})
	if op != nil {
		q.conn.submit(op)
	}
	return f
}

// GetColumnNames runs the statement and returns its result column names.
func (q *Query) GetColumnNames(args ...any) *future.Future[[]string] {
	return start(q, args, execOptions[[]string]{}, func(ctx context.Context, cmd command, args []any) ([]string, error) {
		rows, err := cmd.query(ctx, args)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return rows.Columns()
	})
}

// Execute streams every row of the result.
func (q *Query) Execute(args ...any) *Stream[Row] {
	return ExecuteFunc(q, scanRow, args...)
}

// ExecuteAs streams every row mapped to T. Structs with `db` tags are
// filled by column name; any other T receives the first column.
func ExecuteAs[T any](q *Query, args ...any) *Stream[T] {
	return ExecuteFunc(q, newRowMapper[T](), args...)
}

// ExecuteFunc streams every row through a caller-supplied mapper.
func ExecuteFunc[T any](q *Query, mapper func(driver.RowStreamer) (T, error), args ...any) *Stream[T] {
	return newStream(q.ExecuteReader(args...), mapper)
}

// QueryArray collects every row of the result as T.
func QueryArray[T any](q *Query, args ...any) *future.Future[[]T] {
	return collect(ExecuteAs[T](q, args...), nil)
}

type execOptions[T any] struct {
	// keepActive leaves the connection reserved after a successful result;
	// the result itself releases it.
	keepActive bool
	// discard releases a result nobody will receive because the future
	// was disposed while the operation ran.
	discard func(T)
}

// start validates args, registers the bookkeeping callbacks and enqueues run.
// Validation failures return an already failed future without enqueueing.
func start[T any](q *Query, args []any, opts execOptions[T], run func(ctx context.Context, cmd command, args []any) (T, error)) *future.Future[T] {
	f, op := prepare(q, args, opts, run)
	if op != nil {
		q.conn.submit(op)
	}
	return f
}

func prepare[T any](q *Query, args []any, opts execOptions[T], run func(ctx context.Context, cmd command, args []any) (T, error)) (*future.Future[T], *pendingOperation) {
	if err := q.validate(args); err != nil {
		return future.Failed[T](err), nil
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return future.Failed[T](ErrQueryClosed), nil
	}

	f := future.New[T]()
	c := q.conn

	var once sync.Once
	release := func() {
		once.Do(func() { q.outstanding.Add(-1) })
	}
	q.outstanding.Add(1)

	f.RegisterOnDispose(func(f *future.Future[T]) {
		release()
		c.notifyCompleted(f)
	})
	f.RegisterOnComplete(func(f *future.Future[T]) {
		release()
		if !opts.keepActive || f.Failed() {
			c.notifyCompleted(f)
		}
	})

	op := &pendingOperation{
		handle: f,
		execute: func(conn *driver.Conn) func() {
			ctx := f.Context()
			cmd, err := q.command(ctx, conn)
			if err != nil {
				return func() {
					release()
					f.Fail(err)
				}
			}
			v, err := run(ctx, cmd, q.bind(args))
			// The counter drops before the future settles so a caller that
			// waited on it can close the query straight away.
			return func() {
				release()
				if !f.SetResult(v, err) && err == nil && opts.discard != nil {
					opts.discard(v)
				}
			}
		},
	}
	return f, op
}
