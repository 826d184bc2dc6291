package asyncdb

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"asyncdb/internal/binder"
	"asyncdb/internal/driver"
	"asyncdb/internal/future"
)

// fakeServer records every statement sent to it. Statements starting with
// WAIT block until the gate is opened; statements starting with FAIL error.
type fakeServer struct {
	mu      sync.Mutex
	log     []fakeCall
	results map[string]fakeResult

	gate    chan struct{}
	started chan string

	// running counts statements currently inside the server.
	running    atomic.Int32
	maxRunning atomic.Int32
}

type fakeCall struct {
	text string
	args []any
}

type fakeResult struct {
	cols []string
	rows [][]sqldriver.Value
}

var (
	fakeServers sync.Map
	fakeSeq     atomic.Int64
)

func init() {
	sql.Register("asyncdb-fake", fakeSQLDriver{})
}

func newFakeServer(t *testing.T) (*fakeServer, driver.Driver) {
	t.Helper()
	s := &fakeServer{
		results: make(map[string]fakeResult),
		gate:    make(chan struct{}),
		started: make(chan string, 64),
	}
	dsn := fmt.Sprintf("fake-%d", fakeSeq.Add(1))
	fakeServers.Store(dsn, s)
	t.Cleanup(func() {
		s.open()
		fakeServers.Delete(dsn)
	})
	return s, driver.NewSQLDriver("fake", "asyncdb-fake", dsn, binder.Question)
}

// open releases every WAIT statement, now and in the future.
func (s *fakeServer) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.gate:
	default:
		close(s.gate)
	}
}

func (s *fakeServer) setResult(text string, cols []string, rows ...[]sqldriver.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[text] = fakeResult{cols: cols, rows: rows}
}

func (s *fakeServer) statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	for i, c := range s.log {
		out[i] = c.text
	}
	return out
}

func (s *fakeServer) calls() []fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeCall(nil), s.log...)
}

func (s *fakeServer) count(text string) int {
	n := 0
	for _, st := range s.statements() {
		if st == text {
			n++
		}
	}
	return n
}

// waitStarted blocks until a WAIT statement is inside the server.
func (s *fakeServer) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case text := <-s.started:
		return text
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a statement to start")
		return ""
	}
}

func (s *fakeServer) run(ctx context.Context, text string, args []sqldriver.NamedValue) (fakeResult, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		peak := s.maxRunning.Load()
		if n <= peak || s.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}

	call := fakeCall{text: text}
	for _, a := range args {
		call.args = append(call.args, a.Value)
	}
	s.mu.Lock()
	s.log = append(s.log, call)
	res := s.results[text]
	gate := s.gate
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(text, "WAIT"):
		s.started <- text
		select {
		case <-gate:
		case <-ctx.Done():
			return fakeResult{}, ctx.Err()
		}
	case strings.HasPrefix(text, "FAIL"):
		return fakeResult{}, errors.New("fake failure: " + text)
	case strings.HasPrefix(text, "PANIC"):
		panic("fake panic")
	}
	if res.cols == nil {
		res.cols = []string{"x"}
	}
	return res, nil
}

type fakeSQLDriver struct{}

func (fakeSQLDriver) Open(dsn string) (sqldriver.Conn, error) {
	key, _, _ := strings.Cut(dsn, "?")
	v, ok := fakeServers.Load(key)
	if !ok {
		return nil, fmt.Errorf("no fake server %q", dsn)
	}
	s := v.(*fakeServer)
	s.mu.Lock()
	s.log = append(s.log, fakeCall{text: "OPEN " + dsn})
	s.mu.Unlock()
	return &fakeConn{s: s}, nil
}

type fakeConn struct {
	s *fakeServer
}

func (c *fakeConn) Prepare(query string) (sqldriver.Stmt, error) {
	return &fakeStmt{s: c.s, text: query}, nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (sqldriver.Tx, error) {
	return nil, errors.New("use BEGIN statements")
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []sqldriver.NamedValue) (sqldriver.Result, error) {
	if _, err := c.s.run(ctx, query, args); err != nil {
		return nil, err
	}
	return sqldriver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []sqldriver.NamedValue) (sqldriver.Rows, error) {
	res, err := c.s.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{res: res}, nil
}

type fakeStmt struct {
	s    *fakeServer
	text string
}

func (st *fakeStmt) Close() error  { return nil }
func (st *fakeStmt) NumInput() int { return -1 }

func (st *fakeStmt) Exec(args []sqldriver.Value) (sqldriver.Result, error) {
	return nil, errors.New("use ExecContext")
}

func (st *fakeStmt) Query(args []sqldriver.Value) (sqldriver.Rows, error) {
	return nil, errors.New("use QueryContext")
}

func (st *fakeStmt) ExecContext(ctx context.Context, args []sqldriver.NamedValue) (sqldriver.Result, error) {
	if _, err := st.s.run(ctx, st.text, args); err != nil {
		return nil, err
	}
	return sqldriver.RowsAffected(1), nil
}

func (st *fakeStmt) QueryContext(ctx context.Context, args []sqldriver.NamedValue) (sqldriver.Rows, error) {
	res, err := st.s.run(ctx, st.text, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{res: res}, nil
}

type fakeRows struct {
	res fakeResult
	i   int
}

func (r *fakeRows) Columns() []string { return r.res.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []sqldriver.Value) error {
	if r.i >= len(r.res.rows) {
		return io.EOF
	}
	copy(dest, r.res.rows[r.i])
	r.i++
	return nil
}

// helpers shared by the package tests

func openFake(t *testing.T) (*Connection, *fakeServer) {
	t.Helper()
	s, drv := newFakeServer(t)
	c, err := Open(context.Background(), drv, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Dispose() })
	return c, s
}

func openSQLite(t *testing.T) *Connection {
	t.Helper()
	c, err := Open(context.Background(), driver.NewSQLiteDriver(":memory:"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func await[T any](t *testing.T, f *future.Future[T]) T {
	t.Helper()
	v, err := awaitErr(t, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

func awaitErr[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("timed out waiting for future")
	}
	return v, err
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
