package asyncdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"asyncdb/internal/driver"
	"asyncdb/internal/future"
)

// Options tunes a Connection. The zero value is usable.
type Options struct {
	// IdleTimeout is how long the worker goroutine lingers without work.
	IdleTimeout time.Duration
	// Logger receives teardown and worker diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Connection serialises every command against one database connection
// through a single worker goroutine. All methods are safe for concurrent use;
// results are delivered through futures.
type Connection struct {
	drv         driver.Driver
	owns        bool
	idleTimeout time.Duration
	logger      *slog.Logger
	opts        Options

	// mu guards the connection handle, the closing flag and the queue.
	mu            sync.Mutex
	conn          *driver.Conn
	closing       bool
	queue         []*pendingOperation
	workerRunning bool
	workerDone    chan struct{}

	// execMu is held while an operation's action touches the connection.
	execMu sync.Mutex

	// activeMu guards the active-operation slot and the open reader.
	activeMu sync.Mutex
	active   future.Handle
	reader   *Reader

	// txMu guards the transaction depth and is held while the statement
	// that changes it is enqueued, so BEGIN/COMMIT keep their order.
	txMu     sync.Mutex
	txDepth  int
	txFailed bool
	txOpen   bool

	wake chan struct{}
	stop chan struct{}

	disposeOnce sync.Once
	disposed    *future.Future[struct{}]

	beginTx, beginTxExclusive, commitTx, rollbackTx *Query
}

// Open opens a new connection through drv. The returned Connection owns it
// and closes it on teardown.
func Open(ctx context.Context, drv driver.Driver, opts Options) (*Connection, error) {
	conn, err := drv.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", drv.Name(), err)
	}
	return newConnection(conn, drv, true, opts), nil
}

// Wrap serialises access to a connection the caller opened. The caller keeps
// ownership: teardown releases it without closing it.
func Wrap(conn *driver.Conn, drv driver.Driver, opts Options) *Connection {
	return newConnection(conn, drv, false, opts)
}

func newConnection(conn *driver.Conn, drv driver.Driver, owns bool, opts Options) *Connection {
	c := &Connection{
		drv:         drv,
		owns:        owns,
		conn:        conn,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		opts:        opts,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = DefaultIdleTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	exclusive := "BEGIN"
	if drv.Name() == "sqlite" {
		exclusive = "BEGIN EXCLUSIVE"
	}
	c.beginTx = c.BuildQuery("BEGIN")
	c.beginTxExclusive = c.BuildQuery(exclusive)
	c.commitTx = c.BuildQuery("COMMIT")
	c.rollbackTx = c.BuildQuery("ROLLBACK")
	return c
}

// Driver returns the driver the connection was opened with.
func (c *Connection) Driver() driver.Driver {
	return c.drv
}

func (c *Connection) driverName() string {
	return c.drv.Name()
}

// Closed reports whether teardown has started.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || c.conn == nil
}

// ExecuteSQL runs a throwaway statement and reports rows affected.
func (c *Connection) ExecuteSQL(sql string, args ...any) *future.Future[int64] {
	q := c.BuildQuery(sql)
	return closeWhenSettled(q, q.ExecuteNonQuery(args...))
}

// ExecuteScalar runs a throwaway statement and returns the first column of
// the first row, or nil if there are no rows.
func (c *Connection) ExecuteScalar(sql string, args ...any) *future.Future[any] {
	q := c.BuildQuery(sql)
	return closeWhenSettled(q, q.ExecuteScalar(args...))
}

// ExecuteScalarAs is ExecuteScalar with the value scanned into T.
func ExecuteScalarAs[T any](c *Connection, sql string, args ...any) *future.Future[T] {
	q := c.BuildQuery(sql)
	return closeWhenSettled(q, QueryScalarAs[T](q, args...))
}

// ExecuteArray runs a throwaway statement and collects every row as T.
func ExecuteArray[T any](c *Connection, sql string, args ...any) *future.Future[[]T] {
	q := c.BuildQuery(sql)
	return collect(ExecuteAs[T](q, args...), func() { q.Close() })
}

// ExecutePrimitiveArray collects the first column of every row as T,
// even when T is a struct with column bindings.
func ExecutePrimitiveArray[T any](c *Connection, sql string, args ...any) *future.Future[[]T] {
	q := c.BuildQuery(sql)
	return collect(ExecuteFunc(q, scanFirstColumn[T], args...), func() { q.Close() })
}

func closeWhenSettled[T any](q *Query, f *future.Future[T]) *future.Future[T] {
	f.RegisterOnComplete(func(*future.Future[T]) { q.Close() })
	f.RegisterOnDispose(func(*future.Future[T]) { q.Close() })
	return f
}

// Clone opens a new connection with the same connection string plus extra
// parameters. The open runs in order with the operations already queued here.
func (c *Connection) Clone(extra string) *future.Future[*Connection] {
	f := future.New[*Connection]()
	drv := c.drv.WithParams(extra)
	f.RegisterOnComplete(func(f *future.Future[*Connection]) { c.notifyCompleted(f) })
	f.RegisterOnDispose(func(f *future.Future[*Connection]) { c.notifyCompleted(f) })

	c.submit(&pendingOperation{
		handle: f,
		execute: func(*driver.Conn) func() {
			clone, err := Open(f.Context(), drv, c.opts)
			return func() {
				if !f.SetResult(clone, err) && clone != nil {
					clone.Close()
				}
			}
		},
	})
	return f
}

// Dispose tears the connection down in the background: queued operations
// fail with ErrConnectionDisposed, an open reader is closed, an open
// transaction is rolled back, an owned connection is closed and the worker
// goroutine is joined. Repeated calls return the same future.
func (c *Connection) Dispose() *future.Future[struct{}] {
	c.disposeOnce.Do(func() {
		c.disposed = future.Run(func() (struct{}, error) {
			return struct{}{}, c.teardown()
		})
	})
	return c.disposed
}

// Close disposes the connection and waits for teardown to finish.
// It must not be called from a completion callback running on the worker.
func (c *Connection) Close() error {
	_, err := c.Dispose().Wait(context.Background())
	return err
}

func (c *Connection) teardown() error {
	c.mu.Lock()
	c.closing = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, op := range pending {
		c.failPending(op)
	}

	c.activeMu.Lock()
	r := c.reader
	c.activeMu.Unlock()
	if r != nil {
		c.logger.Warn("Closing reader left open at dispose")
		r.Close()
	}

	var errs []error

	c.execMu.Lock()
	c.txMu.Lock()
	depth, open := c.txDepth, c.txOpen
	c.txDepth, c.txFailed, c.txOpen = 0, false, false
	c.txMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if open {
			c.logger.Warn("Rolling back active transaction at dispose", "depth", depth)
			if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
				errs = append(errs, fmt.Errorf("rollback failed: %w", err))
			}
		}
		if c.owns {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close failed: %w", err))
			}
		}
	}
	c.execMu.Unlock()

	close(c.stop)
	c.mu.Lock()
	done, running := c.workerDone, c.workerRunning
	c.mu.Unlock()
	if running {
		<-done
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("Connection teardown failed", "error", err)
		return err
	}
	c.logger.Debug("Connection disposed", "driver", c.driverName(), "dropped", len(pending))
	return nil
}

// failPending resolves a queued operation with ErrConnectionDisposed.
// A panicking callback is logged so the rest of teardown still runs.
func (c *Connection) failPending(op *pendingOperation) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Unhandled panic in connection teardown", "panic", r)
		}
	}()
	op.handle.Fail(ErrConnectionDisposed)
}

func (c *Connection) trackReader(r *Reader) {
	c.activeMu.Lock()
	c.reader = r
	c.activeMu.Unlock()
}

func (c *Connection) untrackReader(r *Reader) {
	c.activeMu.Lock()
	if c.reader == r {
		c.reader = nil
	}
	c.activeMu.Unlock()
}
