package asyncdb

import (
	"database/sql"
	"sync"

	"asyncdb/internal/driver"
	"asyncdb/internal/future"
)

// Reader is an open cursor produced by ExecuteReader. While it is open the
// connection runs no other operation, so it must always be closed.
type Reader struct {
	query  *Query
	rows   *sql.Rows
	handle future.Handle

	once sync.Once
	err  error
}

var _ driver.RowStreamer = (*Reader)(nil)

// Query returns the query that opened the reader.
func (r *Reader) Query() *Query {
	return r.query
}

func (r *Reader) Columns() ([]string, error) {
	return r.rows.Columns()
}

func (r *Reader) ColumnTypes() ([]*sql.ColumnType, error) {
	return r.rows.ColumnTypes()
}

func (r *Reader) Next() bool {
	return r.rows.Next()
}

func (r *Reader) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *Reader) Err() error {
	return r.rows.Err()
}

// Close closes the cursor and then frees the connection for the next
// operation, even if closing the cursor failed.
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.err = r.rows.Close()
		c := r.query.conn
		c.untrackReader(r)
		c.notifyCompleted(r.handle)
	})
	return r.err
}

// discard closes a cursor whose future was disposed before delivery. The
// dispose already released the connection, so it is not notified again.
func (r *Reader) discard() {
	r.once.Do(func() {
		r.err = r.rows.Close()
		r.query.conn.untrackReader(r)
	})
}
