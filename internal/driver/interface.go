package driver

import (
	"context"
	"database/sql"

	"asyncdb/internal/binder"
)

// Driver abstracts how a single database connection is opened.
type Driver interface {
	// Name returns the driver name (e.g., "mysql", "postgres", "sqlite").
	Name() string

	// DSN returns the connection string this driver opens.
	DSN() string

	// Dialect is the placeholder style the database expects.
	Dialect() binder.Dialect

	// WithParams returns a driver for the same connection string with extra
	// parameters appended. Later parameters override earlier ones.
	WithParams(extra string) Driver

	// Open establishes one physical connection.
	Open(ctx context.Context) (*Conn, error)
}

// RowStreamer iterates over query results.
// It is designed to be memory-efficient and stream-oriented.
type RowStreamer interface {
	// Columns returns the column names. Safe to call after Query returns.
	Columns() ([]string, error)

	// ColumnTypes returns column information such as database type name.
	ColumnTypes() ([]*sql.ColumnType, error)

	// Next advances to the next row. Returns false when there are no more rows or an error occurs.
	Next() bool

	// Scan copies the columns in the current row into the values pointed at by dest.
	// The number of values must be the same as the number of columns.
	Scan(dest ...any) error

	// Err returns the error, if any, that was encountered during iteration.
	Err() error

	// Close closes the streamer and frees resources.
	Close() error
}

var _ RowStreamer = (*sql.Rows)(nil)
