package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Conn is exactly one physical database connection. The pool behind it is
// capped at a single connection and that connection is pinned, so session
// state such as an open transaction survives between calls.
//
// Only context-aware methods are exposed.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
}

// OpenConn opens a database/sql handle for sqlName and pins its only connection.
func OpenConn(ctx context.Context, sqlName, dsn string) (*Conn, error) {
	db, err := sql.Open(sqlName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", sqlName, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", sqlName, err)
	}
	return &Conn{db: db, conn: conn}, nil
}

// PrepareContext creates a prepared statement bound to this connection.
func (c *Conn) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return c.conn.PrepareContext(ctx, query)
}

// ExecContext executes a statement that doesn't return rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext executes a statement that returns rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

// PingContext verifies the connection is alive.
func (c *Conn) PingContext(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// Close returns the pinned connection and closes the pool.
func (c *Conn) Close() error {
	return errors.Join(c.conn.Close(), c.db.Close())
}
