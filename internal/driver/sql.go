package driver

import (
	"context"
	"fmt"
	"strings"

	"asyncdb/internal/binder"
)

// SQLDriver opens connections through any registered database/sql driver.
type SQLDriver struct {
	name    string
	sqlName string
	dsn     string
	dialect binder.Dialect
	join    func(dsn, extra string) string
}

// NewSQLDriver wraps the database/sql driver registered as sqlName.
// Extra parameters passed to WithParams are appended URL-style.
func NewSQLDriver(name, sqlName, dsn string, dialect binder.Dialect) *SQLDriver {
	return &SQLDriver{
		name:    name,
		sqlName: sqlName,
		dsn:     dsn,
		dialect: dialect,
		join:    joinQuery,
	}
}

// New builds a driver from a configuration name.
func New(name, dsn string) (Driver, error) {
	switch strings.ToLower(name) {
	case "mysql":
		return NewMySQLDriver(dsn), nil
	case "postgres", "postgresql", "pg":
		return NewPostgresDriver(dsn), nil
	case "sqlite", "sqlite3":
		return NewSQLiteDriver(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", name)
	}
}

func (d *SQLDriver) Name() string {
	return d.name
}

func (d *SQLDriver) DSN() string {
	return d.dsn
}

func (d *SQLDriver) Dialect() binder.Dialect {
	return d.dialect
}

func (d *SQLDriver) WithParams(extra string) Driver {
	clone := *d
	if extra != "" {
		clone.dsn = d.join(d.dsn, extra)
	}
	return &clone
}

func (d *SQLDriver) Open(ctx context.Context) (*Conn, error) {
	return OpenConn(ctx, d.sqlName, d.dsn)
}

// joinQuery appends extra as query parameters.
func joinQuery(dsn, extra string) string {
	extra = strings.TrimLeft(extra, "?&;")
	if strings.Contains(dsn, "?") {
		return dsn + "&" + extra
	}
	return dsn + "?" + extra
}
