package driver

import (
	"asyncdb/internal/binder"

	_ "modernc.org/sqlite"
)

// NewSQLiteDriver opens connections with the pure Go modernc.org/sqlite
// engine. DSN form: file:data.db?_pragma=busy_timeout(5000) or :memory:.
func NewSQLiteDriver(dsn string) *SQLDriver {
	return NewSQLDriver("sqlite", "sqlite", dsn, binder.Question)
}
