package driver

import (
	"asyncdb/internal/binder"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLDriver opens connections with go-sql-driver/mysql.
// DSN form: user:password@tcp(host:3306)/dbname?parseTime=true
func NewMySQLDriver(dsn string) *SQLDriver {
	return NewSQLDriver("mysql", "mysql", dsn, binder.Question)
}
