package driver

import (
	"strings"

	"asyncdb/internal/binder"

	_ "github.com/lib/pq"
)

// NewPostgresDriver opens connections with lib/pq. Both URL
// (postgres://...) and key=value DSNs are accepted.
func NewPostgresDriver(dsn string) *SQLDriver {
	d := NewSQLDriver("postgres", "postgres", dsn, binder.Dollar)
	d.join = joinPostgres
	return d
}

func joinPostgres(dsn, extra string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return joinQuery(dsn, extra)
	}
	// key=value form: later keys override earlier ones
	extra = strings.ReplaceAll(strings.TrimLeft(extra, "?&;"), "&", " ")
	return strings.TrimSpace(dsn + " " + extra)
}
