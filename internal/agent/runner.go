package agent

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"time"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/security"
)

func init() {
	gob.Register([]any{})
	gob.Register(map[string]any{})
	gob.Register([]byte{})
	gob.Register(time.Time{})
}

// Runner executes job commands on one connection. Commands are queued on
// the connection's worker, so concurrent jobs run one after another.
type Runner struct {
	conn     *asyncdb.Connection
	secret   string
	readOnly bool
}

func NewRunner(conn *asyncdb.Connection, secret string, readOnly bool) *Runner {
	return &Runner{conn: conn, secret: secret, readOnly: readOnly}
}

// Check authenticates cmd and, in read-only mode, rejects anything but a
// single SELECT.
func (r *Runner) Check(cmd *JobCommand) error {
	if err := cmd.Verify(r.secret); err != nil {
		return err
	}
	if r.readOnly {
		return security.ValidateQuery(cmd.Query)
	}
	return nil
}

// Run streams the result of cmd to w as gob values: the column names
// first, then one []any per row. It returns the number of rows sent.
func (r *Runner) Run(ctx context.Context, cmd *JobCommand, w io.Writer) (int64, error) {
	if err := r.Check(cmd); err != nil {
		return 0, fmt.Errorf("job %s rejected: %w", cmd.ID, err)
	}

	q := r.conn.BuildQuery(cmd.Query)
	defer q.Close()

	rows := q.Execute(cmd.bindArgs()...)
	defer rows.Close()

	columns, err := rows.Columns(ctx)
	if err != nil {
		return 0, fmt.Errorf("query execution failed: %w", err)
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(columns); err != nil {
		return 0, fmt.Errorf("failed to encode columns: %w", err)
	}

	var rowCount int64
	for rows.Next(ctx) {
		if err := enc.Encode(rows.Value().Values); err != nil {
			return rowCount, fmt.Errorf("failed to encode row %d: %w", rowCount+1, err)
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return rowCount, fmt.Errorf("rows iteration error: %w", err)
	}

	slog.Info("Job completed", "id", cmd.ID, "rows", rowCount)
	return rowCount, nil
}
