package exporter

import (
	"context"
	"fmt"
	"time"

	"asyncdb/internal/asyncdb"
)

// ExportResult contains stats about the export
type ExportResult struct {
	Columns       []string
	RowsProcessed int64
	Duration      time.Duration
}

// StreamQuery runs q and writes every row to enc while the next row is
// fetched in the background. The query runs inside a transaction scope so
// the rows come from one consistent snapshot; on a connection that already
// has a transaction open the scope simply nests.
func StreamQuery(ctx context.Context, q *asyncdb.Query, enc RowEncoder, args ...any) (*ExportResult, error) {
	start := time.Now()

	tx := q.Connection().CreateTransaction(false)
	defer tx.Close()
	if _, err := tx.Begun().Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	rows := q.Execute(args...)
	defer rows.Close()

	columns, err := rows.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if err := enc.WriteHeader(columns); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	var rowCount int64
	for rows.Next(ctx) {
		if err := enc.WriteRow(rows.Value().Values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", rowCount+1, err)
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close rows: %w", err)
	}

	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("encoder flush error: %w", err)
	}
	if _, err := tx.Commit().Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &ExportResult{
		Columns:       columns,
		RowsProcessed: rowCount,
		Duration:      time.Since(start),
	}, nil
}
