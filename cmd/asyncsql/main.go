package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/binder"
	"asyncdb/internal/config"
	"asyncdb/internal/driver"
	"asyncdb/internal/email"
	"asyncdb/internal/exporter"
	"asyncdb/internal/storage"
	"asyncdb/internal/worker"
)

var version = "dev"

const usage = `asyncsql %s

Usage:
  asyncsql [flags] <command> [arguments]

Commands:
  exec   <sql> [args...]    run a statement and print rows affected
  scalar <sql> [args...]    print the first column of the first row
  query  <sql> [args...]    stream every row to stdout
  export <sql> [args...]    export the result to storage through the worker pool
  script <file>             run a ;-separated script, honouring nested BEGIN/COMMIT/ROLLBACK

Arguments of the form @name=value bind named parameters; the rest fill the remaining parameters in order.

Flags:
`

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load(), os.Args[1:], os.Stdout); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("asyncsql", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usage, version)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "database driver (mysql, postgres, sqlite)")
	fs.StringVar(&cfg.DBDSN, "dsn", cfg.DBDSN, "connection string")
	format := fs.String("format", "json", "output format for query and export (csv, json, excel, pdf)")
	notify := fs.String("notify", "", "email address told when an export finishes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("missing command or statement")
	}
	if cfg.DBDSN == "" {
		return config.ErrMissingDSN
	}

	drv, err := driver.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	conn, err := asyncdb.Open(ctx, drv, asyncdb.Options{IdleTimeout: cfg.WorkerIdleTimeout})
	if err != nil {
		return err
	}
	defer conn.Close()

	command, stmt, params := fs.Arg(0), fs.Arg(1), parseArgs(fs.Args()[2:])
	switch command {
	case "exec":
		n, err := conn.ExecuteSQL(stmt, params...).Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d row(s) affected\n", n)
	case "scalar":
		v, err := conn.ExecuteScalar(stmt, params...).Wait(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(stdout).Encode(v)
	case "query":
		f, err := exporter.ParseFormat(*format)
		if err != nil {
			return err
		}
		return query(ctx, conn, stmt, f, params, stdout)
	case "export":
		f, err := exporter.ParseFormat(*format)
		if err != nil {
			return err
		}
		return export(ctx, cfg, conn, stmt, f, *notify, params, stdout)
	case "script":
		data, err := os.ReadFile(stmt)
		if err != nil {
			return err
		}
		return runScript(ctx, conn, string(data))
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// parseArgs turns @name=value into a named argument and keeps the rest positional.
func parseArgs(raw []string) []any {
	params := make([]any, 0, len(raw))
	for _, a := range raw {
		if name, value, ok := strings.Cut(a, "="); ok && strings.HasPrefix(name, "@") && len(name) > 1 {
			params = append(params, sql.Named(name[1:], value))
			continue
		}
		params = append(params, a)
	}
	return params
}

func query(ctx context.Context, conn *asyncdb.Connection, stmt string, f exporter.Format, params []any, stdout io.Writer) error {
	enc, err := exporter.NewEncoder(f, stdout)
	if err != nil {
		return err
	}
	q := conn.BuildQuery(stmt)
	defer q.Close()

	stats, err := exporter.StreamQuery(ctx, q, enc, params...)
	if closeErr := enc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	slog.Info("Query finished", "rows", stats.RowsProcessed, "duration", stats.Duration)
	return nil
}

func export(ctx context.Context, cfg *config.Config, conn *asyncdb.Connection, stmt string, f exporter.Format, notify string, params []any, stdout io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := storage.New(cfg)
	if err != nil {
		return err
	}

	pool := worker.NewPool(conn, store, worker.Options{
		Workers:     1,
		Clone:       cfg.CloneConnections,
		MaxClones:   cfg.MaxDBConcurrency,
		CloneParams: cfg.CloneParams,
		Compress:    cfg.Compression,
		Notifier:    email.New(cfg),
	})
	pool.Start()
	defer pool.Stop()

	job := worker.NewExportJob(stmt, f, cfg.DefaultTimeout, params...)
	job.Notify = notify
	if err := pool.Submit(job); err != nil {
		return err
	}
	_, jobErr := job.Wait(ctx)
	if jobErr != nil && ctx.Err() != nil {
		job.Cancel()
	}

	snap := job.Snapshot()
	out := struct {
		worker.JobSnapshot
		URL string `json:"url,omitempty"`
	}{JobSnapshot: snap}
	if jobErr == nil {
		out.URL = store.GetDownloadURL(snap.Key)
	}
	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		return err
	}
	return jobErr
}

// runScript executes each statement in order. Transaction statements go
// through the connection's nesting counter, so only the outermost BEGIN and
// the final COMMIT or ROLLBACK reach the database.
func runScript(ctx context.Context, conn *asyncdb.Connection, script string) error {
	for i, stmt := range binder.SplitStatements(script) {
		var err error
		switch strings.ToUpper(strings.Join(strings.Fields(stmt), " ")) {
		case "BEGIN", "BEGIN TRANSACTION", "START TRANSACTION":
			_, err = conn.BeginTransaction(false).Wait(ctx)
		case "BEGIN EXCLUSIVE", "BEGIN EXCLUSIVE TRANSACTION":
			_, err = conn.BeginTransaction(true).Wait(ctx)
		case "COMMIT", "COMMIT TRANSACTION", "END", "END TRANSACTION":
			_, err = conn.CommitTransaction().Wait(ctx)
		case "ROLLBACK", "ROLLBACK TRANSACTION":
			_, err = conn.RollbackTransaction().Wait(ctx)
		default:
			var n int64
			n, err = conn.ExecuteSQL(stmt).Wait(ctx)
			slog.Debug("Statement executed", "index", i, "rows", n)
		}
		if err != nil {
			return fmt.Errorf("statement %d failed: %w", i+1, err)
		}
	}
	if depth := conn.TransactionDepth(); depth > 0 {
		slog.Warn("Script left a transaction open; it will be rolled back", "depth", depth)
	}
	return nil
}
