package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/config"
	"asyncdb/internal/driver"
)

var schemas = map[string][]string{
	"mysql": {
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name TEXT,
			email TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			score DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id BIGINT,
			amount DECIMAL(15, 2),
			currency VARCHAR(3),
			status VARCHAR(20),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_user_id (user_id)
		)`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			name TEXT,
			email TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			score DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT,
			amount NUMERIC(15, 2),
			currency VARCHAR(3),
			status VARCHAR(20),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_id ON transactions (user_id)`,
	},
	"sqlite": {
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT,
			email TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			score REAL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			amount NUMERIC,
			currency TEXT,
			status TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_id ON transactions (user_id)`,
	},
}

func main() {
	users := flag.Int("users", 1000000, "number of users to seed")
	txs := flag.Int("transactions", 5000000, "number of transactions to seed")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.DBDSN == "" {
		slog.Error("DB_DSN is required")
		os.Exit(1)
	}

	ctx := context.Background()
	drv, err := driver.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		panic(err)
	}

	var db *asyncdb.Connection
	for i := 0; i < 30; i++ {
		if db, err = asyncdb.Open(ctx, drv, asyncdb.Options{}); err == nil {
			break
		}
		slog.Info("Waiting for database...", "attempt", i+1)
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		panic(err)
	}
	defer db.Close()

	slog.Info("Connected. Creating tables...", "driver", drv.Name())
	for _, ddl := range schemas[drv.Name()] {
		if _, err := db.ExecuteSQL(ddl).Wait(ctx); err != nil {
			panic(err)
		}
	}

	seed(ctx, db, "users", *users, 1000, "INSERT INTO users (name, email, created_at, score) VALUES ", "(?, ?, ?, ?)",
		func(idx int) []any {
			return []any{fmt.Sprintf("User%d", idx), fmt.Sprintf("user%d@example.com", idx), time.Now(), float64(idx) * 0.1}
		})

	seed(ctx, db, "transactions", *txs, 2000, "INSERT INTO transactions (user_id, amount, currency, status, created_at) VALUES ", "(?, ?, ?, ?, ?)",
		func(idx int) []any {
			uid := (idx-1)%max(*users, 1) + 1
			return []any{uid, float64(uid) * 0.25, "USD", "COMPLETED", time.Now()}
		})

	slog.Info("Database schema and data prep complete.")
}

// seed fills table up to total rows. Each batch runs in a nested
// transaction inside one outer transaction, so the whole seed lands in a
// single commit.
func seed(ctx context.Context, db *asyncdb.Connection, table string, total, batchSize int, insert, tuple string, row func(idx int) []any) {
	count, err := asyncdb.ExecuteScalarAs[int64](db, "SELECT COUNT(*) FROM "+table).Wait(ctx)
	if err != nil {
		panic(err)
	}
	if count >= int64(total) {
		slog.Info("Already seeded", "table", table, "count", count)
		return
	}

	slog.Info("Seeding", "table", table, "rows", total)
	start := time.Now()

	outer := db.CreateTransaction(false)
	defer outer.Close()

	for i := int(count); i < total; i += batchSize {
		n := min(batchSize, total-i)
		vals := make([]any, 0, n*4)
		placeholders := make([]string, 0, n)
		for j := 0; j < n; j++ {
			placeholders = append(placeholders, tuple)
			vals = append(vals, row(i+j+1)...)
		}

		batch := db.CreateTransaction(false)
		if _, err := db.ExecuteSQL(insert+strings.Join(placeholders, ","), vals...).Wait(ctx); err != nil {
			batch.Close()
			panic(err)
		}
		if _, err := batch.Commit().Wait(ctx); err != nil {
			panic(err)
		}

		if (i+n)%100000 == 0 || i+n == total {
			fmt.Printf("\rSeeding %s: %d/%d", table, i+n, total)
		}
	}
	fmt.Println()

	if _, err := outer.Commit().Wait(ctx); err != nil {
		panic(err)
	}
	slog.Info("Seeding complete", "table", table, "duration", time.Since(start))
}
