package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/config"
	"asyncdb/internal/driver"
	"asyncdb/internal/reactor/api"
	"asyncdb/internal/reactor/hub"
	"asyncdb/internal/reactor/middleware"
	"asyncdb/internal/reactor/store"
	"asyncdb/internal/storage"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	slog.Info("Starting reactor", "env", cfg.AppEnv)

	if cfg.AgentSecret == "" {
		slog.Error("AGENT_SECRET not set")
		os.Exit(1)
	}

	provider, err := storage.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	h := hub.NewHub()
	handler := api.NewHandler(h, provider, cfg.AgentSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ReactorDBDSN != "" {
		accounts, closeAccounts, err := openAccounts(ctx, cfg)
		if err != nil {
			slog.Error("Failed to initialize account store", "error", err)
			os.Exit(1)
		}
		defer closeAccounts()
		handler.Accounts = accounts
	} else {
		slog.Warn("REACTOR_DB_DSN not set, accounts and API keys disabled")
	}

	mux := http.NewServeMux()
	handler.Routes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           middleware.CORS(cfg.AllowedOrigins, cfg.AppEnv)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Reactor listening", "port", cfg.ServerPort, "storage", cfg.StorageType)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// openAccounts connects the account store through its own asyncdb
// connection and creates the schema.
func openAccounts(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	drv, err := driver.New(cfg.ReactorDBDriver, cfg.ReactorDBDSN)
	if err != nil {
		return nil, nil, err
	}
	conn, err := asyncdb.Open(ctx, drv, asyncdb.Options{IdleTimeout: cfg.WorkerIdleTimeout})
	if err != nil {
		return nil, nil, err
	}
	accounts := store.NewStore(conn, cfg.BcryptCost)
	if err := accounts.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	closeConn := func() {
		if err := conn.Close(); err != nil {
			slog.Warn("Failed to close account store", "error", err)
		}
	}
	return accounts, closeConn, nil
}
