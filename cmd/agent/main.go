package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"asyncdb/internal/agent"
	"asyncdb/internal/asyncdb"
	"asyncdb/internal/config"
	"asyncdb/internal/driver"
	"asyncdb/internal/security"
)

var version = "dev"

const tokenTTL = time.Hour

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "asyncdb agent %s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  agent [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables (Required):\n")
		fmt.Fprintf(os.Stderr, "  DB_DRIVER     mysql, postgres or sqlite\n")
		fmt.Fprintf(os.Stderr, "  DB_DSN        Database connection string\n")
		fmt.Fprintf(os.Stderr, "  REACTOR_URL   WebSocket URL (e.g., wss://reactor.example.com)\n")
		fmt.Fprintf(os.Stderr, "  AGENT_KEY     Agent identifier\n")
		fmt.Fprintf(os.Stderr, "  AGENT_SECRET  Shared secret for tokens and job signatures\n")
	}

	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("asyncdb agent %s\n", version)
		os.Exit(0)
	}

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.DBDSN == "" || cfg.ReactorURL == "" {
		slog.Error("Missing configuration (DB_DSN, REACTOR_URL)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv, err := driver.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		slog.Error("Invalid driver", "error", err)
		os.Exit(1)
	}
	db, err := asyncdb.Open(ctx, drv, asyncdb.Options{IdleTimeout: cfg.WorkerIdleTimeout})
	if err != nil {
		slog.Error("Failed to connect to local DB", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to local DB", "driver", drv.Name())

	runner := agent.NewRunner(db, cfg.AgentSecret, cfg.ReadOnly)

	control, _, err := dial(cfg, "/agent/control", nil)
	if err != nil {
		slog.Error("Failed to connect to reactor control plane", "error", err)
		os.Exit(1)
	}
	defer control.Close()
	slog.Info("Connected to reactor control plane", "reactor", cfg.ReactorURL)

	go func() {
		<-ctx.Done()
		control.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"),
			time.Now().Add(time.Second))
		control.Close()
	}()

	for {
		_, message, err := control.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Read error", "error", err)
			}
			break
		}

		var cmd agent.JobCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			slog.Error("Invalid command", "error", err)
			continue
		}

		slog.Info("Received job", "id", cmd.ID)
		go executeJob(ctx, cfg, runner, &cmd)
	}
	slog.Info("Agent shutting down...")
}

func dial(cfg *config.Config, path string, query url.Values) (*websocket.Conn, *http.Response, error) {
	token, err := security.SignAgentToken(cfg.AgentSecret, cfg.AgentKey, tokenTTL)
	if err != nil {
		return nil, nil, err
	}
	target := cfg.ReactorURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("X-Agent-Key", cfg.AgentKey)
	return websocket.DefaultDialer.Dial(target, headers)
}

func executeJob(ctx context.Context, cfg *config.Config, runner *agent.Runner, cmd *agent.JobCommand) {
	if err := runner.Check(cmd); err != nil {
		slog.Error("Job rejected", "id", cmd.ID, "error", err)
		return
	}

	conn, _, err := dial(cfg, "/agent/data", url.Values{"job_id": {cmd.ID}})
	if err != nil {
		slog.Error("Failed to connect to data stream", "id", cmd.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.DefaultTimeout)
	defer cancel()

	closeCode, reason := websocket.CloseNormalClosure, ""
	if _, err := runner.Run(ctx, cmd, &agent.MessageWriter{Conn: conn}); err != nil {
		slog.Error("Job failed", "id", cmd.ID, "error", err)
		closeCode, reason = websocket.CloseInternalServerErr, truncate(err.Error(), 120)
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
}

// truncate keeps a close reason inside the 125 byte control frame limit.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
