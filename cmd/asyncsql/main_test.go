package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"asyncdb/internal/config"
	"asyncdb/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBDriver:          "sqlite",
		DBDSN:             "file:" + filepath.Join(dir, "cli.db"),
		StorageType:       "local",
		LocalStoragePath:  filepath.Join(dir, "exports"),
		WorkerCount:       1,
		MaxDBConcurrency:  1,
		WorkerIdleTimeout: time.Second,
		DefaultTimeout:    time.Minute,
	}
}

func runCLI(t *testing.T, cfg *config.Config, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	c := *cfg
	if err := run(context.Background(), &c, args, &out); err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return out.String()
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"1", "@name=ann", "a=b", "@=x"})
	want := []any{"1", sql.Named("name", "ann"), "a=b", "@=x"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseArgs = %#v", got)
	}
}

func TestScriptAndQuery(t *testing.T) {
	cfg := testConfig(t)
	script := filepath.Join(t.TempDir(), "seed.sql")
	os.WriteFile(script, []byte(`
CREATE TABLE t (id INTEGER, note TEXT);
BEGIN;
INSERT INTO t VALUES (1, 'a;b');
BEGIN;
INSERT INTO t VALUES (2, 'x');
ROLLBACK;
COMMIT;
BEGIN;
INSERT INTO t VALUES (3, 'y');
COMMIT;
`), 0644)

	runCLI(t, cfg, "script", script)

	if got := runCLI(t, cfg, "-format", "csv", "query", "SELECT id, note FROM t ORDER BY id"); got != "id,note\n3,y\n" {
		t.Errorf("query = %q", got)
	}
	if got := runCLI(t, cfg, "scalar", "SELECT note FROM t WHERE id = @id", "@id=3"); strings.TrimSpace(got) != `"y"` {
		t.Errorf("scalar = %q", got)
	}
	if got := runCLI(t, cfg, "exec", "UPDATE t SET note = ? WHERE id = ?", "z", "3"); got != "1 row(s) affected\n" {
		t.Errorf("exec = %q", got)
	}
}

func TestExport(t *testing.T) {
	cfg := testConfig(t)
	runCLI(t, cfg, "exec", "CREATE TABLE t (id INTEGER)")
	runCLI(t, cfg, "exec", "INSERT INTO t VALUES (1), (2)")

	out := runCLI(t, cfg, "-format", "csv", "-notify", "ann@example.com", "export", "SELECT id FROM t ORDER BY id")
	var res struct {
		worker.JobSnapshot
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	if res.Status != worker.StatusCompleted || res.Rows != 2 || !strings.HasPrefix(res.URL, "file://") {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(cfg.LocalStoragePath, filepath.FromSlash(res.Key)))
	if err != nil || string(data) != "id\n1\n2\n" {
		t.Errorf("export file = %q, %v", data, err)
	}
}

func TestRunUsageErrors(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	if err := run(context.Background(), cfg, []string{"exec"}, &out); err == nil {
		t.Error("missing statement accepted")
	}
	if err := run(context.Background(), cfg, []string{"frobnicate", "x"}, &out); err == nil {
		t.Error("unknown command accepted")
	}
}
