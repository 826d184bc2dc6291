package agent

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/driver"
	"asyncdb/internal/security"
)

func openDB(t *testing.T) *asyncdb.Connection {
	t.Helper()
	ctx := context.Background()
	conn, err := asyncdb.Open(ctx, driver.NewSQLiteDriver(":memory:"), asyncdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER, name TEXT)",
		"INSERT INTO users VALUES (1, 'ann'), (2, 'bob'), (3, NULL)",
	} {
		if _, err := conn.ExecuteSQL(stmt).Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	return conn
}

func signed(t *testing.T, cmd JobCommand) *JobCommand {
	t.Helper()
	if err := cmd.Sign("secret", time.Now()); err != nil {
		t.Fatal(err)
	}
	// Commands arrive as JSON, so verification sees decoded values.
	data, _ := json.Marshal(cmd)
	var decoded JobCommand
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	return &decoded
}

func TestRunStreamsGob(t *testing.T) {
	r := NewRunner(openDB(t), "secret", true)
	cmd := signed(t, JobCommand{
		ID:    "job-1",
		Query: "SELECT id, name FROM users WHERE id >= ? AND name <> @skip ORDER BY id",
		Args:  []any{1},
		Named: map[string]any{"skip": "bob"},
	})

	var buf bytes.Buffer
	n, err := r.Run(context.Background(), cmd, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}

	dec := gob.NewDecoder(&buf)
	var cols []string
	if err := dec.Decode(&cols); err != nil || len(cols) != 2 || cols[1] != "name" {
		t.Fatalf("columns = %v, %v", cols, err)
	}
	var row []any
	if err := dec.Decode(&row); err != nil {
		t.Fatal(err)
	}
	if row[0] != int64(1) || row[1] != "ann" {
		t.Errorf("row = %#v", row)
	}
	if err := dec.Decode(&row); !errors.Is(err, io.EOF) {
		t.Errorf("trailing decode = %v", err)
	}
}

func TestRunRejects(t *testing.T) {
	r := NewRunner(openDB(t), "secret", true)

	write := signed(t, JobCommand{ID: "w", Query: "DELETE FROM users"})
	if _, err := r.Run(context.Background(), write, io.Discard); !errors.Is(err, security.ErrNotSelect) {
		t.Errorf("write query = %v", err)
	}

	tampered := signed(t, JobCommand{ID: "t", Query: "SELECT id FROM users"})
	tampered.Query = "SELECT name FROM users"
	if _, err := r.Run(context.Background(), tampered, io.Discard); !errors.Is(err, security.ErrInvalidSignature) {
		t.Errorf("tampered = %v", err)
	}

	missing := signed(t, JobCommand{ID: "m", Query: "SELECT * FROM nope"})
	if _, err := r.Run(context.Background(), missing, io.Discard); err == nil {
		t.Error("missing table should fail")
	}
}

func TestRunWritesWhenNotReadOnly(t *testing.T) {
	conn := openDB(t)
	r := NewRunner(conn, "", false)

	if _, err := r.Run(context.Background(), &JobCommand{ID: "d", Query: "DELETE FROM users WHERE id = 3"}, io.Discard); err != nil {
		t.Fatal(err)
	}
	n, err := asyncdb.ExecuteScalarAs[int64](conn, "SELECT COUNT(*) FROM users").Wait(context.Background())
	if err != nil || n != 2 {
		t.Errorf("count = %d, %v", n, err)
	}
}
