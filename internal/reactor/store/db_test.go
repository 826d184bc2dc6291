package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/driver"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := asyncdb.Open(context.Background(), driver.NewSQLiteDriver(":memory:"), asyncdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	s := NewStore(conn, bcrypt.MinCost)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return s
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateUser(ctx, "ann@example.com", "hunter2")
	if err != nil || id == 0 {
		t.Fatalf("CreateUser = %d, %v", id, err)
	}
	if _, err := s.CreateUser(ctx, "ann@example.com", "other"); err == nil {
		t.Error("duplicate email was accepted")
	}

	user, err := s.AuthenticateUser(ctx, "ann@example.com", "hunter2")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if user.ID != id || user.Email != "ann@example.com" || user.CreatedAt == 0 {
		t.Errorf("user = %+v", user)
	}

	for _, tc := range []struct{ email, password string }{
		{"ann@example.com", "wrong"},
		{"nobody@example.com", "hunter2"},
	} {
		if _, err := s.AuthenticateUser(ctx, tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("AuthenticateUser(%s, %s) err = %v", tc.email, tc.password, err)
		}
	}
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	userID, err := s.CreateUser(ctx, "bob@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAPIKey(ctx, userID, "admin"); !errors.Is(err, ErrInvalidKeyType) {
		t.Errorf("CreateAPIKey(admin) err = %v", err)
	}

	live, err := s.CreateAPIKey(ctx, userID, "live")
	if err != nil {
		t.Fatal(err)
	}
	test, err := s.CreateAPIKey(ctx, userID, "test")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(live, "sk_live_") || !strings.HasPrefix(test, "sk_test_") {
		t.Fatalf("keys = %q, %q", live, test)
	}

	key, err := s.VerifyAPIKey(ctx, live)
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if key.UserID != userID || key.Type != "live" || key.KeyPrefix != live[:prefixLen] {
		t.Errorf("key = %+v", key)
	}

	for _, raw := range []string{"", "sk_live_", live + "x", strings.Replace(live, "sk_live_", "sk_test_", 1)} {
		if _, err := s.VerifyAPIKey(ctx, raw); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("VerifyAPIKey(%q) err = %v", raw, err)
		}
	}

	keys, err := s.ListAPIKeys(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0].Type != "test" || keys[1].Type != "live" {
		t.Fatalf("keys = %+v", keys)
	}
	// The use stamp is queued ahead of the list on the same connection.
	if keys[1].LastUsedAt == nil || keys[0].LastUsedAt != nil {
		t.Errorf("last used = %v, %v", keys[1].LastUsedAt, keys[0].LastUsedAt)
	}

	none, err := s.ListAPIKeys(ctx, userID+1)
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("ListAPIKeys(other) = %v, %v", none, err)
	}
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema: %v", err)
	}
}
