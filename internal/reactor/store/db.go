package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"asyncdb/internal/asyncdb"
	"asyncdb/internal/future"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrInvalidKeyType     = errors.New("key type must be live or test")
	ErrUnsupportedDriver  = errors.New("no reactor schema for driver")
)

const prefixLen = 10

var schemas = map[string][]string{
	"mysql": {
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			key_hash VARCHAR(255) NOT NULL UNIQUE,
			key_prefix VARCHAR(10) NOT NULL,
			type VARCHAR(8) NOT NULL,
			created_at BIGINT NOT NULL,
			last_used_at BIGINT NULL,
			INDEX idx_key_prefix (key_prefix),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key_hash VARCHAR(255) NOT NULL UNIQUE,
			key_prefix VARCHAR(10) NOT NULL,
			type VARCHAR(8) NOT NULL,
			created_at BIGINT NOT NULL,
			last_used_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_key_prefix ON api_keys (key_prefix)`,
	},
	"sqlite": {
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_key_prefix ON api_keys (key_prefix)`,
	},
}

// Store keeps reactor users and API keys. Every statement runs through one
// asyncdb connection, so callers never share a driver connection.
type Store struct {
	conn *asyncdb.Connection
	cost int
}

type User struct {
	ID        int64  `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

type APIKey struct {
	ID         int64  `db:"id" json:"id"`
	UserID     int64  `db:"user_id" json:"user_id"`
	KeyPrefix  string `db:"key_prefix" json:"key_prefix"`
	Type       string `db:"type" json:"type"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
	LastUsedAt *int64 `db:"last_used_at" json:"last_used_at,omitempty"`
}

type userRow struct {
	User
	Hash string `db:"password_hash"`
}

type keyRow struct {
	APIKey
	Hash string `db:"key_hash"`
}

// NewStore keeps accounts on conn. cost is the bcrypt cost for new hashes;
// anything below bcrypt.MinCost selects bcrypt.DefaultCost.
func NewStore(conn *asyncdb.Connection, cost int) *Store {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Store{conn: conn, cost: cost}
}

// wait blocks for f, disposing it when ctx ends first so the queued
// statement is skipped or cancelled.
func wait[T any](ctx context.Context, f *future.Future[T]) (T, error) {
	v, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		f.Dispose()
	}
	return v, err
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	name := s.conn.Driver().Name()
	queries, ok := schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDriver, name)
	}
	for _, query := range queries {
		if _, err := wait(ctx, s.conn.ExecuteSQL(query)); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// CreateUser stores a user with a bcrypt hash of password and returns its ID.
func (s *Store) CreateUser(ctx context.Context, email, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return 0, err
	}

	insert := s.conn.ExecuteSQL(
		"INSERT INTO users (email, password_hash, created_at) VALUES (@email, @hash, @now)",
		sql.Named("email", email), sql.Named("hash", string(hash)), sql.Named("now", time.Now().Unix()),
	)
	// Queued behind the insert on the same connection.
	id := asyncdb.ExecuteScalarAs[int64](s.conn, "SELECT id FROM users WHERE email = @email", sql.Named("email", email))
	if _, err := wait(ctx, insert); err != nil {
		id.Dispose()
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return wait(ctx, id)
}

func (s *Store) AuthenticateUser(ctx context.Context, email, password string) (*User, error) {
	rows, err := wait(ctx, asyncdb.ExecuteArray[userRow](s.conn,
		"SELECT id, email, password_hash, created_at FROM users WHERE email = @email",
		sql.Named("email", email)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rows[0].Hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &rows[0].User, nil
}

// CreateAPIKey issues a key of the form sk_<type>_<random>. Only its bcrypt
// hash and its first characters are stored; the raw key is returned once.
func (s *Store) CreateAPIKey(ctx context.Context, userID int64, keyType string) (string, error) {
	if keyType != "live" && keyType != "test" {
		return "", ErrInvalidKeyType
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	rawKey := fmt.Sprintf("sk_%s_%s", keyType, hex.EncodeToString(secret))

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), s.cost)
	if err != nil {
		return "", err
	}

	_, err = wait(ctx, s.conn.ExecuteSQL(
		"INSERT INTO api_keys (user_id, key_hash, key_prefix, type, created_at) VALUES (@user, @hash, @prefix, @type, @now)",
		sql.Named("user", userID),
		sql.Named("hash", string(hash)),
		sql.Named("prefix", rawKey[:prefixLen]),
		sql.Named("type", keyType),
		sql.Named("now", time.Now().Unix()),
	))
	if err != nil {
		return "", fmt.Errorf("failed to create api key: %w", err)
	}
	return rawKey, nil
}

// VerifyAPIKey finds the key by prefix and checks it against the stored
// hashes. The last-used stamp is written in the background.
func (s *Store) VerifyAPIKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if len(rawKey) < prefixLen {
		return nil, ErrInvalidAPIKey
	}

	rows, err := wait(ctx, asyncdb.ExecuteArray[keyRow](s.conn,
		"SELECT id, user_id, key_hash, key_prefix, type, created_at, last_used_at FROM api_keys WHERE key_prefix = @prefix",
		sql.Named("prefix", rawKey[:prefixLen])))
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if bcrypt.CompareHashAndPassword([]byte(row.Hash), []byte(rawKey)) != nil {
			continue
		}
		touch := s.conn.ExecuteSQL("UPDATE api_keys SET last_used_at = @now WHERE id = @id",
			sql.Named("now", time.Now().Unix()), sql.Named("id", row.ID))
		touch.RegisterOnComplete(func(f *future.Future[int64]) {
			if _, err := f.Result(); err != nil {
				slog.Warn("Failed to record api key use", "key_id", row.ID, "error", err)
			}
		})
		return &row.APIKey, nil
	}
	return nil, ErrInvalidAPIKey
}

func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	keys, err := wait(ctx, asyncdb.ExecuteArray[APIKey](s.conn,
		"SELECT id, user_id, key_prefix, type, created_at, last_used_at FROM api_keys WHERE user_id = @user ORDER BY id DESC",
		sql.Named("user", userID)))
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []APIKey{}
	}
	return keys, nil
}
