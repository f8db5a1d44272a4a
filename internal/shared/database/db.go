package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned by lookups that have no row to return.
var ErrNotFound = errors.New("database: not found")

const defaultQueryTimeout = 5 * time.Second

type DB struct {
	conn    *sql.DB
	timeout time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithQueryTimeout bounds every query issued through the DB.
func WithQueryTimeout(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.timeout = d
		}
	}
}

// New creates a new database connection
func New(databaseURL string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return NewFromConn(conn, opts...), nil
}

// NewFromConn wraps an open connection pool.
func NewFromConn(conn *sql.DB, opts ...Option) *DB {
	db := &DB{conn: conn, timeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.bound(ctx)
	defer cancel()
	return db.conn.PingContext(ctx)
}

func (db *DB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_usage (
		user_id       TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		messages_used INTEGER NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_api_keys (
		user_id    TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		api_key    TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		name       TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS message_pairs (
		id            BIGSERIAL PRIMARY KEY,
		generation_id TEXT NOT NULL UNIQUE,
		user_id       TEXT NOT NULL,
		chat_id       TEXT NOT NULL,
		prompt        TEXT NOT NULL,
		response      TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS message_pairs_chat_idx ON message_pairs (user_id, chat_id, created_at)`,
}

// EnsureSchema creates the tables this service reads and writes
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
