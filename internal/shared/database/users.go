package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserExists reports whether the user id is known
func (db *DB) UserExists(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return exists, nil
}

// GetUsage returns how many messages the user has been billed for
func (db *DB) GetUsage(ctx context.Context, userID string) (int, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	var used int
	err := db.conn.QueryRowContext(ctx,
		`SELECT messages_used FROM user_usage WHERE user_id = $1`, userID,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return used, nil
}

// IncrementUsage bills one message to the user
func (db *DB) IncrementUsage(ctx context.Context, userID string) error {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	query := `
		INSERT INTO user_usage (user_id, messages_used)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE
		SET messages_used = user_usage.messages_used + 1, updated_at = NOW()
	`
	if _, err := db.conn.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// ResolveUserCredential returns the user's own upstream key, if they stored one
func (db *DB) ResolveUserCredential(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	var key string
	err := db.conn.QueryRowContext(ctx,
		`SELECT api_key FROM user_api_keys WHERE user_id = $1`, userID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("database error: %w", err)
	}
	return key, key != "", nil
}

// LoadPrompt returns the body of a named system prompt
func (db *DB) LoadPrompt(ctx context.Context, name string) (string, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	var body string
	err := db.conn.QueryRowContext(ctx,
		`SELECT body FROM prompts WHERE name = $1`, name,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("prompt %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("database error: %w", err)
	}
	return body, nil
}
