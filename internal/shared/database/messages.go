package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

// FindPair looks up the message pair persisted for a generation
func (db *DB) FindPair(ctx context.Context, generationID string) (models.MessagePair, bool, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	query := `
		SELECT id, generation_id, user_id, chat_id, prompt, response, model, metadata, created_at
		FROM message_pairs
		WHERE generation_id = $1
	`

	var (
		pair     models.MessagePair
		metadata []byte
	)
	err := db.conn.QueryRowContext(ctx, query, generationID).Scan(
		&pair.ID,
		&pair.GenerationID,
		&pair.UserID,
		&pair.ChatID,
		&pair.Prompt,
		&pair.Response,
		&pair.Model,
		&metadata,
		&pair.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessagePair{}, false, nil
	}
	if err != nil {
		return models.MessagePair{}, false, fmt.Errorf("database error: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pair.Metadata); err != nil {
			return models.MessagePair{}, false, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return pair, true, nil
}

// SavePair inserts the pair unless one already exists for its generation.
// It returns the stored id and whether this call inserted it.
func (db *DB) SavePair(ctx context.Context, pair models.MessagePair) (int64, bool, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	meta := pair.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return 0, false, fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO message_pairs (generation_id, user_id, chat_id, prompt, response, model, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (generation_id) DO NOTHING
		RETURNING id
	`

	var id int64
	err = db.conn.QueryRowContext(ctx, query,
		pair.GenerationID,
		pair.UserID,
		pair.ChatID,
		pair.Prompt,
		pair.Response,
		pair.Model,
		metadata,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("save message pair: %w", err)
	}

	// Another call won the insert.
	err = db.conn.QueryRowContext(ctx,
		`SELECT id FROM message_pairs WHERE generation_id = $1`, pair.GenerationID,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("load existing message pair: %w", err)
	}
	return id, false, nil
}
