// Package generation stores generation records in Redis and enforces their
// lifecycle.
//
// Records are visible to every replica. Admission control, status transitions,
// content appends and the usage commit flag each run as a single Lua script,
// so no application-level locks are needed. Missing records and
// transitions that already happened are reported as "nothing to do", never as
// errors; only Redis failures are returned as errors.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

// ErrGenerationInProgress is returned by Create when the chat already has an
// active generation.
var ErrGenerationInProgress = errors.New("generation: a generation is already in progress for this chat")

// AdmissionError carries the id of the generation that holds the chat.
type AdmissionError struct {
	ChatID   string
	ActiveID string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%v (chat=%s active=%s)", ErrGenerationInProgress, e.ChatID, e.ActiveID)
}

func (e *AdmissionError) Unwrap() error {
	return ErrGenerationInProgress
}

// Commit reasons returned by CommitUsageOnce.
const (
	ReasonCommitted        = "committed"
	ReasonAlreadyCommitted = "already_committed"
	ReasonNotFound         = "not_found"
)

// maxCASAttempts bounds retries when a status changes between read and write.
const maxCASAttempts = 3

// Store is the Redis-backed GenerationStore.
type Store struct {
	client       *redis.Client
	keyPrefix    string
	recordTTL    time.Duration
	activeTTL    time.Duration
	cleanupGrace time.Duration
	now          func() time.Time
	log          *logrus.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "gen:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRecordTTL sets how long records live after their last write.
func WithRecordTTL(d time.Duration) Option {
	return func(s *Store) { s.recordTTL = d }
}

// WithActiveTTL bounds how long a chat can stay locked by a generation whose
// owner died without finishing it. The ttl restarts when the stream is claimed
// and on every appended chunk; a pending record left unclaimed past it can no
// longer be claimed.
func WithActiveTTL(d time.Duration) Option {
	return func(s *Store) { s.activeTTL = d }
}

// WithCleanupGrace sets how long a cleaned record remains readable.
func WithCleanupGrace(d time.Duration) Option {
	return func(s *Store) { s.cleanupGrace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:       client,
		keyPrefix:    "gen:",
		recordTTL:    time.Hour,
		activeTTL:    10 * time.Minute,
		cleanupGrace: 5 * time.Minute,
		now:          time.Now,
		log:          logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(id string) string {
	return s.keyPrefix + id
}

func (s *Store) contentKey(id string) string {
	return s.keyPrefix + id + ":content"
}

func (s *Store) activeKey(userID, chatID string) string {
	return s.keyPrefix + "active:" + userID + ":" + chatID
}

// CreateParams describes a new generation.
type CreateParams struct {
	UserID          string
	ChatID          string
	Prompt          string
	KeySource       models.KeySource
	CredentialIndex *int
	Model           string
}

// Create registers a pending generation. It fails with ErrGenerationInProgress
// (as *AdmissionError) while another generation of the same chat is pending or
// streaming.
func (s *Store) Create(ctx context.Context, p CreateParams) (models.GenerationRecord, error) {
	if p.UserID == "" || p.ChatID == "" {
		return models.GenerationRecord{}, fmt.Errorf("generation: user_id and chat_id are required")
	}
	if p.KeySource == "" {
		p.KeySource = models.KeySourcePlatform
	}

	rec := models.GenerationRecord{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		ChatID:          p.ChatID,
		Prompt:          p.Prompt,
		Status:          models.StatusPending,
		KeySource:       p.KeySource,
		CredentialIndex: p.CredentialIndex,
		Model:           p.Model,
		CreatedAt:       s.now().UTC().Truncate(time.Millisecond),
	}

	args := []interface{}{
		rec.ID,
		s.activeTTL.Milliseconds(),
		s.recordTTL.Milliseconds(),
		s.keyPrefix,
		"user_id", rec.UserID,
		"chat_id", rec.ChatID,
		"prompt", rec.Prompt,
		"status", string(rec.Status),
		"key_source", string(rec.KeySource),
		"credential_index", formatIndex(rec.CredentialIndex),
		"model", rec.Model,
		"chunks_sent", 0,
		"created_at", rec.CreatedAt.UnixMilli(),
	}

	active, err := createScript.Run(ctx, s.client,
		[]string{s.activeKey(rec.UserID, rec.ChatID), s.recordKey(rec.ID)},
		args...,
	).Text()
	if err != nil {
		return models.GenerationRecord{}, fmt.Errorf("generation: create: %w", err)
	}
	if active != "" {
		return models.GenerationRecord{}, &AdmissionError{ChatID: rec.ChatID, ActiveID: active}
	}

	s.log.WithFields(logrus.Fields{
		"generation_id": rec.ID,
		"chat_id":       rec.ChatID,
		"key_source":    rec.KeySource,
	}).Debug("generation created")

	return rec, nil
}

// Get returns the record and its buffered content.
func (s *Store) Get(ctx context.Context, id string) (models.GenerationRecord, bool, error) {
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, s.recordKey(id))
	contentCmd := pipe.Get(ctx, s.contentKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return models.GenerationRecord{}, false, fmt.Errorf("generation: get %s: %w", id, err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return models.GenerationRecord{}, false, nil
	}

	rec, err := parseRecord(id, fields)
	if err != nil {
		return models.GenerationRecord{}, false, err
	}
	rec.Content = contentCmd.Val()
	return rec, true, nil
}

// AppendContent adds chunk to the buffer. It returns false without writing
// when the record is gone or no longer streaming, which is how a stream owner
// learns about cancellation.
func (s *Store) AppendContent(ctx context.Context, id, chunk string) (bool, error) {
	n, err := appendScript.Run(ctx, s.client,
		[]string{s.recordKey(id), s.contentKey(id)},
		chunk, s.recordTTL.Milliseconds(), s.keyPrefix, id, s.activeTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("generation: append %s: %w", id, err)
	}
	return n >= 0, nil
}

// UpdateStatus moves the record forward to next. Backward, repeated or
// otherwise illegal transitions and missing records return false with no error.
func (s *Store) UpdateStatus(ctx context.Context, id string, next models.Status) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("generation: unknown status %q", next)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		h, found, err := s.header(ctx, id)
		if err != nil {
			return false, err
		}
		if !found || !h.status.CanTransition(next) {
			return false, nil
		}

		release, claim := "0", "0"
		if h.status.IsActive() && !next.IsActive() {
			release = "1"
		}
		if next == models.StatusStreaming {
			claim = "1"
		}

		res, err := statusScript.Run(ctx, s.client,
			[]string{s.recordKey(id), s.activeKey(h.userID, h.chatID)},
			string(h.status), string(next), id, release,
			claim, s.activeTTL.Milliseconds(), s.now().UnixMilli(),
		).Int64()
		if err != nil {
			return false, fmt.Errorf("generation: update %s: %w", id, err)
		}
		switch res {
		case 1:
			s.log.WithFields(logrus.Fields{
				"generation_id": id,
				"from":          h.status,
				"to":            next,
			}).Debug("generation status changed")
			return true, nil
		case -1:
			return false, nil
		case -2:
			s.log.WithField("generation_id", id).Warn("claim refused: admission expired before the stream started")
			return false, nil
		}
	}
	return false, nil
}

// SetCredential records which pool slot is serving the generation.
func (s *Store) SetCredential(ctx context.Context, id string, index int) error {
	err := setFieldScript.Run(ctx, s.client,
		[]string{s.recordKey(id)},
		"credential_index", index,
	).Err()
	if err != nil {
		return fmt.Errorf("generation: set credential %s: %w", id, err)
	}
	return nil
}

// CommitUsageOnce flips usage_committed. Exactly one caller ever receives true.
func (s *Store) CommitUsageOnce(ctx context.Context, id string) (bool, string, error) {
	res, err := commitScript.Run(ctx, s.client, []string{s.recordKey(id)}).Int64()
	if err != nil {
		return false, "", fmt.Errorf("generation: commit usage %s: %w", id, err)
	}
	switch res {
	case 1:
		return true, ReasonCommitted, nil
	case 0:
		return false, ReasonAlreadyCommitted, nil
	default:
		return false, ReasonNotFound, nil
	}
}

// Cleanup drops the content buffer of a finalized, cancelled or failed
// generation and lets the record expire after the grace period. Calling it
// again, or on a record that is still in use, does nothing.
func (s *Store) Cleanup(ctx context.Context, id string) error {
	res, err := cleanupScript.Run(ctx, s.client,
		[]string{s.recordKey(id), s.contentKey(id)},
		s.cleanupGrace.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("generation: cleanup %s: %w", id, err)
	}
	if res == 1 {
		s.log.WithField("generation_id", id).Debug("generation cleaned")
	}
	return nil
}

type header struct {
	status models.Status
	userID string
	chatID string
}

func (s *Store) header(ctx context.Context, id string) (header, bool, error) {
	vals, err := s.client.HMGet(ctx, s.recordKey(id), "status", "user_id", "chat_id").Result()
	if err != nil {
		return header{}, false, fmt.Errorf("generation: read %s: %w", id, err)
	}
	status, ok := vals[0].(string)
	if !ok {
		return header{}, false, nil
	}
	userID, _ := vals[1].(string)
	chatID, _ := vals[2].(string)
	return header{status: models.Status(status), userID: userID, chatID: chatID}, true, nil
}

func parseRecord(id string, f map[string]string) (models.GenerationRecord, error) {
	rec := models.GenerationRecord{
		ID:             id,
		UserID:         f["user_id"],
		ChatID:         f["chat_id"],
		Prompt:         f["prompt"],
		Status:         models.Status(f["status"]),
		KeySource:      models.KeySource(f["key_source"]),
		Model:          f["model"],
		UsageCommitted: f["usage_committed"] == "1",
	}

	if v := f["credential_index"]; v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return rec, fmt.Errorf("generation: %s has bad credential_index %q", id, v)
		}
		rec.CredentialIndex = &idx
	}
	if v := f["chunks_sent"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return rec, fmt.Errorf("generation: %s has bad chunks_sent %q", id, v)
		}
		rec.ChunksSent = n
	}
	if v := f["created_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("generation: %s has bad created_at %q", id, v)
		}
		rec.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if v := f["started_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("generation: %s has bad started_at %q", id, v)
		}
		started := time.UnixMilli(ms).UTC()
		rec.StartedAt = &started
	}
	return rec, nil
}

func formatIndex(idx *int) string {
	if idx == nil {
		return ""
	}
	return strconv.Itoa(*idx)
}
