package models

import "time"

// Status is the lifecycle state of a generation
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusFinalized Status = "finalized"
	StatusCleaned   Status = "cleaned"
)

// Rank orders statuses along the lifecycle. Terminal outcomes share a rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStreaming:
		return 1
	case StatusCompleted, StatusCancelled, StatusFailed:
		return 2
	case StatusFinalized:
		return 3
	case StatusCleaned:
		return 4
	}
	return -1
}

// IsActive reports whether the generation still holds its chat's admission slot
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusStreaming
}

// IsTerminal reports whether streaming has ended, successfully or not
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusStreaming || next == StatusFailed || next == StatusCancelled
	case StatusStreaming:
		return next == StatusCompleted || next == StatusCancelled || next == StatusFailed
	case StatusCompleted:
		return next == StatusFinalized
	case StatusCancelled, StatusFailed:
		return next == StatusFinalized || next == StatusCleaned
	case StatusFinalized:
		return next == StatusCleaned
	}
	return false
}

// KeySource identifies who owns the upstream credential for a generation
type KeySource string

const (
	KeySourcePlatform KeySource = "platform"
	KeySourceUser     KeySource = "user"
)

// Credential is one upstream API key in the platform pool
type Credential struct {
	Index       int
	Label       string
	Key         string
	RateLimit   int // requests per minute
	Healthy     bool
	LastErrorAt time.Time
	ErrorCount  int
}

// GenerationRecord is one user-initiated streaming request
type GenerationRecord struct {
	ID              string     `json:"generation_id"`
	UserID          string     `json:"user_id"`
	ChatID          string     `json:"chat_id"`
	Prompt          string     `json:"-"`
	Status          Status     `json:"status"`
	KeySource       KeySource  `json:"key_source"`
	CredentialIndex *int       `json:"credential_index,omitempty"`
	Model           string     `json:"model"`
	Content         string     `json:"content,omitempty"`
	ChunksSent      int        `json:"chunks_sent"`
	UsageCommitted  bool       `json:"usage_committed"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// Stale reports whether an active record has outlived maxAge since it was
// created (pending) or claimed (streaming). Its owner is presumed gone.
func (r GenerationRecord) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || !r.Status.IsActive() {
		return false
	}
	since := r.CreatedAt
	if r.StartedAt != nil {
		since = *r.StartedAt
	}
	return now.Sub(since) > maxAge
}

// MessagePair is the persisted user prompt and assistant response of one generation
type MessagePair struct {
	ID           int64
	GenerationID string
	UserID       string
	ChatID       string
	Prompt       string
	Response     string
	Model        string
	Metadata     map[string]any
	CreatedAt    time.Time
}
