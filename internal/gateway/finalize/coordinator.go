// Package finalize persists a finished generation exactly once, no matter how
// many times or how concurrently clients call it. Every "already handled"
// state is reported as success.
package finalize

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/tasks"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

// Result statuses.
const (
	StatusOK        = "ok"
	StatusPersisted = "persisted"
)

// Result reasons.
const (
	ReasonPersisted        = "persisted"
	ReasonAlreadyPersisted = "already_persisted"
	ReasonNotFound         = "not_found"
	ReasonNotOwner         = "not_owner"
	ReasonCancelled        = "cancelled"
	ReasonFailed           = "failed"
	ReasonCleaned          = "cleaned"
	ReasonStillStreaming   = "still_streaming"
	ReasonEmptyContent     = "empty_content"
	ReasonPersistFailed    = "persist_failed"
)

const defaultCollaboratorTimeout = 5 * time.Second

// Store is the subset of the generation store finalize needs.
type Store interface {
	Get(ctx context.Context, id string) (models.GenerationRecord, bool, error)
	UpdateStatus(ctx context.Context, id string, next models.Status) (bool, error)
	CommitUsageOnce(ctx context.Context, id string) (bool, string, error)
	Cleanup(ctx context.Context, id string) error
}

// MessageSink stores message pairs keyed by generation id. SavePair must be
// idempotent per generation id: a duplicate returns the existing id with
// inserted=false.
type MessageSink interface {
	FindPair(ctx context.Context, generationID string) (models.MessagePair, bool, error)
	SavePair(ctx context.Context, pair models.MessagePair) (int64, bool, error)
}

// UsageCounter bills one message to a user.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, userID string) error
}

// Scheduler runs background work.
type Scheduler interface {
	Submit(name string, fn tasks.Func) bool
}

// Request is one finalize call.
type Request struct {
	GenerationID string
	UserID       string
	FinalContent *string
	Metadata     map[string]any
}

// Result is always a success from the caller's point of view.
type Result struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Coordinator finalizes generations.
type Coordinator struct {
	store   Store
	sink    MessageSink
	usage   UsageCounter
	tasks   Scheduler
	timeout time.Duration
	stale   time.Duration
	now     func() time.Time
	log     *logrus.Logger
}

type Option func(*Coordinator)

// WithScheduler moves usage commits and cleanup off the request path.
func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) { c.tasks = s }
}

// WithCollaboratorTimeout bounds each sink and usage call.
func WithCollaboratorTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithStaleAfter fails pending or streaming records that have gone longer
// than d since creation or claim; their owner is presumed dead. Zero keeps
// waiting for the record's own expiry.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.stale = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(log *logrus.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a finalize coordinator.
func New(store Store, sink MessageSink, usage UsageCounter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		sink:    sink,
		usage:   usage,
		timeout: defaultCollaboratorTimeout,
		now:     time.Now,
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Finalize persists the generation's message pair once, commits usage once,
// then marks the record finalized and schedules its cleanup. Only a store
// failure while reading the record is returned as an error.
func (c *Coordinator) Finalize(ctx context.Context, req Request) (Result, error) {
	log := c.log.WithField("generation_id", req.GenerationID)

	if pair, found := c.findPair(ctx, req.GenerationID, log); found {
		if req.UserID != "" && pair.UserID != req.UserID {
			log.WithField("user_id", req.UserID).Warn("finalize for another user's generation ignored")
			return ok(ReasonNotOwner), nil
		}
		c.settle(ctx, req.GenerationID, pair.UserID, log)
		return Result{
			Status:    StatusOK,
			MessageID: formatID(pair.ID),
			Reason:    ReasonAlreadyPersisted,
		}, nil
	}

	rec, found, err := c.store.Get(ctx, req.GenerationID)
	if err != nil {
		return Result{}, fmt.Errorf("finalize: %w", err)
	}
	if !found {
		return ok(ReasonNotFound), nil
	}
	if req.UserID != "" && rec.UserID != req.UserID {
		log.WithField("user_id", req.UserID).Warn("finalize for another user's generation ignored")
		return ok(ReasonNotOwner), nil
	}

	switch rec.Status {
	case models.StatusCancelled, models.StatusFailed:
		c.schedule("cleanup:"+rec.ID, func(ctx context.Context) error {
			return c.store.Cleanup(ctx, rec.ID)
		})
		return ok(string(rec.Status)), nil
	case models.StatusCleaned:
		// A concurrent call may have persisted and cleaned up since the
		// first lookup.
		if pair, found := c.findPair(ctx, rec.ID, log); found {
			return Result{Status: StatusOK, MessageID: formatID(pair.ID), Reason: ReasonAlreadyPersisted}, nil
		}
		return ok(ReasonCleaned), nil
	case models.StatusPending, models.StatusStreaming:
		if !rec.Stale(c.now(), c.stale) {
			return ok(ReasonStillStreaming), nil
		}
		changed, err := c.store.UpdateStatus(ctx, rec.ID, models.StatusFailed)
		if err != nil {
			return Result{}, fmt.Errorf("finalize: fail stale %s: %w", rec.ID, err)
		}
		if !changed {
			// The owner finished in the meantime; a retry sees the new status.
			return ok(ReasonStillStreaming), nil
		}
		log.WithField("status", rec.Status).Warn("abandoned generation marked failed")
		c.schedule("cleanup:"+rec.ID, func(ctx context.Context) error {
			return c.store.Cleanup(ctx, rec.ID)
		})
		return ok(ReasonFailed), nil
	}

	content := rec.Content
	if req.FinalContent != nil {
		content = *req.FinalContent
	}
	if content == "" {
		return ok(ReasonEmptyContent), nil
	}

	pair := models.MessagePair{
		GenerationID: rec.ID,
		UserID:       rec.UserID,
		ChatID:       rec.ChatID,
		Prompt:       rec.Prompt,
		Response:     content,
		Model:        rec.Model,
		Metadata:     req.Metadata,
	}

	sinkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	id, inserted, err := c.sink.SavePair(sinkCtx, pair)
	cancel()
	if err != nil {
		// Usage stays uncommitted so a retry can finish the job.
		log.WithError(err).Error("failed to persist message pair")
		return ok(ReasonPersistFailed), nil
	}

	c.settle(ctx, rec.ID, rec.UserID, log)

	if !inserted {
		return Result{Status: StatusOK, MessageID: formatID(id), Reason: ReasonAlreadyPersisted}, nil
	}
	log.WithField("message_id", id).Info("message pair persisted")
	return Result{Status: StatusPersisted, MessageID: formatID(id), Reason: ReasonPersisted}, nil
}

func (c *Coordinator) findPair(ctx context.Context, id string, log *logrus.Entry) (models.MessagePair, bool) {
	sinkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, found, err := c.sink.FindPair(sinkCtx, id)
	if err != nil {
		log.WithError(err).Warn("message pair lookup failed")
		return models.MessagePair{}, false
	}
	return pair, found
}

// settle runs the steps after a pair exists: the single usage increment,
// the finalized status, and cleanup. Each step tolerates repeats.
func (c *Coordinator) settle(ctx context.Context, id, userID string, log *logrus.Entry) {
	committed, reason, err := c.store.CommitUsageOnce(ctx, id)
	switch {
	case err != nil:
		log.WithError(err).Error("usage commit failed")
	case committed:
		c.schedule("usage:"+id, func(ctx context.Context) error {
			return c.usage.IncrementUsage(ctx, userID)
		})
	default:
		log.WithField("reason", reason).Debug("usage already committed")
	}

	if _, err := c.store.UpdateStatus(ctx, id, models.StatusFinalized); err != nil {
		log.WithError(err).Warn("failed to mark generation finalized")
	}
	c.schedule("cleanup:"+id, func(ctx context.Context) error {
		return c.store.Cleanup(ctx, id)
	})
}

// schedule hands fn to the task queue, or runs it inline when there is no
// queue or it is full.
func (c *Coordinator) schedule(name string, fn tasks.Func) {
	if c.tasks != nil && c.tasks.Submit(name, fn) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.WithError(err).WithField("task", name).Error("inline task failed")
	}
}

func ok(reason string) Result {
	return Result{Status: StatusOK, Reason: reason}
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
