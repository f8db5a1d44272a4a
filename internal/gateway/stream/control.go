package stream

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

// Abort cancels a generation. An empty userID skips the ownership check
// (system aborts). It reports whether the status changed; missing or already
// finished generations are not an error.
func (c *Coordinator) Abort(ctx context.Context, id, userID, reason string) (bool, error) {
	rec, found, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if userID != "" && rec.UserID != userID {
		return false, ErrNotOwner
	}

	changed, err := c.store.UpdateStatus(ctx, id, models.StatusCancelled)
	if err != nil {
		return false, err
	}
	interrupted := false
	if changed {
		interrupted = c.interrupt(id)
	}

	c.log.WithFields(logrus.Fields{
		"generation_id": id,
		"reason":        reason,
		"changed":       changed,
		"local":         interrupted,
	}).Info("generation abort requested")
	return changed, nil
}

// Follow emits buffered content of a generation owned by another stream,
// starting after offset bytes, until the record leaves pending/streaming.
func (c *Coordinator) Follow(ctx context.Context, id string, offset int, emit Emitter) (Result, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	res := Result{GenerationID: id}
	sent := offset
	for {
		rec, found, err := c.store.Get(ctx, id)
		if err != nil {
			return res, err
		}
		if !found {
			return res, &Error{GenerationID: id, Err: ErrNotFound}
		}

		if len(rec.Content) > sent {
			if err := emit.Emit(rec.Content[sent:]); err != nil {
				return res, err
			}
			sent = len(rec.Content)
			res.ChunksSent++
		}
		if !rec.Status.IsActive() {
			res.Status = rec.Status
			res.CredentialIndex = rec.CredentialIndex
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Validator checks a freshly created generation while its stream may already
// be running.
type Validator interface {
	Validate(ctx context.Context, rec models.GenerationRecord) error
}

// PromptLengthValidator rejects prompts longer than Max characters.
type PromptLengthValidator struct {
	Max int
}

func (v PromptLengthValidator) Validate(_ context.Context, rec models.GenerationRecord) error {
	if v.Max <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(rec.Prompt); n > v.Max {
		return fmt.Errorf("%w: prompt has %d characters, limit is %d", ErrRejected, n, v.Max)
	}
	return nil
}

// Validate runs validators in order and aborts the generation on the first
// rejection, which it returns.
func (c *Coordinator) Validate(ctx context.Context, rec models.GenerationRecord, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(ctx, rec); err != nil {
			if _, abortErr := c.Abort(ctx, rec.ID, "", err.Error()); abortErr != nil {
				return fmt.Errorf("stream: abort rejected generation: %w", abortErr)
			}
			return err
		}
	}
	return nil
}
