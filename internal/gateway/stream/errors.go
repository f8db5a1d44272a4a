package stream

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotClaimed        = errors.New("stream: generation is not pending")
	ErrCancelled         = errors.New("stream: generation cancelled")
	ErrUpstreamExhausted = errors.New("stream: all upstream attempts failed")
	ErrUpstreamFailed    = errors.New("stream: upstream failed")
	ErrUpstreamStalled   = errors.New("stream: upstream stopped sending")
	ErrGenerationTimeout = errors.New("stream: generation exceeded its time limit")
	ErrNoUserCredential  = errors.New("stream: user has no upstream credential")
	ErrRejected          = errors.New("stream: generation rejected by validation")
	ErrNotOwner          = errors.New("stream: generation belongs to another user")
	ErrNotFound          = errors.New("stream: generation not found")

	errStopped = errors.New("stream: generation no longer streaming")
	errStore   = errors.New("stream: generation store unavailable")
)

// Error wraps a terminal streaming error with its generation.
type Error struct {
	GenerationID string
	Attempts     int
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream: generation=%s attempts=%d: %v", e.GenerationID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err ended the generation, as opposed to an
// infrastructure failure.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrUpstreamExhausted) ||
		errors.Is(err, ErrUpstreamFailed) ||
		errors.Is(err, ErrGenerationTimeout) ||
		errors.Is(err, ErrNoUserCredential)
}
