// Package pool load-balances generations across the platform's upstream
// credentials.
//
// Usage counters live in the shared ledger, so every replica sees the same
// per-minute load. Health and cooldown bookkeeping is process-local: a
// credential one replica marked unhealthy is still tried by the others until
// they see their own failure. The round-robin overload fallback keeps a
// process-local cursor for the same reason, so overload distribution is only
// approximately fair across replicas.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

// ErrAllCredentialsExhausted is returned when no credential is healthy.
var ErrAllCredentialsExhausted = errors.New("pool: all credentials exhausted")

// FailureKind classifies an upstream failure for cooldown purposes.
type FailureKind string

const (
	FailureRateLimited FailureKind = "rate_limited"
	FailureOther       FailureKind = "other"
)

const (
	defaultRateLimitedCooldown = 60 * time.Second
	defaultOtherCooldown       = 30 * time.Second
)

// Ledger is the shared usage counter store.
type Ledger interface {
	Counts(ctx context.Context, indices []int, at time.Time) (map[int]int64, error)
	Increment(ctx context.Context, index int, at time.Time) (int64, error)
}

type entry struct {
	cred          models.Credential
	cooldownUntil time.Time
}

// Pool is the CredentialPool.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	indices []int
	last    int // round-robin cursor, -1 before first overload pick

	ledger              Ledger
	now                 func() time.Time
	rateLimitedCooldown time.Duration
	otherCooldown       time.Duration
	log                 *logrus.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithCooldowns overrides the rate-limited and generic cooldown periods.
func WithCooldowns(rateLimited, other time.Duration) Option {
	return func(p *Pool) {
		p.rateLimitedCooldown = rateLimited
		p.otherCooldown = other
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New builds a pool from creds. Indices are assigned by position and never change.
func New(creds []models.Credential, ledger Ledger, opts ...Option) (*Pool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("pool: at least one credential is required")
	}

	p := &Pool{
		last:                -1,
		ledger:              ledger,
		now:                 time.Now,
		rateLimitedCooldown: defaultRateLimitedCooldown,
		otherCooldown:       defaultOtherCooldown,
		log:                 logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i, c := range creds {
		if c.Key == "" {
			return nil, fmt.Errorf("pool: credential %d has an empty key", i)
		}
		if c.RateLimit <= 0 {
			return nil, fmt.Errorf("pool: credential %d has a non-positive rate limit", i)
		}
		c.Index = i
		c.Healthy = true
		p.entries = append(p.entries, &entry{cred: c})
		p.indices = append(p.indices, i)
	}

	return p, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.entries)
}

// SelectCredential picks the least-used healthy credential that is under its
// per-minute limit, lowest index first on ties. When every healthy credential
// is at its limit it falls back to round-robin over the healthy ones.
func (p *Pool) SelectCredential(ctx context.Context) (models.Credential, error) {
	now := p.now()
	counts, err := p.ledger.Counts(ctx, p.indices, now)
	if err != nil {
		return models.Credential{}, fmt.Errorf("pool: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.recoverLocked(now)

	best := -1
	for i, e := range p.entries {
		if !e.cred.Healthy {
			continue
		}
		used := counts[e.cred.Index]
		if used >= int64(e.cred.RateLimit) {
			continue
		}
		if best < 0 || used < counts[p.entries[best].cred.Index] {
			best = i
		}
	}
	if best >= 0 {
		return p.entries[best].cred, nil
	}

	n := len(p.entries)
	for step := 1; step <= n; step++ {
		i := (p.last + step) % n
		if p.entries[i].cred.Healthy {
			p.last = i
			p.log.WithField("credential", i).Warn("all credentials at rate limit, using round-robin")
			return p.entries[i].cred, nil
		}
	}

	return models.Credential{}, ErrAllCredentialsExhausted
}

// RecordSuccess counts one completed request against index in the current minute.
func (p *Pool) RecordSuccess(ctx context.Context, index int) error {
	if index < 0 || index >= len(p.entries) {
		return nil
	}
	_, err := p.ledger.Increment(ctx, index, p.now())
	return err
}

// RecordFailure takes index out of rotation until its cooldown elapses.
// Recovery is checked lazily on the next read; nothing is scheduled.
func (p *Pool) RecordFailure(index int, kind FailureKind) {
	if index < 0 || index >= len(p.entries) {
		return
	}

	now := p.now()
	cooldown := p.otherCooldown
	if kind == FailureRateLimited {
		cooldown = p.rateLimitedCooldown
	}

	p.mu.Lock()
	e := p.entries[index]
	e.cred.Healthy = false
	e.cred.LastErrorAt = now
	e.cred.ErrorCount++
	e.cooldownUntil = now.Add(cooldown)
	errorCount := e.cred.ErrorCount
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"credential":  index,
		"kind":        kind,
		"cooldown":    cooldown.String(),
		"error_count": errorCount,
	}).Warn("credential marked unhealthy")
}

// Available reports whether at least one credential can currently be selected.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recoverLocked(p.now())
	for _, e := range p.entries {
		if e.cred.Healthy {
			return true
		}
	}
	return false
}

// recoverLocked re-enables credentials whose cooldown has elapsed.
func (p *Pool) recoverLocked(now time.Time) {
	for _, e := range p.entries {
		if e.cred.Healthy || now.Before(e.cooldownUntil) {
			continue
		}
		e.cred.Healthy = true
		e.cred.ErrorCount = 0
		e.cooldownUntil = time.Time{}
		p.log.WithField("credential", e.cred.Index).Info("credential recovered")
	}
}
