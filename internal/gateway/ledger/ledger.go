// Package ledger keeps per-credential, per-minute request counters in Redis so
// every replica sees the same usage.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/redis"
)

// BucketTTL outlives the one-minute bucket so a read at the minute boundary
// still finds the previous count.
const BucketTTL = 2 * time.Minute

// Ledger is a Redis-backed UsageLedger.
type Ledger struct {
	redis     *redis.Client
	keyPrefix string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the key prefix (default "usage:cred:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// New creates a ledger on top of the shared Redis client.
func New(client *redis.Client, opts ...Option) *Ledger {
	l := &Ledger{
		redis:     client,
		keyPrefix: "usage:cred:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Bucket returns the minute bucket for t.
func Bucket(t time.Time) int64 {
	return t.Unix() / 60
}

func (l *Ledger) key(index int, at time.Time) string {
	return l.keyPrefix + strconv.Itoa(index) + ":" + strconv.FormatInt(Bucket(at), 10)
}

// Counts returns the current-minute count for every index in one round trip.
func (l *Ledger) Counts(ctx context.Context, indices []int, at time.Time) (map[int]int64, error) {
	keys := make([]string, len(indices))
	for i, idx := range indices {
		keys[i] = l.key(idx, at)
	}

	vals, err := l.redis.MGetInts(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("ledger: read counters: %w", err)
	}

	counts := make(map[int]int64, len(indices))
	for i, idx := range indices {
		counts[idx] = vals[i]
	}
	return counts, nil
}

// Increment bumps the current-minute counter for index.
func (l *Ledger) Increment(ctx context.Context, index int, at time.Time) (int64, error) {
	n, err := l.redis.IncrWithTTL(ctx, l.key(index, at), BucketTTL)
	if err != nil {
		return 0, fmt.Errorf("ledger: increment credential %d: %w", index, err)
	}
	return n, nil
}
