package pool

import (
	"context"
	"fmt"
	"math"

	"github.com/samber/lo"
)

// CredentialStatus is the observable state of one credential. The key itself
// is never exposed.
type CredentialStatus struct {
	Index                int    `json:"index"`
	Label                string `json:"label"`
	KeySuffix            string `json:"key_suffix"`
	Usage                int64  `json:"usage"`
	Limit                int    `json:"limit"`
	Healthy              bool   `json:"healthy"`
	ErrorCount           int    `json:"error_count"`
	SecondsUntilRecovery int    `json:"seconds_until_recovery"`
}

// PoolStatus summarizes the whole pool.
type PoolStatus struct {
	Credentials []CredentialStatus `json:"credentials"`
	Total       int                `json:"total"`
	Healthy     int                `json:"healthy"`
	UnderLimit  int                `json:"under_limit"`
}

// Status reports usage, limit and health for every credential.
func (p *Pool) Status(ctx context.Context) (PoolStatus, error) {
	now := p.now()
	counts, err := p.ledger.Counts(ctx, p.indices, now)
	if err != nil {
		return PoolStatus{}, fmt.Errorf("pool: %w", err)
	}

	p.mu.Lock()
	p.recoverLocked(now)
	creds := lo.Map(p.entries, func(e *entry, _ int) CredentialStatus {
		st := CredentialStatus{
			Index:      e.cred.Index,
			Label:      e.cred.Label,
			KeySuffix:  maskKey(e.cred.Key),
			Usage:      counts[e.cred.Index],
			Limit:      e.cred.RateLimit,
			Healthy:    e.cred.Healthy,
			ErrorCount: e.cred.ErrorCount,
		}
		if !e.cred.Healthy {
			st.SecondsUntilRecovery = int(math.Ceil(e.cooldownUntil.Sub(now).Seconds()))
		}
		return st
	})
	p.mu.Unlock()

	return PoolStatus{
		Credentials: creds,
		Total:       len(creds),
		Healthy:     lo.CountBy(creds, func(c CredentialStatus) bool { return c.Healthy }),
		UnderLimit: lo.CountBy(creds, func(c CredentialStatus) bool {
			return c.Healthy && c.Usage < int64(c.Limit)
		}),
	}, nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "..." + key[len(key)-4:]
}
