package api

import (
	"context"
	"time"

	"github.com/axlypro/axly-entitlements/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultJanitorInterval = time.Hour

// EventPruner removes idempotency ledger rows older than a cutoff.
type EventPruner interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerJanitor periodically prunes ledger entries past the dedup window
// and sweeps idle rate limiter keys.
type LedgerJanitor struct {
	pruner   EventPruner
	ttl      time.Duration
	interval time.Duration
	limiters []*RateLimiter
	now      func() time.Time
}

// NewLedgerJanitor creates a janitor that keeps ttl worth of ledger history.
func NewLedgerJanitor(pruner EventPruner, ttl time.Duration, limiters ...*RateLimiter) *LedgerJanitor {
	return &LedgerJanitor{
		pruner:   pruner,
		ttl:      ttl,
		interval: defaultJanitorInterval,
		limiters: limiters,
		now:      time.Now,
	}
}

// Run starts the janitor loop. It blocks until ctx is cancelled.
func (j *LedgerJanitor) Run(ctx context.Context) {
	log.Info().Dur("ttl", j.ttl).Dur("interval", j.interval).Msg("Ledger janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Ledger janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LedgerJanitor) sweep(ctx context.Context) {
	for _, rl := range j.limiters {
		rl.Sweep()
	}
	if _, err := j.Prune(ctx); err != nil {
		log.Error().Err(err).Msg("Ledger janitor: failed to prune events")
	}
}

// Prune deletes ledger rows received before now minus the TTL.
func (j *LedgerJanitor) Prune(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.ttl)
	n, err := j.pruner.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LedgerPrunedTotal.Add(float64(n))
		log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("Pruned idempotency ledger")
	}
	return n, nil
}
