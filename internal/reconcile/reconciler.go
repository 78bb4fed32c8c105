// Package reconcile applies normalized subscription snapshots to the
// entitlement store and publishes canonical entitlement changes.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/axlypro/axly-entitlements/internal/metrics"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Store is the subset of the entitlement store the reconciler needs.
type Store interface {
	Reconcile(ctx context.Context, key store.EventKey, userID string, fn store.ReconcileFunc) error
	ListRecords(ctx context.Context, userID string) ([]subscription.Record, error)
}

// Result describes what Apply did with a snapshot.
type Result struct {
	Verdict subscription.Verdict
	Outcome store.Outcome
	Record  *subscription.Record

	Before  subscription.Entitlement
	After   subscription.Entitlement
	Changed bool
}

// Reconciler is the only writer of entitlement records.
type Reconciler struct {
	store Store
	grace time.Duration
	sink  Sink
	locks *keyLocks
	now   func() time.Time
}

// New creates a Reconciler. A nil sink discards entitlement events.
func New(s Store, grace time.Duration, sink Sink) *Reconciler {
	if sink == nil {
		sink = MultiSink{}
	}
	return &Reconciler{
		store: s,
		grace: grace,
		sink:  sink,
		locks: newKeyLocks(),
		now:   time.Now,
	}
}

// Grace returns the configured past_due grace window.
func (r *Reconciler) Grace() time.Duration {
	return r.grace
}

// Apply reconciles one snapshot. Duplicates return a nil error with
// Verdict VerdictDuplicate; events older than the applied state return a
// *subscription.StaleEventError alongside the result.
func (r *Reconciler) Apply(ctx context.Context, snap subscription.Snapshot) (Result, error) {
	if err := snap.Validate(); err != nil {
		metrics.ReconcileTotal.WithLabelValues(string(snap.Platform), "malformed").Inc()
		return Result{}, err
	}

	unlock := r.locks.lock(snap.UserID, snap.Platform)
	defer unlock()

	now := r.now().UTC()
	var res Result
	var stale *subscription.StaleEventError
	key := store.EventKey{Platform: snap.Platform, EventID: snap.EventID, EventType: snap.EventType}
	err := r.store.Reconcile(ctx, key, snap.UserID, func(current *subscription.Record, records []subscription.Record) (*subscription.Record, store.Outcome, error) {
		res = Result{Before: subscription.Resolve(snap.UserID, records, now, r.grace)}
		res.After = res.Before
		stale = nil
		res.Verdict = subscription.Order(current, snap)
		switch res.Verdict {
		case subscription.VerdictDuplicate:
			return nil, store.OutcomeDuplicate, nil
		case subscription.VerdictStale:
			stale = subscription.Stale(*current, snap)
			return nil, store.OutcomeStale, nil
		}
		next := subscription.Apply(current, snap, now)
		res.Record = &next
		res.After = subscription.Resolve(snap.UserID, replaceRecord(records, next), now, r.grace)
		return &next, store.OutcomeApplied, nil
	})
	switch {
	case errors.Is(err, store.ErrEventClaimed):
		res = Result{Verdict: subscription.VerdictDuplicate, Outcome: store.OutcomeDuplicate}
		metrics.ReconcileTotal.WithLabelValues(string(snap.Platform), "duplicate").Inc()
		return res, nil
	case errors.Is(err, store.ErrUserNotFound):
		metrics.ReconcileTotal.WithLabelValues(string(snap.Platform), "malformed").Inc()
		return Result{}, &subscription.MalformedEventError{
			Platform: snap.Platform,
			EventID:  snap.EventID,
			Reason:   "user " + snap.UserID + " is not registered",
			Err:      subscription.ErrUnknownSubscriber,
		}
	case err != nil:
		metrics.ReconcileTotal.WithLabelValues(string(snap.Platform), "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return Result{}, &subscription.StorageError{Op: "reconcile", Err: err}
	}

	metrics.ReconcileTotal.WithLabelValues(string(snap.Platform), res.Verdict.String()).Inc()
	switch res.Verdict {
	case subscription.VerdictDuplicate:
		res.Outcome = store.OutcomeDuplicate
		return res, nil
	case subscription.VerdictStale:
		res.Outcome = store.OutcomeStale
		return res, stale
	}

	res.Outcome = store.OutcomeApplied
	res.Changed = entitlementChanged(res.Before, res.After)

	log.Info().
		Str("user_id", snap.UserID).
		Str("platform", string(snap.Platform)).
		Str("event_id", snap.EventID).
		Str("status", string(snap.Status)).
		Time("current_period_end", snap.CurrentPeriodEnd).
		Msg("Applied subscription snapshot")

	if res.Changed {
		r.publish(ctx, snap, res)
	}
	return res, nil
}

// Entitlement resolves the user's canonical entitlement as of now.
func (r *Reconciler) Entitlement(ctx context.Context, userID string) (subscription.Entitlement, error) {
	return r.EntitlementAt(ctx, userID, r.now())
}

// EntitlementAt resolves the user's canonical entitlement as of at.
func (r *Reconciler) EntitlementAt(ctx context.Context, userID string, at time.Time) (subscription.Entitlement, error) {
	records, err := r.store.ListRecords(ctx, userID)
	if err != nil {
		return subscription.Entitlement{UserID: userID, Tier: subscription.TierFree},
			&subscription.StorageError{Op: "load records", Err: err}
	}
	return subscription.Resolve(userID, records, at.UTC(), r.grace), nil
}

func (r *Reconciler) publish(ctx context.Context, snap subscription.Snapshot, res Result) {
	ev := EntitlementChanged{
		ID:           ulid.Make().String(),
		UserID:       snap.UserID,
		Previous:     res.Before,
		Current:      res.After,
		CauseEventID: snap.EventID,
		Platform:     snap.Platform,
		OccurredAt:   r.now().UTC(),
	}
	// Publishing happens after commit and must not fail the reconcile.
	if err := r.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).
			Str("user_id", ev.UserID).
			Str("event_id", ev.ID).
			Msg("Failed to publish entitlement change")
	}
}

func replaceRecord(records []subscription.Record, next subscription.Record) []subscription.Record {
	out := make([]subscription.Record, 0, len(records)+1)
	replaced := false
	for _, rec := range records {
		if rec.Platform == next.Platform {
			out = append(out, next)
			replaced = true
			continue
		}
		out = append(out, rec)
	}
	if !replaced {
		out = append(out, next)
	}
	return out
}

func entitlementChanged(a, b subscription.Entitlement) bool {
	return a.Tier != b.Tier ||
		a.Status != b.Status ||
		a.Platform != b.Platform ||
		a.Reason != b.Reason ||
		!a.ExpiresAt.Equal(b.ExpiresAt)
}

// keyLocks hands out one mutex per (user, platform) while it is in use.
type keyLocks struct {
	mu   sync.Mutex
	held map[lockKey]*keyLock
}

type lockKey struct {
	userID   string
	platform subscription.Platform
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: make(map[lockKey]*keyLock)}
}

func (k *keyLocks) lock(userID string, platform subscription.Platform) func() {
	key := lockKey{userID: userID, platform: platform}

	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
