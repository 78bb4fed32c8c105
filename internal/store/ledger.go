package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Outcome is the ledger's record of how a delivered event was handled.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeMalformed Outcome = "malformed"
)

// LedgerEntry is one row of the idempotency ledger.
type LedgerEntry struct {
	EventKey
	Outcome    Outcome
	ReceivedAt time.Time
}

// LookupEvent returns the ledger entry for key, or nil if the event has
// not been seen.
func (s *Store) LookupEvent(ctx context.Context, key EventKey) (*LedgerEntry, error) {
	var e LedgerEntry
	var platform, outcome string
	var received int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT platform, event_id, event_type, outcome, received_at
		FROM webhook_events WHERE platform = ? AND event_id = ?`),
		string(key.Platform), key.EventID,
	).Scan(&platform, &e.EventID, &e.EventType, &outcome, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup event: %w", err)
	}
	e.Platform = key.Platform
	e.Outcome = Outcome(outcome)
	e.ReceivedAt = fromMillis(received)
	return &e, nil
}

// RecordEvent writes a terminal outcome for an event that never reached
// reconciliation (ignored or malformed). It reports false if the event was
// already in the ledger.
func (s *Store) RecordEvent(ctx context.Context, key EventKey, outcome Outcome) (bool, error) {
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.claimEvent(ctx, tx, key, outcome)
		return err
	})
	return claimed, err
}

func (s *Store) claimEvent(ctx context.Context, tx *sql.Tx, key EventKey, outcome Outcome) (bool, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO webhook_events (platform, event_id, event_type, outcome, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (platform, event_id) DO NOTHING`),
		string(key.Platform), key.EventID, key.EventType, string(outcome), toMillis(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event rows affected: %w", err)
	}
	return affected == 1, nil
}

// PruneEvents deletes ledger entries received before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webhook_events WHERE received_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows affected: %w", err)
	}
	return n, nil
}
