package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
)

var (
	// ErrEventClaimed means the ledger already holds the event.
	ErrEventClaimed = errors.New("event already processed")

	// ErrUserNotFound means the snapshot's user is not registered.
	ErrUserNotFound = errors.New("user not found")
)

// EventKey identifies one platform event in the idempotency ledger.
type EventKey struct {
	Platform  subscription.Platform
	EventID   string
	EventType string
}

// ReconcileFunc decides the next record given the current one (nil when the
// user has no record for the platform yet). records holds every platform
// record of the user as read under the user lock, current included. A nil
// next leaves the record untouched; outcome is written to the ledger.
type ReconcileFunc func(current *subscription.Record, records []subscription.Record) (next *subscription.Record, outcome Outcome, err error)

const recordColumns = `user_id, platform, platform_subscription_id, status, product_id,
	current_period_end, last_applied_event_id, last_applied_event_time,
	grace_started_at, created_at, updated_at`

// Reconcile claims key in the ledger and runs fn against the user's record
// for key.Platform inside one transaction. The user row is locked for the
// duration so concurrent reconciles for one user serialize while other
// users proceed in parallel.
//
// Returns ErrEventClaimed if the event was already processed and
// ErrUserNotFound if userID is not registered; neither leaves a trace.
func (s *Store) Reconcile(ctx context.Context, key EventKey, userID string, fn ReconcileFunc) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.claimEvent(ctx, tx, key, OutcomePending)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrEventClaimed
		}

		lock := `SELECT id FROM users WHERE id = ?`
		if s.driver == DriverPostgres {
			lock += ` FOR UPDATE`
		}
		var id string
		if err := tx.QueryRowContext(ctx, s.rebind(lock), userID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user: %w", err)
		}

		records, err := s.listRecords(ctx, tx, userID)
		if err != nil {
			return err
		}
		var current *subscription.Record
		for i := range records {
			if records[i].Platform == key.Platform {
				current = &records[i]
				break
			}
		}

		next, outcome, err := fn(current, records)
		if err != nil {
			return err
		}
		if next != nil {
			if err := s.saveRecord(ctx, tx, next); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE webhook_events SET outcome = ? WHERE platform = ? AND event_id = ?`),
			string(outcome), string(key.Platform), key.EventID); err != nil {
			return fmt.Errorf("record event outcome: %w", err)
		}
		return nil
	})
}

func (s *Store) saveRecord(ctx context.Context, tx *sql.Tx, r *subscription.Record) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO entitlement_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			platform_subscription_id = excluded.platform_subscription_id,
			status = excluded.status,
			product_id = excluded.product_id,
			current_period_end = excluded.current_period_end,
			last_applied_event_id = excluded.last_applied_event_id,
			last_applied_event_time = excluded.last_applied_event_time,
			grace_started_at = excluded.grace_started_at,
			updated_at = excluded.updated_at`),
		r.UserID, string(r.Platform), r.PlatformSubscriptionID, string(r.Status), r.ProductID,
		toMillis(r.CurrentPeriodEnd), r.LastAppliedEventID, toMillis(r.LastAppliedEventTime),
		nullableMillis(r.GraceStartedAt), toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// ListRecords returns every platform record held for userID.
func (s *Store) ListRecords(ctx context.Context, userID string) ([]subscription.Record, error) {
	return s.listRecords(ctx, s.db, userID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) listRecords(ctx context.Context, q querier, userID string) ([]subscription.Record, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT `+recordColumns+`
		FROM entitlement_records WHERE user_id = ? ORDER BY platform`), userID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []subscription.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// GetRecord returns the user's record for platform, or nil if none exists.
func (s *Store) GetRecord(ctx context.Context, userID string, platform subscription.Platform) (*subscription.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+`
		FROM entitlement_records WHERE user_id = ? AND platform = ?`), userID, string(platform)))
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// FindSubscriber returns the user that owns the platform subscription, or
// "" if no record references it.
func (s *Store) FindSubscriber(ctx context.Context, platform subscription.Platform, subscriptionID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT user_id FROM entitlement_records
		WHERE platform = ? AND platform_subscription_id = ?
		ORDER BY updated_at DESC LIMIT 1`), string(platform), subscriptionID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find subscriber: %w", err)
	}
	return userID, nil
}

func scanRecord(s scanner) (*subscription.Record, error) {
	var r subscription.Record
	var platform, status string
	var periodEnd, lastTime, createdAt, updatedAt int64
	var graceStart sql.NullInt64

	err := s.Scan(
		&r.UserID, &platform, &r.PlatformSubscriptionID, &status, &r.ProductID,
		&periodEnd, &r.LastAppliedEventID, &lastTime,
		&graceStart, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.Platform = subscription.Platform(platform)
	r.Status = subscription.Status(status)
	r.CurrentPeriodEnd = fromMillis(periodEnd)
	r.LastAppliedEventTime = fromMillis(lastTime)
	r.GraceStartedAt = fromNullMillis(graceStart)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}
