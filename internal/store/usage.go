package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
)

// Admission is the result of one check-and-increment.
type Admission struct {
	Admitted bool
	// Used is the counter value after the attempt.
	Used int64
}

// Usage summarizes a user's consumption in one period.
type Usage struct {
	Period        subscription.Period
	Conversations int64
	Messages      map[string]int64
}

// AdmitConversation increments the user's conversation counter for period
// if it is below limit. A negative limit admits unconditionally. The check
// and the increment are a single conditional UPDATE so concurrent callers
// can never push the counter past limit.
func (s *Store) AdmitConversation(ctx context.Context, userID string, period subscription.Period, limit int64) (Admission, error) {
	var adm Admission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO usage_periods (user_id, period_start, period_end, conversation_count)
			VALUES (?, ?, ?, 0)
			ON CONFLICT (user_id, period_start) DO NOTHING`),
			userID, toMillis(period.Start), toMillis(period.End)); err != nil {
			return fmt.Errorf("init usage period: %w", err)
		}

		admitted, err := s.conditionalIncrement(ctx, tx, `
			UPDATE usage_periods SET conversation_count = conversation_count + 1
			WHERE user_id = ? AND period_start = ?`, `conversation_count`, limit,
			userID, toMillis(period.Start))
		if err != nil {
			return fmt.Errorf("admit conversation: %w", err)
		}
		adm.Admitted = admitted

		return tx.QueryRowContext(ctx, s.rebind(`
			SELECT conversation_count FROM usage_periods WHERE user_id = ? AND period_start = ?`),
			userID, toMillis(period.Start)).Scan(&adm.Used)
	})
	return adm, err
}

// AdmitMessage increments the message counter of one conversation within
// period if it is below limit, with the same atomicity as AdmitConversation.
func (s *Store) AdmitMessage(ctx context.Context, userID, conversationID string, period subscription.Period, limit int64) (Admission, error) {
	var adm Admission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO conversation_usage (user_id, period_start, conversation_id, message_count)
			VALUES (?, ?, ?, 0)
			ON CONFLICT (user_id, period_start, conversation_id) DO NOTHING`),
			userID, toMillis(period.Start), conversationID); err != nil {
			return fmt.Errorf("init conversation usage: %w", err)
		}

		admitted, err := s.conditionalIncrement(ctx, tx, `
			UPDATE conversation_usage SET message_count = message_count + 1
			WHERE user_id = ? AND period_start = ? AND conversation_id = ?`, `message_count`, limit,
			userID, toMillis(period.Start), conversationID)
		if err != nil {
			return fmt.Errorf("admit message: %w", err)
		}
		adm.Admitted = admitted

		return tx.QueryRowContext(ctx, s.rebind(`
			SELECT message_count FROM conversation_usage
			WHERE user_id = ? AND period_start = ? AND conversation_id = ?`),
			userID, toMillis(period.Start), conversationID).Scan(&adm.Used)
	})
	return adm, err
}

func (s *Store) conditionalIncrement(ctx context.Context, tx *sql.Tx, update, column string, limit int64, args ...any) (bool, error) {
	if limit >= 0 {
		update += ` AND ` + column + ` < ?`
		args = append(args, limit)
	}
	res, err := tx.ExecContext(ctx, s.rebind(update), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UsageFor reports the user's counters for period.
func (s *Store) UsageFor(ctx context.Context, userID string, period subscription.Period) (*Usage, error) {
	u := &Usage{Period: period, Messages: map[string]int64{}}

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT conversation_count FROM usage_periods
		WHERE user_id = ? AND period_start = ?`),
		userID, toMillis(period.Start)).Scan(&u.Conversations)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load conversation usage: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT conversation_id, message_count FROM conversation_usage
		WHERE user_id = ? AND period_start = ?`), userID, toMillis(period.Start))
	if err != nil {
		return nil, fmt.Errorf("load message usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan message usage: %w", err)
		}
		u.Messages[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load message usage: %w", err)
	}
	return u, nil
}
