package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReceiptValidation is the audit row written for each App Store receipt
// submission.
type ReceiptValidation struct {
	ID                    string
	UserID                string
	Environment           string
	AppleStatus           int
	Outcome               string
	OriginalTransactionID string
	CreatedAt             time.Time
}

// RecordReceiptValidation appends one receipt validation audit row.
func (s *Store) RecordReceiptValidation(ctx context.Context, v *ReceiptValidation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO receipt_validations (
			id, user_id, environment, apple_status, outcome, original_transaction_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.UserID, v.Environment, v.AppleStatus, v.Outcome, v.OriginalTransactionID, toMillis(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record receipt validation: %w", err)
	}
	return nil
}

// ListReceiptValidations returns the user's receipt audit rows, newest first.
func (s *Store) ListReceiptValidations(ctx context.Context, userID string, limit int) ([]ReceiptValidation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, user_id, environment, apple_status, outcome, original_transaction_id, created_at
		FROM receipt_validations WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipt validations: %w", err)
	}
	defer rows.Close()

	var out []ReceiptValidation
	for rows.Next() {
		var v ReceiptValidation
		var created int64
		if err := rows.Scan(&v.ID, &v.UserID, &v.Environment, &v.AppleStatus, &v.Outcome, &v.OriginalTransactionID, &created); err != nil {
			return nil, fmt.Errorf("scan receipt validation: %w", err)
		}
		v.CreatedAt = fromMillis(created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list receipt validations: %w", err)
	}
	return out, nil
}
