package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is the slice of the account row the entitlement engine needs.
type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	// QuotaAnchor fixes the day and time usage periods roll over.
	QuotaAnchor time.Time `json:"quota_anchor"`

	// IsAdmin and a false RequiresSubscription both bypass the paywall.
	IsAdmin              bool `json:"is_admin"`
	RequiresSubscription bool `json:"requires_subscription"`
}

// Exempt reports whether quota checks always allow this user.
func (u *User) Exempt() bool {
	return u.IsAdmin || !u.RequiresSubscription
}

// PutUser registers a user or updates the flags of an existing one.
// CreatedAt and QuotaAnchor of an existing user never change.
func (s *Store) PutUser(ctx context.Context, u *User) error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.QuotaAnchor.IsZero() {
		u.QuotaAnchor = u.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, created_at, quota_anchor, is_admin, requires_subscription)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_admin = excluded.is_admin,
			requires_subscription = excluded.requires_subscription`),
		u.ID, toMillis(u.CreatedAt), toMillis(u.QuotaAnchor),
		boolToInt(u.IsAdmin), boolToInt(u.RequiresSubscription),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser returns the user with id, or nil if none exists.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, created_at, quota_anchor, is_admin, requires_subscription
		FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func scanUser(s scanner) (*User, error) {
	var u User
	var createdAt, anchor int64
	var isAdmin, requires int
	err := s.Scan(&u.ID, &createdAt, &anchor, &isAdmin, &requires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	u.QuotaAnchor = fromMillis(anchor)
	u.IsAdmin = isAdmin != 0
	u.RequiresSubscription = requires != 0
	return &u, nil
}
