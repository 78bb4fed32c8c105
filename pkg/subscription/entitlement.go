package subscription

import "time"

// Tier is the access level a user currently holds.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Reason explains why access was denied.
type Reason string

const (
	ReasonQuotaExhausted       Reason = "quota_exhausted"
	ReasonSubscriptionExpired  Reason = "subscription_expired"
	ReasonSubscriptionRequired Reason = "subscription_required"
)

// Entitlement is the canonical access decision derived from all of a
// user's platform records.
type Entitlement struct {
	UserID    string    `json:"user_id"`
	Tier      Tier      `json:"tier"`
	Status    Status    `json:"status,omitempty"`
	Platform  Platform  `json:"platform,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`

	// Reason is set when Tier is free.
	Reason Reason `json:"reason,omitempty"`
}

// Paid reports whether the entitlement grants the paid tier.
func (e Entitlement) Paid() bool {
	return e.Tier == TierPaid
}

// Resolve picks the highest-priority record that is valid at now.
// Within a class the later effective expiry wins; platform name breaks any
// remaining tie so the result does not depend on record order.
func Resolve(userID string, records []Record, now time.Time, grace time.Duration) Entitlement {
	var best *Record
	var bestUntil time.Time
	for i := range records {
		rec := &records[i]
		if !rec.ValidAt(now, grace) {
			continue
		}
		until := rec.ValidUntil(grace)
		if best == nil || outranks(rec, until, best, bestUntil) {
			best = rec
			bestUntil = until
		}
	}

	if best != nil {
		return Entitlement{
			UserID:    userID,
			Tier:      TierPaid,
			Status:    best.Status,
			Platform:  best.Platform,
			ExpiresAt: bestUntil,
		}
	}

	ent := Entitlement{UserID: userID, Tier: TierFree, Reason: ReasonSubscriptionRequired}
	if latest := latestRecord(records); latest != nil {
		ent.Status = latest.Status
		ent.Platform = latest.Platform
		ent.ExpiresAt = latest.ValidUntil(grace)
		ent.Reason = ReasonSubscriptionExpired
	}
	return ent
}

func outranks(a *Record, aUntil time.Time, b *Record, bUntil time.Time) bool {
	ac, bc := a.Status.Class(), b.Status.Class()
	if ac != bc {
		return ac > bc
	}
	if !aUntil.Equal(bUntil) {
		return aUntil.After(bUntil)
	}
	return a.Platform < b.Platform
}

func latestRecord(records []Record) *Record {
	var latest *Record
	for i := range records {
		rec := &records[i]
		if latest == nil || rec.LastAppliedEventTime.After(latest.LastAppliedEventTime) {
			latest = rec
		}
	}
	return latest
}
