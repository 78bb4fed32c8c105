package subscription

import (
	"strings"
	"time"
)

// Snapshot is one normalized, platform-agnostic subscription state change.
// An empty UserID means the subscriber must be resolved from
// PlatformSubscriptionID before the snapshot can be applied.
type Snapshot struct {
	UserID                 string
	Platform               Platform
	PlatformSubscriptionID string
	Status                 Status
	CurrentPeriodEnd       time.Time
	EventTime              time.Time
	EventID                string

	// EventType and ProductID are informational.
	EventType string
	ProductID string
}

// Validate checks the fields every applied snapshot must carry.
func (s Snapshot) Validate() error {
	switch {
	case !s.Platform.Valid():
		return Malformed(s.Platform, s.EventID, "unknown platform %q", s.Platform)
	case strings.TrimSpace(s.EventID) == "":
		return Malformed(s.Platform, s.EventID, "missing event id")
	case strings.TrimSpace(s.UserID) == "":
		return Malformed(s.Platform, s.EventID, "missing user id")
	case strings.TrimSpace(s.PlatformSubscriptionID) == "":
		return Malformed(s.Platform, s.EventID, "missing subscription id")
	case !s.Status.Valid():
		return Malformed(s.Platform, s.EventID, "unknown status %q", s.Status)
	case s.EventTime.IsZero():
		return Malformed(s.Platform, s.EventID, "missing event time")
	case s.CurrentPeriodEnd.IsZero():
		return Malformed(s.Platform, s.EventID, "missing current period end")
	}
	return nil
}

// Record is the durable per-(user, platform) subscription state.
type Record struct {
	UserID                 string
	Platform               Platform
	PlatformSubscriptionID string
	Status                 Status
	ProductID              string
	CurrentPeriodEnd       time.Time
	LastAppliedEventID     string
	LastAppliedEventTime   time.Time

	// GraceStartedAt is set when the record enters past_due and held
	// until it leaves past_due.
	GraceStartedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Verdict is the outcome of ordering a snapshot against a record.
type Verdict int

const (
	VerdictApply Verdict = iota
	VerdictDuplicate
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Order decides whether snap may overwrite current. A nil current always
// applies. Equal event times are broken by the lexicographically greater
// event id so replays converge regardless of arrival order.
func Order(current *Record, snap Snapshot) Verdict {
	if current == nil {
		return VerdictApply
	}
	if snap.EventID == current.LastAppliedEventID {
		return VerdictDuplicate
	}
	switch {
	case snap.EventTime.After(current.LastAppliedEventTime):
		return VerdictApply
	case snap.EventTime.Before(current.LastAppliedEventTime):
		return VerdictStale
	case snap.EventID > current.LastAppliedEventID:
		return VerdictApply
	default:
		return VerdictStale
	}
}

// Apply returns the record that results from applying snap on top of
// current (which may be nil). It does not check ordering.
func Apply(current *Record, snap Snapshot, now time.Time) Record {
	next := Record{
		UserID:                 snap.UserID,
		Platform:               snap.Platform,
		PlatformSubscriptionID: snap.PlatformSubscriptionID,
		Status:                 snap.Status,
		ProductID:              snap.ProductID,
		CurrentPeriodEnd:       snap.CurrentPeriodEnd.UTC(),
		LastAppliedEventID:     snap.EventID,
		LastAppliedEventTime:   snap.EventTime.UTC(),
		CreatedAt:              now.UTC(),
		UpdatedAt:              now.UTC(),
	}
	if current != nil {
		next.CreatedAt = current.CreatedAt
		if next.ProductID == "" {
			next.ProductID = current.ProductID
		}
	}
	if snap.Status.Behavior().GraceEligible {
		if current != nil && current.Status.Behavior().GraceEligible && !current.GraceStartedAt.IsZero() {
			next.GraceStartedAt = current.GraceStartedAt
		} else {
			next.GraceStartedAt = snap.EventTime.UTC()
		}
	}
	return next
}

// Stale builds the StaleEventError describing why snap lost to current.
func Stale(current Record, snap Snapshot) *StaleEventError {
	return &StaleEventError{
		EventID:          snap.EventID,
		EventTime:        snap.EventTime,
		AppliedEventID:   current.LastAppliedEventID,
		AppliedEventTime: current.LastAppliedEventTime,
	}
}

// ValidUntil returns the instant after which r stops granting access.
// Lapsed records return the zero time.
func (r Record) ValidUntil(grace time.Duration) time.Time {
	b := r.Status.Behavior()
	switch {
	case b.Class == ClassEntitled:
		return r.CurrentPeriodEnd
	case b.GraceEligible:
		until := r.CurrentPeriodEnd
		if !r.GraceStartedAt.IsZero() {
			if end := r.GraceStartedAt.Add(grace); end.After(until) {
				until = end
			}
		}
		return until
	default:
		return time.Time{}
	}
}

// ValidAt reports whether r grants access at now.
func (r Record) ValidAt(now time.Time, grace time.Duration) bool {
	until := r.ValidUntil(grace)
	if until.IsZero() {
		return false
	}
	return !now.After(until)
}
