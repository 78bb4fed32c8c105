// Package quota admits conversations and messages against the per-tier
// limits of a user's canonical entitlement.
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/internal/config"
	"github.com/axlypro/axly-entitlements/internal/metrics"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/rs/zerolog/log"
)

// Check kinds, used as metric labels.
const (
	KindConversation = "conversation"
	KindMessage      = "message"
)

// Entitlements resolves canonical entitlements.
type Entitlements interface {
	EntitlementAt(ctx context.Context, userID string, at time.Time) (subscription.Entitlement, error)
}

// Counters is the usage side of the store.
type Counters interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	AdmitConversation(ctx context.Context, userID string, period subscription.Period, limit int64) (store.Admission, error)
	AdmitMessage(ctx context.Context, userID, conversationID string, period subscription.Period, limit int64) (store.Admission, error)
	UsageFor(ctx context.Context, userID string, period subscription.Period) (*store.Usage, error)
}

// Decision is the outcome of one quota check. Denials are values, not
// errors; a non-nil error from a check always comes with a denial.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    subscription.Reason `json:"reason,omitempty"`
	Tier      subscription.Tier   `json:"tier"`
	Used      int64               `json:"used"`
	Limit     int64               `json:"limit"`
	PeriodEnd time.Time           `json:"period_end,omitzero"`
}

// Report is a user's usage in the current period.
type Report struct {
	Tier          subscription.Tier `json:"tier"`
	PeriodStart   time.Time         `json:"period_start"`
	PeriodEnd     time.Time         `json:"period_end"`
	Conversations int64             `json:"conversations"`
	Limits        config.Limits     `json:"limits"`
	Messages      map[string]int64  `json:"messages"`
}

// Enforcer decides and records quota admissions.
type Enforcer struct {
	counters Counters
	ents     Entitlements
	limits   config.Quota
	now      func() time.Time
}

// NewEnforcer creates an Enforcer with the given per-tier limits.
func NewEnforcer(counters Counters, ents Entitlements, limits config.Quota) *Enforcer {
	return &Enforcer{counters: counters, ents: ents, limits: limits, now: time.Now}
}

// CheckConversationStart admits one new conversation in the current period.
func (e *Enforcer) CheckConversationStart(ctx context.Context, userID string) (Decision, error) {
	d, err := e.check(ctx, userID, KindConversation, func(period subscription.Period, limit int64) (store.Admission, error) {
		return e.counters.AdmitConversation(ctx, userID, period, limit)
	})
	metrics.RecordQuotaDecision(KindConversation, string(d.Reason))
	return d, err
}

// CheckMessageSend admits one message in conversationID.
func (e *Enforcer) CheckMessageSend(ctx context.Context, userID, conversationID string) (Decision, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		metrics.RecordQuotaDecision(KindMessage, string(subscription.ReasonSubscriptionRequired))
		return deny(subscription.ReasonSubscriptionRequired, subscription.TierFree), fmt.Errorf("conversation id is required")
	}
	d, err := e.check(ctx, userID, KindMessage, func(period subscription.Period, limit int64) (store.Admission, error) {
		return e.counters.AdmitMessage(ctx, userID, conversationID, period, limit)
	})
	metrics.RecordQuotaDecision(KindMessage, string(d.Reason))
	return d, err
}

func (e *Enforcer) check(ctx context.Context, userID, kind string, admit func(subscription.Period, int64) (store.Admission, error)) (Decision, error) {
	user, err := e.counters.GetUser(ctx, userID)
	if err != nil {
		return e.failClosed(ctx, userID, kind, err)
	}
	if user == nil {
		return deny(subscription.ReasonSubscriptionRequired, subscription.TierFree), store.ErrUserNotFound
	}

	now := e.now()
	ent, err := e.ents.EntitlementAt(ctx, userID, now)
	if err != nil {
		return e.failClosed(ctx, userID, kind, err)
	}

	limits := e.limits.Free
	if ent.Paid() {
		limits = e.limits.Paid
	}
	limit := limits.ConversationsPerPeriod
	if kind == KindMessage {
		limit = limits.MessagesPerConversation
	}

	if user.Exempt() {
		limit = -1
	}

	period := subscription.PeriodAt(user.QuotaAnchor, now)
	d := Decision{Tier: ent.Tier, Limit: limit, PeriodEnd: period.End}
	if limit == 0 {
		d.Reason = ent.Reason
		if d.Reason == "" {
			d.Reason = subscription.ReasonSubscriptionRequired
		}
		return d, nil
	}

	adm, err := admit(period, limit)
	if err != nil {
		return e.failClosed(ctx, userID, kind, err)
	}
	d.Used = adm.Used
	d.Allowed = adm.Admitted
	if !d.Allowed {
		d.Reason = subscription.ReasonQuotaExhausted
	}
	return d, nil
}

func (e *Enforcer) failClosed(ctx context.Context, userID, kind string, err error) (Decision, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	log.Warn().Err(err).Str("user_id", userID).Str("kind", kind).Msg("Quota check failed closed")
	return deny(subscription.ReasonSubscriptionRequired, subscription.TierFree), &subscription.StorageError{Op: "quota " + kind, Err: err}
}

func deny(reason subscription.Reason, tier subscription.Tier) Decision {
	return Decision{Allowed: false, Reason: reason, Tier: tier}
}

// Usage reports the user's counters for the current period.
func (e *Enforcer) Usage(ctx context.Context, userID string) (Report, error) {
	user, err := e.counters.GetUser(ctx, userID)
	if err != nil {
		return Report{}, &subscription.StorageError{Op: "load user", Err: err}
	}
	if user == nil {
		return Report{}, store.ErrUserNotFound
	}
	now := e.now()
	ent, err := e.ents.EntitlementAt(ctx, userID, now)
	if err != nil {
		return Report{}, err
	}

	period := subscription.PeriodAt(user.QuotaAnchor, now)
	usage, err := e.counters.UsageFor(ctx, userID, period)
	if err != nil {
		return Report{}, &subscription.StorageError{Op: "load usage", Err: err}
	}

	limits := e.limits.Free
	if ent.Paid() {
		limits = e.limits.Paid
	}
	return Report{
		Tier:          ent.Tier,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		Conversations: usage.Conversations,
		Limits:        limits,
		Messages:      usage.Messages,
	}, nil
}
