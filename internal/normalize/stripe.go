package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
	stripelib "github.com/stripe/stripe-go/v82"
)

// Stripe event types the normalizer understands.
const (
	StripeCheckoutCompleted       = "checkout.session.completed"
	StripeSubscriptionUpdated     = "customer.subscription.updated"
	StripeSubscriptionDeleted     = "customer.subscription.deleted"
	StripeInvoicePaymentFailed    = "invoice.payment_failed"
	StripeInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// UserIDMetadataKey is the metadata key the checkout flow stamps on Stripe
// sessions and subscriptions.
const UserIDMetadataKey = "user_id"

// StripeEvent is the closed set of Stripe events the normalizer handles.
type StripeEvent interface {
	Envelope() StripeEnvelope
	stripeEvent()
}

// StripeEnvelope carries the fields common to every Stripe event.
type StripeEnvelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e StripeEnvelope) Envelope() StripeEnvelope { return e }

type (
	CheckoutCompleted struct {
		StripeEnvelope
		Session StripeCheckoutSession
	}
	SubscriptionUpdated struct {
		StripeEnvelope
		Subscription StripeSubscription
	}
	SubscriptionDeleted struct {
		StripeEnvelope
		Subscription StripeSubscription
	}
	InvoicePaymentFailed struct {
		StripeEnvelope
		Invoice StripeInvoice
	}
	InvoicePaymentSucceeded struct {
		StripeEnvelope
		Invoice StripeInvoice
	}
	// UnknownStripeEvent is any type not listed above. It is acknowledged
	// and never applied.
	UnknownStripeEvent struct {
		StripeEnvelope
	}
)

func (CheckoutCompleted) stripeEvent()       {}
func (SubscriptionUpdated) stripeEvent()     {}
func (SubscriptionDeleted) stripeEvent()     {}
func (InvoicePaymentFailed) stripeEvent()    {}
func (InvoicePaymentSucceeded) stripeEvent() {}
func (UnknownStripeEvent) stripeEvent()      {}

// StripeCheckoutSession is a minimal representation of a checkout session.
type StripeCheckoutSession struct {
	ID                string                 `json:"id"`
	Mode              string                 `json:"mode"`
	Customer          string                 `json:"customer"`
	ClientReferenceID string                 `json:"client_reference_id"`
	Subscription      ExpandableSubscription `json:"subscription"`
	Metadata          map[string]string      `json:"metadata"`
}

// StripeSubscription is a minimal representation of a subscription object.
// Older API versions report current_period_end on the subscription, newer
// ones on each item; both are read.
type StripeSubscription struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	TrialEnd         int64             `json:"trial_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PeriodEnd returns the latest period end reported on the subscription.
func (s *StripeSubscription) PeriodEnd() int64 {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return end
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *StripeSubscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// ExpandableSubscription decodes a field that is either a subscription ID
// or an expanded subscription object.
type ExpandableSubscription struct {
	ID     string
	Object *StripeSubscription
}

func (e *ExpandableSubscription) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var sub StripeSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return err
	}
	e.ID = sub.ID
	e.Object = &sub
	return nil
}

// StripeInvoice is a minimal representation of an invoice object. The
// subscription reference moved under parent.subscription_details in newer
// API versions; both locations are read.
type StripeInvoice struct {
	ID                  string                 `json:"id"`
	Customer            string                 `json:"customer"`
	Subscription        ExpandableSubscription `json:"subscription"`
	PeriodEnd           int64                  `json:"period_end"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the subscription the invoice bills for.
func (inv *StripeInvoice) SubscriptionID() string {
	if id := strings.TrimSpace(inv.Subscription.ID); id != "" {
		return id
	}
	return strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
}

// Metadata returns the subscription metadata copied onto the invoice.
func (inv *StripeInvoice) Metadata() map[string]string {
	if md := inv.Parent.SubscriptionDetails.Metadata; len(md) > 0 {
		return md
	}
	return inv.SubscriptionDetails.Metadata
}

// LinesPeriodEnd returns the latest line item period end.
func (inv *StripeInvoice) LinesPeriodEnd() int64 {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return end
}

// DecodeStripe turns a verified Stripe event into its tagged variant.
// Unlisted types decode to UnknownStripeEvent; a listed type whose payload
// does not decode yields a MalformedEventError.
func DecodeStripe(event stripelib.Event) (StripeEvent, error) {
	env := StripeEnvelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	raw := []byte(nil)
	if event.Data != nil {
		raw = event.Data.Raw
	}
	decode := func(v any) error {
		if len(raw) == 0 {
			return subscription.Malformed(subscription.PlatformStripe, env.ID, "missing data.object")
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return &subscription.MalformedEventError{
				Platform: subscription.PlatformStripe, EventID: env.ID,
				Reason: fmt.Sprintf("decode %s", env.Type), Err: err,
			}
		}
		return nil
	}

	switch env.Type {
	case StripeCheckoutCompleted:
		ev := CheckoutCompleted{StripeEnvelope: env}
		if err := decode(&ev.Session); err != nil {
			return nil, err
		}
		return ev, nil
	case StripeSubscriptionUpdated:
		ev := SubscriptionUpdated{StripeEnvelope: env}
		if err := decode(&ev.Subscription); err != nil {
			return nil, err
		}
		return ev, nil
	case StripeSubscriptionDeleted:
		ev := SubscriptionDeleted{StripeEnvelope: env}
		if err := decode(&ev.Subscription); err != nil {
			return nil, err
		}
		return ev, nil
	case StripeInvoicePaymentFailed:
		ev := InvoicePaymentFailed{StripeEnvelope: env}
		if err := decode(&ev.Invoice); err != nil {
			return nil, err
		}
		return ev, nil
	case StripeInvoicePaymentSucceeded:
		ev := InvoicePaymentSucceeded{StripeEnvelope: env}
		if err := decode(&ev.Invoice); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return UnknownStripeEvent{StripeEnvelope: env}, nil
	}
}

// Stripe maps a decoded Stripe event onto a Snapshot. It performs no I/O.
// The snapshot's UserID comes from metadata and is empty when the event
// carries none. Stripe returns ErrUnrecognized for UnknownStripeEvent.
func Stripe(ev StripeEvent) (subscription.Snapshot, error) {
	env := ev.Envelope()
	snap := subscription.Snapshot{
		Platform:  subscription.PlatformStripe,
		EventID:   env.ID,
		EventType: env.Type,
		EventTime: env.Created,
	}
	if env.ID == "" {
		return snap, subscription.Malformed(subscription.PlatformStripe, env.ID, "missing event id")
	}
	if env.Created.Unix() <= 0 {
		return snap, subscription.Malformed(subscription.PlatformStripe, env.ID, "missing event created time")
	}

	switch e := ev.(type) {
	case CheckoutCompleted:
		sess := e.Session
		snap.PlatformSubscriptionID = strings.TrimSpace(sess.Subscription.ID)
		snap.UserID = firstNonEmpty(sess.Metadata[UserIDMetadataKey], sess.ClientReferenceID)
		sub := sess.Subscription.Object
		if sub == nil {
			return snap, subscription.Malformed(subscription.PlatformStripe, env.ID, "checkout session subscription not expanded")
		}
		snap.UserID = firstNonEmpty(snap.UserID, sub.Metadata[UserIDMetadataKey])
		snap.Status = subscription.StatusActive
		if strings.EqualFold(sub.Status, "trialing") || sub.TrialEnd > env.Created.Unix() {
			snap.Status = subscription.StatusTrialing
		}
		snap.CurrentPeriodEnd = unixOrZero(sub.PeriodEnd())
		snap.ProductID = sub.FirstPriceID()

	case SubscriptionUpdated:
		sub := e.Subscription
		snap.PlatformSubscriptionID = strings.TrimSpace(sub.ID)
		snap.UserID = strings.TrimSpace(sub.Metadata[UserIDMetadataKey])
		snap.Status = subscription.MapStripeStatus(sub.Status)
		snap.CurrentPeriodEnd = unixOrZero(sub.PeriodEnd())
		snap.ProductID = sub.FirstPriceID()

	case SubscriptionDeleted:
		sub := e.Subscription
		snap.PlatformSubscriptionID = strings.TrimSpace(sub.ID)
		snap.UserID = strings.TrimSpace(sub.Metadata[UserIDMetadataKey])
		snap.Status = subscription.StatusCanceled
		snap.CurrentPeriodEnd = env.Created
		snap.ProductID = sub.FirstPriceID()

	case InvoicePaymentFailed:
		inv := e.Invoice
		snap.PlatformSubscriptionID = inv.SubscriptionID()
		snap.UserID = strings.TrimSpace(inv.Metadata()[UserIDMetadataKey])
		snap.Status = subscription.StatusPastDue
		snap.CurrentPeriodEnd = unixOrZero(inv.PeriodEnd)

	case InvoicePaymentSucceeded:
		inv := e.Invoice
		snap.PlatformSubscriptionID = inv.SubscriptionID()
		snap.UserID = strings.TrimSpace(inv.Metadata()[UserIDMetadataKey])
		snap.Status = subscription.StatusActive
		end := inv.LinesPeriodEnd()
		if end == 0 {
			end = inv.PeriodEnd
		}
		snap.CurrentPeriodEnd = unixOrZero(end)

	default:
		return snap, ErrUnrecognized
	}

	if snap.PlatformSubscriptionID == "" {
		return snap, subscription.Malformed(subscription.PlatformStripe, env.ID, "%s without subscription", env.Type)
	}
	if snap.CurrentPeriodEnd.IsZero() {
		return snap, subscription.Malformed(subscription.PlatformStripe, env.ID, "%s without period end", env.Type)
	}
	return snap, nil
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
