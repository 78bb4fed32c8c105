package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2025, time.May, 2, 10, 0, 0, 0, time.UTC)

func stripeEvent(t *testing.T, id, typ string, object any) stripelib.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripelib.Event{
		ID:      id,
		Type:    stripelib.EventType(typ),
		Created: created.Unix(),
		Data:    &stripelib.EventData{Raw: raw},
	}
}

func normalizeStripe(t *testing.T, ev stripelib.Event) (subscription.Snapshot, error) {
	t.Helper()
	decoded, err := DecodeStripe(ev)
	require.NoError(t, err)
	return Stripe(decoded)
}

func TestStripeCheckoutCompleted(t *testing.T) {
	periodEnd := created.Add(30 * 24 * time.Hour)
	ev := stripeEvent(t, "evt_checkout", StripeCheckoutCompleted, map[string]any{
		"id":                  "cs_1",
		"mode":                "subscription",
		"client_reference_id": "u1",
		"subscription": map[string]any{
			"id":     "sub_1",
			"status": "active",
			"items": map[string]any{"data": []any{map[string]any{
				"current_period_end": periodEnd.Unix(),
				"price":              map[string]any{"id": "price_pro"},
			}}},
		},
	})

	snap, err := normalizeStripe(t, ev)
	require.NoError(t, err)
	assert.Equal(t, subscription.Snapshot{
		UserID:                 "u1",
		Platform:               subscription.PlatformStripe,
		PlatformSubscriptionID: "sub_1",
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       periodEnd,
		EventTime:              created,
		EventID:                "evt_checkout",
		EventType:              StripeCheckoutCompleted,
		ProductID:              "price_pro",
	}, snap)
	require.NoError(t, snap.Validate())
}

func TestStripeCheckoutTrialAndMetadataUser(t *testing.T) {
	ev := stripeEvent(t, "evt_trial", StripeCheckoutCompleted, map[string]any{
		"id":       "cs_2",
		"metadata": map[string]string{"user_id": "u-meta"},
		"subscription": map[string]any{
			"id":                 "sub_2",
			"status":             "active",
			"trial_end":          created.Add(7 * 24 * time.Hour).Unix(),
			"current_period_end": created.Add(7 * 24 * time.Hour).Unix(),
		},
	})

	snap, err := normalizeStripe(t, ev)
	require.NoError(t, err)
	assert.Equal(t, "u-meta", snap.UserID)
	assert.Equal(t, subscription.StatusTrialing, snap.Status)
}

func TestStripeCheckoutRequiresExpandedSubscription(t *testing.T) {
	ev := stripeEvent(t, "evt_flat", StripeCheckoutCompleted, map[string]any{
		"id":           "cs_3",
		"subscription": "sub_3",
	})

	decoded, err := DecodeStripe(ev)
	require.NoError(t, err)
	checkout, ok := decoded.(CheckoutCompleted)
	require.True(t, ok)
	assert.Equal(t, "sub_3", checkout.Session.Subscription.ID)
	assert.Nil(t, checkout.Session.Subscription.Object)

	_, err = Stripe(decoded)
	assert.True(t, subscription.IsMalformed(err))
}

func TestStripeSubscriptionStatuses(t *testing.T) {
	periodEnd := created.Add(10 * 24 * time.Hour)
	tests := []struct {
		raw  string
		want subscription.Status
	}{
		{"active", subscription.StatusActive},
		{"trialing", subscription.StatusTrialing},
		{"past_due", subscription.StatusPastDue},
		{"canceled", subscription.StatusCanceled},
		{"unpaid", subscription.StatusUnpaid},
		{"incomplete_expired", subscription.StatusIncompleteExpired},
		{"paused", subscription.StatusUnpaid},
		{"something_new", subscription.StatusUnpaid},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			ev := stripeEvent(t, "evt_"+tc.raw, StripeSubscriptionUpdated, map[string]any{
				"id":                 "sub_1",
				"status":             tc.raw,
				"current_period_end": periodEnd.Unix(),
				"metadata":           map[string]string{"user_id": "u1"},
			})
			snap, err := normalizeStripe(t, ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, snap.Status)
			assert.Equal(t, periodEnd, snap.CurrentPeriodEnd)
			assert.Equal(t, "u1", snap.UserID)
		})
	}
}

func TestStripeSubscriptionDeleted(t *testing.T) {
	ev := stripeEvent(t, "evt_del", StripeSubscriptionDeleted, map[string]any{
		"id":                 "sub_1",
		"status":             "canceled",
		"current_period_end": created.Add(20 * 24 * time.Hour).Unix(),
	})

	snap, err := normalizeStripe(t, ev)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, snap.Status)
	assert.Equal(t, created, snap.CurrentPeriodEnd)
	assert.Empty(t, snap.UserID)
}

func TestStripeInvoiceEvents(t *testing.T) {
	lineEnd := created.Add(31 * 24 * time.Hour)
	invoice := map[string]any{
		"id":         "in_1",
		"period_end": created.Unix(),
		"parent": map[string]any{"subscription_details": map[string]any{
			"subscription": "sub_1",
			"metadata":     map[string]string{"user_id": "u1"},
		}},
		"lines": map[string]any{"data": []any{map[string]any{
			"period": map[string]any{"start": created.Unix(), "end": lineEnd.Unix()},
		}}},
	}

	failed, err := normalizeStripe(t, stripeEvent(t, "evt_fail", StripeInvoicePaymentFailed, invoice))
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, failed.Status)
	assert.Equal(t, "sub_1", failed.PlatformSubscriptionID)
	assert.Equal(t, "u1", failed.UserID)
	assert.Equal(t, created, failed.CurrentPeriodEnd)

	paid, err := normalizeStripe(t, stripeEvent(t, "evt_paid", StripeInvoicePaymentSucceeded, invoice))
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, paid.Status)
	assert.Equal(t, lineEnd, paid.CurrentPeriodEnd)
}

func TestStripeInvoiceLegacySubscriptionField(t *testing.T) {
	ev := stripeEvent(t, "evt_legacy", StripeInvoicePaymentFailed, map[string]any{
		"id":                   "in_2",
		"subscription":         "sub_legacy",
		"period_end":           created.Unix(),
		"subscription_details": map[string]any{"metadata": map[string]string{"user_id": "u2"}},
	})

	snap, err := normalizeStripe(t, ev)
	require.NoError(t, err)
	assert.Equal(t, "sub_legacy", snap.PlatformSubscriptionID)
	assert.Equal(t, "u2", snap.UserID)
}

func TestStripeUnknownEventIsUnrecognized(t *testing.T) {
	decoded, err := DecodeStripe(stripeEvent(t, "evt_charge", "charge.refunded", map[string]any{"id": "ch_1"}))
	require.NoError(t, err)
	_, ok := decoded.(UnknownStripeEvent)
	require.True(t, ok)

	_, err = Stripe(decoded)
	assert.True(t, errors.Is(err, ErrUnrecognized))
}

func TestStripeMalformedPayloads(t *testing.T) {
	bad := stripelib.Event{
		ID:      "evt_bad",
		Type:    stripelib.EventType(StripeSubscriptionUpdated),
		Created: created.Unix(),
		Data:    &stripelib.EventData{Raw: json.RawMessage(`{"id": 42}`)},
	}
	_, err := DecodeStripe(bad)
	require.Error(t, err)
	assert.True(t, subscription.IsMalformed(err))

	empty := stripelib.Event{ID: "evt_empty", Type: stripelib.EventType(StripeSubscriptionUpdated), Created: created.Unix()}
	_, err = DecodeStripe(empty)
	assert.True(t, subscription.IsMalformed(err))

	noEnd := stripeEvent(t, "evt_noend", StripeSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "active"})
	_, err = normalizeStripe(t, noEnd)
	assert.True(t, subscription.IsMalformed(err))

	noSub := stripeEvent(t, "evt_nosub", StripeInvoicePaymentFailed, map[string]any{"id": "in_3", "period_end": created.Unix()})
	_, err = normalizeStripe(t, noSub)
	assert.True(t, subscription.IsMalformed(err))
}
