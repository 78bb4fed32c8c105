package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/internal/normalize"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultStripeTolerance bounds how old a signed Stripe payload may be.
const DefaultStripeTolerance = 5 * time.Minute

// StripeVerifier authenticates a raw Stripe delivery.
type StripeVerifier interface {
	Verify(payload []byte, signature string) (stripelib.Event, error)
}

// SigningSecretVerifier checks the Stripe-Signature header against the
// endpoint signing secret.
type SigningSecretVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v SigningSecretVerifier) Verify(payload []byte, signature string) (stripelib.Event, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return stripelib.Event{}, &subscription.AuthenticationError{Platform: subscription.PlatformStripe, Err: errors.New("webhook secret not configured")}
	}
	if strings.TrimSpace(signature) == "" {
		return stripelib.Event{}, &subscription.AuthenticationError{Platform: subscription.PlatformStripe, Err: errors.New("missing Stripe signature")}
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultStripeTolerance
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, &subscription.AuthenticationError{Platform: subscription.PlatformStripe, Err: err}
	}
	return event, nil
}

// SubscriptionFetcher loads a Stripe subscription by ID. It is used to
// expand checkout sessions that reference their subscription by ID only.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, id string) (*normalize.StripeSubscription, error)
}

// APISubscriptionFetcher fetches subscriptions from the Stripe API through
// its own keyed client.
type APISubscriptionFetcher struct {
	client  *stripelib.Client
	timeout time.Duration
}

// NewAPISubscriptionFetcher creates a fetcher authenticated with apiKey.
func NewAPISubscriptionFetcher(apiKey string, timeout time.Duration) *APISubscriptionFetcher {
	return newAPISubscriptionFetcher(stripelib.NewClient(strings.TrimSpace(apiKey)), timeout)
}

func newAPISubscriptionFetcher(client *stripelib.Client, timeout time.Duration) *APISubscriptionFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APISubscriptionFetcher{client: client, timeout: timeout}
}

func (f *APISubscriptionFetcher) FetchSubscription(ctx context.Context, id string) (*normalize.StripeSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	sub, err := f.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription %s: %w", id, err)
	}

	raw, err := rawSubscriptionJSON(sub)
	if err != nil {
		return nil, err
	}
	var out normalize.StripeSubscription
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode stripe subscription %s: %w", id, err)
	}
	return &out, nil
}

func rawSubscriptionJSON(sub *stripelib.Subscription) ([]byte, error) {
	if sub == nil {
		return nil, errors.New("stripe returned no subscription")
	}
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		return sub.LastResponse.RawJSON, nil
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode stripe subscription: %w", err)
	}
	return raw, nil
}

// StripeHandler handles Stripe webhook deliveries.
type StripeHandler struct {
	verifier StripeVerifier
	fetcher  SubscriptionFetcher
	store    Store
	applier  Applier
}

// NewStripeHandler creates a Stripe webhook handler. fetcher may be nil, in
// which case checkout sessions must carry an expanded subscription.
func NewStripeHandler(verifier StripeVerifier, fetcher SubscriptionFetcher, st Store, applier Applier) *StripeHandler {
	return &StripeHandler{verifier: verifier, fetcher: fetcher, store: st, applier: applier}
}

// ServeHTTP verifies the delivery and settles it. It answers 200 for every
// settled delivery, 400 when verification fails and 500 when the outcome
// could not be persisted or its subscriber is not linked yet.
func (h *StripeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := newDelivery(subscription.PlatformStripe)
	defer d.finish()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		d.outcome = outcomeUnauthenticated
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		d.reject(w, err)
		return
	}
	d.eventID, d.eventType = event.ID, string(event.Type)

	snap, normErr, err := h.normalize(r.Context(), event)
	if err != nil {
		d.fail(w, err)
		return
	}
	outcome, err := settle(r.Context(), h.store, h.applier, snap, normErr)
	if err != nil {
		d.fail(w, err)
		return
	}
	d.acknowledge(w, outcome)
}

// normalize decodes and maps event. A non-nil third return value is a
// retryable failure; normErr carries normalizer rejections.
func (h *StripeHandler) normalize(ctx context.Context, event stripelib.Event) (snap subscription.Snapshot, normErr error, err error) {
	snap = subscription.Snapshot{
		Platform:  subscription.PlatformStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	decoded, decodeErr := normalize.DecodeStripe(event)
	if decodeErr != nil {
		return snap, decodeErr, nil
	}

	if checkout, ok := decoded.(normalize.CheckoutCompleted); ok && checkout.Session.Subscription.Object == nil && h.fetcher != nil {
		if id := strings.TrimSpace(checkout.Session.Subscription.ID); id != "" {
			sub, err := h.fetcher.FetchSubscription(ctx, id)
			if err != nil {
				return snap, nil, err
			}
			checkout.Session.Subscription.Object = sub
			decoded = checkout
		}
	}

	mapped, normErr := normalize.Stripe(decoded)
	if mapped.EventID == "" {
		mapped.EventID = snap.EventID
	}
	return mapped, normErr, nil
}
