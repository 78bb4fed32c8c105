// Package ingress receives platform webhooks and receipt submissions,
// verifies them, deduplicates deliveries against the durable ledger and
// hands normalized snapshots to the reconciler.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/axlypro/axly-entitlements/internal/metrics"
	"github.com/axlypro/axly-entitlements/internal/normalize"
	"github.com/axlypro/axly-entitlements/internal/reconcile"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Outcomes reported in metrics beyond the ledger outcomes.
const (
	outcomeUnauthenticated = "unauthenticated"
	outcomeUnlinked        = "unlinked"
	outcomeError           = "error"
)

// UnlinkedError reports a verified, well-formed event whose subscriber is
// not known yet: no user owns the platform subscription, or the named user
// is not registered. Such deliveries are left unacknowledged and off the
// ledger so the platform redelivers them once the linking event (usually
// checkout.session.completed or a receipt submission) has been applied.
type UnlinkedError struct {
	Platform       subscription.Platform
	EventID        string
	SubscriptionID string
	UserID         string
}

func (e *UnlinkedError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s event %s: user %s is not registered", e.Platform, e.EventID, e.UserID)
	}
	return fmt.Sprintf("%s event %s: no user owns subscription %s yet", e.Platform, e.EventID, e.SubscriptionID)
}

func (e *UnlinkedError) Unwrap() error {
	return subscription.ErrUnknownSubscriber
}

// Store is the part of the entitlement store the ingress reads and writes
// directly. Entitlement records are only written through the reconciler.
type Store interface {
	LookupEvent(ctx context.Context, key store.EventKey) (*store.LedgerEntry, error)
	RecordEvent(ctx context.Context, key store.EventKey, outcome store.Outcome) (bool, error)
	FindSubscriber(ctx context.Context, platform subscription.Platform, subscriptionID string) (string, error)
	RecordReceiptValidation(ctx context.Context, v *store.ReceiptValidation) error
}

// Applier applies snapshots; *reconcile.Reconciler implements it.
type Applier interface {
	Apply(ctx context.Context, snap subscription.Snapshot) (reconcile.Result, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// delivery tracks one webhook request for logging and metrics.
type delivery struct {
	platform  subscription.Platform
	eventID   string
	eventType string
	outcome   string
	start     time.Time
}

func newDelivery(platform subscription.Platform) *delivery {
	return &delivery{platform: platform, outcome: outcomeError, start: time.Now()}
}

func (d *delivery) finish() {
	metrics.RecordWebhook(string(d.platform), d.eventType, d.outcome, time.Since(d.start).Seconds())
}

// acknowledge writes the 200 response every settled delivery gets.
func (d *delivery) acknowledge(w http.ResponseWriter, outcome store.Outcome) {
	d.outcome = string(outcome)
	writeJSON(w, http.StatusOK, receivedResponse{Received: true, Outcome: string(outcome)})
}

func (d *delivery) reject(w http.ResponseWriter, err error) {
	d.outcome = outcomeUnauthenticated
	log.Warn().Err(err).
		Str("platform", string(d.platform)).
		Msg("Webhook verification failed")
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "verification failed"})
}

func (d *delivery) fail(w http.ResponseWriter, err error) {
	var unlinked *UnlinkedError
	if errors.As(err, &unlinked) {
		d.outcome = outcomeUnlinked
		log.Warn().Err(err).
			Str("platform", string(d.platform)).
			Str("event_id", d.eventID).
			Str("type", d.eventType).
			Msg("Webhook subscriber not linked yet, awaiting redelivery")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "subscriber not linked yet"})
		return
	}

	d.outcome = outcomeError
	log.Error().Err(err).
		Str("platform", string(d.platform)).
		Str("event_id", d.eventID).
		Str("type", d.eventType).
		Msg("Webhook processing failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
}

// settle runs the post-verification pipeline shared by all platforms:
// ledger lookup, subscriber resolution and reconcile. normErr is the
// normalizer's result for snap. The returned error is non-nil only when the
// delivery must not be acknowledged: a *subscription.StorageError or an
// *UnlinkedError.
func settle(ctx context.Context, st Store, applier Applier, snap subscription.Snapshot, normErr error) (store.Outcome, error) {
	key := store.EventKey{Platform: snap.Platform, EventID: snap.EventID, EventType: snap.EventType}

	if key.EventID != "" {
		entry, err := st.LookupEvent(ctx, key)
		if err != nil {
			return "", &subscription.StorageError{Op: "lookup event", Err: err}
		}
		if entry != nil {
			return store.OutcomeDuplicate, nil
		}
	}

	switch {
	case errors.Is(normErr, normalize.ErrUnrecognized):
		log.Info().
			Str("platform", string(key.Platform)).
			Str("event_id", key.EventID).
			Str("type", key.EventType).
			Msg("Webhook ignored (unhandled type)")
		return record(ctx, st, key, store.OutcomeIgnored)
	case normErr != nil:
		return malformed(ctx, st, key, normErr)
	}

	if snap.UserID == "" {
		userID, err := st.FindSubscriber(ctx, snap.Platform, snap.PlatformSubscriptionID)
		if err != nil {
			return "", &subscription.StorageError{Op: "find subscriber", Err: err}
		}
		if userID == "" {
			return "", &UnlinkedError{Platform: snap.Platform, EventID: snap.EventID, SubscriptionID: snap.PlatformSubscriptionID}
		}
		snap.UserID = userID
	}

	res, err := applier.Apply(ctx, snap)
	switch {
	case err == nil:
		return res.Outcome, nil
	case subscription.IsStale(err):
		log.Info().Err(err).
			Str("user_id", snap.UserID).
			Str("platform", string(snap.Platform)).
			Msg("Stale subscription event discarded")
		return store.OutcomeStale, nil
	case errors.Is(err, subscription.ErrUnknownSubscriber):
		return "", &UnlinkedError{Platform: snap.Platform, EventID: snap.EventID, SubscriptionID: snap.PlatformSubscriptionID, UserID: snap.UserID}
	case subscription.IsMalformed(err):
		return malformed(ctx, st, key, err)
	default:
		return "", err
	}
}

func malformed(ctx context.Context, st Store, key store.EventKey, cause error) (store.Outcome, error) {
	log.Warn().Err(cause).
		Str("platform", string(key.Platform)).
		Str("event_id", key.EventID).
		Str("type", key.EventType).
		Msg("Malformed webhook acknowledged without applying")
	return record(ctx, st, key, store.OutcomeMalformed)
}

func record(ctx context.Context, st Store, key store.EventKey, outcome store.Outcome) (store.Outcome, error) {
	if key.EventID == "" {
		return outcome, nil
	}
	claimed, err := st.RecordEvent(ctx, key, outcome)
	if err != nil {
		return "", &subscription.StorageError{Op: "record event", Err: err}
	}
	if !claimed {
		return store.OutcomeDuplicate, nil
	}
	return outcome, nil
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("ingress: encode response")
	}
}
