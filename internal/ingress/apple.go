package ingress

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/axlypro/axly-entitlements/internal/normalize"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
)

// AppleVerifier authenticates an App Store server notification.
type AppleVerifier interface {
	VerifyNotification(body []byte) (normalize.AppleNotificationPayload, error)
}

// SharedSecretVerifier authenticates v1 notifications by the shared secret
// Apple echoes in the payload's password field.
type SharedSecretVerifier struct {
	Secret string
}

func (v SharedSecretVerifier) VerifyNotification(body []byte) (normalize.AppleNotificationPayload, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return normalize.AppleNotificationPayload{}, &subscription.AuthenticationError{Platform: subscription.PlatformApple, Err: errors.New("shared secret not configured")}
	}
	payload, err := normalize.DecodeAppleNotification(body)
	if err != nil {
		return payload, &subscription.AuthenticationError{Platform: subscription.PlatformApple, Err: err}
	}
	if subtle.ConstantTimeCompare([]byte(payload.Password), []byte(v.Secret)) != 1 {
		return normalize.AppleNotificationPayload{}, &subscription.AuthenticationError{Platform: subscription.PlatformApple, Err: errors.New("shared secret mismatch")}
	}
	return payload, nil
}

// AppleHandler handles App Store server notifications. Notifications never
// carry an app user id; the subscriber is resolved from the original
// transaction id of an earlier receipt submission.
type AppleHandler struct {
	verifier AppleVerifier
	store    Store
	applier  Applier
}

// NewAppleHandler creates an App Store notification handler.
func NewAppleHandler(verifier AppleVerifier, st Store, applier Applier) *AppleHandler {
	return &AppleHandler{verifier: verifier, store: st, applier: applier}
}

func (h *AppleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := newDelivery(subscription.PlatformApple)
	defer d.finish()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.outcome = outcomeUnauthenticated
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	payload, err := h.verifier.VerifyNotification(body)
	if err != nil {
		d.reject(w, err)
		return
	}

	snap, normErr := normalize.Apple(normalize.AppleNotification{Payload: payload})
	d.eventID, d.eventType = snap.EventID, snap.EventType

	outcome, err := settle(r.Context(), h.store, h.applier, snap, normErr)
	if err != nil {
		d.fail(w, err)
		return
	}
	d.acknowledge(w, outcome)
}
