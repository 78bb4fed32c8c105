package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/internal/appstore"
	"github.com/axlypro/axly-entitlements/internal/ingress"
	"github.com/axlypro/axly-entitlements/internal/logging"
	"github.com/axlypro/axly-entitlements/internal/quota"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
)

const jsonBodyLimit = 256 * 1024

// Entitlements resolves a user's canonical entitlement.
type Entitlements interface {
	Entitlement(ctx context.Context, userID string) (subscription.Entitlement, error)
}

// Quota is the quota enforcer.
type Quota interface {
	CheckConversationStart(ctx context.Context, userID string) (quota.Decision, error)
	CheckMessageSend(ctx context.Context, userID, conversationID string) (quota.Decision, error)
	Usage(ctx context.Context, userID string) (quota.Report, error)
}

// Receipts validates and applies App Store receipts.
type Receipts interface {
	Submit(ctx context.Context, userID, receiptData string) (ingress.ReceiptResult, error)
}

// Users is the user registry.
type Users interface {
	PutUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, id string) (*store.User, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type entitlementResponse struct {
	Tier      subscription.Tier     `json:"tier"`
	Status    subscription.Status   `json:"status,omitempty"`
	ExpiresAt *time.Time            `json:"expires_at"`
	Platform  subscription.Platform `json:"platform,omitempty"`
	Reason    subscription.Reason   `json:"reason,omitempty"`
}

func newEntitlementResponse(ent subscription.Entitlement) entitlementResponse {
	resp := entitlementResponse{
		Tier:     ent.Tier,
		Status:   ent.Status,
		Platform: ent.Platform,
		Reason:   ent.Reason,
	}
	if !ent.ExpiresAt.IsZero() {
		expires := ent.ExpiresAt.UTC()
		resp.ExpiresAt = &expires
	}
	return resp
}

// HandleEntitlement serves GET /v1/entitlement for the authenticated user.
func HandleEntitlement(ents Entitlements) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		ent, err := ents.Entitlement(r.Context(), userID)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to resolve entitlement")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, newEntitlementResponse(ent))
	}
}

// HandleConversationStart serves POST /v1/quota/conversations.
func HandleConversationStart(q Quota) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		decision, err := q.CheckConversationStart(r.Context(), userID)
		writeDecision(w, r, userID, decision, err)
	}
}

// HandleMessageSend serves POST /v1/quota/conversations/{conversation_id}/messages.
func HandleMessageSend(q Quota) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		conversationID := strings.TrimSpace(r.PathValue("conversation_id"))
		if conversationID == "" {
			writeError(w, http.StatusBadRequest, "conversation_id is required")
			return
		}
		decision, err := q.CheckMessageSend(r.Context(), userID, conversationID)
		writeDecision(w, r, userID, decision, err)
	}
}

// writeDecision answers 200 for an admission and 402 for a denial. Checks
// that could not be evaluated are denied with 404 or 503.
func writeDecision(w http.ResponseWriter, r *http.Request, userID string, decision quota.Decision, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not registered")
	case err != nil:
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("user_id", userID).Msg("Quota check failed closed")
		writeJSON(w, http.StatusServiceUnavailable, decision)
	case decision.Allowed:
		writeJSON(w, http.StatusOK, decision)
	default:
		writeJSON(w, http.StatusPaymentRequired, decision)
	}
}

// HandleUsage serves GET /v1/usage.
func HandleUsage(q Quota) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		report, err := q.Usage(r.Context(), userID)
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not registered")
		case err != nil:
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load usage")
			writeError(w, http.StatusInternalServerError, "internal error")
		default:
			writeJSON(w, http.StatusOK, report)
		}
	}
}

type receiptRequest struct {
	ReceiptData string `json:"receipt_data"`
}

type receiptResponse struct {
	ingress.ReceiptResult
	Entitlement entitlementResponse `json:"entitlement"`
}

// HandleReceipt serves POST /v1/subscriptions/receipt: it validates the
// caller's App Store receipt and returns the resulting entitlement.
func HandleReceipt(receipts Receipts, ents Entitlements) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		logger := logging.FromContext(r.Context())

		var req receiptRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.ReceiptData) == "" {
			writeError(w, http.StatusBadRequest, "receipt_data is required")
			return
		}

		result, err := receipts.Submit(r.Context(), userID, req.ReceiptData)
		switch {
		case err == nil:
		case errors.Is(err, subscription.ErrUnknownSubscriber):
			writeError(w, http.StatusNotFound, "user not registered")
			return
		case subscription.IsAuthentication(err):
			logger.Info().Err(err).Str("user_id", userID).Msg("App Store rejected receipt")
			writeError(w, http.StatusUnprocessableEntity, "receipt rejected")
			return
		case errors.Is(err, appstore.ErrUnavailable):
			logger.Warn().Err(err).Str("user_id", userID).Msg("App Store unavailable")
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "app store unavailable")
			return
		case subscription.IsMalformed(err):
			logger.Warn().Err(err).Str("user_id", userID).Msg("Receipt has no usable subscription")
			writeError(w, http.StatusUnprocessableEntity, "receipt has no subscription")
			return
		default:
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to apply receipt")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ent, err := ents.Entitlement(r.Context(), userID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to resolve entitlement")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, receiptResponse{ReceiptResult: result, Entitlement: newEntitlementResponse(ent)})
	}
}

type registerUserRequest struct {
	ID                   string    `json:"id"`
	CreatedAt            time.Time `json:"created_at"`
	IsAdmin              bool      `json:"is_admin"`
	RequiresSubscription *bool     `json:"requires_subscription"`
}

// HandleRegisterUser serves POST /admin/users. Registering an existing user
// updates its paywall flags only.
func HandleRegisterUser(users Users) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.ID = strings.TrimSpace(req.ID)
		if req.ID == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}

		u := &store.User{
			ID:                   req.ID,
			CreatedAt:            req.CreatedAt,
			IsAdmin:              req.IsAdmin,
			RequiresSubscription: req.RequiresSubscription == nil || *req.RequiresSubscription,
		}
		if err := users.PutUser(r.Context(), u); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", req.ID).Msg("Failed to register user")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		saved, err := users.GetUser(r.Context(), req.ID)
		if err != nil || saved == nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", req.ID).Msg("Failed to load registered user")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "text/plain")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
