package ingress

import (
	"context"
	"errors"
	"strings"

	"github.com/axlypro/axly-entitlements/internal/appstore"
	"github.com/axlypro/axly-entitlements/internal/normalize"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/rs/zerolog/log"
)

// Receipt audit outcomes.
const (
	ReceiptRejected    = "rejected"
	ReceiptUnavailable = "unavailable"
)

// ReceiptResult reports what a receipt submission did.
type ReceiptResult struct {
	Outcome               store.Outcome `json:"outcome"`
	Environment           string        `json:"environment"`
	OriginalTransactionID string        `json:"original_transaction_id"`
}

// ReceiptProcessor validates receipts submitted by signed-in app users and
// reconciles the subscription they prove.
type ReceiptProcessor struct {
	validator appstore.Validator
	store     Store
	applier   Applier
}

// NewReceiptProcessor creates a ReceiptProcessor.
func NewReceiptProcessor(validator appstore.Validator, st Store, applier Applier) *ReceiptProcessor {
	return &ReceiptProcessor{validator: validator, store: st, applier: applier}
}

// Submit validates receiptData with Apple for userID and applies the
// resulting snapshot. Every call leaves a receipt_validations audit row.
//
// Errors: *subscription.AuthenticationError when Apple rejects the receipt,
// appstore.ErrUnavailable when Apple cannot answer, a
// *subscription.MalformedEventError when the receipt holds no usable
// subscription, and *subscription.StorageError when persisting failed.
func (p *ReceiptProcessor) Submit(ctx context.Context, userID, receiptData string) (ReceiptResult, error) {
	audit := &store.ReceiptValidation{UserID: userID}
	defer func() {
		if err := p.store.RecordReceiptValidation(context.WithoutCancel(ctx), audit); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record receipt validation")
		}
	}()

	resp, err := p.validator.Validate(ctx, strings.TrimSpace(receiptData))
	if resp != nil {
		audit.AppleStatus = resp.Status
		audit.Environment = resp.Environment
	}
	if err != nil {
		audit.Outcome = ReceiptRejected
		if errors.Is(err, appstore.ErrUnavailable) {
			audit.Outcome = ReceiptUnavailable
		}
		return ReceiptResult{Environment: audit.Environment}, err
	}

	snap, err := normalize.Apple(normalize.AppleReceipt{UserID: userID, Response: *resp})
	audit.OriginalTransactionID = snap.PlatformSubscriptionID
	result := ReceiptResult{Environment: resp.Environment, OriginalTransactionID: snap.PlatformSubscriptionID}
	if err != nil {
		audit.Outcome = string(store.OutcomeMalformed)
		return result, err
	}

	res, err := p.applier.Apply(ctx, snap)
	switch {
	case err == nil:
		result.Outcome = res.Outcome
	case subscription.IsStale(err):
		result.Outcome = store.OutcomeStale
	default:
		audit.Outcome = string(outcomeError)
		if subscription.IsMalformed(err) {
			audit.Outcome = string(store.OutcomeMalformed)
		}
		return result, err
	}
	audit.Outcome = string(result.Outcome)
	return result, nil
}
