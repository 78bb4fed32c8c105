package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
)

// App Store server notification (v1) types.
const (
	AppleInitialBuy             = "INITIAL_BUY"
	AppleDidRenew               = "DID_RENEW"
	AppleInteractiveRenewal     = "INTERACTIVE_RENEWAL"
	AppleDidRecover             = "DID_RECOVER"
	AppleRenewalExtended        = "RENEWAL_EXTENDED"
	AppleDidFailToRenew         = "DID_FAIL_TO_RENEW"
	AppleDidCancel              = "DID_CANCEL"
	AppleRevoke                 = "REVOKE"
	AppleRefund                 = "REFUND"
	AppleDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
)

// AppleMillis is an Apple epoch-milliseconds timestamp. Apple encodes these
// as decimal strings; plain numbers are accepted too.
type AppleMillis int64

func (m *AppleMillis) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("apple timestamp %q: %w", data, err)
	}
	*m = AppleMillis(n)
	return nil
}

// Time converts m to UTC; zero stays zero.
func (m AppleMillis) Time() time.Time {
	if m <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// AppleTransaction is one entry of latest_receipt_info.
type AppleTransaction struct {
	TransactionID         string      `json:"transaction_id"`
	OriginalTransactionID string      `json:"original_transaction_id"`
	ProductID             string      `json:"product_id"`
	PurchaseDateMS        AppleMillis `json:"purchase_date_ms"`
	ExpiresDateMS         AppleMillis `json:"expires_date_ms"`
	CancellationDateMS    AppleMillis `json:"cancellation_date_ms"`
	IsTrialPeriod         string      `json:"is_trial_period"`
}

// ApplePendingRenewal is one entry of pending_renewal_info.
type ApplePendingRenewal struct {
	OriginalTransactionID    string      `json:"original_transaction_id"`
	AutoRenewStatus          string      `json:"auto_renew_status"`
	IsInBillingRetryPeriod   string      `json:"is_in_billing_retry_period"`
	GracePeriodExpiresDateMS AppleMillis `json:"grace_period_expires_date_ms"`
	ExpirationIntent         string      `json:"expiration_intent"`
}

// AppleReceiptResponse is the verifyReceipt response body.
type AppleReceiptResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	Receipt     struct {
		BundleID      string      `json:"bundle_id"`
		RequestDateMS AppleMillis `json:"request_date_ms"`
	} `json:"receipt"`
	LatestReceiptInfo  []AppleTransaction    `json:"latest_receipt_info"`
	PendingRenewalInfo []ApplePendingRenewal `json:"pending_renewal_info"`
}

// AppleNotificationPayload is an App Store server notification (v1) body.
type AppleNotificationPayload struct {
	NotificationType            string      `json:"notification_type"`
	Password                    string      `json:"password"`
	Environment                 string      `json:"environment"`
	OriginalTransactionID       string      `json:"original_transaction_id"`
	AutoRenewStatusChangeDateMS AppleMillis `json:"auto_renew_status_change_date_ms"`
	UnifiedReceipt              struct {
		Status             int                   `json:"status"`
		Environment        string                `json:"environment"`
		LatestReceiptInfo  []AppleTransaction    `json:"latest_receipt_info"`
		PendingRenewalInfo []ApplePendingRenewal `json:"pending_renewal_info"`
	} `json:"unified_receipt"`
}

// AppleEvent is the closed set of Apple inputs the normalizer handles.
type AppleEvent interface {
	appleEvent()
}

type (
	// AppleReceipt is a validated receipt submitted by an authenticated user.
	AppleReceipt struct {
		UserID   string
		Response AppleReceiptResponse
	}
	// AppleNotification is a verified server notification. UserID is empty
	// until the caller resolves the original transaction to a user.
	AppleNotification struct {
		UserID  string
		Payload AppleNotificationPayload
	}
)

func (AppleReceipt) appleEvent()      {}
func (AppleNotification) appleEvent() {}

// Apple maps an Apple receipt or notification onto a Snapshot. It performs
// no I/O.
func Apple(ev AppleEvent) (subscription.Snapshot, error) {
	switch e := ev.(type) {
	case AppleReceipt:
		return appleReceipt(e)
	case AppleNotification:
		return appleNotification(e)
	default:
		return subscription.Snapshot{Platform: subscription.PlatformApple}, ErrUnrecognized
	}
}

func appleReceipt(e AppleReceipt) (subscription.Snapshot, error) {
	snap := subscription.Snapshot{Platform: subscription.PlatformApple, UserID: strings.TrimSpace(e.UserID), EventType: "receipt"}
	txn, ok := latestTransaction(e.Response.LatestReceiptInfo, "")
	if !ok {
		return snap, subscription.Malformed(subscription.PlatformApple, "", "receipt has no subscription transactions")
	}
	renewal := pendingRenewal(e.Response.PendingRenewalInfo, txn.OriginalTransactionID)

	ref := e.Response.Receipt.RequestDateMS.Time()
	if ref.IsZero() {
		ref = latestOf(txn.PurchaseDateMS.Time(), txn.CancellationDateMS.Time())
	}
	status, periodEnd := deriveAppleStatus(txn, renewal, ref)

	fillApple(&snap, txn, status, periodEnd, ref, string(status))
	return snap, checkApple(snap)
}

func appleNotification(e AppleNotification) (subscription.Snapshot, error) {
	p := e.Payload
	kind := strings.ToUpper(strings.TrimSpace(p.NotificationType))
	snap := subscription.Snapshot{Platform: subscription.PlatformApple, UserID: strings.TrimSpace(e.UserID), EventType: kind}

	txn, ok := latestTransaction(p.UnifiedReceipt.LatestReceiptInfo, p.OriginalTransactionID)
	if !ok {
		if !knownAppleNotification(kind) {
			return snap, ErrUnrecognized
		}
		return snap, subscription.Malformed(subscription.PlatformApple, "", "%s without latest_receipt_info", kind)
	}
	renewal := pendingRenewal(p.UnifiedReceipt.PendingRenewalInfo, txn.OriginalTransactionID)

	var (
		status    subscription.Status
		periodEnd time.Time
		at        time.Time
	)
	switch kind {
	case AppleInitialBuy, AppleDidRenew, AppleInteractiveRenewal, AppleDidRecover, AppleRenewalExtended:
		status = subscription.StatusActive
		if isTrue(txn.IsTrialPeriod) {
			status = subscription.StatusTrialing
		}
		periodEnd = txn.ExpiresDateMS.Time()
		at = txn.PurchaseDateMS.Time()

	case AppleDidFailToRenew:
		// The renewal attempt happens at expiry of the current transaction.
		at = txn.ExpiresDateMS.Time()
		status, periodEnd = deriveAppleStatus(txn, renewal, at)
		if status.Class() == subscription.ClassEntitled {
			status, periodEnd = subscription.StatusExpired, txn.ExpiresDateMS.Time()
		}

	case AppleDidCancel, AppleRevoke, AppleRefund:
		status = subscription.StatusCanceled
		at = txn.CancellationDateMS.Time()
		if at.IsZero() {
			at = latestOf(txn.PurchaseDateMS.Time(), p.AutoRenewStatusChangeDateMS.Time())
		}
		periodEnd = at

	case AppleDidChangeRenewalStatus:
		at = latestOf(p.AutoRenewStatusChangeDateMS.Time(), txn.PurchaseDateMS.Time())
		status, periodEnd = deriveAppleStatus(txn, renewal, at)

	default:
		return snap, ErrUnrecognized
	}

	fillApple(&snap, txn, status, periodEnd, at, kind)
	return snap, checkApple(snap)
}

func knownAppleNotification(kind string) bool {
	switch kind {
	case AppleInitialBuy, AppleDidRenew, AppleInteractiveRenewal, AppleDidRecover, AppleRenewalExtended,
		AppleDidFailToRenew, AppleDidCancel, AppleRevoke, AppleRefund, AppleDidChangeRenewalStatus:
		return true
	}
	return false
}

// deriveAppleStatus reads the subscription state as of ref from the
// transaction and its renewal info.
func deriveAppleStatus(txn AppleTransaction, renewal *ApplePendingRenewal, ref time.Time) (subscription.Status, time.Time) {
	expires := txn.ExpiresDateMS.Time()
	switch {
	case !txn.CancellationDateMS.Time().IsZero():
		return subscription.StatusCanceled, txn.CancellationDateMS.Time()
	case expires.After(ref):
		if isTrue(txn.IsTrialPeriod) {
			return subscription.StatusTrialing, expires
		}
		return subscription.StatusActive, expires
	case renewal != nil && renewal.GracePeriodExpiresDateMS.Time().After(ref):
		return subscription.StatusPastDue, renewal.GracePeriodExpiresDateMS.Time()
	case renewal != nil && isTrue(renewal.IsInBillingRetryPeriod):
		return subscription.StatusPastDue, expires
	default:
		return subscription.StatusExpired, expires
	}
}

// latestTransaction returns the transaction with the greatest expiry,
// restricted to originalID when it is set.
func latestTransaction(txns []AppleTransaction, originalID string) (AppleTransaction, bool) {
	originalID = strings.TrimSpace(originalID)
	var best AppleTransaction
	found := false
	for _, t := range txns {
		if originalID != "" && t.OriginalTransactionID != originalID {
			continue
		}
		if t.ExpiresDateMS == 0 {
			continue
		}
		if !found || t.ExpiresDateMS > best.ExpiresDateMS {
			best = t
			found = true
		}
	}
	return best, found
}

func pendingRenewal(infos []ApplePendingRenewal, originalID string) *ApplePendingRenewal {
	for i := range infos {
		if infos[i].OriginalTransactionID == originalID {
			return &infos[i]
		}
	}
	return nil
}

func fillApple(snap *subscription.Snapshot, txn AppleTransaction, status subscription.Status, periodEnd, at time.Time, marker string) {
	snap.PlatformSubscriptionID = strings.TrimSpace(txn.OriginalTransactionID)
	snap.ProductID = txn.ProductID
	snap.Status = status
	snap.CurrentPeriodEnd = periodEnd
	snap.EventTime = at
	if id := strings.TrimSpace(txn.TransactionID); id != "" {
		snap.EventID = id + ":" + marker
	}
}

func checkApple(snap subscription.Snapshot) error {
	switch {
	case snap.EventID == "":
		return subscription.Malformed(subscription.PlatformApple, "", "transaction without transaction_id")
	case snap.PlatformSubscriptionID == "":
		return subscription.Malformed(subscription.PlatformApple, snap.EventID, "transaction without original_transaction_id")
	case snap.EventTime.IsZero():
		return subscription.Malformed(subscription.PlatformApple, snap.EventID, "no event timestamp")
	case snap.CurrentPeriodEnd.IsZero():
		return subscription.Malformed(subscription.PlatformApple, snap.EventID, "no expiry")
	}
	return nil
}

// DecodeAppleNotification parses a server notification body.
func DecodeAppleNotification(body []byte) (AppleNotificationPayload, error) {
	var p AppleNotificationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, &subscription.MalformedEventError{Platform: subscription.PlatformApple, Reason: "decode notification", Err: err}
	}
	return p, nil
}

func latestOf(times ...time.Time) time.Time {
	var latest time.Time
	for _, t := range times {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true
	}
	return false
}
