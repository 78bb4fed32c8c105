package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "axly"

var (
	// WebhookRequestsTotal counts webhook deliveries by platform, event type and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook deliveries by platform, event type and outcome.",
	}, []string{"platform", "event_type", "outcome"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	// ReconcileTotal counts reconcile attempts by platform and verdict.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "apply_total",
		Help:      "Snapshots reconciled by platform and verdict (applied, duplicate, stale, error).",
	}, []string{"platform", "verdict"})

	// EntitlementTransitionsTotal counts canonical tier changes.
	EntitlementTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "entitlement_transitions_total",
		Help:      "Canonical entitlement changes by previous and new tier.",
	}, []string{"from", "to"})

	// QuotaDecisionsTotal counts quota checks by kind and result.
	QuotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "decisions_total",
		Help:      "Quota decisions by check kind and result (allow or deny reason).",
	}, []string{"kind", "result"})

	// ReceiptValidationsTotal counts Apple receipt validation calls by outcome.
	ReceiptValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "appstore",
		Name:      "receipt_validations_total",
		Help:      "Apple receipt validation calls by environment and outcome.",
	}, []string{"environment", "outcome"})

	// LedgerPrunedTotal counts idempotency ledger rows removed by the janitor.
	LedgerPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "pruned_total",
		Help:      "Idempotency ledger entries pruned after their retention window.",
	})
)

// RecordWebhook records one handled webhook delivery.
func RecordWebhook(platform, eventType, outcome string, seconds float64) {
	if eventType == "" {
		eventType = "unknown"
	}
	WebhookRequestsTotal.WithLabelValues(platform, eventType, outcome).Inc()
	WebhookDuration.WithLabelValues(platform).Observe(seconds)
}

// RecordQuotaDecision records one quota check. An empty reason means allowed.
func RecordQuotaDecision(kind, reason string) {
	result := "allow"
	if reason != "" {
		result = reason
	}
	QuotaDecisionsTotal.WithLabelValues(kind, result).Inc()
}
