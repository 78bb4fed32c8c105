package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordWebhookDefaultsEventType(t *testing.T) {
	before := testutil.ToFloat64(WebhookRequestsTotal.WithLabelValues("stripe", "unknown", "rejected"))
	RecordWebhook("stripe", "", "rejected", 0.01)
	after := testutil.ToFloat64(WebhookRequestsTotal.WithLabelValues("stripe", "unknown", "rejected"))
	if after-before != 1 {
		t.Fatalf("webhook counter delta=%v, want 1", after-before)
	}
}

func TestRecordQuotaDecision(t *testing.T) {
	allowBefore := testutil.ToFloat64(QuotaDecisionsTotal.WithLabelValues("conversation", "allow"))
	denyBefore := testutil.ToFloat64(QuotaDecisionsTotal.WithLabelValues("conversation", "quota_exhausted"))

	RecordQuotaDecision("conversation", "")
	RecordQuotaDecision("conversation", "quota_exhausted")

	if d := testutil.ToFloat64(QuotaDecisionsTotal.WithLabelValues("conversation", "allow")) - allowBefore; d != 1 {
		t.Fatalf("allow delta=%v, want 1", d)
	}
	if d := testutil.ToFloat64(QuotaDecisionsTotal.WithLabelValues("conversation", "quota_exhausted")) - denyBefore; d != 1 {
		t.Fatalf("deny delta=%v, want 1", d)
	}
}
