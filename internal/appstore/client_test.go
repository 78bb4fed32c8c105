package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
)

func fakeApple(t *testing.T, status int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Password != "shh" {
			t.Errorf("password = %q, want shh", req.Password)
		}
		if !req.ExcludeOldTransactions {
			t.Error("exclude-old-transactions not set")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"latest_receipt_info": []map[string]string{{
				"transaction_id":          "2000",
				"original_transaction_id": "1000",
				"expires_date_ms":         "1743508800000",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateProduction(t *testing.T) {
	var prodCalls, sandboxCalls atomic.Int32
	prod := fakeApple(t, StatusOK, &prodCalls)
	sandbox := fakeApple(t, StatusOK, &sandboxCalls)

	c := NewClient(Config{SharedSecret: "shh", ProductionURL: prod.URL, SandboxURL: sandbox.URL})
	resp, err := c.Validate(context.Background(), "cmVjZWlwdA==")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if resp.Environment != EnvironmentProduction {
		t.Fatalf("environment = %q, want %q", resp.Environment, EnvironmentProduction)
	}
	if len(resp.LatestReceiptInfo) != 1 || resp.LatestReceiptInfo[0].OriginalTransactionID != "1000" {
		t.Fatalf("unexpected latest_receipt_info: %+v", resp.LatestReceiptInfo)
	}
	if prodCalls.Load() != 1 || sandboxCalls.Load() != 0 {
		t.Fatalf("calls prod=%d sandbox=%d, want 1/0", prodCalls.Load(), sandboxCalls.Load())
	}
}

func TestValidateFallsBackToSandbox(t *testing.T) {
	var prodCalls, sandboxCalls atomic.Int32
	prod := fakeApple(t, StatusSandboxReceipt, &prodCalls)
	sandbox := fakeApple(t, StatusOK, &sandboxCalls)

	c := NewClient(Config{SharedSecret: "shh", ProductionURL: prod.URL, SandboxURL: sandbox.URL})
	resp, err := c.Validate(context.Background(), "cmVjZWlwdA==")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if resp.Environment != EnvironmentSandbox {
		t.Fatalf("environment = %q, want %q", resp.Environment, EnvironmentSandbox)
	}
	if prodCalls.Load() != 1 || sandboxCalls.Load() != 1 {
		t.Fatalf("calls prod=%d sandbox=%d, want 1/1", prodCalls.Load(), sandboxCalls.Load())
	}
}

func TestValidateRejectedReceipt(t *testing.T) {
	var calls atomic.Int32
	prod := fakeApple(t, StatusSecretMismatch, &calls)

	c := NewClient(Config{SharedSecret: "shh", ProductionURL: prod.URL})
	resp, err := c.Validate(context.Background(), "cmVjZWlwdA==")
	if !subscription.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != StatusSecretMismatch {
		t.Fatalf("expected StatusError 21004, got %v", err)
	}
	if resp == nil || resp.Status != StatusSecretMismatch {
		t.Fatalf("expected response with status for auditing, got %+v", resp)
	}

	if _, err := c.Validate(context.Background(), "  "); !subscription.IsAuthentication(err) {
		t.Fatalf("empty receipt: expected authentication error, got %v", err)
	}
}

func TestValidateUnavailable(t *testing.T) {
	var calls atomic.Int32
	busy := fakeApple(t, StatusServerUnavailable, &calls)
	c := NewClient(Config{SharedSecret: "shh", ProductionURL: busy.URL})
	if _, err := c.Validate(context.Background(), "cmVjZWlwdA=="); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer broken.Close()
	c = NewClient(Config{SharedSecret: "shh", ProductionURL: broken.URL})
	if _, err := c.Validate(context.Background(), "cmVjZWlwdA=="); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestValidateTimesOut(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	c := NewClient(Config{SharedSecret: "shh", ProductionURL: slow.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Validate(context.Background(), "cmVjZWlwdA==")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Validate took %s, want bounded by timeout", elapsed)
	}
}
