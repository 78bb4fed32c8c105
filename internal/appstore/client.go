// Package appstore validates App Store receipts with Apple's verifyReceipt
// endpoint.
package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/axlypro/axly-entitlements/internal/metrics"
	"github.com/axlypro/axly-entitlements/internal/normalize"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/rs/zerolog/log"
)

// verifyReceipt status codes.
const (
	StatusOK                   = 0
	StatusMalformedReceipt     = 21002
	StatusNotAuthenticated     = 21003
	StatusSecretMismatch       = 21004
	StatusServerUnavailable    = 21005
	StatusSubscriptionExpired  = 21006
	StatusSandboxReceipt       = 21007
	StatusProductionReceipt    = 21008
	StatusAccountNotFound      = 21010
	statusInternalErrorFloor   = 21100
	statusInternalErrorCeiling = 21199
)

const (
	EnvironmentProduction = "Production"
	EnvironmentSandbox    = "Sandbox"
)

// maxResponseBytes bounds a verifyReceipt response body.
const maxResponseBytes = 4 << 20

// ErrUnavailable means Apple could not be reached or asked for a retry.
// Callers surface it as a temporary failure.
var ErrUnavailable = errors.New("app store receipt validation unavailable")

// StatusError is a non-zero verifyReceipt status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("verifyReceipt status %d", e.Status)
}

// Validator validates a base64 receipt on behalf of the calling user.
type Validator interface {
	Validate(ctx context.Context, receiptData string) (*normalize.AppleReceiptResponse, error)
}

// Config configures a Client.
type Config struct {
	SharedSecret  string
	ProductionURL string
	SandboxURL    string
	Timeout       time.Duration
}

// Client calls verifyReceipt, production first and sandbox when Apple
// reports a sandbox receipt. It never retries on its own.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// Validate returns Apple's decoded response for a valid receipt. Receipts
// Apple rejects yield an *subscription.AuthenticationError wrapping a
// *StatusError; transport failures and retryable statuses wrap
// ErrUnavailable.
func (c *Client) Validate(ctx context.Context, receiptData string) (*normalize.AppleReceiptResponse, error) {
	receiptData = strings.TrimSpace(receiptData)
	if receiptData == "" {
		return nil, &subscription.AuthenticationError{Platform: subscription.PlatformApple, Err: errors.New("empty receipt")}
	}
	req := verifyRequest{
		ReceiptData:            receiptData,
		Password:               c.cfg.SharedSecret,
		ExcludeOldTransactions: true,
	}

	resp, err := c.post(ctx, c.cfg.ProductionURL, req)
	env := EnvironmentProduction
	if err == nil && resp.Status == StatusSandboxReceipt {
		log.Info().Msg("Receipt is from sandbox, retrying against sandbox endpoint")
		env = EnvironmentSandbox
		resp, err = c.post(ctx, c.cfg.SandboxURL, req)
	}
	if err != nil {
		metrics.ReceiptValidationsTotal.WithLabelValues(env, "unavailable").Inc()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.Environment == "" {
		resp.Environment = env
	}

	switch {
	case resp.Status == StatusOK || resp.Status == StatusSubscriptionExpired:
		metrics.ReceiptValidationsTotal.WithLabelValues(resp.Environment, "valid").Inc()
		return resp, nil
	case resp.Status == StatusServerUnavailable,
		resp.Status >= statusInternalErrorFloor && resp.Status <= statusInternalErrorCeiling:
		metrics.ReceiptValidationsTotal.WithLabelValues(resp.Environment, "unavailable").Inc()
		return resp, fmt.Errorf("%w: %w", ErrUnavailable, &StatusError{Status: resp.Status})
	default:
		metrics.ReceiptValidationsTotal.WithLabelValues(resp.Environment, "rejected").Inc()
		return resp, &subscription.AuthenticationError{Platform: subscription.PlatformApple, Err: &StatusError{Status: resp.Status}}
	}
}

func (c *Client) post(ctx context.Context, url string, payload verifyRequest) (*normalize.AppleReceiptResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal verifyReceipt request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verifyReceipt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("verifyReceipt request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read verifyReceipt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifyReceipt HTTP %d", resp.StatusCode)
	}

	var out normalize.AppleReceiptResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode verifyReceipt response: %w", err)
	}
	return &out, nil
}
