// Package api exposes the entitlement service over HTTP: platform
// webhooks, the authenticated app endpoints and the admin surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	AdminKey      string
	PublicMetrics bool

	Tokens       *TokenVerifier
	Entitlements Entitlements
	Quota        Quota
	Receipts     Receipts
	Users        Users
	DB           Pinger

	StripeWebhook http.Handler
	AppleWebhook  http.Handler

	// WebhookLimiter and ClientLimiter default to 120 requests per minute
	// per client IP.
	WebhookLimiter *RateLimiter
	ClientLimiter  *RateLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = NewRateLimiter(defaultRateLimit, defaultRateWindow)
	}
	if deps.ClientLimiter == nil {
		deps.ClientLimiter = NewRateLimiter(defaultRateLimit, defaultRateWindow)
	}
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.AdminKey, next)
	}
	userAuth := func(next http.HandlerFunc) http.Handler {
		return deps.ClientLimiter.Middleware(PrincipalMiddleware(deps.Tokens, next))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.DB))

	metricsHandler := promhttp.Handler()
	if deps.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Webhooks authenticate by signature or shared secret.
	mux.Handle("POST /webhooks/stripe", deps.WebhookLimiter.Middleware(deps.StripeWebhook))
	mux.Handle("POST /webhooks/app_store", deps.WebhookLimiter.Middleware(deps.AppleWebhook))

	mux.Handle("GET /v1/entitlement", userAuth(HandleEntitlement(deps.Entitlements)))
	mux.Handle("POST /v1/subscriptions/receipt", userAuth(HandleReceipt(deps.Receipts, deps.Entitlements)))
	mux.Handle("POST /v1/quota/conversations", userAuth(HandleConversationStart(deps.Quota)))
	mux.Handle("POST /v1/quota/conversations/{conversation_id}/messages", userAuth(HandleMessageSend(deps.Quota)))
	mux.Handle("GET /v1/usage", userAuth(HandleUsage(deps.Quota)))

	mux.Handle("POST /admin/users", adminAuth(HandleRegisterUser(deps.Users)))
}

// Server is the HTTP server plus its background workers.
type Server struct {
	srv     *http.Server
	janitor *LedgerJanitor
}

// NewServer builds a server listening on addr. janitor may be nil.
func NewServer(addr string, deps *Deps, janitor *LedgerJanitor) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           RequestIDMiddleware(mux),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		janitor: janitor,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Entitlement service listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if s.janitor != nil {
		g.Go(func() error {
			s.janitor.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Entitlement service stopped")
	return err
}
