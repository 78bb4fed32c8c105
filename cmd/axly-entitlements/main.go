package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/axlypro/axly-entitlements/internal/api"
	"github.com/axlypro/axly-entitlements/internal/appstore"
	"github.com/axlypro/axly-entitlements/internal/config"
	"github.com/axlypro/axly-entitlements/internal/ingress"
	"github.com/axlypro/axly-entitlements/internal/logging"
	"github.com/axlypro/axly-entitlements/internal/quota"
	"github.com/axlypro/axly-entitlements/internal/reconcile"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "axly-entitlements",
	Short:         "Axly subscription entitlement service",
	Long:          `Receives Stripe and App Store subscription events, keeps one entitlement per user and enforces usage quotas.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "axly-entitlements %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context) error {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlements",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlements",
	})
	log.Info().Str("version", Version).Msg("Starting entitlement service")

	st, err := store.Open(ctx, store.Driver(cfg.DatabaseDriver), cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sinks := reconcile.MultiSink{reconcile.LogSink{}, reconcile.MetricsSink{}}
	if cfg.RedisURL != "" {
		stream, err := reconcile.NewRedisStreamSink(ctx, cfg.RedisURL, cfg.RedisStream)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, entitlement event stream disabled")
		} else {
			defer stream.Close()
			sinks = append(sinks, stream)
			log.Info().Str("stream", cfg.RedisStream).Msg("Publishing entitlement events to Redis")
		}
	}

	rec := reconcile.New(st, cfg.GracePeriod, sinks)
	enforcer := quota.NewEnforcer(st, rec, cfg.Quota)

	validator := appstore.NewClient(appstore.Config{
		SharedSecret:  cfg.AppleSharedSecret,
		ProductionURL: cfg.AppleProductionURL,
		SandboxURL:    cfg.AppleSandboxURL,
		Timeout:       cfg.AppleTimeout,
	})

	var fetcher ingress.SubscriptionFetcher
	if cfg.StripeAPIKey != "" {
		fetcher = ingress.NewAPISubscriptionFetcher(cfg.StripeAPIKey, 0)
	} else {
		log.Info().Msg("STRIPE_API_KEY not set, checkout sessions must expand their subscription")
	}

	webhookLimiter := api.NewRateLimiter(0, 0)
	clientLimiter := api.NewRateLimiter(0, 0)
	deps := &api.Deps{
		AdminKey:      cfg.AdminKey,
		PublicMetrics: cfg.PublicMetrics,
		Tokens:        api.NewTokenVerifier(cfg.JWTSecret),
		Entitlements:  rec,
		Quota:         enforcer,
		Receipts:      ingress.NewReceiptProcessor(validator, st, rec),
		Users:         st,
		DB:            st,
		StripeWebhook: ingress.NewStripeHandler(
			ingress.SigningSecretVerifier{Secret: cfg.StripeWebhookSecret, Tolerance: cfg.StripeTolerance},
			fetcher, st, rec,
		),
		AppleWebhook:   ingress.NewAppleHandler(ingress.SharedSecretVerifier{Secret: cfg.AppleSharedSecret}, st, rec),
		WebhookLimiter: webhookLimiter,
		ClientLimiter:  clientLimiter,
	}
	janitor := api.NewLedgerJanitor(st, cfg.DedupTTL, webhookLimiter, clientLimiter)

	return api.NewServer(cfg.Addr(), deps, janitor).Run(ctx)
}
