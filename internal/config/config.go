package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultGracePeriod     = 14 * 24 * time.Hour
	DefaultDedupTTL        = 30 * 24 * time.Hour
	MinDedupTTL            = 72 * time.Hour
	DefaultStripeTolerance = 5 * time.Minute
	DefaultAppleTimeout    = 10 * time.Second
)

// Limits are the per-period quotas for one tier. Zero means the tier has
// no access; a negative value means unlimited.
type Limits struct {
	ConversationsPerPeriod  int64 `json:"conversations_per_period"`
	MessagesPerConversation int64 `json:"messages_per_conversation"`
}

// Quota holds the limits for each tier.
type Quota struct {
	Free Limits
	Paid Limits
}

// Config holds all configuration for the entitlement service.
type Config struct {
	BindAddress string
	Port        int
	AdminKey    string
	JWTSecret   string

	LogFormat string
	LogLevel  string

	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	// RedisURL enables the entitlement event stream when set.
	RedisURL    string
	RedisStream string

	StripeWebhookSecret string
	StripeAPIKey        string
	StripeTolerance     time.Duration

	AppleSharedSecret  string
	AppleTimeout       time.Duration
	AppleProductionURL string
	AppleSandboxURL    string

	GracePeriod time.Duration
	DedupTTL    time.Duration
	Quota       Quota

	PublicMetrics bool
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	intVar := func(key string, fallback int) int {
		n, err := envOrDefaultInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	int64Var := func(key string, fallback int64) int64 {
		n, err := envOrDefaultInt64(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	durationVar := func(key string, fallback time.Duration) time.Duration {
		d, err := envOrDefaultDuration(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	boolVar := func(key string, fallback bool) bool {
		b, err := envOrDefaultBool(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return b
	}

	cfg := &Config{
		BindAddress: envOrDefault("AXLY_BIND_ADDRESS", "0.0.0.0"),
		Port:        intVar("AXLY_PORT", 8080),
		AdminKey:    strings.TrimSpace(os.Getenv("AXLY_ADMIN_KEY")),
		JWTSecret:   strings.TrimSpace(os.Getenv("AXLY_JWT_SECRET")),

		LogFormat: envOrDefault("AXLY_LOG_FORMAT", "auto"),
		LogLevel:  envOrDefault("AXLY_LOG_LEVEL", "info"),

		DatabaseDriver: strings.ToLower(envOrDefault("AXLY_DATABASE_DRIVER", "sqlite")),
		DatabaseDSN:    envOrDefault("AXLY_DATABASE_DSN", "data/entitlements.db"),

		RedisURL:    strings.TrimSpace(os.Getenv("AXLY_REDIS_URL")),
		RedisStream: envOrDefault("AXLY_REDIS_STREAM", "axly:entitlements"),

		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeTolerance:     durationVar("STRIPE_WEBHOOK_TOLERANCE", DefaultStripeTolerance),

		AppleSharedSecret:  strings.TrimSpace(os.Getenv("APP_STORE_SHARED_SECRET")),
		AppleTimeout:       durationVar("APP_STORE_TIMEOUT", DefaultAppleTimeout),
		AppleProductionURL: envOrDefault("APP_STORE_PRODUCTION_URL", "https://buy.itunes.apple.com/verifyReceipt"),
		AppleSandboxURL:    envOrDefault("APP_STORE_SANDBOX_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),

		GracePeriod: durationVar("AXLY_GRACE_PERIOD", DefaultGracePeriod),
		DedupTTL:    durationVar("AXLY_DEDUP_TTL", DefaultDedupTTL),
		Quota: Quota{
			Free: Limits{
				ConversationsPerPeriod:  int64Var("AXLY_QUOTA_FREE_CONVERSATIONS", 0),
				MessagesPerConversation: int64Var("AXLY_QUOTA_FREE_MESSAGES", 0),
			},
			Paid: Limits{
				ConversationsPerPeriod:  int64Var("AXLY_QUOTA_PAID_CONVERSATIONS", 20),
				MessagesPerConversation: int64Var("AXLY_QUOTA_PAID_MESSAGES", 50),
			},
		},

		PublicMetrics: boolVar("AXLY_PUBLIC_METRICS", false),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse config: %w", errs[0])
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Storage is the configuration the maintenance commands need. Unlike Load
// it does not require any webhook or token secrets.
type Storage struct {
	DatabaseDriver string
	DatabaseDSN    string
	DedupTTL       time.Duration
}

// LoadStorage reads the database settings from the environment.
func LoadStorage() (*Storage, error) {
	_ = godotenv.Load()

	ttl, err := envOrDefaultDuration("AXLY_DEDUP_TTL", DefaultDedupTTL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	s := &Storage{
		DatabaseDriver: strings.ToLower(envOrDefault("AXLY_DATABASE_DRIVER", "sqlite")),
		DatabaseDSN:    envOrDefault("AXLY_DATABASE_DSN", "data/entitlements.db"),
		DedupTTL:       ttl,
	}
	if s.DatabaseDriver != "sqlite" && s.DatabaseDriver != "postgres" {
		return nil, fmt.Errorf("AXLY_DATABASE_DRIVER must be sqlite or postgres, got %q", s.DatabaseDriver)
	}
	return s, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "AXLY_ADMIN_KEY")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "AXLY_JWT_SECRET")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.AppleSharedSecret == "" {
		missing = append(missing, "APP_STORE_SHARED_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("AXLY_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("AXLY_DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("AXLY_GRACE_PERIOD must be greater than 0, got %s", c.GracePeriod)
	}
	if c.DedupTTL < MinDedupTTL {
		return fmt.Errorf("AXLY_DEDUP_TTL must be at least %s, got %s", MinDedupTTL, c.DedupTTL)
	}
	if c.StripeTolerance <= 0 {
		return fmt.Errorf("STRIPE_WEBHOOK_TOLERANCE must be greater than 0, got %s", c.StripeTolerance)
	}
	if c.AppleTimeout <= 0 {
		return fmt.Errorf("APP_STORE_TIMEOUT must be greater than 0, got %s", c.AppleTimeout)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go duration strings plus a "d" suffix for days.
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return d, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
