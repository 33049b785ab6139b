// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment provider
	ProviderWebhookSecret string // HMAC secret for inbound webhook signatures
	StripeAPIKey          string // Optional; provider client disabled if empty
	Currency              string // ISO currency for payment intents (e.g. "eur")

	// Settlement
	ProcessingDeadline time.Duration // Overall deadline for one event
	PendingTTL         time.Duration // Pending investments older than this are expired
	SettleMaxAttempts  int           // Bounded retries for the atomic commit
	SettleBaseDelay    time.Duration

	// Rules
	BasePointsPerUnit int64 // Points earned per whole currency unit before bonus

	// Observability
	OTLPEndpoint string

	// Rate limiting
	WebhookRateRPS int
}

// Defaults.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCurrency           = "eur"
	DefaultProcessingDeadline = 15 * time.Second
	DefaultPendingTTL         = 24 * time.Hour
	DefaultSettleMaxAttempts  = 3
	DefaultSettleBaseDelay    = 50 * time.Millisecond
	DefaultBasePointsPerUnit  = 10
	DefaultWebhookRateRPS     = 50
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ProviderWebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		StripeAPIKey:          os.Getenv("STRIPE_API_KEY"),
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		ProcessingDeadline:    getEnvDuration("PROCESSING_DEADLINE", DefaultProcessingDeadline),
		PendingTTL:            getEnvDuration("PENDING_TTL", DefaultPendingTTL),
		SettleMaxAttempts:     int(getEnvInt64("SETTLE_MAX_ATTEMPTS", DefaultSettleMaxAttempts)),
		SettleBaseDelay:       getEnvDuration("SETTLE_BASE_DELAY", DefaultSettleBaseDelay),
		BasePointsPerUnit:     getEnvInt64("BASE_POINTS_PER_UNIT", DefaultBasePointsPerUnit),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookRateRPS:        int(getEnvInt64("WEBHOOK_RATE_RPS", DefaultWebhookRateRPS)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.ProviderWebhookSecret == "" {
		return fmt.Errorf("PROVIDER_WEBHOOK_SECRET is required")
	}
	if c.ProcessingDeadline <= 0 {
		return fmt.Errorf("PROCESSING_DEADLINE must be positive")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_TTL must be positive")
	}
	if c.BasePointsPerUnit <= 0 {
		return fmt.Errorf("BASE_POINTS_PER_UNIT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
