// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables cross-process tier cache invalidation

	// Paywall
	PaywallBypass bool          // Forces fundroomActive for every team. Never in production.
	TierCacheTTL  time.Duration // 0 keeps entries until invalidated
	AppBaseURL    string        // Prefix for upgrade links in gate denials

	// Integrations
	StripeWebhookSecret string
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	OTLPEndpoint        string

	// Background jobs
	ReconcileInterval    time.Duration
	TrancheSweepInterval time.Duration

	// Security
	AdminSecret string
	CORSOrigins []string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultAppBaseURL           = "http://localhost:3000"
	DefaultReconcileInterval    = 15 * time.Minute
	DefaultTrancheSweepInterval = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		PaywallBypass:        getEnvBool("PAYWALL_BYPASS", false),
		TierCacheTTL:         getEnvDuration("TIER_CACHE_TTL", 0),
		AppBaseURL:           strings.TrimRight(getEnv("APP_BASE_URL", DefaultAppBaseURL), "/"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:  os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		TrancheSweepInterval: getEnvDuration("TRANCHE_SWEEP_INTERVAL", DefaultTrancheSweepInterval),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if c.PaywallBypass && c.IsProduction() {
		return fmt.Errorf("PAYWALL_BYPASS must not be enabled in production")
	}
	if c.TierCacheTTL < 0 {
		return fmt.Errorf("TIER_CACHE_TTL must not be negative")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	if c.NotifyWebhookURL != "" && !strings.HasPrefix(c.NotifyWebhookURL, "http") {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL must be an http(s) URL")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
