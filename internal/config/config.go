// Package config loads service settings from the environment, an optional
// .env file and an optional config file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/carepay/healthcredit/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database. Empty DatabaseURL selects in-memory stores.
	DatabaseURL string
	AutoMigrate bool

	// Redis backs KYC snapshots and idempotent responses when set.
	RedisURL string

	JWTSecret string
	JWTIssuer string

	KYCWebhookSecret     string
	PaymentWebhookSecret string

	// Amounts are minor currency units.
	ProcessingFee     int64
	LedgerTimeout     time.Duration
	ScoringTimeout    time.Duration
	MaxEligibleAmount int64

	// Empty ScoringURL selects the built-in rule scorer.
	ScoringURL    string
	ScoringAPIKey string

	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint string

	RateLimitRPM int

	InboxLanes int
	InboxDepth int

	AuditInterval  time.Duration
	IdempotencyTTL time.Duration

	AllowedOrigins []string
}

const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "json"
	minJWTSecretBytes = 32
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("ENV", DefaultEnv)
	v.SetDefault("LOG_LEVEL", DefaultLogLevel)
	v.SetDefault("LOG_FORMAT", DefaultLogFormat)
	v.SetDefault("AUTO_MIGRATE", false)
	v.SetDefault("JWT_ISSUER", "healthcredit")
	v.SetDefault("PROCESSING_FEE", 99900)
	v.SetDefault("LEDGER_TIMEOUT", "5s")
	v.SetDefault("SCORING_TIMEOUT", "3s")
	v.SetDefault("MAX_ELIGIBLE_AMOUNT", 50_000_000)
	v.SetDefault("KAFKA_TOPIC", "healthcredit.events")
	v.SetDefault("RATE_LIMIT_RPM", 120)
	v.SetDefault("INBOX_LANES", 8)
	v.SetDefault("INBOX_DEPTH", 256)
	v.SetDefault("AUDIT_INTERVAL", "15m")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
}

// Load reads configuration. A .env file in the working directory is loaded
// first if present; real environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:                 v.GetString("PORT"),
		Env:                  v.GetString("ENV"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogFormat:            v.GetString("LOG_FORMAT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		AutoMigrate:          v.GetBool("AUTO_MIGRATE"),
		RedisURL:             v.GetString("REDIS_URL"),
		JWTSecret:            v.GetString("JWT_SECRET"),
		JWTIssuer:            v.GetString("JWT_ISSUER"),
		KYCWebhookSecret:     v.GetString("KYC_WEBHOOK_SECRET"),
		PaymentWebhookSecret: v.GetString("PAYMENT_WEBHOOK_SECRET"),
		ProcessingFee:        v.GetInt64("PROCESSING_FEE"),
		LedgerTimeout:        v.GetDuration("LEDGER_TIMEOUT"),
		ScoringTimeout:       v.GetDuration("SCORING_TIMEOUT"),
		MaxEligibleAmount:    v.GetInt64("MAX_ELIGIBLE_AMOUNT"),
		ScoringURL:           v.GetString("SCORING_URL"),
		ScoringAPIKey:        v.GetString("SCORING_API_KEY"),
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:           v.GetString("KAFKA_TOPIC"),
		OTLPEndpoint:         v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         v.GetInt("RATE_LIMIT_RPM"),
		InboxLanes:           v.GetInt("INBOX_LANES"),
		InboxDepth:           v.GetInt("INBOX_DEPTH"),
		AuditInterval:        v.GetDuration("AUDIT_INTERVAL"),
		IdempotencyTTL:       v.GetDuration("IDEMPOTENCY_TTL"),
		AllowedOrigins:       splitList(v.GetString("ALLOWED_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < minJWTSecretBytes {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes))
	}
	if c.ProcessingFee <= 0 {
		errs = append(errs, errors.New("PROCESSING_FEE must be positive"))
	}
	if c.MaxEligibleAmount <= 0 {
		errs = append(errs, errors.New("MAX_ELIGIBLE_AMOUNT must be positive"))
	}
	if c.LedgerTimeout <= 0 || c.ScoringTimeout <= 0 {
		errs = append(errs, errors.New("LEDGER_TIMEOUT and SCORING_TIMEOUT must be positive"))
	}
	if c.AuditInterval <= 0 || c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("AUDIT_INTERVAL and IDEMPOTENCY_TTL must be positive"))
	}
	if c.InboxLanes <= 0 || c.InboxDepth <= 0 {
		errs = append(errs, errors.New("INBOX_LANES and INBOX_DEPTH must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, errors.New("LOG_FORMAT must be json or text"))
	}
	if c.ScoringURL != "" && c.IsProduction() {
		if err := security.ValidateEndpointURL(c.ScoringURL); err != nil {
			errs = append(errs, fmt.Errorf("SCORING_URL: %w", err))
		}
	}
	if c.IsProduction() {
		if c.KYCWebhookSecret == "" || c.PaymentWebhookSecret == "" {
			errs = append(errs, errors.New("KYC_WEBHOOK_SECRET and PAYMENT_WEBHOOK_SECRET are required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
