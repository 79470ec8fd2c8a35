// Package config provides configuration loading using koanf.
// Precedence: Vault secrets (when enabled) → environment variables →
// compiled defaults. Only variables named in envKeys are read.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// MinEncryptionKeyLength is the shortest ENCRYPTION_KEY accepted at startup.
// The AES-256 key is derived from it by hashing, but a short passphrase
// would undercut the derived key, so short values abort startup.
const MinEncryptionKeyLength = 32

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// HTTP listen port
	Port int `koanf:"port"`

	Log LogConfig `koanf:"log"`

	// EncryptionKey protects 2FA secrets at rest (AES-256-GCM key source).
	EncryptionKey domain.SecretString `koanf:"encryption_key"`

	// AuditLogKey signs audit log entries (HMAC-SHA256).
	AuditLogKey domain.SecretString `koanf:"audit_log_key"`

	JWT       JWTConfig       `koanf:"jwt"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`

	// ClientOrigin is the browser origin allow-list for CORS and the
	// CSRF origin gate. Comma-separated in the environment.
	ClientOrigin []string `koanf:"client_origin"`

	Mongo    MongoConfig    `koanf:"mongo"`
	Redis    RedisConfig    `koanf:"redis"`
	Stripe   StripeConfig   `koanf:"stripe"`
	Postmark PostmarkConfig `koanf:"postmark"`
	Email    EmailConfig    `koanf:"email"`
	Vault    VaultConfig    `koanf:"vault"`
	OTEL     OTELConfig     `koanf:"otel"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
}

// LogConfig holds structured logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" or "text"
}

// JWTConfig holds token signing configuration. Key paths are required
// outside local; local generates ephemeral development keys at startup.
type JWTConfig struct {
	AccessPrivateKeyPath  string `koanf:"access_private_key_path"`
	AccessPublicKeyPath   string `koanf:"access_public_key_path"`
	RefreshPrivateKeyPath string `koanf:"refresh_private_key_path"`
	RefreshPublicKeyPath  string `koanf:"refresh_public_key_path"`

	AccessExpiry  time.Duration `koanf:"access_expiry"`
	RefreshExpiry time.Duration `koanf:"refresh_expiry"`
	Issuer        string        `koanf:"issuer"`
	Audience      string        `koanf:"audience"`
}

// RateLimitConfig holds the global API rate limit. The stricter per-route
// auth limits are compiled domain constants.
type RateLimitConfig struct {
	WindowMinutes int `koanf:"window_minutes"`
	MaxRequests   int `koanf:"max_requests"`
}

// MongoConfig holds MongoDB configuration.
type MongoConfig struct {
	URI      string        `koanf:"uri"`
	Database string        `koanf:"database"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RedisConfig holds Redis configuration. When disabled, rate limiting and
// failed-login tracking fall back to the in-process store.
type RedisConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"` // redis://[user:pass@]host:port/db
}

// StripeConfig holds payment provider configuration.
type StripeConfig struct {
	SecretKey     domain.SecretString `koanf:"secret_key"`
	WebhookSecret domain.SecretString `koanf:"webhook_secret"`
	Timeout       time.Duration       `koanf:"timeout"`
}

// PostmarkConfig holds transactional email provider configuration.
type PostmarkConfig struct {
	ServerToken  domain.SecretString `koanf:"server_token"`
	AccountToken domain.SecretString `koanf:"account_token"`
}

// EmailConfig holds sender identity configuration. SecurityAlerts is the
// operations inbox that receives high-risk anomaly findings.
type EmailConfig struct {
	From           string `koanf:"from"`
	SecurityAlerts string `koanf:"security_alerts"`
}

// VaultConfig holds the optional Vault secret source configuration.
// SecretPath is "<mount>/<path>" for a KV v2 engine.
type VaultConfig struct {
	Enabled    bool                `koanf:"enabled"`
	Addr       string              `koanf:"addr"`
	Token      domain.SecretString `koanf:"token"`
	SecretPath string              `koanf:"secret_path"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// ShutdownConfig holds graceful shutdown configuration.
type ShutdownConfig struct {
	DrainSeconds int `koanf:"drain_seconds"`
}

// envKeys maps process environment variables to config paths. Only the
// variables listed here are read; the rest of the environment, PATH and
// friends included, never reaches the config map.
var envKeys = map[string]string{
	"ENVIRONMENT": "environment",
	"PORT":        "port",

	"LOG_LEVEL":  "log.level",
	"LOG_FORMAT": "log.format",

	"ENCRYPTION_KEY": "encryption_key",
	"AUDIT_LOG_KEY":  "audit_log_key",

	"JWT_ACCESS_PRIVATE_KEY_PATH":  "jwt.access_private_key_path",
	"JWT_ACCESS_PUBLIC_KEY_PATH":   "jwt.access_public_key_path",
	"JWT_REFRESH_PRIVATE_KEY_PATH": "jwt.refresh_private_key_path",
	"JWT_REFRESH_PUBLIC_KEY_PATH":  "jwt.refresh_public_key_path",
	"JWT_ACCESS_EXPIRY":            "jwt.access_expiry",
	"JWT_REFRESH_EXPIRY":           "jwt.refresh_expiry",
	"JWT_ISSUER":                   "jwt.issuer",
	"JWT_AUDIENCE":                 "jwt.audience",

	"RATE_LIMIT_WINDOW_MINUTES": "rate_limit.window_minutes",
	"RATE_LIMIT_MAX_REQUESTS":   "rate_limit.max_requests",

	"CLIENT_ORIGIN": "client_origin",

	"MONGO_URI":      "mongo.uri",
	"MONGO_DATABASE": "mongo.database",
	"MONGO_TIMEOUT":  "mongo.timeout",

	"REDIS_ENABLED": "redis.enabled",
	"REDIS_URL":     "redis.url",

	"STRIPE_SECRET_KEY":     "stripe.secret_key",
	"STRIPE_WEBHOOK_SECRET": "stripe.webhook_secret",
	"STRIPE_TIMEOUT":        "stripe.timeout",

	"POSTMARK_SERVER_TOKEN":  "postmark.server_token",
	"POSTMARK_ACCOUNT_TOKEN": "postmark.account_token",
	"EMAIL_FROM":             "email.from",
	"EMAIL_SECURITY_ALERTS":  "email.security_alerts",

	"VAULT_ENABLED":     "vault.enabled",
	"VAULT_ADDR":        "vault.addr",
	"VAULT_TOKEN":       "vault.token",
	"VAULT_SECRET_PATH": "vault.secret_path",

	"OTEL_ENDPOINT":     "otel.endpoint",
	"OTEL_SERVICE_NAME": "otel.service_name",

	"SHUTDOWN_DRAIN_SECONDS": "shutdown.drain_seconds",
}

// defaults returns a Config with compiled default values. Security limits
// come from the domain constants.
func defaults() *Config {
	return &Config{
		Environment: "local",
		Port:        8080,

		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},

		JWT: JWTConfig{
			AccessExpiry:  domain.AccessTokenLifetime,
			RefreshExpiry: domain.RefreshTokenLifetime,
			Issuer:        "commerce-security-core",
			Audience:      "commerce-api",
		},

		RateLimit: RateLimitConfig{
			WindowMinutes: 15,
			MaxRequests:   100,
		},

		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "commerce_security",
			Timeout:  domain.MongoTimeout,
		},

		Stripe: StripeConfig{
			Timeout: 10 * time.Second,
		},

		Email: EmailConfig{
			From:           "no-reply@velomart.example",
			SecurityAlerts: "security@velomart.example",
		},

		OTEL: OTELConfig{
			ServiceName: "commerce-security-core",
		},

		Shutdown: ShutdownConfig{
			DrainSeconds: 5,
		},
	}
}

// Load loads configuration following the precedence:
// 1. Vault secrets (when vault.enabled; secret material only)
// 2. Environment variables
// 3. Compiled defaults (lowest)
//
// A Vault failure is logged and the load falls back to environment values;
// a missing required key after all sources is a startup failure. The
// returned *VaultSource is nil when Vault is disabled or unreachable.
func Load(ctx context.Context, logger *slog.Logger) (*Config, *VaultSource, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	// Load environment variables through the translation table; unknown
	// variables map to "" and are skipped by the provider.
	err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Overlay Vault secrets. Only secret material is accepted from Vault;
	// structural settings stay environment-owned.
	var vault *VaultSource
	if cfg.Vault.Enabled {
		vault = overlayVault(ctx, cfg, logger)
	}

	// Validate required fields
	if err := validateRequired(cfg); err != nil {
		return nil, nil, err
	}

	return cfg, vault, nil
}

// overlayVault fetches secrets and merges them over the config. Failures
// log and leave the environment values in place.
func overlayVault(ctx context.Context, cfg *Config, logger *slog.Logger) *VaultSource {
	vault, err := NewVaultSource(cfg.Vault, logger)
	if err != nil {
		logger.ErrorContext(ctx, "vault source init failed; using environment values", "error", err)
		return nil
	}
	secrets, err := vault.Fetch(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "vault fetch failed; using environment values", "error", err)
		return vault // degraded, still reported on /healthz
	}
	applied := 0
	for key, value := range secrets {
		if applySecret(cfg, key, value) {
			applied++
		}
	}
	logger.InfoContext(ctx, "vault secrets applied", "count", applied)
	return vault
}

// applySecret copies one Vault secret into its config slot. Keys use the
// environment variable spelling. Connection URIs are included because they
// commonly embed credentials.
func applySecret(cfg *Config, key, value string) bool {
	switch key {
	case "ENCRYPTION_KEY":
		cfg.EncryptionKey = domain.SecretString(value)
	case "AUDIT_LOG_KEY":
		cfg.AuditLogKey = domain.SecretString(value)
	case "STRIPE_SECRET_KEY":
		cfg.Stripe.SecretKey = domain.SecretString(value)
	case "STRIPE_WEBHOOK_SECRET":
		cfg.Stripe.WebhookSecret = domain.SecretString(value)
	case "POSTMARK_SERVER_TOKEN":
		cfg.Postmark.ServerToken = domain.SecretString(value)
	case "POSTMARK_ACCOUNT_TOKEN":
		cfg.Postmark.AccountToken = domain.SecretString(value)
	case "MONGO_URI":
		cfg.Mongo.URI = value
	case "REDIS_URL":
		cfg.Redis.URL = value
	default:
		return false
	}
	return true
}

// validateRequired checks that required configuration is present.
// The two signing secrets are required in every environment; the rest only
// outside local, where defaults and ephemeral keys carry development.
func validateRequired(cfg *Config) error {
	if cfg.EncryptionKey.IsEmpty() {
		return fmt.Errorf("%w: encryption_key", domain.ErrConfigRequired)
	}
	if len(cfg.EncryptionKey.Expose()) < MinEncryptionKeyLength {
		return fmt.Errorf("%w: encryption_key shorter than %d characters",
			domain.ErrConfigRequired, MinEncryptionKeyLength)
	}
	if cfg.AuditLogKey.IsEmpty() {
		return fmt.Errorf("%w: audit_log_key", domain.ErrConfigRequired)
	}

	if cfg.IsLocal() {
		return nil
	}

	if cfg.JWT.AccessPrivateKeyPath == "" || cfg.JWT.AccessPublicKeyPath == "" {
		return fmt.Errorf("%w: jwt access key paths", domain.ErrConfigRequired)
	}
	if cfg.JWT.RefreshPrivateKeyPath == "" || cfg.JWT.RefreshPublicKeyPath == "" {
		return fmt.Errorf("%w: jwt refresh key paths", domain.ErrConfigRequired)
	}
	if cfg.Mongo.URI == "" {
		return fmt.Errorf("%w: mongo.uri", domain.ErrConfigRequired)
	}
	if len(cfg.ClientOrigin) == 0 {
		return fmt.Errorf("%w: client_origin", domain.ErrConfigRequired)
	}
	if cfg.Stripe.SecretKey.IsEmpty() {
		return fmt.Errorf("%w: stripe.secret_key", domain.ErrConfigRequired)
	}
	if cfg.Stripe.WebhookSecret.IsEmpty() {
		return fmt.Errorf("%w: stripe.webhook_secret", domain.ErrConfigRequired)
	}
	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return fmt.Errorf("%w: redis.url", domain.ErrConfigRequired)
	}
	if cfg.Vault.Enabled && (cfg.Vault.Addr == "" || cfg.Vault.SecretPath == "") {
		return fmt.Errorf("%w: vault.addr and vault.secret_path", domain.ErrConfigRequired)
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod"
}
