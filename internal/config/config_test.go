package config_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/config"
	"github.com/velomart/commerce-security-core/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setRequiredSecrets satisfies the two keys demanded in every environment.
func setRequiredSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("AUDIT_LOG_KEY", "audit-hmac-key-for-tests")
}

func TestDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	setRequiredSecrets(t)

	cfg, vault, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err)
	assert.Nil(t, vault, "vault source should be absent when disabled")
	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Token defaults
	assert.Equal(t, domain.AccessTokenLifetime, cfg.JWT.AccessExpiry)
	assert.Equal(t, domain.RefreshTokenLifetime, cfg.JWT.RefreshExpiry)
	assert.Equal(t, "commerce-security-core", cfg.JWT.Issuer)
	assert.Equal(t, "commerce-api", cfg.JWT.Audience)

	// Infrastructure defaults
	assert.Equal(t, 15, cfg.RateLimit.WindowMinutes)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "commerce_security", cfg.Mongo.Database)
	assert.Equal(t, domain.MongoTimeout, cfg.Mongo.Timeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Stripe.Timeout)
	assert.Equal(t, 5, cfg.Shutdown.DrainSeconds)
}

func TestIsLocal(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"local returns true", "local", true},
		{"prod returns false", "prod", false},
		{"dev returns false", "dev", false},
		{"empty returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}

			assert.Equal(t, tt.want, cfg.IsLocal())
		})
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"prod returns true", "prod", true},
		{"local returns false", "local", false},
		{"dev returns false", "dev", false},
		{"empty returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}

			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestValidateRequired_EncryptionKeyAlwaysRequired(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("AUDIT_LOG_KEY", "audit-hmac-key-for-tests")

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "encryption_key")
}

func TestValidateRequired_EncryptionKeyMinLength(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("ENCRYPTION_KEY", "too-short")
	t.Setenv("AUDIT_LOG_KEY", "audit-hmac-key-for-tests")

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "32")
}

func TestValidateRequired_AuditKeyAlwaysRequired(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("AUDIT_LOG_KEY", "")

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "audit_log_key")
}

func TestValidateRequired_LocalAllowsMissingInfra(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	setRequiredSecrets(t)

	cfg, _, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Environment)
}

func TestValidateRequired_ProdRequiresJWTKeyPaths(t *testing.T) {
	t.Setenv("ENVIRONMENT", "prod")
	setRequiredSecrets(t)

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "jwt access key paths")
}

func TestValidateRequired_ProdRequiresClientOrigin(t *testing.T) {
	t.Setenv("ENVIRONMENT", "prod")
	setRequiredSecrets(t)
	setJWTKeyPaths(t)

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "client_origin")
}

func TestValidateRequired_ProdRequiresStripeKeys(t *testing.T) {
	t.Setenv("ENVIRONMENT", "prod")
	setRequiredSecrets(t)
	setJWTKeyPaths(t)
	t.Setenv("CLIENT_ORIGIN", "https://shop.velomart.example")

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "stripe.secret_key")
}

func TestValidateRequired_RedisURLWhenEnabled(t *testing.T) {
	setProdBaseline(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_URL", "")

	_, _, err := config.Load(context.Background(), discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "redis.url")
}

func TestLoad_ProdFullyConfigured(t *testing.T) {
	setProdBaseline(t)
	t.Setenv("CLIENT_ORIGIN", "https://shop.velomart.example,https://admin.velomart.example")

	cfg, _, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, []string{"https://shop.velomart.example", "https://admin.velomart.example"}, cfg.ClientOrigin)
	assert.Equal(t, "sk_live_api", cfg.Stripe.SecretKey.Expose())
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	setRequiredSecrets(t)
	t.Setenv("PORT", "9443")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("JWT_ACCESS_EXPIRY", "5m")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "50")

	cfg, _, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.JWT.AccessExpiry)
	assert.Equal(t, 50, cfg.RateLimit.MaxRequests)
}

func TestLoad_VaultOverlaysSecrets(t *testing.T) {
	srv := fakeVaultServer(t, map[string]any{
		"ENCRYPTION_KEY":    "vault-encryption-key-0123456789abcdef",
		"AUDIT_LOG_KEY":     "vault-audit-key",
		"STRIPE_SECRET_KEY": "sk_live_vault",
		"PORT":              "9999", // not secret material, must be ignored
	})
	defer srv.Close()

	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("VAULT_ENABLED", "true")
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-root-token")
	t.Setenv("VAULT_SECRET_PATH", "secret/commerce-security")

	cfg, vault, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err)
	require.NotNil(t, vault)
	assert.Equal(t, config.StateOK, vault.State())
	assert.Equal(t, "vault-encryption-key-0123456789abcdef", cfg.EncryptionKey.Expose())
	assert.Equal(t, "vault-audit-key", cfg.AuditLogKey.Expose())
	assert.Equal(t, "sk_live_vault", cfg.Stripe.SecretKey.Expose())
	assert.Equal(t, 8080, cfg.Port, "vault must not override structural settings")
}

func TestLoad_VaultSecretsWinOverEnvironment(t *testing.T) {
	srv := fakeVaultServer(t, map[string]any{
		"ENCRYPTION_KEY": "vault-encryption-key-0123456789abcdef",
	})
	defer srv.Close()

	t.Setenv("ENVIRONMENT", "local")
	setRequiredSecrets(t)
	t.Setenv("VAULT_ENABLED", "true")
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-root-token")
	t.Setenv("VAULT_SECRET_PATH", "secret/commerce-security")

	cfg, _, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err)
	assert.Equal(t, "vault-encryption-key-0123456789abcdef", cfg.EncryptionKey.Expose())
	assert.Equal(t, "audit-hmac-key-for-tests", cfg.AuditLogKey.Expose(),
		"keys absent from vault keep their environment values")
}

func TestLoad_VaultFailureFallsBackToEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":["sealed"]}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	t.Setenv("ENVIRONMENT", "local")
	setRequiredSecrets(t)
	t.Setenv("VAULT_ENABLED", "true")
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-root-token")
	t.Setenv("VAULT_SECRET_PATH", "secret/commerce-security")

	cfg, vault, err := config.Load(context.Background(), discardLogger())

	require.NoError(t, err, "vault being down must not block startup")
	require.NotNil(t, vault)
	assert.Equal(t, config.StateDegraded, vault.State())
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.EncryptionKey.Expose())
}

func TestVaultSourceState(t *testing.T) {
	t.Run("nil source reports disabled", func(t *testing.T) {
		var vault *config.VaultSource

		assert.Equal(t, config.StateDisabled, vault.State())
	})

	t.Run("missing address rejected", func(t *testing.T) {
		_, err := config.NewVaultSource(config.VaultConfig{SecretPath: "secret/app"}, discardLogger())

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConfigRequired)
	})

	t.Run("new source reports ok", func(t *testing.T) {
		vault, err := config.NewVaultSource(config.VaultConfig{
			Addr:       "http://127.0.0.1:8200",
			Token:      "test-root-token",
			SecretPath: "secret/app",
		}, discardLogger())

		require.NoError(t, err)
		assert.Equal(t, config.StateOK, vault.State())
	})
}

func setJWTKeyPaths(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_PRIVATE_KEY_PATH", "/etc/keys/access.pem")
	t.Setenv("JWT_ACCESS_PUBLIC_KEY_PATH", "/etc/keys/access.pub.pem")
	t.Setenv("JWT_REFRESH_PRIVATE_KEY_PATH", "/etc/keys/refresh.pem")
	t.Setenv("JWT_REFRESH_PUBLIC_KEY_PATH", "/etc/keys/refresh.pub.pem")
}

// setProdBaseline satisfies every prod requirement so individual tests can
// knock single pieces out.
func setProdBaseline(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "prod")
	setRequiredSecrets(t)
	setJWTKeyPaths(t)
	t.Setenv("CLIENT_ORIGIN", "https://shop.velomart.example")
	t.Setenv("STRIPE_SECRET_KEY", "sk_live_api")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_api")
}

// fakeVaultServer serves a single KV v2 secret the way Vault renders it.
func fakeVaultServer(t *testing.T, data map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/commerce-security", r.URL.Path)
		assert.Equal(t, "test-root-token", r.Header.Get("X-Vault-Token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": data,
				"metadata": map[string]any{
					"created_time": "2026-01-01T00:00:00Z",
					"version":      2,
				},
			},
		})
	}))
}
