package domain_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/domain"
)

func TestSecretString(t *testing.T) {
	secret := domain.SecretString("super-secret-signing-key")

	t.Run("Stringer redacts", func(t *testing.T) {
		assert.Equal(t, "[REDACTED]", secret.String())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", secret))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", secret))
	})

	t.Run("JSON marshaling redacts", func(t *testing.T) {
		out, err := json.Marshal(struct {
			Key domain.SecretString `json:"key"`
		}{Key: secret})
		require.NoError(t, err)
		assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(out))
	})

	t.Run("slog output redacts", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		logger.Info("startup", "encryption_key", secret)

		assert.Contains(t, buf.String(), "[REDACTED]")
		assert.NotContains(t, buf.String(), "super-secret-signing-key")
	})

	t.Run("Expose returns the real value", func(t *testing.T) {
		assert.Equal(t, "super-secret-signing-key", secret.Expose())
	})

	t.Run("IsEmpty", func(t *testing.T) {
		assert.False(t, secret.IsEmpty())
		assert.True(t, domain.SecretString("").IsEmpty())
	})
}

func TestSecretBytes(t *testing.T) {
	secret := domain.SecretBytes("audit-hmac-key-material")

	t.Run("Stringer redacts", func(t *testing.T) {
		assert.Equal(t, "[REDACTED]", secret.String())
	})

	t.Run("JSON marshaling redacts", func(t *testing.T) {
		out, err := json.Marshal(secret)
		require.NoError(t, err)
		assert.Equal(t, `"[REDACTED]"`, string(out))
	})

	t.Run("Expose returns the real bytes", func(t *testing.T) {
		assert.Equal(t, []byte("audit-hmac-key-material"), secret.Expose())
	})
}
