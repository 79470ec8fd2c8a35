package token_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/token"
)

func TestHashToken(t *testing.T) {
	t.Run("matches sha256 hex of raw bytes", func(t *testing.T) {
		raw := "some.jwt.token"
		want := sha256.Sum256([]byte(raw))
		assert.Equal(t, hex.EncodeToString(want[:]), token.HashToken(raw))
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, token.HashToken("abc"), token.HashToken("abc"))
		assert.NotEqual(t, token.HashToken("abc"), token.HashToken("abd"))
	})
}

func TestMatchTokenHash(t *testing.T) {
	raw := "refresh-token-value"
	hash := token.HashToken(raw)

	assert.True(t, token.MatchTokenHash(raw, hash))
	assert.False(t, token.MatchTokenHash("other-token", hash))
	assert.False(t, token.MatchTokenHash(raw, hash[:32]))
}

func TestNewOpaqueToken(t *testing.T) {
	raw, hash, err := token.NewOpaqueToken()
	require.NoError(t, err)

	assert.Len(t, raw, 64)
	assert.True(t, token.IsOpaqueTokenShape(raw))
	assert.Equal(t, token.HashToken(raw), hash)

	raw2, _, err := token.NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestIsOpaqueTokenShape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid 64-hex", "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", true},
		{"too short", "ab12cd34", false},
		{"too long", "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12ff", false},
		{"non-hex characters", "zz12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, token.IsOpaqueTokenShape(tt.in))
		})
	}
}
