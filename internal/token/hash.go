package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const opaqueTokenBytes = 32

// HashToken returns the SHA-256 hex digest of raw token bytes. Refresh
// sessions and one-time tokens are always stored and looked up by hash;
// the raw value leaves the process exactly once.
func HashToken(tok string) string {
	h := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(h[:])
}

// MatchTokenHash verifies a presented token against its stored hash using
// constant-time comparison.
func MatchTokenHash(tok, storedHash string) bool {
	candidate := HashToken(tok)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

// NewOpaqueToken generates a cryptographically random 64-hex token and its
// storage hash. Used for email verification, password reset, and the 2FA
// temp token.
func NewOpaqueToken() (raw, hash string, err error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate opaque token: %w", err)
	}
	raw = hex.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// IsOpaqueTokenShape reports whether raw looks like a token this package
// issued: exactly 64 lowercase hex characters. Handlers use it to reject
// junk before any storage lookup.
func IsOpaqueTokenShape(raw string) bool {
	if len(raw) != opaqueTokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}
