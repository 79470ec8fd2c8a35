package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// SecretBox encrypts short secrets (the TOTP secret at rest) with
// AES-256-GCM. The cipher key is the SHA-256 of the operator-provisioned
// ENCRYPTION_KEY, so any passphrase of sufficient length yields exactly
// 32 key bytes.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives the AES-256-GCM key from the encryption passphrase.
// The passphrase must be at least 32 characters; startup enforces this
// before any secret is written.
func NewSecretBox(passphrase domain.SecretString) (*SecretBox, error) {
	if len(passphrase.Expose()) < 32 {
		return nil, fmt.Errorf("encryption key must be at least 32 characters: %w", domain.ErrConfigRequired)
	}
	key := sha256.Sum256([]byte(passphrase.Expose()))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// EncryptString seals plaintext under a fresh random nonce. Output is
// base64(nonce || ciphertext || tag).
func (b *SecretBox) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value produced by EncryptString. Any tampering with
// the ciphertext or tag fails authentication and surfaces as an error.
func (b *SecretBox) DecryptString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(sealed) < b.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}
