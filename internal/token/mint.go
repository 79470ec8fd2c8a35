package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// MintResult holds the result of minting a token.
type MintResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// AccessParams carries the user state bound into an access token.
type AccessParams struct {
	UserID       string
	Email        string
	Role         domain.Role
	TokenVersion int
	Fingerprint  string
	IP           string
}

// RefreshParams carries the user state bound into a refresh token.
type RefreshParams struct {
	UserID       string
	TokenVersion int
	Family       string
}

// Minter creates signed RS256 JWTs for both token purposes.
type Minter struct {
	keys       KeyStore
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	Keys       KeyStore
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      domain.Clock
}

// NewMinter creates a new JWT minter. Zero TTLs fall back to the normative
// defaults.
func NewMinter(cfg MinterConfig) *Minter {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = domain.AccessTokenLifetime
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = domain.RefreshTokenLifetime
	}
	return &Minter{
		keys:       cfg.Keys,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      cfg.Clock,
	}
}

// MintAccess creates a signed access token with a fresh JTI.
func (m *Minter) MintAccess(p AccessParams) (MintResult, error) {
	privateKey, kid, err := m.keys.SigningKey(PurposeAccess)
	if err != nil {
		return MintResult{}, fmt.Errorf("get access signing key: %w", err)
	}

	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(m.accessTTL)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Email:        p.Email,
		Role:         string(p.Role),
		TokenVersion: p.TokenVersion,
		Fingerprint:  p.Fingerprint,
		IP:           p.IP,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(privateKey)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign access token: %w", err)
	}

	return MintResult{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

// MintRefresh creates a signed refresh token for a rotation family.
func (m *Minter) MintRefresh(p RefreshParams) (MintResult, error) {
	privateKey, kid, err := m.keys.SigningKey(PurposeRefresh)
	if err != nil {
		return MintResult{}, fmt.Errorf("get refresh signing key: %w", err)
	}

	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(m.refreshTTL)

	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Family:       p.Family,
		TokenVersion: p.TokenVersion,
		TokenType:    RefreshTokenType,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(privateKey)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return MintResult{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

// RefreshTTL exposes the configured refresh lifetime; the HTTP layer uses it
// for the cookie Max-Age.
func (m *Minter) RefreshTTL() time.Duration { return m.refreshTTL }
