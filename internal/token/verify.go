package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// Verifier validates access and refresh tokens. Every failure surfaces as
// domain.ErrInvalidToken (or domain.ErrFingerprintMismatch for the optional
// binding check) so callers cannot leak the precise rejection reason.
type Verifier struct {
	keys     KeyStore
	issuer   string
	audience string
	clock    domain.Clock
}

// VerifierConfig holds configuration for creating a Verifier.
type VerifierConfig struct {
	Keys     KeyStore
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewVerifier creates a new token verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	return &Verifier{
		keys:     cfg.Keys,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// VerifyAccess parses and fully validates an access token. When
// expectedFingerprint is non-empty the token's fingerprint claim must match
// it exactly; pass "" to defer the fingerprint decision to the caller (the
// middleware does this to apply the legacy grace path).
func (v *Verifier) VerifyAccess(raw, expectedFingerprint string) (*AccessClaims, error) {
	if err := rejectForeignAlg(raw); err != nil {
		return nil, err
	}

	var claims AccessClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, v.keyFunc(PurposeAccess), v.parserOpts()...); err != nil {
		return nil, fmt.Errorf("verify access token: %w", domain.ErrInvalidToken)
	}
	if claims.Subject == "" || claims.Email == "" || claims.Role == "" {
		return nil, fmt.Errorf("access token missing identity claims: %w", domain.ErrInvalidToken)
	}
	if expectedFingerprint != "" && claims.Fingerprint != expectedFingerprint {
		return nil, fmt.Errorf("access token bound to another device: %w", domain.ErrFingerprintMismatch)
	}
	return &claims, nil
}

// VerifyRefresh parses and fully validates a refresh token, including the
// type discriminator that stops access tokens being replayed here.
func (v *Verifier) VerifyRefresh(raw string) (*RefreshClaims, error) {
	if err := rejectForeignAlg(raw); err != nil {
		return nil, err
	}

	var claims RefreshClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, v.keyFunc(PurposeRefresh), v.parserOpts()...); err != nil {
		return nil, fmt.Errorf("verify refresh token: %w", domain.ErrInvalidToken)
	}
	if claims.TokenType != RefreshTokenType {
		return nil, fmt.Errorf("token is not a refresh token: %w", domain.ErrInvalidToken)
	}
	if claims.Subject == "" || claims.Family == "" {
		return nil, fmt.Errorf("refresh token missing identity claims: %w", domain.ErrInvalidToken)
	}
	return &claims, nil
}

func (v *Verifier) parserOpts() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
}

func (v *Verifier) keyFunc(p Purpose) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		kid, ok := tok.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in token header")
		}
		return v.keys.VerifyingKey(p, kid)
	}
}

// rejectForeignAlg inspects the raw JOSE header before any cryptographic
// work and rejects every algorithm except RS256. This is the first line of
// defense against alg-confusion: "none", the HMAC family, and downgraded
// RSA variants never reach the parser.
func rejectForeignAlg(raw string) error {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return fmt.Errorf("token must have three segments: %w", domain.ErrInvalidToken)
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("decode token header: %w", domain.ErrInvalidToken)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return fmt.Errorf("parse token header: %w", domain.ErrInvalidToken)
	}
	if header.Alg != "RS256" {
		return fmt.Errorf("token algorithm %q rejected: %w", header.Alg, domain.ErrInvalidToken)
	}
	return nil
}
