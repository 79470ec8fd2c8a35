// Package token implements the credential primitives: RS256 access and
// refresh JWTs with separate key pairs, token hashing for storage, opaque
// one-time tokens, device fingerprints, automation detection, TOTP, backup
// codes, and the AES-256-GCM secret box.
package token

import "github.com/golang-jwt/jwt/v5"

// RefreshTokenType is the required value of the "type" claim on refresh tokens.
const RefreshTokenType = "refresh"

// AccessClaims is the payload of an access token. TokenVersion pins the
// token to the user's invalidation counter; Fingerprint binds it to the
// device signature observed at mint time.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email        string `json:"email"`
	Role         string `json:"role"`
	TokenVersion int    `json:"tokenVersion"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	IP           string `json:"ip,omitempty"`
}

// RefreshClaims is the payload of a refresh token. Family identifies the
// rotation lineage; TokenType guards against an access token being replayed
// on the refresh endpoint.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Family       string `json:"family"`
	TokenVersion int    `json:"tokenVersion"`
	TokenType    string `json:"type"`
}
