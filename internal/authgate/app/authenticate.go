package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
)

// AuthenticateAccess verifies a bearer access token against the live
// account state: signature and expiry, then the fingerprint binding, then
// token version and lock status. requestFingerprint is the enhanced
// fingerprint of the current request; legacyFingerprint is the UA+IP form
// older tokens were minted with and is accepted as a grace path.
func (s *Service) AuthenticateAccess(ctx context.Context, rawToken, requestFingerprint, legacyFingerprint string) (*Principal, error) {
	ctx, span := tracer.Start(ctx, "auth.authenticate_access")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// Fingerprints are compared here, not inside the verifier, so the
	// grace path and strict mode stay in one place.
	claims, err := s.verifier.VerifyAccess(rawToken, "")
	if err != nil {
		loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "bad_access_jwt")))
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	switch claims.Fingerprint {
	case "":
		// Tokens minted without a fingerprint pass; they predate binding.
	case requestFingerprint:
	case legacyFingerprint:
		fingerprintGraceTotal.Add(ctx, 1)
		logger.InfoContext(ctx, "auth.fingerprint_grace", "user_id", claims.Subject)
	default:
		if s.strictFingerprint {
			loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "fingerprint")))
			logger.WarnContext(ctx, "auth.fingerprint_mismatch", "user_id", claims.Subject)
			return nil, domain.ErrFingerprintMismatch
		}
		logger.WarnContext(ctx, "auth.fingerprint_mismatch_tolerated", "user_id", claims.Subject)
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if claims.TokenVersion != user.TokenVersion {
		loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "token_version")))
		return nil, domain.ErrTokenVersionMismatch
	}
	if user.AccountLockedUntil.After(s.clock.Now().UTC()) {
		return nil, domain.ErrAccountLocked
	}

	return &Principal{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
	}, nil
}
