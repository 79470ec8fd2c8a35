package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
	"github.com/velomart/commerce-security-core/internal/token"
)

// Refresh rotates a refresh token: the presented session is revoked first,
// then a replacement is issued in a brand-new family. Presenting a token
// that was already rotated — revoked but still inside its lifetime — is
// treated as theft and burns every session in the family.
//
// Two concurrent presentations of the same token race on the revoke write;
// the loser gets domain.ErrRefreshInProgress and no tokens.
func (s *Service) Refresh(ctx context.Context, rawToken string, device DeviceInfo) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Verify the JWT itself: signature, expiry, and the refresh type
	// discriminator that stops access tokens being replayed here.
	claims, err := s.verifier.VerifyRefresh(rawToken)
	if err != nil {
		loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "bad_refresh_jwt")))
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}

	// 2. The subject must still exist.
	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrSessionInvalid
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get user: %w", err)
	}

	// 3. A version bump (password reset, forced logout) invalidates every
	// token minted before it.
	if claims.TokenVersion != user.TokenVersion {
		loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "token_version")))
		return nil, domain.ErrTokenVersionMismatch
	}

	// 4. Locate the session by token hash.
	tokenHash := token.HashToken(rawToken)
	session, err := s.sessions.FindByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrSessionInvalid
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find session: %w", err)
	}

	now := s.clock.Now().UTC()

	// 5. A revoked session presented inside its original lifetime is
	// reuse: the legitimate holder already rotated past this token, so
	// whoever presents it now replayed a stolen copy.
	if session.Revoked {
		if now.Before(session.ExpiresAt) {
			return nil, s.handleReuse(ctx, user, session, device)
		}
		return nil, domain.ErrSessionExpired
	}
	if !now.Before(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}

	// 6. Revoke before issuing: the winner of a concurrent race is the
	// caller whose revoke write lands first.
	if err := s.sessions.Revoke(ctx, session.ID, "rotated"); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.WarnContext(ctx, "auth.refresh_race_lost", "session_id", session.ID)
			return nil, domain.ErrRefreshInProgress
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("revoke rotated session: %w", err)
	}
	sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rotated")))

	// 7. Issue the replacement in a fresh family. The unique token-hash
	// index backstops any remaining race.
	pair, err := s.issueSession(ctx, user, device)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.ErrRefreshInProgress
		}
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Type:       audit.EventAuthLogin,
		UserID:     user.ID,
		Action:     "refresh",
		Resource:   "session",
		ResourceID: pair.SessionID,
		Metadata:   requestMeta(device),
		Result:     audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.token_refreshed",
		"user_id", user.ID,
		"rotated_session", session.ID,
		"new_session", pair.SessionID,
	)

	return pair, nil
}

// handleReuse burns the whole rotation family and leaves a high-risk audit
// row. The caller gets the same opaque error whether they are the thief or
// the victim — disambiguating would tell the thief they were caught.
func (s *Service) handleReuse(ctx context.Context, user *UserRecord, session *SessionRecord, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.refresh_reuse")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	revoked, err := s.sessions.RevokeFamily(ctx, session.Family, "token_reuse")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "auth.family_revoke_failed",
			"family", session.Family,
			"error", err,
		)
	}

	s.audit.Record(ctx, audit.Event{
		Type:       audit.EventSecuritySuspiciousActivity,
		UserID:     user.ID,
		Action:     "refresh_token_reuse",
		Resource:   "session",
		ResourceID: session.ID,
		Metadata:   requestMeta(device),
		Result:     audit.ResultFailure,
		RiskScore:  80,
		Changes: &audit.Changes{
			After: map[string]any{
				"family":          session.Family,
				"sessionsRevoked": revoked,
			},
		},
	})
	refreshReuseTotal.Add(ctx, 1)
	sessionRevocationsTotal.Add(ctx, revoked, metric.WithAttributes(attribute.String("reason", "token_reuse")))
	logger.WarnContext(ctx, "auth.refresh_token_reuse",
		"user_id", user.ID,
		"family", session.Family,
		"sessions_revoked", revoked,
	)

	return domain.ErrRefreshReuse
}
