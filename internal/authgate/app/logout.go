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

// Logout revokes the session behind the presented refresh token. It is
// idempotent: an unknown or already-revoked token still logs the caller
// out, because the goal state is "no live session", not "one revocation".
func (s *Service) Logout(ctx context.Context, userID, rawRefreshToken string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	if rawRefreshToken != "" {
		session, err := s.sessions.FindByTokenHash(ctx, token.HashToken(rawRefreshToken))
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// Nothing to revoke.
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("find session: %w", err)
		case session.UserID != userID:
			// A cookie for someone else's session is not the caller's to
			// revoke; log out without touching it.
			logger.WarnContext(ctx, "auth.logout_foreign_cookie", "user_id", userID)
		default:
			if err := s.sessions.Revoke(ctx, session.ID, "logout"); err != nil && !errors.Is(err, domain.ErrNotFound) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("revoke session: %w", err)
			}
			sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "logout")))
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthLogout,
		UserID:   userID,
		Action:   "logout",
		Resource: "session",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.logged_out", "user_id", userID)

	return nil
}

// LogoutAll revokes every live session the account has, on every device.
func (s *Service) LogoutAll(ctx context.Context, userID string, device DeviceInfo) (int64, error) {
	ctx, span := tracer.Start(ctx, "auth.logout_all")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	revoked, err := s.sessions.RevokeAllForUser(ctx, userID, "logout_all")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthLogout,
		UserID:   userID,
		Action:   "logout_all",
		Resource: "session",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
		Changes: &audit.Changes{
			After: map[string]any{"sessionsRevoked": revoked},
		},
	})
	sessionRevocationsTotal.Add(ctx, revoked, metric.WithAttributes(attribute.String("reason", "logout_all")))
	logger.InfoContext(ctx, "auth.logged_out_everywhere", "user_id", userID, "sessions_revoked", revoked)

	return revoked, nil
}
