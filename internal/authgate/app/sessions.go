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

// Me returns the caller's own account view.
func (s *Service) Me(ctx context.Context, userID string) (*UserView, error) {
	ctx, span := tracer.Start(ctx, "auth.me")
	defer span.End()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return viewOf(user), nil
}

// ListSessions returns the caller's live sessions, oldest first.
// currentRefreshToken, when present, marks the session behind the caller's
// own cookie so a client can grey out "revoke" for it.
func (s *Service) ListSessions(ctx context.Context, userID, currentRefreshToken string) ([]SessionView, error) {
	ctx, span := tracer.Start(ctx, "auth.list_sessions")
	defer span.End()

	sessions, err := s.sessions.ListActive(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	var currentHash string
	if currentRefreshToken != "" {
		currentHash = token.HashToken(currentRefreshToken)
	}

	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionView{
			ID:         sess.ID,
			DeviceID:   sess.Device.DeviceID,
			DeviceName: sess.Device.DeviceName,
			UserAgent:  sess.Device.UserAgent,
			IP:         sess.Device.IP,
			Location:   sess.Device.Location,
			CreatedAt:  sess.CreatedAt,
			LastUsedAt: sess.LastUsedAt,
			Current:    currentHash != "" && sess.TokenHash == currentHash,
		})
	}
	return views, nil
}

// RevokeSession revokes one of the caller's own sessions by ID. Sessions
// belonging to other accounts are reported as not found, not forbidden, so
// the endpoint cannot be used to probe for session IDs.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.revoke_session")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("get session: %w", err)
	}
	if session.UserID != userID {
		return domain.ErrNotFound
	}
	if session.Revoked {
		return nil
	}

	if err := s.sessions.Revoke(ctx, sessionID, "user_revoked"); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("revoke session: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:       audit.EventAuthSessionRevoke,
		UserID:     userID,
		Action:     "session_revoked",
		Resource:   "session",
		ResourceID: sessionID,
		Metadata:   requestMeta(device),
		Result:     audit.ResultSuccess,
	})
	sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "user_revoked")))
	logger.InfoContext(ctx, "auth.session_revoked", "user_id", userID, "session_id", sessionID)

	return nil
}
