package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
	"github.com/velomart/commerce-security-core/internal/token"
)

// RequestPasswordReset issues a reset token for local accounts. The caller
// always sees the same outcome: whether the address exists, is unverified,
// or belongs to an external-IdP account is never disclosed.
func (s *Service) RequestPasswordReset(ctx context.Context, rawEmail string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.request_password_reset")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	email, err := domain.NewEmailAddress(rawEmail)
	if err != nil {
		return nil
	}

	user, err := s.users.FindByEmail(ctx, email.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("find by email: %w", err)
	}
	if user.Provider != domain.ProviderLocal {
		// External-IdP accounts have no local password to reset.
		return nil
	}

	rawToken, tokenHash, err := token.NewOpaqueToken()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mint reset token: %w", err)
	}

	now := s.clock.Now().UTC()
	user.ResetTokenHash = tokenHash
	user.ResetExpiresAt = now.Add(domain.ResetTokenLifetime)
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store reset token: %w", err)
	}

	s.background(ctx, "reset_email", func(bg context.Context) error {
		return s.email.SendPasswordReset(bg, user.Email, rawToken)
	})

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthPasswordReset,
		UserID:   user.ID,
		Action:   "reset_requested",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultPartial,
	})
	logger.InfoContext(ctx, "auth.password_reset_requested", "user_id", user.ID)

	return nil
}

// ValidateResetToken reports whether a reset token would be accepted right
// now. Pure read; reset pages call it before showing the form.
func (s *Service) ValidateResetToken(ctx context.Context, rawToken string) (bool, error) {
	ctx, span := tracer.Start(ctx, "auth.validate_reset_token")
	defer span.End()

	if !token.IsOpaqueTokenShape(rawToken) {
		return false, nil
	}
	user, err := s.users.FindByResetToken(ctx, token.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("find by reset token: %w", err)
	}
	return s.clock.Now().UTC().Before(user.ResetExpiresAt), nil
}

// ResetPassword consumes a reset token and installs a new password. Every
// live session dies with the old password: the token version bumps and all
// refresh sessions are revoked.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.reset_password")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Policy first: a weak password should fail before the token is
	// inspected, let alone consumed.
	if err := domain.ValidatePassword(newPassword); err != nil {
		return err
	}

	// 2. Resolve and age-check the token.
	if !token.IsOpaqueTokenShape(rawToken) {
		return domain.ErrInvalidToken
	}
	user, err := s.users.FindByResetToken(ctx, token.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrInvalidToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("find by reset token: %w", err)
	}
	now := s.clock.Now().UTC()
	if now.After(user.ResetExpiresAt) {
		return domain.ErrInvalidToken
	}

	// 3. Install the new password; the helper enforces the reuse history.
	if err := s.installPassword(user, newPassword, now); err != nil {
		return err
	}
	user.ResetTokenHash = ""
	user.ResetExpiresAt = time.Time{}
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store new password: %w", err)
	}

	s.invalidateSessions(ctx, user, "password_reset")

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthPasswordReset,
		UserID:   user.ID,
		Action:   "password_reset",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.password_reset", "user_id", user.ID)

	return nil
}

// ChangePassword rotates the password for an authenticated caller. The
// current password must be presented even on a valid session.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.change_password")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	if err := domain.ValidatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user.Provider != domain.ProviderLocal {
		return fmt.Errorf("%w: account has no local password", domain.ErrValidation)
	}
	if !passwordMatches(user.PasswordHash, currentPassword) {
		loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "change_password")))
		return domain.ErrInvalidCredentials
	}

	now := s.clock.Now().UTC()
	if err := s.installPassword(user, newPassword, now); err != nil {
		return err
	}
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store new password: %w", err)
	}

	s.invalidateSessions(ctx, user, "password_changed")

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthPasswordReset,
		UserID:   user.ID,
		Action:   "password_changed",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.password_changed", "user_id", user.ID)

	return nil
}

// installPassword mutates the record in place: it rejects recently used
// passwords, swaps in the new hash, bumps the token version, and pushes the
// hash onto the bounded history. The caller persists the record.
func (s *Service) installPassword(user *UserRecord, newPassword string, now time.Time) error {
	for _, old := range user.PasswordHistory {
		if passwordMatches(old, newPassword) {
			return domain.ErrPasswordReused
		}
	}
	// The history holds the newest hashes; the current hash is history[0]
	// after every change, so the loop above also covers "same as current".
	hash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user.PasswordHash = hash
	user.PasswordHistory = append([]string{hash}, user.PasswordHistory...)
	if len(user.PasswordHistory) > domain.PasswordHistorySize {
		user.PasswordHistory = user.PasswordHistory[:domain.PasswordHistorySize]
	}
	user.LastPasswordChange = now
	user.TokenVersion++
	user.UpdatedAt = now

	return nil
}

// invalidateSessions revokes every refresh session after a password change
// and tells the owner. Failures here must not undo the password change, so
// they are logged rather than returned.
func (s *Service) invalidateSessions(ctx context.Context, user *UserRecord, reason string) {
	logger := observability.WithTraceID(ctx, s.logger)

	revoked, err := s.sessions.RevokeAllForUser(ctx, user.ID, reason)
	if err != nil {
		logger.ErrorContext(ctx, "auth.session_sweep_failed", "user_id", user.ID, "error", err)
	} else {
		sessionRevocationsTotal.Add(ctx, revoked, metric.WithAttributes(attribute.String("reason", reason)))
	}

	s.background(ctx, "password_changed_email", func(bg context.Context) error {
		return s.email.SendPasswordChanged(bg, user.Email)
	})
}
