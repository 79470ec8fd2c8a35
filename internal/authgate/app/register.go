package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
	"github.com/velomart/commerce-security-core/internal/token"
)

// RegisterParams carries a signup request.
type RegisterParams struct {
	Email    string
	Password string
	Name     string
	Device   DeviceInfo
}

// Register creates a local account with an unverified email address and
// sends the verification link. The raw verification token leaves the
// process only inside that email; storage sees its hash.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*UserView, error) {
	ctx, span := tracer.Start(ctx, "auth.register")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Normalize and validate input.
	email, err := domain.NewEmailAddress(p.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if err := domain.ValidatePassword(p.Password); err != nil {
		return nil, err
	}

	// 2. Hash the password. The hash also seeds the reuse history.
	hash, err := hashPassword(p.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("hash password: %w", err)
	}

	// 3. Mint the single-use verification token.
	rawToken, tokenHash, err := token.NewOpaqueToken()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("mint verification token: %w", err)
	}

	now := s.clock.Now().UTC()
	user := UserRecord{
		Email:                 email.String(),
		Name:                  p.Name,
		PasswordHash:          hash,
		Role:                  domain.RoleUser,
		Provider:              domain.ProviderLocal,
		TokenVersion:          0,
		VerificationTokenHash: tokenHash,
		VerificationExpiresAt: now.Add(domain.VerificationTokenLifetime),
		PasswordHistory:       []string{hash},
		LastPasswordChange:    now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// 4. Insert; the unique email index decides races.
	id, err := s.users.Create(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			span.SetStatus(codes.Error, "email taken")
			return nil, fmt.Errorf("%w: email already registered", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create user: %w", err)
	}
	user.ID = id

	// 5. Deliver the verification email off the request path.
	s.background(ctx, "verification_email", func(bg context.Context) error {
		return s.email.SendVerification(bg, user.Email, rawToken)
	})

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthRegister,
		UserID:   id,
		Action:   "register",
		Resource: "user",
		Metadata: requestMeta(p.Device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.registered", "user_id", id)

	return viewOf(&user), nil
}

// VerifyEmail consumes a verification token. Tokens are single use: the
// matched lookup clears the hash, so replaying the link fails.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.verify_email")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Cheap shape check before touching storage.
	if !token.IsOpaqueTokenShape(rawToken) {
		return domain.ErrInvalidToken
	}

	// 2. Look up by hash; a consumed or unknown token is indistinguishable.
	user, err := s.users.FindByVerificationToken(ctx, token.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrInvalidToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("find by verification token: %w", err)
	}

	// 3. Expired links fail the same way as unknown ones.
	now := s.clock.Now().UTC()
	if now.After(user.VerificationExpiresAt) {
		return domain.ErrInvalidToken
	}

	// 4. Flip the flag and consume the token.
	user.IsEmailVerified = true
	user.VerificationTokenHash = ""
	user.VerificationExpiresAt = time.Time{}
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark email verified: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthEmailVerify,
		UserID:   user.ID,
		Action:   "verify_email",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.email_verified", "user_id", user.ID)

	return nil
}

// ResendVerification issues a fresh verification token. The response never
// discloses whether the address exists or is already verified; the caller
// always sees success.
func (s *Service) ResendVerification(ctx context.Context, rawEmail string) error {
	ctx, span := tracer.Start(ctx, "auth.resend_verification")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	email, err := domain.NewEmailAddress(rawEmail)
	if err != nil {
		// Malformed addresses short-circuit without a lookup.
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
	if user.IsEmailVerified {
		return nil
	}

	rawToken, tokenHash, err := token.NewOpaqueToken()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mint verification token: %w", err)
	}

	now := s.clock.Now().UTC()
	user.VerificationTokenHash = tokenHash
	user.VerificationExpiresAt = now.Add(domain.VerificationTokenLifetime)
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store verification token: %w", err)
	}

	s.background(ctx, "verification_email", func(bg context.Context) error {
		return s.email.SendVerification(bg, user.Email, rawToken)
	})
	logger.InfoContext(ctx, "auth.verification_resent", "user_id", user.ID)

	return nil
}
