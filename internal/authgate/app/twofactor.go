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

// TwoFactorLoginParams carries the second step of a two-factor login: the
// handoff token from Login plus a TOTP or backup code.
type TwoFactorLoginParams struct {
	TempToken string
	Code      string
	Device    DeviceInfo
}

// TwoFactorSetup is the material returned by TwoFactorEnable. The secret,
// provisioning URI, QR image, and plaintext backup codes appear exactly
// once; afterwards only hashes and ciphertext persist.
type TwoFactorSetup struct {
	Secret      string
	OTPAuthURI  string
	QRCodePNG   []byte
	BackupCodes []string
}

// stageTwoFactorLogin mints the opaque handoff token that carries a
// password-verified login across the code-entry step.
func (s *Service) stageTwoFactorLogin(ctx context.Context, user *UserRecord, now time.Time) (string, error) {
	raw, hash, err := token.NewOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("mint temp token: %w", err)
	}

	user.TempTokenHash = hash
	user.TempTokenExpiresAt = now.Add(domain.TempTokenLifetime)
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		return "", fmt.Errorf("store temp token: %w", err)
	}
	return raw, nil
}

// LoginTwoFactor completes a two-factor login. The code is tried as TOTP
// first, then as a backup code; a consumed backup code is gone for good.
func (s *Service) LoginTwoFactor(ctx context.Context, p TwoFactorLoginParams) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "auth.login_two_factor")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Resolve the handoff token.
	if !token.IsOpaqueTokenShape(p.TempToken) {
		return nil, domain.ErrInvalidToken
	}
	user, err := s.users.FindByTempToken(ctx, token.HashToken(p.TempToken))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find by temp token: %w", err)
	}
	now := s.clock.Now().UTC()
	if now.After(user.TempTokenExpiresAt) || !user.TwoFactorEnabled {
		return nil, domain.ErrInvalidToken
	}

	// 2. Decrypt the TOTP secret.
	secret, err := s.secrets.DecryptString(user.TwoFactorSecret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}

	// 3. TOTP first, backup code second.
	usedBackup := false
	if !token.ValidateTOTP(p.Code, secret, now) {
		remaining, ok := token.ConsumeBackupCode(p.Code, user.BackupCodeHashes)
		if !ok {
			s.audit.Record(ctx, audit.Event{
				Type:         audit.EventSecurityFailedLogin,
				UserID:       user.ID,
				Action:       "login_2fa",
				Resource:     "user",
				Metadata:     requestMeta(p.Device),
				Result:       audit.ResultFailure,
				RiskScore:    60,
				ErrorMessage: "invalid two-factor code",
			})
			loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "bad_2fa_code")))
			return nil, domain.ErrInvalidTwoFactorCode
		}
		usedBackup = true
		user.BackupCodeHashes = remaining
	}

	// 4. Consume the handoff token and persist the backup-code burn in the
	// same write.
	user.TempTokenHash = ""
	user.TempTokenExpiresAt = time.Time{}
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("consume temp token: %w", err)
	}

	if usedBackup {
		logger.WarnContext(ctx, "auth.backup_code_used",
			"user_id", user.ID,
			"remaining", len(user.BackupCodeHashes),
		)
	}

	// 5. Issue tokens exactly like a password login.
	return s.completeLogin(ctx, user, p.Device, "login_2fa")
}

// TwoFactorEnable stages TOTP enrollment: it generates the secret and
// backup codes and returns them with a provisioning QR, but the account
// only flips to two-factor after TwoFactorVerifySetup sees a valid code.
func (s *Service) TwoFactorEnable(ctx context.Context, userID string, device DeviceInfo) (*TwoFactorSetup, error) {
	ctx, span := tracer.Start(ctx, "auth.two_factor_enable")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.TwoFactorEnabled {
		return nil, fmt.Errorf("%w: two-factor already enabled", domain.ErrAlreadyExists)
	}

	setup, err := token.GenerateTOTPSecret(s.totpIssuer, user.Email)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	backup, err := token.GenerateBackupCodes()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	sealed, err := s.secrets.EncryptString(setup.Secret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("seal totp secret: %w", err)
	}

	now := s.clock.Now().UTC()
	user.TwoFactorTempSecret = sealed
	user.BackupCodeHashes = backup.Hashes
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("stage two-factor secret: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthTwoFactorEnable,
		UserID:   user.ID,
		Action:   "2fa_setup",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultPartial,
	})
	logger.InfoContext(ctx, "auth.two_factor_staged", "user_id", user.ID)

	return &TwoFactorSetup{
		Secret:      setup.Secret,
		OTPAuthURI:  setup.URI,
		QRCodePNG:   setup.QRPNG,
		BackupCodes: backup.Plain,
	}, nil
}

// TwoFactorVerifySetup commits a staged enrollment once the caller proves
// their authenticator produces valid codes.
func (s *Service) TwoFactorVerifySetup(ctx context.Context, userID, code string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.two_factor_verify_setup")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user.TwoFactorEnabled {
		return fmt.Errorf("%w: two-factor already enabled", domain.ErrAlreadyExists)
	}
	if user.TwoFactorTempSecret == "" {
		return fmt.Errorf("%w: no pending two-factor setup", domain.ErrValidation)
	}

	secret, err := s.secrets.DecryptString(user.TwoFactorTempSecret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("decrypt staged secret: %w", err)
	}
	if !token.ValidateTOTP(code, secret, s.clock.Now().UTC()) {
		return domain.ErrInvalidTwoFactorCode
	}

	now := s.clock.Now().UTC()
	user.TwoFactorEnabled = true
	user.TwoFactorSecret = user.TwoFactorTempSecret
	user.TwoFactorTempSecret = ""
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit two-factor setup: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthTwoFactorEnable,
		UserID:   user.ID,
		Action:   "2fa_verify_setup",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.two_factor_enabled", "user_id", user.ID)

	return nil
}

// TwoFactorDisable turns enrollment off. It demands both the password and a
// live code so a hijacked session cannot quietly strip the second factor.
func (s *Service) TwoFactorDisable(ctx context.Context, userID, password, code string, device DeviceInfo) error {
	ctx, span := tracer.Start(ctx, "auth.two_factor_disable")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if !user.TwoFactorEnabled {
		return fmt.Errorf("%w: two-factor not enabled", domain.ErrValidation)
	}
	if !passwordMatches(user.PasswordHash, password) {
		return domain.ErrInvalidCredentials
	}

	secret, err := s.secrets.DecryptString(user.TwoFactorSecret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !token.ValidateTOTP(code, secret, s.clock.Now().UTC()) {
		if _, ok := token.ConsumeBackupCode(code, user.BackupCodeHashes); !ok {
			return domain.ErrInvalidTwoFactorCode
		}
	}

	now := s.clock.Now().UTC()
	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	user.TwoFactorTempSecret = ""
	user.BackupCodeHashes = nil
	user.TempTokenHash = ""
	user.TempTokenExpiresAt = time.Time{}
	user.UpdatedAt = now
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("disable two-factor: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthTwoFactorDisable,
		UserID:   user.ID,
		Action:   "2fa_disable",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.two_factor_disabled", "user_id", user.ID)

	return nil
}

// RegenerateBackupCodes replaces the backup-code set. A valid TOTP code is
// required; the old codes stop working the moment the write lands.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID, code string, device DeviceInfo) ([]string, error) {
	ctx, span := tracer.Start(ctx, "auth.regenerate_backup_codes")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.TwoFactorEnabled {
		return nil, fmt.Errorf("%w: two-factor not enabled", domain.ErrValidation)
	}

	secret, err := s.secrets.DecryptString(user.TwoFactorSecret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !token.ValidateTOTP(code, secret, s.clock.Now().UTC()) {
		return nil, domain.ErrInvalidTwoFactorCode
	}

	fresh, err := token.GenerateBackupCodes()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	user.BackupCodeHashes = fresh.Hashes
	user.UpdatedAt = s.clock.Now().UTC()
	if err := s.users.Update(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store backup codes: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:     audit.EventAuthTwoFactorEnable,
		UserID:   user.ID,
		Action:   "backup_codes_regenerated",
		Resource: "user",
		Metadata: requestMeta(device),
		Result:   audit.ResultSuccess,
	})
	logger.InfoContext(ctx, "auth.backup_codes_regenerated", "user_id", user.ID)

	return fresh.Plain, nil
}
