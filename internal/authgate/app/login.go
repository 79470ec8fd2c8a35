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

// LoginStatus discriminates the three terminal shapes of a credential
// check that did not fail outright.
type LoginStatus string

const (
	// LoginOK means tokens were issued.
	LoginOK LoginStatus = "ok"
	// LoginEmailUnverified means the password matched but the address has
	// not been confirmed; no tokens are issued.
	LoginEmailUnverified LoginStatus = "email_unverified"
	// LoginTwoFactorRequired means the password matched and the flow
	// continues with a temp token plus a TOTP or backup code.
	LoginTwoFactorRequired LoginStatus = "two_factor_required"
)

// LoginParams carries a password login request.
type LoginParams struct {
	Email    string
	Password string
	Device   DeviceInfo
}

// LoginResult is the outcome of Login or LoginTwoFactor. Tokens and User
// are set when Status is LoginOK; TempToken when two-factor is pending.
type LoginResult struct {
	Status    LoginStatus
	Tokens    *TokenPair
	User      *UserView
	TempToken string
}

// Login runs the password check behind the failed-login tracker: blocked
// keys are rejected before any credential work, and each prior failure in
// the window buys the caller a longer delay.
//
// Unknown addresses and wrong passwords return the same error.
func (s *Service) Login(ctx context.Context, p LoginParams) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "auth.login")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Normalize the address. Shape failures are plain validation
	// errors; non-disclosure only applies to credential outcomes.
	email, err := domain.NewEmailAddress(p.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	// 2. Consult the tracker before any credential work.
	key := trackerKey(p.Device.IP, email.String())
	state, err := s.tracker.Check(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("check failed-login tracker: %w", err)
	}
	if state.Blocked {
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventSecurityRateLimitExceeded,
			Action:    "login_blocked",
			Resource:  "security",
			Metadata:  requestMeta(p.Device),
			Result:    audit.ResultFailure,
			RiskScore: 60,
		})
		logger.WarnContext(ctx, "auth.login_blocked", "ip", p.Device.IP, "retry_after", state.RetryAfter)
		return nil, domain.NewRateLimitError(domain.ErrLoginBlocked, state.RetryAfter)
	}

	// 3. Progressive delay for keys with recent failures.
	s.delay(ctx, domain.ProgressiveDelay(state.Count))

	// 4. Load the account; a missing row costs the same as a bad password.
	user, err := s.users.FindByEmail(ctx, email.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, s.failLogin(ctx, key, nil, p.Device, "unknown_email")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find by email: %w", err)
	}

	// 5. Locked accounts fail before the password check; the notice email
	// reminds the owner even when the caller is an attacker.
	now := s.clock.Now().UTC()
	if user.AccountLockedUntil.After(now) {
		s.background(ctx, "lock_notice_email", func(bg context.Context) error {
			return s.email.SendAccountLocked(bg, user.Email, user.AccountLockedUntil)
		})
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventSecurityFailedLogin,
			UserID:    user.ID,
			Action:    "login",
			Resource:  "user",
			Metadata:  requestMeta(p.Device),
			Result:    audit.ResultFailure,
			RiskScore: 50,
			ErrorMessage: fmt.Sprintf("account locked until %s",
				user.AccountLockedUntil.Format("2006-01-02T15:04:05Z07:00")),
		})
		loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "account_locked")))
		return nil, domain.ErrAccountLocked
	}

	// 6. The credential check itself.
	if !passwordMatches(user.PasswordHash, p.Password) {
		return nil, s.failLogin(ctx, key, user, p.Device, "wrong_password")
	}

	// 7. Success clears both failure scopes.
	if err := s.tracker.Clear(ctx, key); err != nil {
		logger.WarnContext(ctx, "auth.tracker_clear_failed", "error", err)
	}
	attempt := LoginAttempt{
		Timestamp: now,
		IP:        p.Device.IP,
		UserAgent: p.Device.UserAgent,
		Location:  p.Device.Location,
		Success:   true,
	}
	if err := s.users.RecordSuccess(ctx, user.ID, attempt); err != nil {
		logger.WarnContext(ctx, "auth.history_write_failed", "user_id", user.ID, "error", err)
	}

	// 8. Unverified addresses stop here; the password was right, so this
	// outcome is disclosed.
	if !user.IsEmailVerified {
		s.audit.Record(ctx, audit.Event{
			Type:         audit.EventAuthLogin,
			UserID:       user.ID,
			Action:       "login",
			Resource:     "user",
			Metadata:     requestMeta(p.Device),
			Result:       audit.ResultPartial,
			ErrorMessage: "email not verified",
		})
		return &LoginResult{Status: LoginEmailUnverified, User: viewOf(user)}, nil
	}

	// 9. Two-factor accounts get a short-lived handoff token instead of a
	// session.
	if user.TwoFactorEnabled {
		tempToken, err := s.stageTwoFactorLogin(ctx, user, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		s.audit.Record(ctx, audit.Event{
			Type:     audit.EventAuthLogin,
			UserID:   user.ID,
			Action:   "login",
			Resource: "user",
			Metadata: requestMeta(p.Device),
			Result:   audit.ResultPartial,
		})
		logger.InfoContext(ctx, "auth.two_factor_pending", "user_id", user.ID)
		return &LoginResult{Status: LoginTwoFactorRequired, TempToken: tempToken}, nil
	}

	// 10. Plain accounts get their tokens now.
	return s.completeLogin(ctx, user, p.Device, "login")
}

// failLogin is the shared failure tail: it charges the tracker key, updates
// the per-user counter (possibly locking the account), audits the attempt,
// and schedules a background anomaly pass. user is nil for unknown
// addresses. The returned error is always ErrInvalidCredentials.
func (s *Service) failLogin(ctx context.Context, key string, user *UserRecord, device DeviceInfo, reason string) error {
	logger := observability.WithTraceID(ctx, s.logger)

	if _, err := s.tracker.Fail(ctx, key); err != nil {
		logger.WarnContext(ctx, "auth.tracker_fail_errored", "error", err)
	}

	var userID string
	if user != nil {
		userID = user.ID
		attempt := LoginAttempt{
			Timestamp: s.clock.Now().UTC(),
			IP:        device.IP,
			UserAgent: device.UserAgent,
			Location:  device.Location,
			Success:   false,
			Reason:    reason,
		}
		failures, err := s.users.RecordFailure(ctx, user.ID, attempt)
		if err != nil {
			logger.WarnContext(ctx, "auth.history_write_failed", "user_id", user.ID, "error", err)
		} else if failures >= domain.MaxFailedLogins {
			s.lockAccount(ctx, user, device, failures)
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:         audit.EventSecurityFailedLogin,
		UserID:       userID,
		Action:       "login",
		Resource:     "user",
		Metadata:     requestMeta(device),
		Result:       audit.ResultFailure,
		RiskScore:    50,
		ErrorMessage: reason,
	})
	loginFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	// The pattern rules read the audit log, so score after the write and
	// off the request path.
	if userID != "" {
		s.background(ctx, "failed_login_scoring", func(bg context.Context) error {
			s.anomaly.ScoreFailedLogins(bg, userID, device.IP)
			return nil
		})
	}

	return domain.ErrInvalidCredentials
}

func (s *Service) lockAccount(ctx context.Context, user *UserRecord, device DeviceInfo, failures int) {
	logger := observability.WithTraceID(ctx, s.logger)

	until := s.clock.Now().UTC().Add(domain.LoginBlockDuration)
	if err := s.users.LockUntil(ctx, user.ID, until); err != nil {
		logger.ErrorContext(ctx, "auth.lock_write_failed", "user_id", user.ID, "error", err)
		return
	}

	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventUserAccountLocked,
		UserID:    user.ID,
		Action:    "lock_account",
		Resource:  "user",
		Metadata:  requestMeta(device),
		Result:    audit.ResultSuccess,
		RiskScore: 70,
		Changes: &audit.Changes{
			After: map[string]any{
				"failedLoginAttempts": failures,
				"accountLockedUntil":  until,
			},
		},
	})
	lockoutsTotal.Add(ctx, 1)
	logger.WarnContext(ctx, "auth.account_locked", "user_id", user.ID, "until", until)

	s.background(ctx, "lock_notice_email", func(bg context.Context) error {
		return s.email.SendAccountLocked(bg, user.Email, until)
	})
}

// completeLogin issues a session and the token pair, registers unseen
// devices, and writes the success audit row. action distinguishes the
// password and two-factor entry points in the audit trail.
func (s *Service) completeLogin(ctx context.Context, user *UserRecord, device DeviceInfo, action string) (*LoginResult, error) {
	logger := observability.WithTraceID(ctx, s.logger)

	pair, err := s.issueSession(ctx, user, device)
	if err != nil {
		return nil, err
	}

	s.noteDevice(ctx, user, device)

	s.audit.Record(ctx, audit.Event{
		Type:       audit.EventAuthLogin,
		UserID:     user.ID,
		Action:     action,
		Resource:   "user",
		ResourceID: pair.SessionID,
		Metadata:   requestMeta(device),
		Result:     audit.ResultSuccess,
	})
	loginsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", action)))
	logger.InfoContext(ctx, "auth.login_succeeded", "user_id", user.ID, "session_id", pair.SessionID)

	return &LoginResult{Status: LoginOK, Tokens: pair, User: viewOf(user)}, nil
}

// issueSession mints an access/refresh pair in a fresh rotation family and
// persists the session row. Accounts at the session cap lose their oldest
// sessions first.
func (s *Service) issueSession(ctx context.Context, user *UserRecord, device DeviceInfo) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "auth.issue_session")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	access, err := s.minter.MintAccess(token.AccessParams{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
		Fingerprint:  device.Fingerprint,
		IP:           device.IP,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	family := domain.NewFamilyID()
	refresh, err := s.minter.MintRefresh(token.RefreshParams{
		UserID:       user.ID,
		TokenVersion: user.TokenVersion,
		Family:       family,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	// Enforce the per-account session cap before the insert.
	active, err := s.sessions.ListActive(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	if excess := len(active) - domain.MaxActiveSessionsPerUser + 1; excess > 0 {
		for _, old := range active[:excess] {
			if err := s.sessions.Revoke(ctx, old.ID, "session_limit"); err != nil && !errors.Is(err, domain.ErrNotFound) {
				logger.WarnContext(ctx, "auth.session_cap_revoke_failed", "session_id", old.ID, "error", err)
				continue
			}
			sessionRevocationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "session_limit")))
		}
	}

	now := s.clock.Now().UTC()
	session := SessionRecord{
		ID:         domain.NewFamilyID(),
		UserID:     user.ID,
		TokenHash:  token.HashToken(refresh.Token),
		Family:     family,
		Device:     device,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  refresh.ExpiresAt,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create session: %w", err)
	}

	tokensMintedTotal.Add(ctx, 1)

	return &TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		SessionID:        session.ID,
	}, nil
}

// noteDevice registers first-time device identifiers and alerts the owner.
// Requests without a client-declared device ID skip the check.
func (s *Service) noteDevice(ctx context.Context, user *UserRecord, device DeviceInfo) {
	if device.DeviceID == "" || domain.ValidateDeviceID(device.DeviceID) != nil {
		return
	}
	for _, d := range user.TrustedDevices {
		if d.DeviceID == device.DeviceID {
			return
		}
	}

	logger := observability.WithTraceID(ctx, s.logger)

	td := TrustedDevice{
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		FirstSeen:  s.clock.Now().UTC(),
	}
	if err := s.users.AddTrustedDevice(ctx, user.ID, td); err != nil {
		logger.WarnContext(ctx, "auth.trusted_device_write_failed", "user_id", user.ID, "error", err)
		return
	}

	s.background(ctx, "new_device_email", func(bg context.Context) error {
		return s.email.SendNewDeviceAlert(bg, user.Email, device)
	})
	logger.InfoContext(ctx, "auth.new_device_registered", "user_id", user.ID, "device_id", device.DeviceID)
}
