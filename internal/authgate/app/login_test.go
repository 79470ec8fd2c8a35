package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/token"
)

func TestLogin_Success(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	user := verifiedUser(t)

	h.users.findByEmailFn = func(_ context.Context, email string) (*app.UserRecord, error) {
		assert.Equal(t, "shopper@example.com", email)
		return user, nil
	}

	var created app.SessionRecord
	h.sessions.createFn = func(_ context.Context, rec app.SessionRecord) error {
		created = rec
		return nil
	}

	var clearedKey string
	h.tracker.clearFn = func(_ context.Context, key string) error {
		clearedKey = key
		return nil
	}

	res, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "Shopper@Example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.NoError(t, err)
	require.Equal(t, app.LoginOK, res.Status)
	require.NotNil(t, res.Tokens)

	// The refresh session stores only the token hash, in a fresh family.
	assert.Equal(t, token.HashToken(res.Tokens.RefreshToken), created.TokenHash)
	assert.NotEmpty(t, created.Family)
	assert.Equal(t, testStart.Add(domain.RefreshTokenLifetime), created.ExpiresAt)
	assert.Equal(t, user.ID, created.UserID)

	// The minted pair round-trips through the verifier.
	claims, err := h.verifier.VerifyAccess(res.Tokens.AccessToken, "fp-enhanced-0001")
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, user.TokenVersion, claims.TokenVersion)

	refreshClaims, err := h.verifier.VerifyRefresh(res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, created.Family, refreshClaims.Family)

	// Success clears the tracker key and audits exactly one login event.
	assert.NotEmpty(t, clearedKey)
	logins := h.audit.byType(audit.EventAuthLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, audit.ResultSuccess, logins[0].Result)
	assert.Equal(t, "login", logins[0].Action)
	assert.Equal(t, "203.0.113.7", logins[0].Metadata.IP)
}

func TestLogin_WrongPassword(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	user := verifiedUser(t)

	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}

	var trackerFailed bool
	h.tracker.failFn = func(_ context.Context, key string) (app.FailedLoginState, error) {
		trackerFailed = true
		return app.FailedLoginState{Count: 1}, nil
	}

	var recorded app.LoginAttempt
	h.users.recordFailureFn = func(_ context.Context, userID string, attempt app.LoginAttempt) (int, error) {
		assert.Equal(t, user.ID, userID)
		recorded = attempt
		return 1, nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: "not-the-password-1A!",
		Device:   testDevice(),
	})

	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.True(t, trackerFailed)
	assert.False(t, recorded.Success)
	assert.Equal(t, "wrong_password", recorded.Reason)

	failures := h.audit.byType(audit.EventSecurityFailedLogin)
	require.Len(t, failures, 1)
	assert.Equal(t, 50, failures[0].RiskScore)
	assert.Equal(t, user.ID, failures[0].UserID)

	// The pattern scorer runs in the background after the audit write.
	h.svc.Wait()
	assert.Equal(t, 1, h.anomaly.loginScoreCalls())
}

func TestLogin_UnknownEmailMatchesWrongPassword(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	var trackerFailed bool
	h.tracker.failFn = func(context.Context, string) (app.FailedLoginState, error) {
		trackerFailed = true
		return app.FailedLoginState{Count: 1}, nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "nobody@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	// Same sentinel as a wrong password: the response cannot disclose
	// whether the address exists.
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.True(t, trackerFailed)

	failures := h.audit.byType(audit.EventSecurityFailedLogin)
	require.Len(t, failures, 1)
	assert.Empty(t, failures[0].UserID)
}

func TestLogin_BlockedKey(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.tracker.checkFn = func(context.Context, string) (app.FailedLoginState, error) {
		return app.FailedLoginState{Count: 5, Blocked: true, RetryAfter: 17 * time.Minute}, nil
	}
	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		t.Fatal("blocked request must not reach the credential check")
		return nil, nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.ErrorIs(t, err, domain.ErrLoginBlocked)
	assert.Equal(t, 17*60, domain.RetryAfterSeconds(err))
	require.Len(t, h.audit.byType(audit.EventSecurityRateLimitExceeded), 1)
}

func TestLogin_ProgressiveDelay(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.tracker.checkFn = func(context.Context, string) (app.FailedLoginState, error) {
		return app.FailedLoginState{Count: 3}, nil
	}
	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return verifiedUser(t), nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})
	require.NoError(t, err)

	require.Equal(t, []time.Duration{domain.ProgressiveDelay(3)}, h.recordedDelays())
}

func TestLogin_LockedAccount(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	user := verifiedUser(t)
	user.AccountLockedUntil = testStart.Add(10 * time.Minute)
	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.ErrorIs(t, err, domain.ErrAccountLocked)

	h.svc.Wait()
	assert.Equal(t, []string{"shopper@example.com"}, h.email.sent(&h.email.locked))
}

func TestLogin_FifthFailureLocksAccount(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	user := verifiedUser(t)

	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	h.users.recordFailureFn = func(context.Context, string, app.LoginAttempt) (int, error) {
		return domain.MaxFailedLogins, nil
	}

	var lockedUntil time.Time
	h.users.lockUntilFn = func(_ context.Context, userID string, until time.Time) error {
		assert.Equal(t, user.ID, userID)
		lockedUntil = until
		return nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: "not-the-password-1A!",
		Device:   testDevice(),
	})

	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Equal(t, testStart.Add(domain.LoginBlockDuration), lockedUntil)

	locks := h.audit.byType(audit.EventUserAccountLocked)
	require.Len(t, locks, 1)
	assert.Equal(t, 70, locks[0].RiskScore)

	h.svc.Wait()
	assert.Equal(t, []string{"shopper@example.com"}, h.email.sent(&h.email.locked))
}

func TestLogin_UnverifiedEmail(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	user := verifiedUser(t)
	user.IsEmailVerified = false
	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	h.sessions.createFn = func(context.Context, app.SessionRecord) error {
		t.Fatal("unverified login must not create a session")
		return nil
	}

	res, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.NoError(t, err)
	assert.Equal(t, app.LoginEmailUnverified, res.Status)
	assert.Nil(t, res.Tokens)

	logins := h.audit.byType(audit.EventAuthLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, audit.ResultPartial, logins[0].Result)
}

func TestLogin_TwoFactorHandoff(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	user := verifiedUser(t)
	user.TwoFactorEnabled = true
	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}

	var stored *app.UserRecord
	h.users.updateFn = func(_ context.Context, u *app.UserRecord) error {
		stored = u
		return nil
	}

	res, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.NoError(t, err)
	assert.Equal(t, app.LoginTwoFactorRequired, res.Status)
	assert.Nil(t, res.Tokens)
	require.True(t, token.IsOpaqueTokenShape(res.TempToken))

	require.NotNil(t, stored)
	assert.Equal(t, token.HashToken(res.TempToken), stored.TempTokenHash)
	assert.Equal(t, testStart.Add(domain.TempTokenLifetime), stored.TempTokenExpiresAt)
}

func TestLogin_SessionCapEvictsOldest(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
		return verifiedUser(t), nil
	}

	active := make([]app.SessionRecord, domain.MaxActiveSessionsPerUser)
	for i := range active {
		active[i] = app.SessionRecord{
			ID:        string(rune('a' + i)),
			CreatedAt: testStart.Add(time.Duration(i) * time.Hour),
		}
	}
	h.sessions.listActiveFn = func(context.Context, string) ([]app.SessionRecord, error) {
		return active, nil
	}

	var revoked []string
	h.sessions.revokeFn = func(_ context.Context, id, reason string) error {
		assert.Equal(t, "session_limit", reason)
		revoked = append(revoked, id)
		return nil
	}

	_, err := h.svc.Login(ctx, app.LoginParams{
		Email:    "shopper@example.com",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, revoked, "only the oldest session should make room")
}

func TestLogin_NewDeviceAlert(t *testing.T) {
	t.Run("unseen device is registered and alerted", func(t *testing.T) {
		h := newTestHarness(t)

		h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
			return verifiedUser(t), nil
		}
		var added app.TrustedDevice
		h.users.addTrustedFn = func(_ context.Context, _ string, d app.TrustedDevice) error {
			added = d
			return nil
		}

		_, err := h.svc.Login(context.Background(), app.LoginParams{
			Email:    "shopper@example.com",
			Password: testPassword,
			Device:   testDevice(),
		})
		require.NoError(t, err)

		h.svc.Wait()
		assert.Equal(t, "dev-abc123", added.DeviceID)
		assert.Equal(t, []string{"shopper@example.com"}, h.email.sent(&h.email.newDevice))
	})

	t.Run("known device stays quiet", func(t *testing.T) {
		h := newTestHarness(t)

		user := verifiedUser(t)
		user.TrustedDevices = []app.TrustedDevice{{DeviceID: "dev-abc123"}}
		h.users.findByEmailFn = func(context.Context, string) (*app.UserRecord, error) {
			return user, nil
		}
		h.users.addTrustedFn = func(context.Context, string, app.TrustedDevice) error {
			t.Fatal("known device must not be re-registered")
			return nil
		}

		_, err := h.svc.Login(context.Background(), app.LoginParams{
			Email:    "shopper@example.com",
			Password: testPassword,
			Device:   testDevice(),
		})
		require.NoError(t, err)

		h.svc.Wait()
		assert.Empty(t, h.email.sent(&h.email.newDevice))
	})
}

func TestLogin_MalformedEmail(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.svc.Login(context.Background(), app.LoginParams{
		Email:    "not-an-email",
		Password: testPassword,
		Device:   testDevice(),
	})

	require.ErrorIs(t, err, domain.ErrValidation)
}
