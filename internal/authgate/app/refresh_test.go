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

// mintedSession returns a live refresh token plus the session row an adapter
// would hold for it.
func mintedSession(t *testing.T, h *testHarness, user *app.UserRecord) (string, *app.SessionRecord) {
	t.Helper()

	family := domain.NewFamilyID()
	refresh, err := h.minter.MintRefresh(token.RefreshParams{
		UserID:       user.ID,
		TokenVersion: user.TokenVersion,
		Family:       family,
	})
	require.NoError(t, err)

	return refresh.Token, &app.SessionRecord{
		ID:         "sess-original",
		UserID:     user.ID,
		TokenHash:  token.HashToken(refresh.Token),
		Family:     family,
		CreatedAt:  testStart,
		LastUsedAt: testStart,
		ExpiresAt:  refresh.ExpiresAt,
	}
}

func TestRefresh_Rotation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	user := verifiedUser(t)
	raw, session := mintedSession(t, h, user)

	h.users.getByIDFn = func(_ context.Context, id string) (*app.UserRecord, error) {
		assert.Equal(t, user.ID, id)
		return user, nil
	}
	h.sessions.findByTokenHashFn = func(_ context.Context, hash string) (*app.SessionRecord, error) {
		assert.Equal(t, session.TokenHash, hash)
		return session, nil
	}

	var revokedID, revokedReason string
	h.sessions.revokeFn = func(_ context.Context, id, reason string) error {
		revokedID, revokedReason = id, reason
		return nil
	}
	var created app.SessionRecord
	h.sessions.createFn = func(_ context.Context, rec app.SessionRecord) error {
		created = rec
		return nil
	}

	pair, err := h.svc.Refresh(ctx, raw, testDevice())

	require.NoError(t, err)
	require.NotNil(t, pair)

	// Revoke-then-issue, with the replacement in a brand-new family.
	assert.Equal(t, "sess-original", revokedID)
	assert.Equal(t, "rotated", revokedReason)
	assert.Equal(t, token.HashToken(pair.RefreshToken), created.TokenHash)
	assert.NotEqual(t, session.Family, created.Family)
	assert.NotEqual(t, raw, pair.RefreshToken)

	refreshes := h.audit.byType(audit.EventAuthLogin)
	require.Len(t, refreshes, 1)
	assert.Equal(t, "refresh", refreshes[0].Action)
	assert.Equal(t, "session", refreshes[0].Resource)
}

func TestRefresh_ReuseBurnsFamily(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	user := verifiedUser(t)
	raw, session := mintedSession(t, h, user)
	session.Revoked = true
	session.RevokedAt = testStart.Add(-time.Hour)
	session.RevokedReason = "rotated"

	h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
		return session, nil
	}

	var burnedFamily, burnedReason string
	h.sessions.revokeFamilyFn = func(_ context.Context, family, reason string) (int64, error) {
		burnedFamily, burnedReason = family, reason
		return 3, nil
	}
	h.sessions.createFn = func(context.Context, app.SessionRecord) error {
		t.Fatal("reuse must not issue tokens")
		return nil
	}

	_, err := h.svc.Refresh(ctx, raw, testDevice())

	require.ErrorIs(t, err, domain.ErrRefreshReuse)
	assert.Equal(t, session.Family, burnedFamily)
	assert.Equal(t, "token_reuse", burnedReason)

	alerts := h.audit.byType(audit.EventSecuritySuspiciousActivity)
	require.Len(t, alerts, 1)
	assert.Equal(t, 80, alerts[0].RiskScore)
	require.NotNil(t, alerts[0].Changes)
	assert.Equal(t, int64(3), alerts[0].Changes.After["sessionsRevoked"])
}

func TestRefresh_RevokedAndExpired(t *testing.T) {
	h := newTestHarness(t)

	user := verifiedUser(t)
	raw, session := mintedSession(t, h, user)
	session.Revoked = true
	session.ExpiresAt = testStart.Add(-time.Minute)

	h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
		return session, nil
	}
	h.sessions.revokeFamilyFn = func(context.Context, string, string) (int64, error) {
		t.Fatal("an expired token is stale, not stolen")
		return 0, nil
	}

	_, err := h.svc.Refresh(context.Background(), raw, testDevice())
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestRefresh_ExpiredSessionRow(t *testing.T) {
	h := newTestHarness(t)

	user := verifiedUser(t)
	raw, session := mintedSession(t, h, user)
	// The JWT is still inside its lifetime but the row was shortened, e.g.
	// by an operator.
	session.ExpiresAt = testStart

	h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
		return session, nil
	}

	_, err := h.svc.Refresh(context.Background(), raw, testDevice())
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestRefresh_TokenVersionMismatch(t *testing.T) {
	h := newTestHarness(t)

	user := verifiedUser(t)
	raw, _ := mintedSession(t, h, user)
	user.TokenVersion++ // password reset bumped it after minting

	h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
		t.Fatal("version check must run before the session lookup")
		return nil, nil
	}

	_, err := h.svc.Refresh(context.Background(), raw, testDevice())
	require.ErrorIs(t, err, domain.ErrTokenVersionMismatch)
}

func TestRefresh_UnknownSession(t *testing.T) {
	h := newTestHarness(t)

	user := verifiedUser(t)
	raw, _ := mintedSession(t, h, user)

	h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
		return user, nil
	}
	// Default stub returns ErrNotFound for FindByTokenHash.

	_, err := h.svc.Refresh(context.Background(), raw, testDevice())
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestRefresh_UnknownUser(t *testing.T) {
	h := newTestHarness(t)

	raw, _ := mintedSession(t, h, verifiedUser(t))
	// Default stub returns ErrNotFound for GetByID.

	_, err := h.svc.Refresh(context.Background(), raw, testDevice())
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestRefresh_ConcurrentRotation(t *testing.T) {
	t.Run("loser of the revoke race", func(t *testing.T) {
		h := newTestHarness(t)
		user := verifiedUser(t)
		raw, session := mintedSession(t, h, user)

		h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
			return user, nil
		}
		h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
			return session, nil
		}
		// The winner already revoked the row.
		h.sessions.revokeFn = func(context.Context, string, string) error {
			return domain.ErrNotFound
		}

		_, err := h.svc.Refresh(context.Background(), raw, testDevice())
		require.ErrorIs(t, err, domain.ErrRefreshInProgress)
	})

	t.Run("duplicate insert backstop", func(t *testing.T) {
		h := newTestHarness(t)
		user := verifiedUser(t)
		raw, session := mintedSession(t, h, user)

		h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
			return user, nil
		}
		h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
			return session, nil
		}
		h.sessions.createFn = func(context.Context, app.SessionRecord) error {
			return domain.ErrAlreadyExists
		}

		_, err := h.svc.Refresh(context.Background(), raw, testDevice())
		require.ErrorIs(t, err, domain.ErrRefreshInProgress)
	})
}

func TestRefresh_RejectsNonRefreshTokens(t *testing.T) {
	h := newTestHarness(t)
	user := verifiedUser(t)

	access, err := h.minter.MintAccess(token.AccessParams{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
	})
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  string
	}{
		{"access token replayed as refresh", access.Token},
		{"garbage", "definitely.not.ajwt"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Refresh(context.Background(), tc.raw, testDevice())
			require.ErrorIs(t, err, domain.ErrInvalidToken)
		})
	}
}
