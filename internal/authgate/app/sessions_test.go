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

func TestMe(t *testing.T) {
	h := newTestHarness(t)

	h.users.getByIDFn = func(context.Context, string) (*app.UserRecord, error) {
		return verifiedUser(t), nil
	}

	view, err := h.svc.Me(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, testUserID, view.ID)
	assert.Equal(t, "shopper@example.com", view.Email)
	assert.True(t, view.IsEmailVerified)
}

func TestListSessions(t *testing.T) {
	h := newTestHarness(t)

	cookieToken := "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"

	rows := []app.SessionRecord{
		{
			ID:        "sess-old",
			UserID:    testUserID,
			TokenHash: token.HashToken("another-token"),
			Device:    app.DeviceInfo{DeviceName: "iPhone", IP: "198.51.100.4"},
			CreatedAt: testStart.Add(-48 * time.Hour),
		},
		{
			ID:        "sess-current",
			UserID:    testUserID,
			TokenHash: token.HashToken(cookieToken),
			Device:    app.DeviceInfo{DeviceName: "MacBook Pro", IP: "203.0.113.7"},
			CreatedAt: testStart.Add(-time.Hour),
		},
	}
	h.sessions.listActiveFn = func(_ context.Context, userID string) ([]app.SessionRecord, error) {
		assert.Equal(t, testUserID, userID)
		return rows, nil
	}

	views, err := h.svc.ListSessions(context.Background(), testUserID, cookieToken)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "sess-old", views[0].ID)
	assert.False(t, views[0].Current)
	assert.Equal(t, "sess-current", views[1].ID)
	assert.True(t, views[1].Current)
	assert.Equal(t, "MacBook Pro", views[1].DeviceName)
}

func TestListSessions_NoCookie(t *testing.T) {
	h := newTestHarness(t)

	h.sessions.listActiveFn = func(context.Context, string) ([]app.SessionRecord, error) {
		return []app.SessionRecord{{ID: "sess-1", UserID: testUserID}}, nil
	}

	views, err := h.svc.ListSessions(context.Background(), testUserID, "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].Current)
}

func TestRevokeSession(t *testing.T) {
	t.Run("owner revokes their session", func(t *testing.T) {
		h := newTestHarness(t)
		h.sessions.getByIDFn = func(context.Context, string) (*app.SessionRecord, error) {
			return &app.SessionRecord{ID: "sess-1", UserID: testUserID}, nil
		}
		var revokedReason string
		h.sessions.revokeFn = func(_ context.Context, id, reason string) error {
			assert.Equal(t, "sess-1", id)
			revokedReason = reason
			return nil
		}

		require.NoError(t, h.svc.RevokeSession(context.Background(), testUserID, "sess-1", testDevice()))
		assert.Equal(t, "user_revoked", revokedReason)
		require.Len(t, h.audit.byType(audit.EventAuthSessionRevoke), 1)
	})

	t.Run("foreign session reads as not found", func(t *testing.T) {
		h := newTestHarness(t)
		h.sessions.getByIDFn = func(context.Context, string) (*app.SessionRecord, error) {
			return &app.SessionRecord{ID: "sess-1", UserID: "64b2f0a1c9e77a0087654321"}, nil
		}
		h.sessions.revokeFn = func(context.Context, string, string) error {
			t.Fatal("foreign sessions must not be revoked")
			return nil
		}

		err := h.svc.RevokeSession(context.Background(), testUserID, "sess-1", testDevice())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("already revoked is a no-op", func(t *testing.T) {
		h := newTestHarness(t)
		h.sessions.getByIDFn = func(context.Context, string) (*app.SessionRecord, error) {
			return &app.SessionRecord{ID: "sess-1", UserID: testUserID, Revoked: true}, nil
		}

		require.NoError(t, h.svc.RevokeSession(context.Background(), testUserID, "sess-1", testDevice()))
		assert.Empty(t, h.audit.byType(audit.EventAuthSessionRevoke))
	})

	t.Run("unknown session", func(t *testing.T) {
		h := newTestHarness(t)

		err := h.svc.RevokeSession(context.Background(), testUserID, "sess-missing", testDevice())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestLogout(t *testing.T) {
	t.Run("revokes the cookie session", func(t *testing.T) {
		h := newTestHarness(t)
		raw, session := mintedSession(t, h, verifiedUser(t))

		h.sessions.findByTokenHashFn = func(_ context.Context, hash string) (*app.SessionRecord, error) {
			assert.Equal(t, session.TokenHash, hash)
			return session, nil
		}
		var revokedReason string
		h.sessions.revokeFn = func(_ context.Context, id, reason string) error {
			assert.Equal(t, session.ID, id)
			revokedReason = reason
			return nil
		}

		require.NoError(t, h.svc.Logout(context.Background(), testUserID, raw, testDevice()))
		assert.Equal(t, "logout", revokedReason)
		require.Len(t, h.audit.byType(audit.EventAuthLogout), 1)
	})

	t.Run("unknown cookie still logs out", func(t *testing.T) {
		h := newTestHarness(t)
		// Default stub: FindByTokenHash returns ErrNotFound.

		require.NoError(t, h.svc.Logout(context.Background(), testUserID, "stale-token", testDevice()))
		require.Len(t, h.audit.byType(audit.EventAuthLogout), 1)
	})

	t.Run("missing cookie still logs out", func(t *testing.T) {
		h := newTestHarness(t)
		h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
			t.Fatal("empty cookie must not hit storage")
			return nil, nil
		}

		require.NoError(t, h.svc.Logout(context.Background(), testUserID, "", testDevice()))
	})

	t.Run("foreign cookie is left alone", func(t *testing.T) {
		h := newTestHarness(t)
		h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
			return &app.SessionRecord{ID: "sess-x", UserID: "64b2f0a1c9e77a0087654321"}, nil
		}
		h.sessions.revokeFn = func(context.Context, string, string) error {
			t.Fatal("foreign session must not be revoked on logout")
			return nil
		}

		require.NoError(t, h.svc.Logout(context.Background(), testUserID, "someone-elses-token", testDevice()))
	})

	t.Run("already revoked session stays idempotent", func(t *testing.T) {
		h := newTestHarness(t)
		h.sessions.findByTokenHashFn = func(context.Context, string) (*app.SessionRecord, error) {
			return &app.SessionRecord{ID: "sess-1", UserID: testUserID, Revoked: true}, nil
		}
		h.sessions.revokeFn = func(context.Context, string, string) error {
			return domain.ErrNotFound
		}

		require.NoError(t, h.svc.Logout(context.Background(), testUserID, "twice-presented", testDevice()))
	})
}

func TestLogoutAll(t *testing.T) {
	h := newTestHarness(t)

	h.sessions.revokeAllFn = func(_ context.Context, userID, reason string) (int64, error) {
		assert.Equal(t, testUserID, userID)
		assert.Equal(t, "logout_all", reason)
		return 4, nil
	}

	n, err := h.svc.LogoutAll(context.Background(), testUserID, testDevice())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	events := h.audit.byType(audit.EventAuthLogout)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Changes)
	assert.Equal(t, int64(4), events[0].Changes.After["sessionsRevoked"])
}
