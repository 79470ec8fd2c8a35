package port

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

// ---------------------------------------------------------------------------
// Tests — register
// ---------------------------------------------------------------------------

func TestHandler_Register(t *testing.T) {
	t.Run("success - creates account and returns 201", func(t *testing.T) {
		stub := &stubAuthService{
			registerFn: func(_ context.Context, p app.RegisterParams) (*app.UserView, error) {
				assert.Equal(t, "shopper@example.com", p.Email)
				assert.Equal(t, "correct horse battery staple", p.Password)
				assert.Equal(t, "Shopper", p.Name)
				assert.Equal(t, "192.0.2.1", p.Device.IP)
				assert.Len(t, p.Device.Fingerprint, 64)
				v := testUserView()
				v.IsEmailVerified = false
				return v, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/register",
			`{"email":"shopper@example.com","password":"correct horse battery staple","name":"Shopper"}`))
		h.register(c)

		assert.Equal(t, http.StatusCreated, w.Code)
		data := dataOf(t, w)
		user, ok := data["user"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "shopper@example.com", user["email"])
		assert.Equal(t, false, user["isEmailVerified"])
	})

	t.Run("duplicate address - 409 with the generic conflict message", func(t *testing.T) {
		stub := &stubAuthService{
			registerFn: func(_ context.Context, _ app.RegisterParams) (*app.UserView, error) {
				return nil, domain.ErrAlreadyExists
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/register",
			`{"email":"shopper@example.com","password":"correct horse battery staple"}`))
		h.register(c)

		assert.Equal(t, http.StatusConflict, w.Code)
		env := decodeEnvelope(t, w)
		assert.Equal(t, "error", env.Status)
		// The message names no account; existence stays undisclosed in detail.
		assert.Equal(t, "resource already exists", env.Message)
	})

	t.Run("weak password - 400", func(t *testing.T) {
		stub := &stubAuthService{
			registerFn: func(_ context.Context, _ app.RegisterParams) (*app.UserView, error) {
				return nil, domain.ErrWeakPassword
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/register",
			`{"email":"shopper@example.com","password":"short"}`))
		h.register(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields - 400 before the service is called", func(t *testing.T) {
		h := newTestHandler(&stubAuthService{})

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/register",
			`{"email":"shopper@example.com"}`))
		h.register(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		env := decodeEnvelope(t, w)
		assert.Equal(t, domain.ErrValidation.Error(), env.Message)
	})
}

// ---------------------------------------------------------------------------
// Tests — email verification
// ---------------------------------------------------------------------------

func TestHandler_VerifyEmail(t *testing.T) {
	t.Run("success - confirms the address", func(t *testing.T) {
		stub := &stubAuthService{
			verifyEmailFn: func(_ context.Context, rawToken string, _ app.DeviceInfo) error {
				assert.Equal(t, "raw-verify-token", rawToken)
				return nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/verify-email",
			`{"token":"raw-verify-token"}`))
		h.verifyEmail(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "email verified", decodeEnvelope(t, w).Message)
	})

	t.Run("expired token - 401", func(t *testing.T) {
		stub := &stubAuthService{
			verifyEmailFn: func(_ context.Context, _ string, _ app.DeviceInfo) error {
				return domain.ErrInvalidToken
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/verify-email",
			`{"token":"expired"}`))
		h.verifyEmail(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandler_ResendVerification(t *testing.T) {
	t.Run("always answers with the same message", func(t *testing.T) {
		stub := &stubAuthService{
			resendVerificationFn: func(_ context.Context, rawEmail string) error {
				assert.Equal(t, "nobody@example.com", rawEmail)
				return nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/resend-verification",
			`{"email":"nobody@example.com"}`))
		h.resendVerification(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "if the address needs verification, a new link has been sent",
			decodeEnvelope(t, w).Message)
	})
}

// ---------------------------------------------------------------------------
// Tests — login
// ---------------------------------------------------------------------------

func TestHandler_Login(t *testing.T) {
	t.Run("success - returns tokens and sets the refresh cookie", func(t *testing.T) {
		stub := &stubAuthService{
			loginFn: func(_ context.Context, p app.LoginParams) (*app.LoginResult, error) {
				assert.Equal(t, "shopper@example.com", p.Email)
				assert.Equal(t, "hunter2hunter2", p.Password)
				assert.Equal(t, "device-1", p.Device.DeviceID)
				assert.Equal(t, "Laptop", p.Device.DeviceName)
				return &app.LoginResult{
					Status: app.LoginOK,
					User:   testUserView(),
					Tokens: testTokenPair(),
				}, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login",
			`{"email":"shopper@example.com","password":"hunter2hunter2","deviceId":"device-1","deviceName":"Laptop"}`))
		h.login(c)

		assert.Equal(t, http.StatusOK, w.Code)
		data := dataOf(t, w)
		assert.Equal(t, "access-jwt", data["accessToken"])
		assert.Equal(t, "7f0c2aa1-54d9-4be1-9d51-0a40c5c3f3b7", data["sessionId"])
		user, ok := data["user"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "shopper@example.com", user["email"])
		// The refresh token travels only in the cookie.
		assert.NotContains(t, w.Body.String(), "refresh-jwt")

		ck := refreshCookieOf(w)
		require.NotNil(t, ck)
		assert.Equal(t, "refresh-jwt", ck.Value)
		assert.Equal(t, refreshCookiePath, ck.Path)
		assert.True(t, ck.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, ck.SameSite)
		assert.Equal(t, int(domain.RefreshTokenLifetime/time.Second), ck.MaxAge)
	})

	t.Run("two-factor pending - hands off with a temp token and no cookie", func(t *testing.T) {
		stub := &stubAuthService{
			loginFn: func(_ context.Context, _ app.LoginParams) (*app.LoginResult, error) {
				return &app.LoginResult{
					Status:    app.LoginTwoFactorRequired,
					TempToken: "temp-handoff",
				}, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login",
			`{"email":"shopper@example.com","password":"hunter2hunter2"}`))
		h.login(c)

		assert.Equal(t, http.StatusOK, w.Code)
		data := dataOf(t, w)
		assert.Equal(t, true, data["requiresTwoFactor"])
		assert.Equal(t, "temp-handoff", data["tempToken"])
		assert.Nil(t, refreshCookieOf(w))
	})

	t.Run("unverified address - 403 naming the address to re-verify", func(t *testing.T) {
		stub := &stubAuthService{
			loginFn: func(_ context.Context, _ app.LoginParams) (*app.LoginResult, error) {
				return &app.LoginResult{
					Status: app.LoginEmailUnverified,
					User:   testUserView(),
				}, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login",
			`{"email":"shopper@example.com","password":"hunter2hunter2"}`))
		h.login(c)

		assert.Equal(t, http.StatusForbidden, w.Code)
		env := decodeEnvelope(t, w)
		assert.Equal(t, "error", env.Status)
		assert.Equal(t, domain.ErrEmailNotVerified.Error(), env.Message)
		data, ok := env.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, data["requiresEmailVerification"])
		assert.Equal(t, "shopper@example.com", data["email"])
		assert.Nil(t, refreshCookieOf(w))
	})

	t.Run("wrong credentials - 401 with the shared message", func(t *testing.T) {
		stub := &stubAuthService{
			loginFn: func(_ context.Context, _ app.LoginParams) (*app.LoginResult, error) {
				return nil, domain.ErrInvalidCredentials
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login",
			`{"email":"shopper@example.com","password":"wrong-wrong-wrong"}`))
		h.login(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, domain.ErrInvalidCredentials.Error(), decodeEnvelope(t, w).Message)
	})

	t.Run("blocked key - 429 with retry-after surfaced twice", func(t *testing.T) {
		stub := &stubAuthService{
			loginFn: func(_ context.Context, _ app.LoginParams) (*app.LoginResult, error) {
				return nil, domain.NewRateLimitError(domain.ErrLoginBlocked, 90*time.Second)
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login",
			`{"email":"shopper@example.com","password":"hunter2hunter2"}`))
		h.login(c)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "90", w.Header().Get("Retry-After"))
		env := decodeEnvelope(t, w)
		assert.Equal(t, 90, env.RetryAfter)
		assert.Equal(t, domain.ErrLoginBlocked.Error(), env.Message)
	})

	t.Run("malformed device id - 400 before the service is called", func(t *testing.T) {
		h := newTestHandler(&stubAuthService{})

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login",
			`{"email":"shopper@example.com","password":"hunter2hunter2","deviceId":"no spaces allowed"}`))
		h.login(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_LoginTwoFactor(t *testing.T) {
	t.Run("success - completes the handoff with tokens", func(t *testing.T) {
		stub := &stubAuthService{
			loginTwoFactorFn: func(_ context.Context, p app.TwoFactorLoginParams) (*app.LoginResult, error) {
				assert.Equal(t, "temp-handoff", p.TempToken)
				assert.Equal(t, "123456", p.Code)
				return &app.LoginResult{
					Status: app.LoginOK,
					User:   testUserView(),
					Tokens: testTokenPair(),
				}, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login/2fa",
			`{"tempToken":"temp-handoff","code":"123456"}`))
		h.loginTwoFactor(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "access-jwt", dataOf(t, w)["accessToken"])
		require.NotNil(t, refreshCookieOf(w))
	})

	t.Run("wrong code - 401", func(t *testing.T) {
		stub := &stubAuthService{
			loginTwoFactorFn: func(_ context.Context, _ app.TwoFactorLoginParams) (*app.LoginResult, error) {
				return nil, domain.ErrInvalidTwoFactorCode
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/login/2fa",
			`{"tempToken":"temp-handoff","code":"000000"}`))
		h.loginTwoFactor(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Nil(t, refreshCookieOf(w))
	})
}

// ---------------------------------------------------------------------------
// Tests — refresh and logout
// ---------------------------------------------------------------------------

func TestHandler_Refresh(t *testing.T) {
	t.Run("success - rotates the cookie and omits the user", func(t *testing.T) {
		stub := &stubAuthService{
			refreshFn: func(_ context.Context, rawToken string, _ app.DeviceInfo) (*app.TokenPair, error) {
				assert.Equal(t, "old-refresh", rawToken)
				pair := testTokenPair()
				pair.RefreshToken = "rotated-refresh"
				return pair, nil
			},
		}
		h := newTestHandler(stub)

		req := jsonRequest(http.MethodPost, "/api/v1/auth/refresh", "")
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "old-refresh"})
		c, w := testContext(req)
		h.refresh(c)

		assert.Equal(t, http.StatusOK, w.Code)
		data := dataOf(t, w)
		assert.Equal(t, "access-jwt", data["accessToken"])
		assert.NotContains(t, w.Body.String(), `"user"`)

		ck := refreshCookieOf(w)
		require.NotNil(t, ck)
		assert.Equal(t, "rotated-refresh", ck.Value)
	})

	t.Run("missing cookie - 401 without calling the service", func(t *testing.T) {
		h := newTestHandler(&stubAuthService{})

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/refresh", ""))
		h.refresh(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, domain.ErrSessionInvalid.Error(), decodeEnvelope(t, w).Message)
	})

	t.Run("reuse detected - 401 and the cookie is cleared", func(t *testing.T) {
		stub := &stubAuthService{
			refreshFn: func(_ context.Context, _ string, _ app.DeviceInfo) (*app.TokenPair, error) {
				return nil, domain.ErrRefreshReuse
			},
		}
		h := newTestHandler(stub)

		req := jsonRequest(http.MethodPost, "/api/v1/auth/refresh", "")
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "replayed"})
		c, w := testContext(req)
		h.refresh(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		ck := refreshCookieOf(w)
		require.NotNil(t, ck, "a dead token must be evicted from the client")
		assert.Empty(t, ck.Value)
		assert.Negative(t, ck.MaxAge)
	})

	t.Run("concurrent refresh - 409 and the cookie survives", func(t *testing.T) {
		stub := &stubAuthService{
			refreshFn: func(_ context.Context, _ string, _ app.DeviceInfo) (*app.TokenPair, error) {
				return nil, domain.ErrRefreshInProgress
			},
		}
		h := newTestHandler(stub)

		req := jsonRequest(http.MethodPost, "/api/v1/auth/refresh", "")
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "racing"})
		c, w := testContext(req)
		h.refresh(c)

		assert.Equal(t, http.StatusConflict, w.Code)
		// The losing request may retry with the same cookie.
		assert.Nil(t, refreshCookieOf(w))
	})
}

func TestHandler_Logout(t *testing.T) {
	t.Run("success - revokes the session and clears the cookie", func(t *testing.T) {
		stub := &stubAuthService{
			logoutFn: func(_ context.Context, userID, rawRefreshToken string, _ app.DeviceInfo) error {
				assert.Equal(t, "user-1", userID)
				assert.Equal(t, "current-refresh", rawRefreshToken)
				return nil
			},
		}
		h := newTestHandler(stub)

		req := jsonRequest(http.MethodPost, "/api/v1/auth/logout", "")
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "current-refresh"})
		c, w := authedContext(req, "user-1")
		h.logout(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "logged out", decodeEnvelope(t, w).Message)
		ck := refreshCookieOf(w)
		require.NotNil(t, ck)
		assert.Empty(t, ck.Value)
		assert.Negative(t, ck.MaxAge)
	})

	t.Run("allDevices - revokes every session for the account", func(t *testing.T) {
		stub := &stubAuthService{
			logoutAllFn: func(_ context.Context, userID string, _ app.DeviceInfo) (int64, error) {
				assert.Equal(t, "user-1", userID)
				return 3, nil
			},
		}
		h := newTestHandler(stub)

		req := jsonRequest(http.MethodPost, "/api/v1/auth/logout", `{"allDevices":true}`)
		c, w := authedContext(req, "user-1")
		h.logout(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 3, dataOf(t, w)["revokedSessions"])
		ck := refreshCookieOf(w)
		require.NotNil(t, ck)
		assert.Negative(t, ck.MaxAge)
	})

	t.Run("allDevices false - falls through to single logout", func(t *testing.T) {
		stub := &stubAuthService{
			logoutFn: func(_ context.Context, _, rawRefreshToken string, _ app.DeviceInfo) error {
				assert.Equal(t, "current-refresh", rawRefreshToken)
				return nil
			},
		}
		h := newTestHandler(stub)

		req := jsonRequest(http.MethodPost, "/api/v1/auth/logout", `{"allDevices":false}`)
		req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "current-refresh"})
		c, w := authedContext(req, "user-1")
		h.logout(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "logged out", decodeEnvelope(t, w).Message)
	})
}

// ---------------------------------------------------------------------------
// Tests — password lifecycle
// ---------------------------------------------------------------------------

func TestHandler_ForgotPassword(t *testing.T) {
	t.Run("always answers with the same message", func(t *testing.T) {
		stub := &stubAuthService{
			requestPasswordResetFn: func(_ context.Context, rawEmail string, _ app.DeviceInfo) error {
				assert.Equal(t, "nobody@example.com", rawEmail)
				return nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/forgot-password",
			`{"email":"nobody@example.com"}`))
		h.forgotPassword(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "if the address is registered, a reset link has been sent",
			decodeEnvelope(t, w).Message)
	})

	t.Run("known and unknown addresses render identical bytes", func(t *testing.T) {
		h := newTestHandler(&stubAuthService{
			requestPasswordResetFn: func(context.Context, string, app.DeviceInfo) error {
				// The service succeeds silently either way.
				return nil
			},
		})

		responseFor := func(email string) (int, string) {
			c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/forgot-password",
				`{"email":"`+email+`"}`))
			h.forgotPassword(c)
			return w.Code, w.Body.String()
		}

		knownCode, knownBody := responseFor("shopper@example.com")
		unknownCode, unknownBody := responseFor("ghost@example.com")

		assert.Equal(t, knownCode, unknownCode)
		assert.Equal(t, knownBody, unknownBody)
	})
}

func TestHandler_ValidateResetToken(t *testing.T) {
	t.Run("usable token - valid true", func(t *testing.T) {
		stub := &stubAuthService{
			validateResetTokenFn: func(_ context.Context, rawToken string) (bool, error) {
				assert.Equal(t, "reset-token", rawToken)
				return true, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/validate-reset-token",
			`{"token":"reset-token"}`))
		h.validateResetToken(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, dataOf(t, w)["valid"])
	})

	t.Run("consumed token - valid false, still 200", func(t *testing.T) {
		stub := &stubAuthService{
			validateResetTokenFn: func(_ context.Context, _ string) (bool, error) {
				return false, nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/validate-reset-token",
			`{"token":"stale"}`))
		h.validateResetToken(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, dataOf(t, w)["valid"])
	})
}

func TestHandler_ResetPassword(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		stub := &stubAuthService{
			resetPasswordFn: func(_ context.Context, rawToken, newPassword string, _ app.DeviceInfo) error {
				assert.Equal(t, "reset-token", rawToken)
				assert.Equal(t, "brand new passphrase", newPassword)
				return nil
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/reset-password",
			`{"token":"reset-token","newPassword":"brand new passphrase"}`))
		h.resetPassword(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "password has been reset", decodeEnvelope(t, w).Message)
	})

	t.Run("reused password - 400", func(t *testing.T) {
		stub := &stubAuthService{
			resetPasswordFn: func(_ context.Context, _, _ string, _ app.DeviceInfo) error {
				return domain.ErrPasswordReused
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/reset-password",
			`{"token":"reset-token","newPassword":"an old favorite"}`))
		h.resetPassword(c)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid token - 401", func(t *testing.T) {
		stub := &stubAuthService{
			resetPasswordFn: func(_ context.Context, _, _ string, _ app.DeviceInfo) error {
				return domain.ErrInvalidToken
			},
		}
		h := newTestHandler(stub)

		c, w := testContext(jsonRequest(http.MethodPost, "/api/v1/auth/reset-password",
			`{"token":"forged","newPassword":"brand new passphrase"}`))
		h.resetPassword(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandler_ChangePassword(t *testing.T) {
	t.Run("success - clears the cookie so the client re-authenticates", func(t *testing.T) {
		stub := &stubAuthService{
			changePasswordFn: func(_ context.Context, userID, currentPassword, newPassword string, _ app.DeviceInfo) error {
				assert.Equal(t, "user-1", userID)
				assert.Equal(t, "old passphrase", currentPassword)
				assert.Equal(t, "new passphrase here", newPassword)
				return nil
			},
		}
		h := newTestHandler(stub)

		c, w := authedContext(jsonRequest(http.MethodPost, "/api/v1/auth/change-password",
			`{"currentPassword":"old passphrase","newPassword":"new passphrase here"}`), "user-1")
		h.changePassword(c)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "password changed; please log in again", decodeEnvelope(t, w).Message)
		ck := refreshCookieOf(w)
		require.NotNil(t, ck)
		assert.Negative(t, ck.MaxAge)
	})

	t.Run("wrong current password - 401 and the cookie survives", func(t *testing.T) {
		stub := &stubAuthService{
			changePasswordFn: func(_ context.Context, _, _, _ string, _ app.DeviceInfo) error {
				return domain.ErrInvalidCredentials
			},
		}
		h := newTestHandler(stub)

		c, w := authedContext(jsonRequest(http.MethodPost, "/api/v1/auth/change-password",
			`{"currentPassword":"wrong","newPassword":"new passphrase here"}`), "user-1")
		h.changePassword(c)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Nil(t, refreshCookieOf(w))
	})
}

// ---------------------------------------------------------------------------
// Tests — profile
// ---------------------------------------------------------------------------

func TestHandler_Me(t *testing.T) {
	t.Run("returns the authenticated account", func(t *testing.T) {
		stub := &stubAuthService{
			meFn: func(_ context.Context, userID string) (*app.UserView, error) {
				assert.Equal(t, "user-1", userID)
				return testUserView(), nil
			},
		}
		h := newTestHandler(stub)

		c, w := authedContext(jsonRequest(http.MethodGet, "/api/v1/auth/me", ""), "user-1")
		h.me(c)

		assert.Equal(t, http.StatusOK, w.Code)
		user, ok := dataOf(t, w)["user"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "665f1f77bcf86cd799439011", user["id"])
		assert.Equal(t, "shopper@example.com", user["email"])
	})
}
