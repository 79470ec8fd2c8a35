package port

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

// ---------------------------------------------------------------------------
// Registration and verification
// ---------------------------------------------------------------------------

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	user, err := h.svc.Register(c.Request.Context(), app.RegisterParams{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Device:   deviceInfo(c, "", ""),
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"user": userResponseOf(user)})
}

type verifyEmailRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handler) verifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if err := h.svc.VerifyEmail(c.Request.Context(), req.Token, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "email verified")
}

type emailRequest struct {
	Email string `json:"email" binding:"required"`
}

func (h *Handler) resendVerification(c *gin.Context) {
	var req emailRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if err := h.svc.ResendVerification(c.Request.Context(), req.Email); err != nil {
		fail(c, err)
		return
	}
	// Same response whether or not the address exists.
	respondMessage(c, http.StatusOK, "if the address needs verification, a new link has been sent")
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

type loginRequest struct {
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if err := domain.ValidateDeviceID(req.DeviceID); err != nil {
		fail(c, err)
		return
	}
	res, err := h.svc.Login(c.Request.Context(), app.LoginParams{
		Email:    req.Email,
		Password: req.Password,
		Device:   deviceInfo(c, req.DeviceID, req.DeviceName),
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.respondLogin(c, res)
}

type twoFactorLoginRequest struct {
	TempToken  string `json:"tempToken" binding:"required"`
	Code       string `json:"code" binding:"required"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (h *Handler) loginTwoFactor(c *gin.Context) {
	var req twoFactorLoginRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if err := domain.ValidateDeviceID(req.DeviceID); err != nil {
		fail(c, err)
		return
	}
	res, err := h.svc.LoginTwoFactor(c.Request.Context(), app.TwoFactorLoginParams{
		TempToken: req.TempToken,
		Code:      req.Code,
		Device:    deviceInfo(c, req.DeviceID, req.DeviceName),
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.respondLogin(c, res)
}

// respondLogin maps the three-way login outcome: tokens, a two-factor
// handoff, or the verification-required rejection.
func (h *Handler) respondLogin(c *gin.Context, res *app.LoginResult) {
	switch res.Status {
	case app.LoginOK:
		respond(c, http.StatusOK, h.issueTokens(c, res.User, res.Tokens))
	case app.LoginTwoFactorRequired:
		respond(c, http.StatusOK, gin.H{
			"requiresTwoFactor": true,
			"tempToken":         res.TempToken,
		})
	case app.LoginEmailUnverified:
		failWithData(c, domain.ErrEmailNotVerified, gin.H{
			"requiresEmailVerification": true,
			"email":                     res.User.Email,
		})
	default:
		failStatus(c, http.StatusInternalServerError, "internal error")
	}
}

// ---------------------------------------------------------------------------
// Session lifetime
// ---------------------------------------------------------------------------

func (h *Handler) refresh(c *gin.Context) {
	raw := refreshTokenFromCookie(c)
	if raw == "" {
		fail(c, domain.ErrSessionInvalid)
		return
	}
	pair, err := h.svc.Refresh(c.Request.Context(), raw, deviceInfo(c, "", ""))
	if err != nil {
		// A rejected token never becomes valid again; stop the client
		// from replaying it.
		if domain.IsAuthError(err) {
			clearRefreshCookie(c, h.production)
		}
		fail(c, err)
		return
	}
	setRefreshCookie(c, pair.RefreshToken, h.production)
	respond(c, http.StatusOK, tokenResponse{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		SessionID:       pair.SessionID,
	})
}

type logoutRequest struct {
	AllDevices bool `json:"allDevices"`
}

// logout revokes the presented session, or every session for the account
// when the optional body carries allDevices. The body may be absent.
func (h *Handler) logout(c *gin.Context) {
	principal := principalFrom(c)

	var req logoutRequest
	body, err := peekBody(c)
	if err != nil {
		fail(c, err)
		return
	}
	if len(body) > 0 {
		if err := bindJSON(c, &req); err != nil {
			fail(c, err)
			return
		}
	}

	if req.AllDevices {
		revoked, err := h.svc.LogoutAll(c.Request.Context(), principal.UserID, deviceInfo(c, "", ""))
		if err != nil {
			fail(c, err)
			return
		}
		clearRefreshCookie(c, h.production)
		respond(c, http.StatusOK, gin.H{"revokedSessions": revoked})
		return
	}

	raw := refreshTokenFromCookie(c)
	if err := h.svc.Logout(c.Request.Context(), principal.UserID, raw, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	clearRefreshCookie(c, h.production)
	respondMessage(c, http.StatusOK, "logged out")
}

// ---------------------------------------------------------------------------
// Password lifecycle
// ---------------------------------------------------------------------------

func (h *Handler) forgotPassword(c *gin.Context) {
	var req emailRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if err := h.svc.RequestPasswordReset(c.Request.Context(), req.Email, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	// Same response whether or not the address exists.
	respondMessage(c, http.StatusOK, "if the address is registered, a reset link has been sent")
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h *Handler) validateResetToken(c *gin.Context) {
	var req tokenRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	valid, err := h.svc.ValidateResetToken(c.Request.Context(), req.Token)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"valid": valid})
}

type resetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

func (h *Handler) resetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if err := h.svc.ResetPassword(c.Request.Context(), req.Token, req.NewPassword, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "password has been reset")
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

func (h *Handler) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	principal := principalFrom(c)
	if err := h.svc.ChangePassword(c.Request.Context(), principal.UserID, req.CurrentPassword, req.NewPassword, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	// The password change bumped the token version; the session cookie is
	// dead weight from here.
	clearRefreshCookie(c, h.production)
	respondMessage(c, http.StatusOK, "password changed; please log in again")
}

// ---------------------------------------------------------------------------
// Profile
// ---------------------------------------------------------------------------

func (h *Handler) me(c *gin.Context) {
	principal := principalFrom(c)
	user, err := h.svc.Me(c.Request.Context(), principal.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": userResponseOf(user)})
}
