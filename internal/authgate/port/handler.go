package port

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/token"
)

// authService is a narrow, consumer-defined interface for the service
// operations the HTTP handlers require. The *app.Service satisfies this.
type authService interface {
	AuthenticateAccess(ctx context.Context, rawToken, requestFingerprint, legacyFingerprint string) (*app.Principal, error)

	Register(ctx context.Context, p app.RegisterParams) (*app.UserView, error)
	VerifyEmail(ctx context.Context, rawToken string, device app.DeviceInfo) error
	ResendVerification(ctx context.Context, rawEmail string) error

	Login(ctx context.Context, p app.LoginParams) (*app.LoginResult, error)
	LoginTwoFactor(ctx context.Context, p app.TwoFactorLoginParams) (*app.LoginResult, error)
	Refresh(ctx context.Context, rawToken string, device app.DeviceInfo) (*app.TokenPair, error)
	Logout(ctx context.Context, userID, rawRefreshToken string, device app.DeviceInfo) error
	LogoutAll(ctx context.Context, userID string, device app.DeviceInfo) (int64, error)

	RequestPasswordReset(ctx context.Context, rawEmail string, device app.DeviceInfo) error
	ValidateResetToken(ctx context.Context, rawToken string) (bool, error)
	ResetPassword(ctx context.Context, rawToken, newPassword string, device app.DeviceInfo) error
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, device app.DeviceInfo) error

	Me(ctx context.Context, userID string) (*app.UserView, error)
	ListSessions(ctx context.Context, userID, currentRefreshToken string) ([]app.SessionView, error)
	RevokeSession(ctx context.Context, userID, sessionID string, device app.DeviceInfo) error

	TwoFactorEnable(ctx context.Context, userID string, device app.DeviceInfo) (*app.TwoFactorSetup, error)
	TwoFactorVerifySetup(ctx context.Context, userID, code string, device app.DeviceInfo) error
	TwoFactorDisable(ctx context.Context, userID, password, code string, device app.DeviceInfo) error
	RegenerateBackupCodes(ctx context.Context, userID, code string, device app.DeviceInfo) ([]string, error)

	CreatePaymentIntent(ctx context.Context, p app.CreateIntentParams) (*app.IntentResult, error)
	HandlePaymentWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

// Handler owns the HTTP handlers and the bearer middleware.
type Handler struct {
	svc        authService
	logger     *slog.Logger
	production bool
}

// NewHandler wires the handlers to the auth service. production hardens
// cookie flags; fingerprint strictness is the service's own setting.
func NewHandler(svc *app.Service, logger *slog.Logger, production bool) *Handler {
	return &Handler{svc: svc, logger: logger, production: production}
}

// requireAuth extracts and verifies the bearer token, then attaches the
// Principal for downstream handlers. Both fingerprint forms are computed
// here so the service can apply the grace policy.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c)
		if raw == "" {
			fail(c, domain.ErrInvalidToken)
			return
		}
		ip := c.ClientIP()
		principal, err := h.svc.AuthenticateAccess(
			c.Request.Context(),
			raw,
			token.FingerprintFromRequest(c.Request, ip),
			token.LegacyFingerprint(c.Request.UserAgent(), ip),
		)
		if err != nil {
			fail(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// ---------------------------------------------------------------------------
// Response shapes
// ---------------------------------------------------------------------------

type userResponse struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name,omitempty"`
	Role               string     `json:"role"`
	Provider           string     `json:"provider"`
	IsEmailVerified    bool       `json:"isEmailVerified"`
	TwoFactorEnabled   bool       `json:"twoFactorEnabled"`
	LastPasswordChange *time.Time `json:"lastPasswordChange,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func userResponseOf(v *app.UserView) userResponse {
	r := userResponse{
		ID:               v.ID,
		Email:            v.Email,
		Name:             v.Name,
		Role:             string(v.Role),
		Provider:         string(v.Provider),
		IsEmailVerified:  v.IsEmailVerified,
		TwoFactorEnabled: v.TwoFactorEnabled,
		CreatedAt:        v.CreatedAt,
	}
	if !v.LastPasswordChange.IsZero() {
		t := v.LastPasswordChange
		r.LastPasswordChange = &t
	}
	return r
}

// tokenResponse is the access-side token payload. User is present on login
// responses and omitted on refresh, which does not reload the account.
type tokenResponse struct {
	User            *userResponse `json:"user,omitempty"`
	AccessToken     string        `json:"accessToken"`
	AccessExpiresAt time.Time     `json:"accessExpiresAt"`
	SessionID       string        `json:"sessionId"`
}

// issueTokens writes the refresh cookie and returns the access-side payload.
// The refresh token travels only in the cookie.
func (h *Handler) issueTokens(c *gin.Context, user *app.UserView, pair *app.TokenPair) tokenResponse {
	setRefreshCookie(c, pair.RefreshToken, h.production)
	u := userResponseOf(user)
	return tokenResponse{
		User:            &u,
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		SessionID:       pair.SessionID,
	}
}

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// extractBearerToken pulls the token out of the Authorization header,
// tolerating a missing scheme prefix.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	if tok := strings.TrimPrefix(header, "Bearer "); tok != header {
		return strings.TrimSpace(tok)
	}
	return strings.TrimSpace(header)
}
