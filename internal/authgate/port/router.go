package port

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apiv1 "github.com/velomart/commerce-security-core/api/v1"
	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

// RouterConfig carries everything the HTTP surface needs.
type RouterConfig struct {
	Service    *app.Service
	Limiter    app.RateLimiter
	Logger     *slog.Logger
	Origins    []string
	Production bool

	// General limiter knobs; come from RATE_LIMIT_* config.
	GeneralLimit  int
	GeneralWindow time.Duration

	// PollutionMode defaults to GuardBlock.
	PollutionMode GuardMode
}

// NewRouter assembles the Gin engine: the gate chain on every non-webhook
// API path, per-tier rate limits, and the route table. The webhook path
// carries only its body cap; its authenticity comes from the provider
// signature, not from origin checks.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.PollutionMode == "" {
		cfg.PollutionMode = GuardBlock
	}

	h := NewHandler(cfg.Service, cfg.Logger, cfg.Production)

	r := gin.New()
	r.Use(
		recoverPanic(cfg.Logger),
		traceRequests(),
		generalRateLimit(cfg.Limiter, cfg.Logger, cfg.GeneralLimit, cfg.GeneralWindow),
	)
	r.NoRoute(func(c *gin.Context) { fail(c, domain.ErrNotFound) })

	hooks := r.Group("/api/v1/payments")
	hooks.Use(bodyLimit(domain.MaxWebhookBodyBytes))
	hooks.POST("/webhook", h.paymentWebhook)

	api := r.Group("/api/v1")
	api.Use(
		cors(cfg.Origins, cfg.Production, cfg.Logger),
		securityHeaders(),
		bodyLimit(domain.MaxJSONBodyBytes),
		csrfGate(cfg.Origins, cfg.Production, cfg.Logger),
		pollutionGuard(cfg.PollutionMode, cfg.Logger),
		validateObjectIDParams("id", "sessionId", "orderId", "productId"),
		automationDetector(cfg.Logger),
	)

	api.GET("/openapi.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", apiv1.Spec)
	})

	auth := api.Group("/auth")

	// Credential endpoints: tight IP window plus the automation block.
	public := auth.Group("", automationBlock(cfg.Logger), authRateLimit(cfg.Limiter, cfg.Logger))
	public.POST("/register", h.register)
	public.POST("/verify-email", h.verifyEmail)
	public.POST("/resend-verification", h.resendVerification)
	public.POST("/login", enhancedLoginLimit(cfg.Limiter, cfg.Logger), h.login)
	public.POST("/login/2fa", h.loginTwoFactor)
	public.POST("/refresh", h.refresh)

	// Reset endpoints mint tokens and send mail; the strictest window.
	reset := auth.Group("", automationBlock(cfg.Logger), strictRateLimit(cfg.Limiter, cfg.Logger))
	reset.POST("/forgot-password", h.forgotPassword)
	reset.POST("/validate-reset-token", h.validateResetToken)
	reset.POST("/reset-password", h.resetPassword)

	private := auth.Group("", h.requireAuth())
	private.POST("/logout", h.logout)
	private.POST("/change-password", h.changePassword)
	private.GET("/me", h.me)
	private.GET("/sessions", h.listSessions)
	private.POST("/sessions/revoke", h.revokeSession)
	private.POST("/2fa/enable", h.twoFactorEnable)
	private.POST("/2fa/verify-setup", h.twoFactorVerifySetup)
	private.POST("/2fa/disable", h.twoFactorDisable)
	private.POST("/2fa/backup-codes", h.regenerateBackupCodes)

	payments := api.Group("/payments", h.requireAuth())
	payments.POST("/create-intent", h.createPaymentIntent)

	return r
}
