package port

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

// rateLimitHeaders surfaces the decision so well-behaved clients can pace
// themselves before hitting the limit.
func rateLimitHeaders(c *gin.Context, d app.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// rateLimit charges one request against an IP-keyed fixed window. On a
// limiter failure the request proceeds: the store behind rl already fell
// back to its in-process copy, so an error here means even that is gone
// and availability wins.
func rateLimit(rl app.RateLimiter, logger *slog.Logger, prefix string, limit int, window time.Duration, skipPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range skipPaths {
			if c.Request.URL.Path == p {
				c.Next()
				return
			}
		}
		d, err := rl.Allow(c.Request.Context(), prefix+":"+c.ClientIP(), limit, window)
		if err != nil {
			logger.Error("rate limiter unavailable", "prefix", prefix, "error", err)
			c.Next()
			return
		}
		rateLimitHeaders(c, d)
		if !d.Allowed {
			fail(c, domain.NewRateLimitError(domain.ErrRateLimited, d.RetryAfter))
			return
		}
		c.Next()
	}
}

// generalRateLimit is the configurable catch-all limiter. Health probes are
// exempt so orchestration traffic never counts against clients behind the
// same NAT.
func generalRateLimit(rl app.RateLimiter, logger *slog.Logger, limit int, window time.Duration) gin.HandlerFunc {
	return rateLimit(rl, logger, "general", limit, window, "/healthz")
}

// authRateLimit caps credential-bearing endpoints per IP.
func authRateLimit(rl app.RateLimiter, logger *slog.Logger) gin.HandlerFunc {
	return rateLimit(rl, logger, "auth", domain.AuthRateLimit, domain.AuthRateWindow)
}

// strictRateLimit caps the password-reset endpoints, which mint tokens and
// send mail on every hit.
func strictRateLimit(rl app.RateLimiter, logger *slog.Logger) gin.HandlerFunc {
	return rateLimit(rl, logger, "strict", domain.StrictRateLimit, domain.StrictRateWindow)
}

// enhancedLoginLimit keys the login window by IP, hashed email, and hashed
// user agent so one address cannot spray many accounts inside the IP
// budget. Clients the detector scored as automated get the tighter cap.
func enhancedLoginLimit(rl app.RateLimiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := domain.EnhancedRateLimit
		if automationFrom(c).IsAutomated {
			limit = domain.EnhancedRateLimitBot
		}
		key := fmt.Sprintf("login:%s:%s:%s",
			c.ClientIP(),
			identityHash(peekEmail(c)),
			identityHash(c.Request.UserAgent()),
		)
		d, err := rl.Allow(c.Request.Context(), key, limit, domain.EnhancedRateWindow)
		if err != nil {
			logger.Error("rate limiter unavailable", "prefix", "login", "error", err)
			c.Next()
			return
		}
		rateLimitHeaders(c, d)
		if !d.Allowed {
			fail(c, domain.NewRateLimitError(domain.ErrRateLimited, d.RetryAfter))
			return
		}
		c.Next()
	}
}

// identityHash normalizes and hashes limiter key material so raw emails and
// user agents never appear in store keys.
func identityHash(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}
