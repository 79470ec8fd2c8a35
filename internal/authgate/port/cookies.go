package port

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/domain"
)

const (
	refreshCookieName = "refreshToken"
	// refreshCookiePath scopes the cookie to the auth endpoints so it never
	// rides along on payment or profile requests.
	refreshCookiePath = "/api/v1/auth"
)

// setRefreshCookie installs the rotated refresh token. HttpOnly always,
// Secure outside local development, SameSite=Strict so cross-site requests
// never carry it.
func setRefreshCookie(c *gin.Context, rawToken string, production bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshCookieName,
		Value:    rawToken,
		Path:     refreshCookiePath,
		MaxAge:   int(domain.RefreshTokenLifetime / time.Second),
		HttpOnly: true,
		Secure:   production,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearRefreshCookie expires the cookie. Used on logout and whenever a
// refresh attempt proves the cookie is dead, so clients stop replaying it.
func clearRefreshCookie(c *gin.Context, production bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   production,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshTokenFromCookie reads the refresh token. The cookie is the only
// accepted carrier; request bodies are ignored for the token value.
func refreshTokenFromCookie(c *gin.Context) string {
	cookie, err := c.Request.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
