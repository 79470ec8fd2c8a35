package port

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// traceRequests opens a span per request, named after the matched route so
// cardinality stays bounded. Handlers and the app layer hang their child
// spans off the request context.
func traceRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
		)
	}
}

// recoverPanic converts handler panics into a generic 500 envelope. The
// stack goes to the log, never to the client.
func recoverPanic(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic",
					"path", c.Request.URL.Path,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				failStatus(c, http.StatusInternalServerError, "internal error")
			}
		}()
		c.Next()
	}
}

// securityHeaders sets the response hardening headers on every API response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		c.Next()
	}
}

// originAllowed reports whether origin exactly matches one of the configured
// client origins. Matching is literal; wildcard origins are not supported
// because the API sends credentials.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// cors enforces the configured origin allow-list. Requests without an
// Origin header pass only outside production; unlisted origins are rejected
// and logged. Preflights are answered here and never reach handlers.
func cors(origins []string, production bool, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			if production {
				logger.Warn("request without origin rejected",
					"path", c.Request.URL.Path, "ip", c.ClientIP())
				fail(c, domain.ErrOriginDenied)
				return
			}
			c.Next()
			return
		}
		if !originAllowed(origin, origins) {
			logger.Warn("origin not in allow-list",
				"origin", origin, "path", c.Request.URL.Path, "ip", c.ClientIP())
			fail(c, domain.ErrOriginDenied)
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Device-Id, X-Device-Name")
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bodyLimit caps the request body. Reads past the cap fail inside binding
// with *http.MaxBytesError, which bindJSON maps to the body-size sentinel.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// safeMethod reports whether the request cannot change state and is
// therefore exempt from the origin gate.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// csrfGate verifies that state-changing requests originate from an allowed
// client. The Origin header is authoritative; Referer is the fallback for
// older browsers. In production, urlencoded bodies are rejected on API
// paths so every state change is JSON and triggers a CORS preflight.
func csrfGate(origins []string, production bool, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if safeMethod(c.Request.Method) {
			c.Next()
			return
		}

		if production {
			ct := c.Request.Header.Get("Content-Type")
			if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "application/x-www-form-urlencoded" {
				logger.Warn("urlencoded body rejected", "path", c.Request.URL.Path, "ip", c.ClientIP())
				fail(c, domain.ErrOriginDenied)
				return
			}
		}

		source := c.Request.Header.Get("Origin")
		if source == "" {
			if ref := c.Request.Header.Get("Referer"); ref != "" {
				if u, err := url.Parse(ref); err == nil {
					source = u.Scheme + "://" + u.Host
				}
			}
		}
		if source == "" {
			if production {
				logger.Warn("state change without origin or referer",
					"path", c.Request.URL.Path, "ip", c.ClientIP())
				fail(c, domain.ErrOriginDenied)
				return
			}
			c.Next()
			return
		}
		if !originAllowed(source, origins) {
			logger.Warn("cross-site state change rejected",
				"source", source, "path", c.Request.URL.Path, "ip", c.ClientIP())
			fail(c, domain.ErrOriginDenied)
			return
		}
		c.Next()
	}
}
