package port

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/token"
)

// GuardMode selects how the pollution guard treats an offending payload.
type GuardMode string

const (
	// GuardBlock rejects the request with a 400.
	GuardBlock GuardMode = "block"
	// GuardSanitize strips the offending keys and passes the cleaned
	// payload on.
	GuardSanitize GuardMode = "sanitize"
)

// pollutionKeys are the exact prototype-pollution vectors. Any other key
// with a "__" prefix is treated the same.
var pollutionKeys = map[string]struct{}{
	"__proto__":        {},
	"constructor":      {},
	"prototype":        {},
	"__defineGetter__": {},
	"__defineSetter__": {},
	"__lookupGetter__": {},
	"__lookupSetter__": {},
}

func pollutedKey(k string) bool {
	if _, ok := pollutionKeys[k]; ok {
		return true
	}
	return strings.HasPrefix(k, "__")
}

// scanJSONKeys walks a decoded JSON value and returns every key, at any
// depth, for which deny returns true.
func scanJSONKeys(v any, deny func(string) bool) []string {
	var hits []string
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if deny(k) {
				hits = append(hits, k)
			}
			hits = append(hits, scanJSONKeys(child, deny)...)
		}
	case []any:
		for _, child := range t {
			hits = append(hits, scanJSONKeys(child, deny)...)
		}
	}
	return hits
}

// stripJSONKeys returns v with every denied key removed, at any depth.
func stripJSONKeys(v any, deny func(string) bool) any {
	switch t := v.(type) {
	case map[string]any:
		clean := make(map[string]any, len(t))
		for k, child := range t {
			if deny(k) {
				continue
			}
			clean[k] = stripJSONKeys(child, deny)
		}
		return clean
	case []any:
		clean := make([]any, 0, len(t))
		for _, child := range t {
			clean = append(clean, stripJSONKeys(child, deny))
		}
		return clean
	default:
		return v
	}
}

// pollutionGuard scans query keys, path-parameter values, and the JSON body
// for prototype-pollution vectors. Mode block rejects with 400; sanitize
// strips the keys and forwards the cleaned body. Path parameters cannot be
// rewritten, so a polluted one is rejected in either mode.
func pollutionGuard(mode GuardMode, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range c.Params {
			if pollutedKey(p.Value) {
				logger.Warn("polluted path parameter",
					"param", p.Key, "path", c.Request.URL.Path, "ip", c.ClientIP())
				fail(c, domain.ErrPollutedPayload)
				return
			}
		}

		query := c.Request.URL.Query()
		var queryHits []string
		for k := range query {
			if pollutedKey(k) {
				queryHits = append(queryHits, k)
			}
		}
		if len(queryHits) > 0 {
			if mode == GuardBlock {
				logger.Warn("polluted query keys",
					"keys", queryHits, "path", c.Request.URL.Path, "ip", c.ClientIP())
				fail(c, domain.ErrPollutedPayload)
				return
			}
			for _, k := range queryHits {
				query.Del(k)
			}
			c.Request.URL.RawQuery = query.Encode()
		}

		if c.Request.Body != nil && c.Request.ContentLength != 0 {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				fail(c, bodyReadError(err))
				return
			}
			var decoded any
			if json.Unmarshal(body, &decoded) != nil {
				// Not JSON; binding produces the validation error.
				c.Request.Body = io.NopCloser(bytes.NewReader(body))
				c.Next()
				return
			}
			hits := scanJSONKeys(decoded, pollutedKey)
			switch {
			case len(hits) == 0:
				c.Request.Body = io.NopCloser(bytes.NewReader(body))
			case mode == GuardBlock:
				logger.Warn("polluted body keys",
					"keys", hits, "path", c.Request.URL.Path, "ip", c.ClientIP())
				fail(c, domain.ErrPollutedPayload)
				return
			default:
				clean, err := json.Marshal(stripJSONKeys(decoded, pollutedKey))
				if err != nil {
					fail(c, domain.ErrPollutedPayload)
					return
				}
				logger.Info("sanitized polluted body keys",
					"keys", hits, "path", c.Request.URL.Path, "ip", c.ClientIP())
				c.Request.Body = io.NopCloser(bytes.NewReader(clean))
				c.Request.ContentLength = int64(len(clean))
			}
		}
		c.Next()
	}
}

// validateObjectIDParams enforces the 24-hex object ID shape on the named
// path parameters. Params not present on a route are skipped.
func validateObjectIDParams(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range names {
			v := c.Param(name)
			if v == "" {
				continue
			}
			if _, err := domain.NormalizeObjectID(v); err != nil {
				fail(c, err)
				return
			}
		}
		c.Next()
	}
}

const automationKey = "authgate.automation"

// automationBlockConfidence is the score at which auth endpoints refuse
// automated traffic outright. Elsewhere detection is log-only.
const automationBlockConfidence = 85

// automationDetector scores the request's headers, logs automated clients,
// and stashes the verdict for the login limiter and the auth-path block.
// Detection alone never rejects.
func automationDetector(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := token.DetectAutomation(c.Request)
		c.Set(automationKey, res)
		if res.IsAutomated {
			logger.Info("automated client detected",
				"confidence", res.Confidence,
				"reasons", strings.Join(res.Reasons, "; "),
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
			)
		}
		c.Next()
	}
}

// automationBlock rejects high-confidence automated traffic. Mounted only
// on the credential endpoints; everywhere else the verdict is advisory.
func automationBlock(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := automationFrom(c)
		if res.Confidence >= automationBlockConfidence {
			logger.Warn("automated client blocked",
				"confidence", res.Confidence, "path", c.Request.URL.Path, "ip", c.ClientIP())
			failStatus(c, http.StatusForbidden, "automated traffic is not allowed")
			return
		}
		c.Next()
	}
}

// automationFrom returns the detector verdict recorded earlier in the
// chain, re-scoring only when no detector ran.
func automationFrom(c *gin.Context) token.AutomationResult {
	if v, ok := c.Get(automationKey); ok {
		if res, ok := v.(token.AutomationResult); ok {
			return res
		}
	}
	return token.DetectAutomation(c.Request)
}
