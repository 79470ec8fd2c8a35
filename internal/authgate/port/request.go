package port

import (
	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/token"
)

const principalKey = "authgate.principal"

// principalFrom returns the authenticated caller installed by RequireAuth.
// Handlers behind the auth middleware may assume it is present.
func principalFrom(c *gin.Context) *app.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*app.Principal)
	return p
}

// deviceInfo assembles the request's device context: client-declared
// identifiers plus the server-derived enhanced fingerprint. The fingerprint
// is computed here exactly once per request path that needs it.
func deviceInfo(c *gin.Context, deviceID, deviceName string) app.DeviceInfo {
	ip := c.ClientIP()
	return app.DeviceInfo{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		UserAgent:   c.Request.UserAgent(),
		IP:          ip,
		Fingerprint: token.FingerprintFromRequest(c.Request, ip),
	}
}
