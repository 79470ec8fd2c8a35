package port

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
)

type sessionResponse struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId,omitempty"`
	DeviceName string    `json:"deviceName,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Location   string    `json:"location,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Current    bool      `json:"current"`
}

func sessionResponseOf(v app.SessionView) sessionResponse {
	return sessionResponse{
		ID:         v.ID,
		DeviceID:   v.DeviceID,
		DeviceName: v.DeviceName,
		UserAgent:  v.UserAgent,
		IP:         v.IP,
		Location:   v.Location,
		CreatedAt:  v.CreatedAt,
		LastUsedAt: v.LastUsedAt,
		Current:    v.Current,
	}
}

// listSessions returns the caller's active refresh sessions. The cookie, if
// present, marks which row is the caller's own.
func (h *Handler) listSessions(c *gin.Context) {
	principal := principalFrom(c)
	views, err := h.svc.ListSessions(c.Request.Context(), principal.UserID, refreshTokenFromCookie(c))
	if err != nil {
		fail(c, err)
		return
	}
	sessions := make([]sessionResponse, 0, len(views))
	for _, v := range views {
		sessions = append(sessions, sessionResponseOf(v))
	}
	respond(c, http.StatusOK, gin.H{"sessions": sessions})
}

type revokeSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

func (h *Handler) revokeSession(c *gin.Context) {
	var req revokeSessionRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	principal := principalFrom(c)
	if err := h.svc.RevokeSession(c.Request.Context(), principal.UserID, req.SessionID, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "session revoked")
}
