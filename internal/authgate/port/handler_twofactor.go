package port

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
)

// twoFactorEnable provisions a TOTP secret. The payload is shown exactly
// once; nothing in it can be re-fetched later.
func (h *Handler) twoFactorEnable(c *gin.Context) {
	principal := principalFrom(c)
	setup, err := h.svc.TwoFactorEnable(c.Request.Context(), principal.UserID, deviceInfo(c, "", ""))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"secret":      setup.Secret,
		"otpauthUri":  setup.OTPAuthURI,
		"qrCode":      base64.StdEncoding.EncodeToString(setup.QRCodePNG),
		"backupCodes": setup.BackupCodes,
	})
}

type twoFactorCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) twoFactorVerifySetup(c *gin.Context) {
	var req twoFactorCodeRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	principal := principalFrom(c)
	if err := h.svc.TwoFactorVerifySetup(c.Request.Context(), principal.UserID, req.Code, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "two-factor authentication enabled")
}

type twoFactorDisableRequest struct {
	Password string `json:"password" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

func (h *Handler) twoFactorDisable(c *gin.Context) {
	var req twoFactorDisableRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	principal := principalFrom(c)
	if err := h.svc.TwoFactorDisable(c.Request.Context(), principal.UserID, req.Password, req.Code, deviceInfo(c, "", "")); err != nil {
		fail(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "two-factor authentication disabled")
}

// regenerateBackupCodes replaces the whole backup-code set; previously
// issued codes stop working.
func (h *Handler) regenerateBackupCodes(c *gin.Context) {
	var req twoFactorCodeRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	principal := principalFrom(c)
	codes, err := h.svc.RegenerateBackupCodes(c.Request.Context(), principal.UserID, req.Code, deviceInfo(c, "", ""))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"backupCodes": codes})
}
