package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

func TestSessionDocRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 10, 8, 30, 0, 0, time.UTC)
	rec := app.SessionRecord{
		ID:        "6f1f0b2a-9c41-4f6e-8a3d-2b7c5d9e0f11",
		UserID:    "507f1f77bcf86cd799439011",
		TokenHash: "c2Vzc2lvbi10b2tlbi1oYXNo",
		Family:    "a81bc81b-dead-4e5d-abff-90865d1e13b1",
		Device: app.DeviceInfo{
			DeviceID:    "dev-1",
			DeviceName:  "Pixel 9",
			UserAgent:   "Mozilla/5.0",
			IP:          "203.0.113.7",
			Location:    "Rotterdam, NL",
			Fingerprint: "fp-8c6976e5",
		},
		CreatedAt:     at,
		LastUsedAt:    at,
		ExpiresAt:     at.Add(7 * 24 * time.Hour),
		Revoked:       true,
		RevokedAt:     at.Add(time.Hour),
		RevokedReason: "token_reuse",
	}

	assert.Equal(t, &rec, sessionDocOf(rec).record())
}

func TestRevokeUpdateShape(t *testing.T) {
	at := time.Date(2026, 1, 10, 8, 30, 0, 0, time.UTC)

	set, ok := revokeUpdate(at, "logout")["$set"].(mongo.M)
	assert.True(t, ok)
	assert.Equal(t, true, set["revoked"])
	assert.Equal(t, at, set["revokedAt"])
	assert.Equal(t, "logout", set["revokedReason"])
}
