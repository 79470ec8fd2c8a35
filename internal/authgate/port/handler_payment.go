package port

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

// forbiddenIntentKeys are the money fields clients must never send; every
// amount is priced server-side from the catalog.
var forbiddenIntentKeys = map[string]struct{}{
	"amount":   {},
	"currency": {},
	"price":    {},
	"total":    {},
	"discount": {},
}

func forbiddenIntentKey(k string) bool {
	_, ok := forbiddenIntentKeys[k]
	return ok
}

type intentItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1,max=100"`
}

type createIntentRequest struct {
	Items           []intentItemRequest `json:"items" binding:"required,min=1,dive"`
	ShippingAddress string              `json:"shippingAddress"`
}

func (h *Handler) createPaymentIntent(c *gin.Context) {
	// The forbidden-key scan runs on the raw body, at any nesting depth,
	// before binding can silently drop unknown fields.
	body, err := peekBody(c)
	if err != nil {
		fail(c, err)
		return
	}
	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		if hits := scanJSONKeys(decoded, forbiddenIntentKey); len(hits) > 0 {
			h.logger.Warn("client-priced intent rejected",
				"keys", hits, "ip", c.ClientIP())
			fail(c, fmt.Errorf("keys %v are not accepted: %w", hits, domain.ErrForbiddenField))
			return
		}
	}

	var req createIntentRequest
	if err := bindJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	items := make([]app.IntentItem, 0, len(req.Items))
	for _, it := range req.Items {
		id, err := domain.NormalizeObjectID(it.ProductID)
		if err != nil {
			fail(c, err)
			return
		}
		items = append(items, app.IntentItem{ProductID: id, Quantity: it.Quantity})
	}

	principal := principalFrom(c)
	res, err := h.svc.CreatePaymentIntent(c.Request.Context(), app.CreateIntentParams{
		UserID:          principal.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		Device:          deviceInfo(c, "", ""),
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"orderId":      res.OrderID,
		"intentId":     res.IntentID,
		"clientSecret": res.ClientSecret,
		"amount":       res.AmountCents,
		"currency":     res.Currency,
	})
}

// paymentWebhook accepts provider callbacks. The body is raw and already
// size-capped; signature verification happens before any event handling.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, bodyReadError(err))
		return
	}
	sig := c.GetHeader("Stripe-Signature")
	if sig == "" {
		fail(c, fmt.Errorf("missing signature header: %w", domain.ErrValidation))
		return
	}
	if err := h.svc.HandlePaymentWebhook(c.Request.Context(), payload, sig); err != nil {
		fail(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "received")
}
