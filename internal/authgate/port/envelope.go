package port

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/errmap"
)

// envelope is the uniform response shape. Status is "success" or "error";
// Data carries payloads, Message and Details carry error text, RetryAfter
// (seconds) is set only on rate-limit rejections.
type envelope struct {
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Message    string `json:"message,omitempty"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, envelope{Status: "success", Data: data})
}

func respondMessage(c *gin.Context, code int, message string) {
	c.JSON(code, envelope{Status: "success", Message: message})
}

// fail maps a domain error through errmap and aborts the request. Rate-limit
// rejections additionally carry a Retry-After header and the retryAfter
// envelope field.
func fail(c *gin.Context, err error) {
	httpErr := errmap.ToHTTPError(err)
	if httpErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(httpErr.RetryAfter))
	}
	c.AbortWithStatusJSON(httpErr.StatusCode, envelope{
		Status:     "error",
		Message:    httpErr.Message,
		Details:    httpErr.Details,
		RetryAfter: httpErr.RetryAfter,
	})
}

// failWithData aborts with an error envelope that still carries a data
// payload. The login flow uses it for the verification-required response,
// which must tell the client which address to re-verify.
func failWithData(c *gin.Context, err error, data any) {
	httpErr := errmap.ToHTTPError(err)
	c.AbortWithStatusJSON(httpErr.StatusCode, envelope{
		Status:  "error",
		Data:    data,
		Message: httpErr.Message,
		Details: httpErr.Details,
	})
}

// failStatus aborts with an explicit status and message, bypassing errmap.
// Reserved for transport-level rejections that have no domain sentinel,
// such as the automation block.
func failStatus(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, envelope{Status: "error", Message: message})
}
