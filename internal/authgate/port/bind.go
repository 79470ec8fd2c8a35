package port

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// bindJSON decodes the request body into dst, translating transport
// failures into domain sentinels. Validation tags on dst are enforced by
// the binding; the sentinel keeps binding internals out of responses.
func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return fmt.Errorf("bind request: %v: %w", err, bindSentinel(err))
	}
	return nil
}

func bindSentinel(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return domain.ErrBodyTooLarge
	}
	return domain.ErrValidation
}

func bodyReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("body exceeds %d bytes: %w", maxErr.Limit, domain.ErrBodyTooLarge)
	}
	return fmt.Errorf("read body: %w", domain.ErrValidation)
}

// peekBody reads and restores the request body so middleware can inspect a
// field without consuming the handler's read.
func peekBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, bodyReadError(err)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// peekEmail extracts the email field from a JSON body non-destructively.
// Returns "" when the body is not JSON or carries no email; the limiter
// key then degrades to IP and user agent alone.
func peekEmail(c *gin.Context) string {
	body, err := peekBody(c)
	if err != nil || len(body) == 0 {
		return ""
	}
	var probe struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return ""
	}
	return probe.Email
}
