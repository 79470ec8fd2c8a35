// Package errmap centralizes the domain error → HTTP response mapping.
// Handlers never pick status codes themselves.
package errmap

import (
	"errors"
	"net/http"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// HTTPError represents an HTTP error response. Message carries the
// sentinel's canonical text, never the wrapped chain, so internal context
// added with fmt.Errorf stays out of responses.
type HTTPError struct {
	StatusCode int
	Message    string
	Details    string
	RetryAfter int // seconds; set only on rate-limit rejections
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status mapping.
type httpMapping struct {
	err        error
	statusCode int
	details    string
}

// httpMappings maps domain errors to HTTP status codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Validation errors — 400. Oversized bodies stay 400 with a details
	// hint rather than 413; the envelope shape is uniform for clients.
	{err: domain.ErrValidation, statusCode: http.StatusBadRequest},
	{err: domain.ErrForbiddenField, statusCode: http.StatusBadRequest},
	{err: domain.ErrPollutedPayload, statusCode: http.StatusBadRequest},
	{err: domain.ErrBodyTooLarge, statusCode: http.StatusBadRequest, details: "body too large"},
	{err: domain.ErrEmptyID, statusCode: http.StatusBadRequest},
	{err: domain.ErrMalformedID, statusCode: http.StatusBadRequest},
	{err: domain.ErrWeakPassword, statusCode: http.StatusBadRequest},
	{err: domain.ErrPasswordReused, statusCode: http.StatusBadRequest},
	{err: domain.ErrInvalidEmail, statusCode: http.StatusBadRequest},

	// Authentication errors — 401
	{err: domain.ErrInvalidToken, statusCode: http.StatusUnauthorized},
	{err: domain.ErrTokenVersionMismatch, statusCode: http.StatusUnauthorized},
	{err: domain.ErrFingerprintMismatch, statusCode: http.StatusUnauthorized},
	{err: domain.ErrInvalidCredentials, statusCode: http.StatusUnauthorized},
	{err: domain.ErrInvalidTwoFactorCode, statusCode: http.StatusUnauthorized},
	{err: domain.ErrSessionInvalid, statusCode: http.StatusUnauthorized},
	{err: domain.ErrSessionExpired, statusCode: http.StatusUnauthorized},
	{err: domain.ErrSessionRevoked, statusCode: http.StatusUnauthorized},
	{err: domain.ErrRefreshReuse, statusCode: http.StatusUnauthorized},

	// Permission errors — 403. ErrFraudSuspected carries a user-safe
	// message; the scoring detail stays in the audit log.
	{err: domain.ErrForbidden, statusCode: http.StatusForbidden},
	{err: domain.ErrAccountLocked, statusCode: http.StatusForbidden},
	{err: domain.ErrEmailNotVerified, statusCode: http.StatusForbidden},
	{err: domain.ErrOriginDenied, statusCode: http.StatusForbidden},
	{err: domain.ErrFraudSuspected, statusCode: http.StatusForbidden},

	// Resource errors
	{err: domain.ErrNotFound, statusCode: http.StatusNotFound},
	{err: domain.ErrAlreadyExists, statusCode: http.StatusConflict},
	{err: domain.ErrRefreshInProgress, statusCode: http.StatusConflict},

	// Rate limiting — 429
	{err: domain.ErrRateLimited, statusCode: http.StatusTooManyRequests},
	{err: domain.ErrLoginBlocked, statusCode: http.StatusTooManyRequests},

	// Upstream providers
	{err: domain.ErrProvider, statusCode: http.StatusBadGateway},

	// Availability
	{err: domain.ErrUnavailable, statusCode: http.StatusServiceUnavailable},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			httpErr := HTTPError{
				StatusCode: m.statusCode,
				Message:    m.err.Error(),
				Details:    m.details,
			}
			if m.statusCode == http.StatusTooManyRequests {
				httpErr.RetryAfter = domain.RetryAfterSeconds(err)
			}
			return httpErr
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
