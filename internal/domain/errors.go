package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID     = errors.New("ID cannot be empty")
	ErrMalformedID = errors.New("malformed object ID")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Validation errors
	ErrValidation      = errors.New("invalid input")
	ErrForbiddenField  = errors.New("forbidden field in request body")
	ErrPollutedPayload = errors.New("request contains disallowed keys")
	ErrBodyTooLarge    = errors.New("request body exceeds size limit")
	ErrWeakPassword    = errors.New("password does not meet the security policy")
	ErrPasswordReused  = errors.New("password matches a recently used password")

	// Authentication errors
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrTokenVersionMismatch = errors.New("token has been invalidated")
	ErrFingerprintMismatch  = errors.New("device fingerprint mismatch")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	ErrSessionInvalid       = errors.New("refresh session is invalid")
	ErrSessionExpired       = errors.New("refresh session has expired")
	ErrSessionRevoked       = errors.New("refresh session has been revoked")
	ErrRefreshReuse         = errors.New("refresh token reuse detected")

	// Permission errors
	ErrForbidden        = errors.New("permission denied")
	ErrAccountLocked    = errors.New("account is temporarily locked")
	ErrEmailNotVerified = errors.New("email address is not verified")
	ErrOriginDenied     = errors.New("request origin not allowed")

	// Rate limiting
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrLoginBlocked = errors.New("too many failed login attempts")

	// Conflicts
	ErrRefreshInProgress = errors.New("token refresh already in progress")

	// Fraud gate
	ErrFraudSuspected = errors.New("transaction was declined for review")

	// Upstream providers
	ErrProvider = errors.New("payment provider request failed")

	// Operational errors
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")

	// Email validation
	ErrInvalidEmail = errors.New("invalid email address")
)

// RateLimitError decorates a rate-limit sentinel with the retry hint the
// HTTP layer surfaces as Retry-After. Unwrap preserves errors.Is matching
// against ErrRateLimited / ErrLoginBlocked.
type RateLimitError struct {
	Kind       error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Kind, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Kind }

// NewRateLimitError wraps kind (ErrRateLimited or ErrLoginBlocked) with a
// retry hint, rounding sub-second remainders up so clients never retry early.
func NewRateLimitError(kind error, retryAfter time.Duration) *RateLimitError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RateLimitError{Kind: kind, RetryAfter: retryAfter}
}

// RetryAfterSeconds extracts the retry hint from err, or 0 when err carries none.
func RetryAfterSeconds(err error) int {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter / time.Second)
		if rl.RetryAfter%time.Second != 0 {
			secs++
		}
		return secs
	}
	return 0
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrLoginBlocked) ||
		errors.Is(err, ErrRefreshInProgress) ||
		errors.Is(err, ErrProvider)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrEmptyID,
	ErrMalformedID,
	ErrNotFound,
	ErrAlreadyExists,
	ErrValidation,
	ErrForbiddenField,
	ErrPollutedPayload,
	ErrBodyTooLarge,
	ErrWeakPassword,
	ErrPasswordReused,
	ErrInvalidToken,
	ErrTokenVersionMismatch,
	ErrFingerprintMismatch,
	ErrInvalidCredentials,
	ErrInvalidTwoFactorCode,
	ErrSessionInvalid,
	ErrSessionExpired,
	ErrSessionRevoked,
	ErrRefreshReuse,
	ErrForbidden,
	ErrAccountLocked,
	ErrEmailNotVerified,
	ErrOriginDenied,
	ErrInvalidEmail,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError returns true if the error should surface as a 401.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenVersionMismatch) ||
		errors.Is(err, ErrFingerprintMismatch) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidTwoFactorCode) ||
		errors.Is(err, ErrSessionInvalid) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrRefreshReuse)
}

// IsPermissionDenied returns true if the error represents a permission issue.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAccountLocked) ||
		errors.Is(err, ErrEmailNotVerified) ||
		errors.Is(err, ErrOriginDenied) ||
		errors.Is(err, ErrFraudSuspected)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
