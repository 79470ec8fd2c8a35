package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// emailPattern is deliberately loose: one @, no whitespace, a dot in the
// domain. Deliverability is proven by the verification mail, not the regex.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// EmailAddress is a value object holding a normalized (lowercased, trimmed)
// email address. Always valid in memory — use NewEmailAddress to construct.
type EmailAddress struct {
	value string
}

// NewEmailAddress creates an EmailAddress from raw input, trimming
// whitespace and lowercasing. Uniqueness in storage relies on this
// normalization happening before any lookup or insert.
func NewEmailAddress(raw string) (EmailAddress, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return EmailAddress{}, fmt.Errorf("email cannot be empty: %w", ErrInvalidEmail)
	}
	if len(normalized) > 254 || !emailPattern.MatchString(normalized) {
		return EmailAddress{}, fmt.Errorf("email %q is not valid: %w", raw, ErrInvalidEmail)
	}
	return EmailAddress{value: normalized}, nil
}

// MustEmailAddress creates an EmailAddress, panicking on invalid input. Use only in tests.
func MustEmailAddress(raw string) EmailAddress {
	e, err := NewEmailAddress(raw)
	if err != nil {
		panic(err)
	}
	return e
}

func (e EmailAddress) String() string { return e.value }
func (e EmailAddress) IsZero() bool   { return e.value == "" }
