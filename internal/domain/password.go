package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// passwordSpecials is the accepted special-character set for the password policy.
const passwordSpecials = `!@#$%^&*()_+-=[]{};':"|,.<>/?`

// ValidatePassword enforces the registration/reset password policy:
// at least MinPasswordLength characters with one lowercase letter, one
// uppercase letter, one digit, and one character from passwordSpecials.
// The returned error wraps ErrWeakPassword and names the first missing
// requirement without echoing the password.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters: %w", MinPasswordLength, ErrWeakPassword)
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(passwordSpecials, r):
			hasSpecial = true
		}
	}

	switch {
	case !hasLower:
		return fmt.Errorf("password must contain a lowercase letter: %w", ErrWeakPassword)
	case !hasUpper:
		return fmt.Errorf("password must contain an uppercase letter: %w", ErrWeakPassword)
	case !hasDigit:
		return fmt.Errorf("password must contain a digit: %w", ErrWeakPassword)
	case !hasSpecial:
		return fmt.Errorf("password must contain a special character: %w", ErrWeakPassword)
	}
	return nil
}
