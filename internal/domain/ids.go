// Package domain contains pure business logic and types.
// Nothing here reaches out to storage or the network.
package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// objectIDHex matches the lowercase hex form of a storage object ID.
var objectIDHex = regexp.MustCompile(`^[a-f0-9]{24}$`)

// NormalizeObjectID validates that raw is a 24-character hex object ID and
// returns its canonical lowercase form. Matching is case-insensitive because
// clients echo IDs back in either case.
func NormalizeObjectID(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmptyID
	}
	id := strings.ToLower(raw)
	if !objectIDHex.MatchString(id) {
		return "", fmt.Errorf("invalid object ID %q: %w", raw, ErrMalformedID)
	}
	return id, nil
}

// IsObjectIDHex reports whether raw is a well-formed object ID.
func IsObjectIDHex(raw string) bool {
	_, err := NormalizeObjectID(raw)
	return err == nil
}

// NewFamilyID returns a fresh rotation-lineage identifier. Every login and
// every successful rotation starts a new family so rapid rotations never
// collide on the session hash index.
func NewFamilyID() string {
	return uuid.NewString()
}

// deviceIDPattern keeps client-chosen device identifiers to a sane charset.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidateDeviceID checks a client-supplied device identifier. Empty is
// permitted (the device is then keyed by fingerprint alone).
func ValidateDeviceID(raw string) error {
	if raw == "" {
		return nil
	}
	if !deviceIDPattern.MatchString(raw) {
		return fmt.Errorf("invalid device ID: %w", ErrValidation)
	}
	return nil
}
