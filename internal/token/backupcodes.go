package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// backupCodeBytes yields 8 hex characters per code, presented as XXXX-XXXX.
const backupCodeBytes = 4

// BackupCodeSet pairs the plaintext codes handed to the user once with the
// bcrypt hashes that go to storage.
type BackupCodeSet struct {
	Plain  []string
	Hashes []string
}

// GenerateBackupCodes mints domain.BackupCodeCount fresh recovery codes.
// Plaintext is returned exactly once; only the hashes are recoverable later.
func GenerateBackupCodes() (*BackupCodeSet, error) {
	set := &BackupCodeSet{
		Plain:  make([]string, 0, domain.BackupCodeCount),
		Hashes: make([]string, 0, domain.BackupCodeCount),
	}
	for i := 0; i < domain.BackupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := strings.ToUpper(hex.EncodeToString(buf))
		code := raw[:4] + "-" + raw[4:]

		hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeBackupCode(code)), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		set.Plain = append(set.Plain, code)
		set.Hashes = append(set.Hashes, string(hash))
	}
	return set, nil
}

// NormalizeBackupCode strips separators and uppercases so that
// "a1b2-c3d4", "A1B2 C3D4", and "a1b2c3d4" all compare equal.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// ConsumeBackupCode compares a candidate against the stored bcrypt hashes.
// On match it returns the remaining hashes with the matched entry removed
// and ok=true; each code is single-use.
func ConsumeBackupCode(candidate string, hashes []string) (remaining []string, ok bool) {
	normalized := []byte(NormalizeBackupCode(candidate))
	for i, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), normalized) == nil {
			remaining = make([]string, 0, len(hashes)-1)
			remaining = append(remaining, hashes[:i]...)
			remaining = append(remaining, hashes[i+1:]...)
			return remaining, true
		}
	}
	return hashes, false
}
