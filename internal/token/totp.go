package token

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTP parameters: RFC 6238 with a 30-second step, six digits, SHA-1, and
// ±1 step of clock skew. These match what every mainstream authenticator
// app generates by default.
const (
	totpPeriod = 30
	totpSkew   = 1
	qrPNGSize  = 256
)

// TOTPSetup is the one-shot result of provisioning a new TOTP secret.
// Secret and the QR image are shown to the user exactly once; after the
// setup is committed only the encrypted secret remains recoverable.
type TOTPSetup struct {
	Secret string // base32, for manual entry
	URI    string // otpauth:// provisioning URI
	QRPNG  []byte // PNG rendering of URI for enrollment screens
}

// GenerateTOTPSecret provisions a fresh TOTP secret for an account and
// renders the otpauth URI as a QR PNG.
func GenerateTOTPSecret(issuer, accountName string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrPNGSize)
	if err != nil {
		return nil, fmt.Errorf("render totp qr code: %w", err)
	}

	return &TOTPSetup{
		Secret: key.Secret(),
		URI:    key.URL(),
		QRPNG:  png,
	}, nil
}

// ValidateTOTP checks a six-digit code against a base32 secret at the given
// time, accepting ±1 step of skew.
func ValidateTOTP(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
