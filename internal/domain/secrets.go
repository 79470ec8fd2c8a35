package domain

import "log/slog"

const redactedPlaceholder = "[REDACTED]"

// SecretString wraps sensitive string values (signing keys, provider
// secrets, the audit HMAC key). It implements slog.LogValuer, fmt.Stringer,
// and the JSON/text marshalers so the value cannot leak through logging or
// response serialization. Call Expose() at the single point of use.
type SecretString string

// String returns a redacted placeholder, never the actual value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// LogValue implements slog.LogValuer so secrets are never logged in plaintext,
// even if handler-level redaction is misconfigured.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// MarshalJSON redacts the value if a secret-bearing struct is ever serialized.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// MarshalText redacts the value for text-based encoders.
func (s SecretString) MarshalText() ([]byte, error) {
	return []byte(redactedPlaceholder), nil
}

// Expose returns the actual secret value. The method name is intentionally
// explicit to discourage casual use.
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}

// SecretBytes wraps sensitive byte slices with the same protections as SecretString.
type SecretBytes []byte

// String returns a redacted placeholder.
func (s SecretBytes) String() string {
	return redactedPlaceholder
}

// LogValue implements slog.LogValuer.
func (s SecretBytes) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// MarshalJSON redacts the value.
func (s SecretBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// Expose returns the actual secret bytes.
func (s SecretBytes) Expose() []byte {
	return []byte(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretBytes) IsEmpty() bool {
	return len(s) == 0
}

// Ensure interfaces are implemented at compile time.
var (
	_ slog.LogValuer = SecretString("")
	_ slog.LogValuer = SecretBytes{}
)
