package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

// timestampLayout renders timestamps as RFC 3339 with fixed millisecond
// precision in UTC. Signatures and chain hashes are computed over this exact
// rendering; changing it would invalidate every existing entry.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t the way signatures and chain hashes consume it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// canonical builds the deterministic byte string an entry signature covers:
// the six identity fields pipe-joined in fixed order. Mutable payload fields
// (changes, metadata, error message, risk score) are deliberately outside
// the signature.
func canonical(e Entry) string {
	return strings.Join([]string{
		FormatTimestamp(e.Timestamp),
		string(e.EventType),
		e.UserID,
		e.Action,
		e.Resource,
		string(e.Result),
	}, "|")
}

// ComputeSignature returns HMAC-SHA256(key, canonical(entry)) in hex.
func ComputeSignature(key []byte, e Entry) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical(e)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the entry signature and compares it against the
// stored one in constant time.
func VerifySignature(key []byte, e Entry) bool {
	want := ComputeSignature(key, e)
	return subtle.ConstantTimeCompare([]byte(want), []byte(e.Signature)) == 1
}

// ChainHash computes the link the next entry must carry:
// SHA-256(signature || timestamp) of this entry, in hex.
func ChainHash(e Entry) string {
	h := sha256.Sum256([]byte(e.Signature + FormatTimestamp(e.Timestamp)))
	return hex.EncodeToString(h[:])
}
