// Package audit implements the signed, hash-chained audit log: a closed
// event taxonomy, HMAC-SHA256 entry signatures, forward chain linkage, and
// the verification walk used by the auditcheck CLI.
package audit

import (
	"strings"
	"time"
)

// EventType identifies an auditable action. The taxonomy is closed: the
// writer rejects types outside this set so downstream reporting and alerting
// can rely on exact matches.
type EventType string

// Authentication events.
const (
	EventAuthLogin            EventType = "auth.login"
	EventAuthLogout           EventType = "auth.logout"
	EventAuthRegister         EventType = "auth.register"
	EventAuthPasswordReset    EventType = "auth.password_reset"
	EventAuthEmailVerify      EventType = "auth.email_verify"
	EventAuthTwoFactorEnable  EventType = "auth.2fa_enable"
	EventAuthTwoFactorDisable EventType = "auth.2fa_disable"
	EventAuthSessionRevoke    EventType = "auth.session_revoke"
)

// Payment events.
const (
	EventPaymentInitiated EventType = "payment.initiated"
	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"
)

// Order events.
const (
	EventOrderCreated   EventType = "order.created"
	EventOrderUpdated   EventType = "order.updated"
	EventOrderCancelled EventType = "order.cancelled"
	EventOrderShipped   EventType = "order.shipped"
)

// User events.
const (
	EventUserProfileUpdate EventType = "user.profile_update"
	EventUserAddressChange EventType = "user.address_change"
	EventUserRoleChange    EventType = "user.role_change"
	EventUserAccountLocked EventType = "user.account_locked"
)

// Admin events. Recorded on mutations only; read-only admin access does not
// produce entries.
const (
	EventAdminUserAccess     EventType = "admin.user_access"
	EventAdminConfigChange   EventType = "admin.config_change"
	EventAdminDataExport     EventType = "admin.data_export"
	EventAdminProductCreated EventType = "admin.product_created"
	EventAdminProductUpdated EventType = "admin.product_updated"
	EventAdminProductDeleted EventType = "admin.product_deleted"
)

// Security events.
const (
	EventSecurityFailedLogin        EventType = "security.failed_login"
	EventSecurityRateLimitExceeded  EventType = "security.rate_limit_exceeded"
	EventSecuritySuspiciousActivity EventType = "security.suspicious_activity"
	EventSecurityFraudDetected      EventType = "security.fraud_detected"
)

// System events.
const (
	EventSystemBackup      EventType = "system.backup"
	EventSystemRestore     EventType = "system.restore"
	EventSystemMaintenance EventType = "system.maintenance"
)

var knownEvents = map[EventType]struct{}{
	EventAuthLogin: {}, EventAuthLogout: {}, EventAuthRegister: {},
	EventAuthPasswordReset: {}, EventAuthEmailVerify: {},
	EventAuthTwoFactorEnable: {}, EventAuthTwoFactorDisable: {},
	EventAuthSessionRevoke: {},

	EventPaymentInitiated: {}, EventPaymentCompleted: {},
	EventPaymentFailed: {}, EventPaymentRefunded: {},

	EventOrderCreated: {}, EventOrderUpdated: {},
	EventOrderCancelled: {}, EventOrderShipped: {},

	EventUserProfileUpdate: {}, EventUserAddressChange: {},
	EventUserRoleChange: {}, EventUserAccountLocked: {},

	EventAdminUserAccess: {}, EventAdminConfigChange: {},
	EventAdminDataExport: {}, EventAdminProductCreated: {},
	EventAdminProductUpdated: {}, EventAdminProductDeleted: {},

	EventSecurityFailedLogin: {}, EventSecurityRateLimitExceeded: {},
	EventSecuritySuspiciousActivity: {}, EventSecurityFraudDetected: {},

	EventSystemBackup: {}, EventSystemRestore: {}, EventSystemMaintenance: {},
}

// Valid reports whether the event type belongs to the closed taxonomy.
func (e EventType) Valid() bool {
	_, ok := knownEvents[e]
	return ok
}

// Category returns the taxonomy group, the segment before the first dot
// ("auth", "payment", "security", ...).
func (e EventType) Category() string {
	if i := strings.IndexByte(string(e), '.'); i > 0 {
		return string(e[:i])
	}
	return string(e)
}

// Result classifies the terminal outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// Valid reports whether the result belongs to the closed set.
func (r Result) Valid() bool {
	return r == ResultSuccess || r == ResultFailure || r == ResultPartial
}

// Changes carries a before/after snapshot for mutation events. Values must
// already be stripped of secrets by the caller; the audit log is long-lived.
type Changes struct {
	Before map[string]any
	After  map[string]any
}

// Metadata carries the request context captured alongside an event.
type Metadata struct {
	IP        string
	UserAgent string
	Location  string
	Extra     map[string]any
}

// Entry is one signed row of the audit log. Signature covers the six
// identity fields (timestamp, eventType, userId, action, resource, result);
// PreviousHash links the entry to its predecessor.
type Entry struct {
	Timestamp    time.Time
	EventType    EventType
	UserID       string
	Action       string
	Resource     string
	ResourceID   string
	Changes      *Changes
	Metadata     Metadata
	Result       Result
	ErrorMessage string
	RiskScore    int
	Signature    string
	PreviousHash string
}

// Event is the caller-supplied portion of an audit entry. The writer fills
// in the timestamp, the signature, and the chain link.
type Event struct {
	Type         EventType
	UserID       string
	Action       string
	Resource     string
	ResourceID   string
	Changes      *Changes
	Metadata     Metadata
	Result       Result
	ErrorMessage string
	RiskScore    int
}
