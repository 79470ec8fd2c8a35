package domain

import "time"

// Normative security limits. These are compiled defaults; the handful that
// operators tune (rate-limit window/ceiling, token lifetimes) can be
// overridden via configuration.
const (
	// Password policy
	MinPasswordLength   = 12
	PasswordHistorySize = 5 // last N bcrypt hashes kept for reuse checks

	// Failed-login defense
	FailedLoginWindow  = 15 * time.Minute
	MaxFailedLogins    = 5
	LoginBlockDuration = 30 * time.Minute

	// Token lifetimes
	AccessTokenLifetime       = 15 * time.Minute
	RefreshTokenLifetime      = 7 * 24 * time.Hour
	TempTokenLifetime         = 5 * time.Minute // 2FA handoff between login and code entry
	VerificationTokenLifetime = 24 * time.Hour
	ResetTokenLifetime        = 1 * time.Hour

	// Sessions
	MaxActiveSessionsPerUser = 10

	// Rate limiters
	AuthRateLimit        = 5
	AuthRateWindow       = time.Minute
	StrictRateLimit      = 3
	StrictRateWindow     = 15 * time.Minute
	EnhancedRateLimit    = 10 // humans
	EnhancedRateLimitBot = 3  // clients the automation detector flags
	EnhancedRateWindow   = 15 * time.Minute

	// Request body caps
	MaxJSONBodyBytes    = 10 * 1024
	MaxWebhookBodyBytes = 64 * 1024

	// Login history ring kept on the user record
	LoginHistorySize = 20

	// Two-factor
	BackupCodeCount = 10

	// Timeout contracts for outbound calls
	MongoTimeout = 5 * time.Second
	RedisTimeout = 2 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// In-memory fallback store eviction cadence
	MemoryStoreSweepInterval = 5 * time.Minute
)

// ProgressiveDelays is the per-attempt sleep schedule applied before a login
// is processed, indexed by min(failureCount, len-1).
var ProgressiveDelays = [...]time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// ProgressiveDelay returns the delay to apply before processing a login
// attempt for a key that has already failed failureCount times.
func ProgressiveDelay(failureCount int) time.Duration {
	if failureCount < 0 {
		failureCount = 0
	}
	if failureCount >= len(ProgressiveDelays) {
		failureCount = len(ProgressiveDelays) - 1
	}
	return ProgressiveDelays[failureCount]
}

// Role represents a user's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// IsValidRole checks if a role is part of the closed set.
func IsValidRole(r Role) bool {
	return r == RoleUser || r == RoleAdmin
}

// Provider identifies how an account authenticates.
type Provider string

const (
	ProviderLocal       Provider = "local"
	ProviderExternalIDP Provider = "external-idp"
)

// IsValidProvider checks if a provider is part of the closed set.
func IsValidProvider(p Provider) bool {
	return p == ProviderLocal || p == ProviderExternalIDP
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderPaid       OrderStatus = "paid"
	OrderShipped    OrderStatus = "shipped"
	OrderCancelled  OrderStatus = "cancelled"
)

// IsValidOrderStatus checks if a status is part of the closed set.
func IsValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderPending, OrderProcessing, OrderPaid, OrderShipped, OrderCancelled:
		return true
	}
	return false
}

// orderTransitions defines the permitted status moves. Webhooks settle
// processing orders; fulfilment moves paid orders onward.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderPaid, OrderCancelled},
	OrderPaid:       {OrderShipped},
}

// CanTransitionOrder reports whether an order may move from one status to another.
func CanTransitionOrder(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
