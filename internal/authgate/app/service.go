// Package app implements the account-security workflows: registration and
// email verification, password and two-factor login, refresh-token rotation
// with reuse detection, password lifecycle, session management, and the
// fraud-gated payment-intent flow.
//
// The service depends only on narrow interfaces declared in this package;
// the adapter package provides the MongoDB, Redis, Stripe, and Postmark
// implementations, and the port package exposes the flows over HTTP.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/token"
)

var tracer = otel.Tracer("authgate/app")

var (
	loginsTotal             metric.Int64Counter
	loginFailuresTotal      metric.Int64Counter
	lockoutsTotal           metric.Int64Counter
	tokensMintedTotal       metric.Int64Counter
	refreshReuseTotal       metric.Int64Counter
	fingerprintGraceTotal   metric.Int64Counter
	sessionRevocationsTotal metric.Int64Counter
	fraudGateTotal          metric.Int64Counter
	webhookFailuresTotal    metric.Int64Counter
)

func init() {
	meter := otel.Meter("authgate/app")
	loginsTotal, _ = meter.Int64Counter("auth_logins_total",
		metric.WithDescription("Completed logins"))
	loginFailuresTotal, _ = meter.Int64Counter("auth_login_failures_total",
		metric.WithDescription("Rejected credential or two-factor attempts"))
	lockoutsTotal, _ = meter.Int64Counter("auth_lockouts_total",
		metric.WithDescription("Accounts locked after repeated failures"))
	tokensMintedTotal, _ = meter.Int64Counter("auth_tokens_minted_total",
		metric.WithDescription("Access/refresh pairs issued"))
	refreshReuseTotal, _ = meter.Int64Counter("auth_refresh_reuse_total",
		metric.WithDescription("Revoked refresh tokens presented inside their lifetime"))
	fingerprintGraceTotal, _ = meter.Int64Counter("auth_fingerprint_grace_total",
		metric.WithDescription("Access tokens accepted via the legacy fingerprint grace path"))
	sessionRevocationsTotal, _ = meter.Int64Counter("auth_session_revocations_total",
		metric.WithDescription("Refresh sessions revoked, by reason"))
	fraudGateTotal, _ = meter.Int64Counter("payment_fraud_gate_total",
		metric.WithDescription("Payment intents blocked by the anomaly gate"))
	webhookFailuresTotal, _ = meter.Int64Counter("payment_webhook_failures_total",
		metric.WithDescription("Webhook deliveries rejected or unprocessable"))
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// TrustedDevice is a device the account holder has logged in from before.
// Logins from devices not on this list trigger a notification email.
type TrustedDevice struct {
	DeviceID   string
	DeviceName string
	FirstSeen  time.Time
}

// LoginAttempt is one entry of the per-user login history ring.
type LoginAttempt struct {
	Timestamp time.Time
	IP        string
	UserAgent string
	Location  string
	Success   bool
	Reason    string
}

// UserRecord is the persisted account. Secret-bearing fields (password hash,
// two-factor material, single-use token hashes) stay inside the app and
// adapter packages; views handed to the HTTP layer carry none of them.
type UserRecord struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         domain.Role
	Provider     domain.Provider
	TokenVersion int

	IsEmailVerified       bool
	VerificationTokenHash string
	VerificationExpiresAt time.Time

	ResetTokenHash string
	ResetExpiresAt time.Time

	// PasswordHistory holds the current hash plus up to the last
	// domain.PasswordHistorySize-1 predecessors, newest first.
	PasswordHistory    []string
	LastPasswordChange time.Time

	TwoFactorEnabled bool
	// TwoFactorSecret is the AES-256-GCM ciphertext of the base32 TOTP
	// secret. TwoFactorTempSecret stages the secret between Enable and
	// VerifySetup; it is promoted only after the first valid code.
	TwoFactorSecret     string
	TwoFactorTempSecret string
	BackupCodeHashes    []string
	TempTokenHash       string
	TempTokenExpiresAt  time.Time

	FailedLoginAttempts int
	AccountLockedUntil  time.Time

	TrustedDevices []TrustedDevice
	LoginHistory   []LoginAttempt

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceInfo is the per-request device context the HTTP layer extracts:
// client-declared identifiers plus the server-computed fingerprint.
type DeviceInfo struct {
	DeviceID    string
	DeviceName  string
	UserAgent   string
	IP          string
	Location    string
	Fingerprint string
}

// SessionRecord is one refresh session. TokenHash is the SHA-256 of the
// refresh JWT; the raw token is never stored. Family groups the rotation
// chain so reuse detection can revoke every descendant at once.
type SessionRecord struct {
	ID            string
	UserID        string
	TokenHash     string
	Family        string
	Device        DeviceInfo
	CreatedAt     time.Time
	LastUsedAt    time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
	RevokedReason string
}

// OrderItem is one priced line of an order. Price always comes from the
// product catalog, never from the request.
type OrderItem struct {
	ProductID  string
	Name       string
	PriceCents int64
	Quantity   int
}

// OrderRecord is a pending or settled order row.
type OrderRecord struct {
	ID              string
	UserID          string
	Items           []OrderItem
	AmountCents     int64
	Currency        string
	Status          domain.OrderStatus
	PaymentIntentID string
	ClientSecret    string
	ShippingAddress string
	IP              string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProductRecord is the catalog view the payment flow prices against.
type ProductRecord struct {
	ID         string
	Name       string
	PriceCents int64
	Currency   string
	Active     bool
}

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// UserStore persists user records.
type UserStore interface {
	// Create inserts a new user and returns its ID. A duplicate email
	// surfaces domain.ErrAlreadyExists.
	Create(ctx context.Context, u UserRecord) (string, error)
	GetByID(ctx context.Context, id string) (*UserRecord, error)
	// FindByEmail looks up by normalized address and returns
	// domain.ErrNotFound when absent.
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
	FindByVerificationToken(ctx context.Context, tokenHash string) (*UserRecord, error)
	FindByResetToken(ctx context.Context, tokenHash string) (*UserRecord, error)
	FindByTempToken(ctx context.Context, tokenHash string) (*UserRecord, error)
	// Update replaces the mutable fields of the record.
	Update(ctx context.Context, u *UserRecord) error
	// RecordFailure atomically increments the failure counter, appends
	// the attempt to the login history ring, and returns the new count.
	RecordFailure(ctx context.Context, userID string, attempt LoginAttempt) (int, error)
	// RecordSuccess resets the failure counter, clears any lock, and
	// appends the attempt to the history ring.
	RecordSuccess(ctx context.Context, userID string, attempt LoginAttempt) error
	LockUntil(ctx context.Context, userID string, until time.Time) error
	AddTrustedDevice(ctx context.Context, userID string, device TrustedDevice) error
}

// SessionStore persists refresh sessions. Lookups return rows regardless of
// revocation state; callers inspect Revoked to distinguish reuse from a
// merely missing session.
type SessionStore interface {
	// Create inserts a session. A duplicate token hash surfaces
	// domain.ErrAlreadyExists.
	Create(ctx context.Context, s SessionRecord) error
	GetByID(ctx context.Context, id string) (*SessionRecord, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*SessionRecord, error)
	// Revoke marks one active session revoked. domain.ErrNotFound means
	// no live row matched — either absent or already revoked.
	Revoke(ctx context.Context, id, reason string) error
	RevokeFamily(ctx context.Context, family, reason string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
	// ListActive returns unrevoked, unexpired sessions, oldest first.
	ListActive(ctx context.Context, userID string) ([]SessionRecord, error)
}

// OrderStore persists orders for the payment flow.
type OrderStore interface {
	Create(ctx context.Context, o OrderRecord) (string, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (*OrderRecord, error)
	AttachIntent(ctx context.Context, orderID, intentID, clientSecret string, status domain.OrderStatus) error
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error
}

// ProductStore reads the catalog entries an order prices against.
type ProductStore interface {
	FindByIDs(ctx context.Context, ids []string) ([]ProductRecord, error)
}

// CartStore clears a user's cart after a confirmed payment.
type CartStore interface {
	Clear(ctx context.Context, userID string) error
}

// FailedLoginState is the tracker's view of one key: attempts inside the
// rolling window and whether the key is currently blocked.
type FailedLoginState struct {
	Count      int
	Blocked    bool
	RetryAfter time.Duration
}

// FailedLoginTracker counts credential failures per key (IP plus hashed
// email) and blocks keys that cross the threshold. Implementations must
// serialize updates per key.
type FailedLoginTracker interface {
	Fail(ctx context.Context, key string) (FailedLoginState, error)
	Clear(ctx context.Context, key string) error
	Check(ctx context.Context, key string) (FailedLoginState, error)
}

// Decision is a rate-limit verdict plus the header material the HTTP layer
// surfaces with it.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter enforces fixed-window request caps. The port middleware is
// the only caller; the interface lives here so the failover wrapper can
// serve both security stores through one health probe.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// EmailSender delivers transactional mail. Implementations never block a
// flow on delivery problems; the service already calls them from background
// goroutines where a failure may only be logged.
type EmailSender interface {
	SendVerification(ctx context.Context, email, rawToken string) error
	SendPasswordReset(ctx context.Context, email, rawToken string) error
	SendPasswordChanged(ctx context.Context, email string) error
	SendAccountLocked(ctx context.Context, email string, until time.Time) error
	SendNewDeviceAlert(ctx context.Context, email string, device DeviceInfo) error
	SendPaymentConfirmation(ctx context.Context, email, orderID string, amountCents int64, currency string) error
}

// PaymentIntentInput is the provider-facing slice of an order.
type PaymentIntentInput struct {
	AmountCents int64
	Currency    string
	OrderID     string
	UserID      string
}

// PaymentIntent is the provider's handle for a created intent.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// PaymentProvider creates payment intents with the upstream processor.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, in PaymentIntentInput) (*PaymentIntent, error)
}

// WebhookEvent is a provider callback that passed signature verification.
type WebhookEvent struct {
	Type     string
	IntentID string
	// FailureMessage carries the provider's decline reason on
	// payment_failed events.
	FailureMessage string
}

// WebhookVerifier authenticates a raw webhook delivery. An invalid
// signature surfaces domain.ErrProvider.
type WebhookVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*WebhookEvent, error)
}

// AuditRecorder appends to the tamper-evident audit log; satisfied by
// *audit.Writer. Record never fails the calling flow.
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// AnomalyScorer runs the fraud rules; satisfied by *anomaly.Detector.
type AnomalyScorer interface {
	ScorePayment(ctx context.Context, in anomaly.OrderInput) anomaly.Result
	ScoreFailedLogins(ctx context.Context, userID, ip string) anomaly.Result
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Config holds the dependencies for Service.
type Config struct {
	Users    UserStore
	Sessions SessionStore
	Orders   OrderStore
	Products ProductStore
	Carts    CartStore
	Tracker  FailedLoginTracker
	Minter   *token.Minter
	Verifier *token.Verifier
	Secrets  *token.SecretBox
	Audit    AuditRecorder
	Anomaly  AnomalyScorer
	Payments PaymentProvider
	Webhooks WebhookVerifier
	Email    EmailSender
	Clock    domain.Clock
	Logger   *slog.Logger

	// TOTPIssuer labels provisioning URIs in authenticator apps.
	TOTPIssuer string

	// StrictFingerprint rejects access tokens whose fingerprint matches
	// neither the enhanced nor the legacy request fingerprint. Off, the
	// mismatch is logged and the request proceeds.
	StrictFingerprint bool

	// Delay implements the progressive login backoff. Nil uses a real
	// context-aware sleep; tests inject a recorder.
	Delay func(ctx context.Context, d time.Duration)
}

// Service orchestrates the account-security workflows. Safe for concurrent
// use.
type Service struct {
	users    UserStore
	sessions SessionStore
	orders   OrderStore
	products ProductStore
	carts    CartStore
	tracker  FailedLoginTracker
	minter   *token.Minter
	verifier *token.Verifier
	secrets  *token.SecretBox
	audit    AuditRecorder
	anomaly  AnomalyScorer
	payments PaymentProvider
	webhooks WebhookVerifier
	email    EmailSender
	clock    domain.Clock
	logger   *slog.Logger

	totpIssuer        string
	strictFingerprint bool
	delay             func(ctx context.Context, d time.Duration)

	bgWG sync.WaitGroup // owns notification and scoring goroutines
}

// NewService creates a Service with the given dependencies.
func NewService(cfg Config) *Service {
	delay := cfg.Delay
	if delay == nil {
		delay = sleepCtx
	}
	return &Service{
		users:             cfg.Users,
		sessions:          cfg.Sessions,
		orders:            cfg.Orders,
		products:          cfg.Products,
		carts:             cfg.Carts,
		tracker:           cfg.Tracker,
		minter:            cfg.Minter,
		verifier:          cfg.Verifier,
		secrets:           cfg.Secrets,
		audit:             cfg.Audit,
		anomaly:           cfg.Anomaly,
		payments:          cfg.Payments,
		webhooks:          cfg.Webhooks,
		email:             cfg.Email,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		totpIssuer:        cfg.TOTPIssuer,
		strictFingerprint: cfg.StrictFingerprint,
		delay:             delay,
	}
}

// Wait blocks until background notification and scoring goroutines finish.
// Called during shutdown after the HTTP server drains.
func (s *Service) Wait() {
	s.bgWG.Wait()
}

// background runs fn on a goroutine detached from the request's
// cancellation, so a client disconnect cannot drop a notification.
func (s *Service) background(ctx context.Context, what string, fn func(context.Context) error) {
	bg := context.WithoutCancel(ctx)
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := fn(bg); err != nil {
			s.logger.Warn("background task failed", "task", what, "error", err)
		}
	}()
}

// ---------------------------------------------------------------------------
// Views and results
// ---------------------------------------------------------------------------

// UserView is the outward shape of an account: identity and security
// posture, no secret material.
type UserView struct {
	ID                 string
	Email              string
	Name               string
	Role               domain.Role
	Provider           domain.Provider
	IsEmailVerified    bool
	TwoFactorEnabled   bool
	LastPasswordChange time.Time
	CreatedAt          time.Time
}

func viewOf(u *UserRecord) *UserView {
	return &UserView{
		ID:                 u.ID,
		Email:              u.Email,
		Name:               u.Name,
		Role:               u.Role,
		Provider:           u.Provider,
		IsEmailVerified:    u.IsEmailVerified,
		TwoFactorEnabled:   u.TwoFactorEnabled,
		LastPasswordChange: u.LastPasswordChange,
		CreatedAt:          u.CreatedAt,
	}
}

// TokenPair is a freshly minted access/refresh pair plus the session that
// anchors the refresh side.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// SessionView is the outward shape of a refresh session for the sessions
// list. Current marks the session backing the caller's own refresh cookie.
type SessionView struct {
	ID         string
	DeviceID   string
	DeviceName string
	UserAgent  string
	IP         string
	Location   string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Current    bool
}

// Principal is the authenticated caller attached to a request after bearer
// verification.
type Principal struct {
	UserID       string
	Email        string
	Role         domain.Role
	TokenVersion int
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func hashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func passwordMatches(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// trackerKey scopes failure counting to source IP plus hashed email so an
// attacker rotating addresses cannot share a budget, and the raw address
// never lands in Redis.
func trackerKey(ip, email string) string {
	return ip + ":" + token.HashToken(email)
}

func requestMeta(device DeviceInfo) audit.Metadata {
	return audit.Metadata{
		IP:        device.IP,
		UserAgent: device.UserAgent,
		Location:  device.Location,
	}
}
