// Package anomaly scores user activity for fraud and abuse signals. The
// detector is read-only over order history and the audit log: it returns a
// score with reasons and the caller decides what to block. Reader failures
// degrade to a lower score instead of failing the calling operation.
package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
)

var tracer = otel.Tracer("anomaly")

var (
	checksTotal metric.Int64Counter
	alertsTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("anomaly")

	checksTotal, _ = m.Int64Counter("anomaly_checks_total",
		metric.WithDescription("Total anomaly checks run"))
	alertsTotal, _ = m.Int64Counter("security_alerts_total",
		metric.WithDescription("Total security alerts dispatched"))
}

// Score thresholds. A result is anomalous at SuspicionThreshold, notifies
// the alert sink at AlertThreshold, and blocks payment-intent creation at
// GateThreshold.
const (
	SuspicionThreshold = 60
	AlertThreshold     = 70
	GateThreshold      = 80
)

// Rule weights.
const (
	weightOrderAboveAverage = 40
	weightUnseenAddress     = 30
	weightFirstLargeOrder   = 50
	weightVeryLargeOrder    = 25

	weightHourlyOrderBurst = 70
	weightDailyOrderBurst  = 50

	weightAccountFailedLogins = 60
	weightIPFailedLogins      = 70
	weightBruteForceTiming    = 80

	weightRepeatedPaymentFailures = 50
	weightLargePayment            = 20
	weightPaymentBurst            = 40
	weightDistinctIPs             = 30
)

// Rule parameters. Amount thresholds are in cents.
const (
	orderHistoryDepth   = 10
	highValueMultiplier = int64(3)

	centsPerMajorUnit        = 100
	firstOrderHighCents      = int64(1_000) * centsPerMajorUnit
	veryLargeOrderCents      = int64(10_000) * centsPerMajorUnit
	largePaymentCents        = int64(5_000) * centsPerMajorUnit

	maxOrdersPerHour = 5
	maxOrdersPerDay  = 20

	maxAccountFailures    = 5
	maxIPFailures         = 10
	bruteForceMinAttempts = 10
	bruteForceMeanGap     = 5 * time.Second

	maxFailedPayments = 3
	maxPaymentEvents  = 10
	maxPaymentIPs     = 5
)

// Result is the outcome of one anomaly check.
type Result struct {
	IsAnomalous     bool
	RiskScore       int // 0-100
	Reasons         []string
	Recommendations []string
}

// OrderSummary is the slice of an order the detector scores against.
type OrderSummary struct {
	AmountCents     int64
	ShippingAddress string
	CreatedAt       time.Time
}

// OrderReader is the read-side view of order history.
type OrderReader interface {
	// RecentByUser returns up to limit orders, newest first.
	RecentByUser(ctx context.Context, userID string, limit int) ([]OrderSummary, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// EventQuery selects audit entries for a scoring read. Types is an any-of
// set; UserID and IP are optional exact filters.
type EventQuery struct {
	Types  []audit.EventType
	UserID string
	IP     string
	Since  time.Time
}

// AuditReader is the read-side view of the audit log, ascending by timestamp.
type AuditReader interface {
	FindSince(ctx context.Context, q EventQuery) ([]audit.Entry, error)
}

// Recorder appends audit events; satisfied by *audit.Writer.
type Recorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// AlertSink receives findings at or above AlertThreshold. Dispatch runs in
// the background; failures are logged, never propagated.
type AlertSink interface {
	SecurityAlert(ctx context.Context, userID string, res Result) error
}

// Config holds the dependencies for Detector.
type Config struct {
	Orders OrderReader
	Events AuditReader
	Audit  Recorder
	Alerts AlertSink // optional
	Clock  domain.Clock
	Logger *slog.Logger
}

// Detector runs the scoring rules. Safe for concurrent use.
type Detector struct {
	orders OrderReader
	events AuditReader
	audit  Recorder
	alerts AlertSink
	clock  domain.Clock
	logger *slog.Logger
	bgWG   sync.WaitGroup // owns alert dispatch goroutines
}

// NewDetector creates a Detector with the given dependencies.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		orders: cfg.Orders,
		events: cfg.Events,
		audit:  cfg.Audit,
		alerts: cfg.Alerts,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Wait blocks until all background alert dispatches complete. The server
// drains this during graceful shutdown.
func (d *Detector) Wait() {
	d.bgWG.Wait()
}

// finish caps the score, classifies the result, writes the
// security.suspicious_activity entry when warranted, and dispatches the
// alert sink in the background above AlertThreshold.
func (d *Detector) finish(ctx context.Context, check, userID, ip string, score int, reasons []string) Result {
	if score > 100 {
		score = 100
	}
	res := Result{
		IsAnomalous:     score >= SuspicionThreshold,
		RiskScore:       score,
		Reasons:         reasons,
		Recommendations: recommendationsFor(score),
	}

	checksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("check", check),
		attribute.Bool("anomalous", res.IsAnomalous)))

	if res.IsAnomalous {
		d.audit.Record(ctx, audit.Event{
			Type:      audit.EventSecuritySuspiciousActivity,
			UserID:    userID,
			Action:    check,
			Resource:  "security",
			Result:    audit.ResultSuccess,
			RiskScore: score,
			Metadata: audit.Metadata{
				IP:    ip,
				Extra: map[string]any{"reasons": reasons},
			},
		})
	}

	if score >= AlertThreshold && d.alerts != nil {
		alertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("check", check)))

		// Detach from the request context so cancellation does not kill
		// an in-flight alert. WithoutCancel preserves trace values.
		alertCtx := context.WithoutCancel(ctx)
		d.bgWG.Add(1)
		go func() {
			defer d.bgWG.Done()
			if err := d.alerts.SecurityAlert(alertCtx, userID, res); err != nil {
				d.logger.ErrorContext(alertCtx, "security alert dispatch failed",
					"error", err, "check", check, "risk_score", score)
			}
		}()
	}

	return res
}

// degrade logs a reader failure. The affected rule contributes nothing and
// the check proceeds with the remaining rules.
func (d *Detector) degrade(ctx context.Context, what string, err error) {
	observability.WithTraceID(ctx, d.logger).ErrorContext(ctx, "anomaly input unavailable",
		"error", err, "input", what)
}

func recommendationsFor(score int) []string {
	var recs []string
	if score >= GateThreshold {
		recs = append(recs, "block_transaction")
	}
	if score >= AlertThreshold {
		recs = append(recs, "notify_security_team")
	}
	if score >= SuspicionThreshold {
		recs = append(recs, "require_manual_review")
	}
	return recs
}
