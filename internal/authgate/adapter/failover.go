package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

var securityFailoversTotal metric.Int64Counter

func init() {
	meter := otel.Meter("authgate/adapter")
	securityFailoversTotal, _ = meter.Int64Counter("security_store_failovers_total",
		metric.WithDescription("Switches of the security store between Redis and memory"))
}

// SecurityBackend is the combined rate-limit and failed-login surface the
// failover wrapper switches between.
type SecurityBackend interface {
	app.RateLimiter
	app.FailedLoginTracker
}

// RedisSecurity bundles the Redis limiter and tracker into one backend.
type RedisSecurity struct {
	*RateLimiter
	*FailedLoginTracker
}

const (
	// failoverBudget is how many consecutive primary errors trip the
	// switch to memory.
	failoverBudget = 3
	// failoverCooldown is how long the wrapper serves from memory before
	// probing the primary again.
	failoverCooldown = 30 * time.Second
)

var (
	_ SecurityBackend = (*RedisSecurity)(nil)
	_ SecurityBackend = (*MemorySecurityStore)(nil)
	_ SecurityBackend = (*SecurityFailover)(nil)
)

// SecurityFailover serves rate limiting and failed-login tracking from a
// Redis primary, degrading to the in-process store when Redis misbehaves.
// Degrading keeps limits enforced per instance instead of failing requests
// outright; the healthz payload exposes the mode so operators see the
// reduced guarantee. A nil primary pins the wrapper to memory.
type SecurityFailover struct {
	primary  SecurityBackend
	fallback SecurityBackend
	clock    domain.Clock
	logger   *slog.Logger

	mu            sync.Mutex
	failures      int
	degraded      bool
	degradedUntil time.Time
}

// NewSecurityFailover wires the wrapper. fallback must not be nil.
func NewSecurityFailover(primary, fallback SecurityBackend, clock domain.Clock, logger *slog.Logger) *SecurityFailover {
	return &SecurityFailover{
		primary:  primary,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
	}
}

// Mode reports which backend is serving: "distributed" or "memory".
func (f *SecurityFailover) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.primary == nil || (f.degraded && f.degradedUntil.After(f.clock.Now().UTC())) {
		return "memory"
	}
	return "distributed"
}

// Allow charges a request against whichever backend is healthy.
func (f *SecurityFailover) Allow(ctx context.Context, key string, limit int, window time.Duration) (app.Decision, error) {
	if f.usePrimary() {
		d, err := f.primary.Allow(ctx, key, limit, window)
		if err == nil {
			f.reportSuccess()
			return d, nil
		}
		f.reportFailure(ctx, err)
	}
	return f.fallback.Allow(ctx, key, limit, window)
}

// Fail charges a credential failure against whichever backend is healthy.
func (f *SecurityFailover) Fail(ctx context.Context, key string) (app.FailedLoginState, error) {
	if f.usePrimary() {
		st, err := f.primary.Fail(ctx, key)
		if err == nil {
			f.reportSuccess()
			return st, nil
		}
		f.reportFailure(ctx, err)
	}
	return f.fallback.Fail(ctx, key)
}

// Check reads key's failure state from whichever backend is healthy.
func (f *SecurityFailover) Check(ctx context.Context, key string) (app.FailedLoginState, error) {
	if f.usePrimary() {
		st, err := f.primary.Check(ctx, key)
		if err == nil {
			f.reportSuccess()
			return st, nil
		}
		f.reportFailure(ctx, err)
	}
	return f.fallback.Check(ctx, key)
}

// Clear clears key's failure state on both backends; counting must not
// resume from a stale copy after a mode switch.
func (f *SecurityFailover) Clear(ctx context.Context, key string) error {
	var primaryErr error
	if f.usePrimary() {
		if primaryErr = f.primary.Clear(ctx, key); primaryErr == nil {
			f.reportSuccess()
		} else {
			f.reportFailure(ctx, primaryErr)
		}
	}
	if err := f.fallback.Clear(ctx, key); err != nil {
		return err
	}
	return primaryErr
}

func (f *SecurityFailover) usePrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.primary == nil {
		return false
	}
	if f.degraded && f.degradedUntil.After(f.clock.Now().UTC()) {
		return false
	}
	return true
}

func (f *SecurityFailover) reportSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.degraded {
		f.logger.Info("security store recovered, back on redis")
		securityFailoversTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("direction", "recovered")))
	}
	f.failures = 0
	f.degraded = false
}

func (f *SecurityFailover) reportFailure(ctx context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now().UTC()

	// A failed probe re-arms the cooldown without needing a fresh budget.
	if f.degraded {
		f.degradedUntil = now.Add(failoverCooldown)
		f.logger.WarnContext(ctx, "security store probe failed, staying on memory", "error", err)
		return
	}

	f.failures++
	if f.failures < failoverBudget {
		f.logger.WarnContext(ctx, "security store error", "error", err, "consecutive", f.failures)
		return
	}

	f.failures = 0
	f.degraded = true
	f.degradedUntil = now.Add(failoverCooldown)
	f.logger.ErrorContext(ctx, "security store degraded to memory", "error", err, "cooldown", failoverCooldown)
	securityFailoversTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", "degraded")))
}
