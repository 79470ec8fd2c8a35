package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	redisclient "github.com/velomart/commerce-security-core/internal/redis"
)

// rateLimitScript atomically increments a fixed-window counter, starts the
// window on the first hit, and reports the remaining window so callers can
// surface Retry-After without a second round trip. EXPIRE ... NX would need
// Redis 7.0+; the conditional first-write expiry works everywhere.
const rateLimitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// RateLimiter enforces fixed-window caps in Redis, shared across instances.
// Errors propagate so the failover wrapper can switch backends; callers
// that use it bare deny on error.
type RateLimiter struct {
	cmd    redisclient.Cmdable
	script *redisclient.Script
	clock  domain.Clock
}

// NewRateLimiter returns a RateLimiter executing against cmd.
func NewRateLimiter(cmd redisclient.Cmdable, clock domain.Clock) *RateLimiter {
	return &RateLimiter{
		cmd:    cmd,
		script: redisclient.NewScript(rateLimitScript),
		clock:  clock,
	}
}

// Allow charges one request against key's fixed window and reports the
// verdict plus the header material.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (app.Decision, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.allow")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	res, err := r.script.Run(ctx, r.cmd, []string{"rl:" + key}, window.Milliseconds()).Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return app.Decision{Limit: limit}, fmt.Errorf("rate limit %q: %w", key, err)
	}
	if len(res) != 2 {
		return app.Decision{Limit: limit}, fmt.Errorf("rate limit %q: unexpected script reply length %d", key, len(res))
	}
	count, _ := res[0].(int64)
	ttlMillis, _ := res[1].(int64)

	ttl := time.Duration(ttlMillis) * time.Millisecond
	d := app.Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(0, limit-int(count)),
		ResetAt:   r.clock.Now().UTC().Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}
