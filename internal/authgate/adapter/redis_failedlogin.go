package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	redisclient "github.com/velomart/commerce-security-core/internal/redis"
)

// failedLoginScript is the single atomic read-modify-write behind Fail. It
// keeps one hash per key holding count, firstAt, and blockedUntil (all
// millisecond timestamps supplied by the caller; Lua never reads the Redis
// clock so tests drive time deterministically).
//
// ARGV: now, window, block, threshold, retention — all ms except threshold.
// Reply: {count, blocked(0|1), retryMillis}.
const failedLoginScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local retention = tonumber(ARGV[5])

local blockedAt = tonumber(redis.call('HGET', KEYS[1], 'blockedUntil') or '0')
if blockedAt > now then
  local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
  return {count, 1, blockedAt - now}
end

local firstAt = tonumber(redis.call('HGET', KEYS[1], 'firstAt') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if firstAt == 0 or now - firstAt >= window then
  count = 1
  firstAt = now
else
  count = count + 1
end

if count >= threshold then
  local blockedUntil = now + block
  redis.call('HSET', KEYS[1], 'count', count, 'firstAt', firstAt, 'blockedUntil', blockedUntil)
  redis.call('PEXPIRE', KEYS[1], retention)
  return {count, 1, block}
end

redis.call('HSET', KEYS[1], 'count', count, 'firstAt', firstAt)
redis.call('HDEL', KEYS[1], 'blockedUntil')
redis.call('PEXPIRE', KEYS[1], retention)
return {count, 0, 0}
`

// FailedLoginTracker counts credential failures per key (source IP plus
// hashed address) in Redis and blocks keys that cross the threshold inside
// the rolling window. Shared state means an attacker rotating between
// instances still burns one budget.
type FailedLoginTracker struct {
	cmd    redisclient.Cmdable
	script *redisclient.Script
	clock  domain.Clock
}

// NewFailedLoginTracker returns a tracker executing against cmd.
func NewFailedLoginTracker(cmd redisclient.Cmdable, clock domain.Clock) *FailedLoginTracker {
	return &FailedLoginTracker{
		cmd:    cmd,
		script: redisclient.NewScript(failedLoginScript),
		clock:  clock,
	}
}

func failedLoginKey(key string) string {
	return "fl:" + key
}

// Fail charges one failure against key and reports the resulting state.
// Crossing domain.MaxFailedLogins inside domain.FailedLoginWindow blocks
// the key for domain.LoginBlockDuration.
func (t *FailedLoginTracker) Fail(ctx context.Context, key string) (app.FailedLoginState, error) {
	ctx, span := tracer.Start(ctx, "redis.failed_login.fail")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	now := t.clock.Now().UTC()
	retention := domain.FailedLoginWindow + domain.LoginBlockDuration
	res, err := t.script.Run(ctx, t.cmd, []string{failedLoginKey(key)},
		now.UnixMilli(),
		domain.FailedLoginWindow.Milliseconds(),
		domain.LoginBlockDuration.Milliseconds(),
		domain.MaxFailedLogins,
		retention.Milliseconds(),
	).Slice()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return app.FailedLoginState{}, fmt.Errorf("failed-login fail %q: %w", key, err)
	}
	if len(res) != 3 {
		return app.FailedLoginState{}, fmt.Errorf("failed-login fail %q: unexpected script reply length %d", key, len(res))
	}

	count, _ := res[0].(int64)
	blocked, _ := res[1].(int64)
	retryMillis, _ := res[2].(int64)
	return app.FailedLoginState{
		Count:      int(count),
		Blocked:    blocked == 1,
		RetryAfter: time.Duration(retryMillis) * time.Millisecond,
	}, nil
}

// Check reports key's state without charging it. Reads are plain hash
// lookups; the window and block arithmetic runs client-side.
func (t *FailedLoginTracker) Check(ctx context.Context, key string) (app.FailedLoginState, error) {
	ctx, span := tracer.Start(ctx, "redis.failed_login.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "HGETALL"),
	)

	fields, err := t.cmd.HGetAll(ctx, failedLoginKey(key)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return app.FailedLoginState{}, fmt.Errorf("failed-login check %q: %w", key, err)
	}
	if len(fields) == 0 {
		return app.FailedLoginState{}, nil
	}

	now := t.clock.Now().UTC()
	count := parseIntField(fields, "count")
	firstAt := parseIntField(fields, "firstAt")
	blockedUntil := parseIntField(fields, "blockedUntil")

	if blockedUntil > now.UnixMilli() {
		return app.FailedLoginState{
			Count:      int(count),
			Blocked:    true,
			RetryAfter: time.Duration(blockedUntil-now.UnixMilli()) * time.Millisecond,
		}, nil
	}
	if firstAt == 0 || now.UnixMilli()-firstAt >= domain.FailedLoginWindow.Milliseconds() {
		return app.FailedLoginState{}, nil
	}
	return app.FailedLoginState{Count: int(count)}, nil
}

// Clear drops key's state entirely, the success path after a correct
// password.
func (t *FailedLoginTracker) Clear(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "redis.failed_login.clear")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	if err := t.cmd.Del(ctx, failedLoginKey(key)).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed-login clear %q: %w", key, err)
	}
	return nil
}

func parseIntField(fields map[string]string, name string) int64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
