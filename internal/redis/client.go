// Package redis provides a shared Redis client factory.
// Only this package may import go-redis — adapters accept the Cmdable
// alias and use the re-exported script helpers.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Cmdable is a type alias for redis.Cmdable. Adapters accept this
// interface instead of importing go-redis directly.
type Cmdable = redis.Cmdable

// Script is a registered Lua script, re-exported for adapter fields.
type Script = redis.Script

// NewScript registers a Lua script for EVALSHA execution with EVAL
// fallback.
var NewScript = redis.NewScript

// Nil is the reply sentinel go-redis returns for missing keys.
const Nil = redis.Nil

// Client wraps a go-redis client. The RDB field satisfies the Cmdable
// interface and is the handle adapters use for Redis operations.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a Redis client from a connection URL of the form
// redis://[user:password@]host:port/db. Timeouts and pool size ride along
// as URL query parameters.
func NewClient(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &Client{RDB: redis.NewClient(opts)}, nil
}

// Ping verifies the connection. The failover store probes through this to
// decide between Redis-backed and in-process security counters.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.RDB.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.RDB.Close()
}
