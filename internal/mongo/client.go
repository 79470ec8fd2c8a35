// Package mongo provides a shared MongoDB client factory.
// Only this package may import the MongoDB driver — adapters in other
// packages use the re-exported types and helpers defined here.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	driver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Config holds MongoDB connection parameters.
type Config struct {
	// URI is the connection string, e.g. "mongodb://localhost:27017".
	URI string

	// Database is the service database name.
	Database string

	// Timeout bounds server selection and individual operations.
	Timeout time.Duration
}

// Client wraps the MongoDB driver client and the service database handle.
// Adapters access collections via the DB field.
type Client struct {
	// DB is the service database handle.
	DB *driver.Database

	client *driver.Client
}

// NewClient connects to MongoDB and verifies the connection with a ping
// so a bad URI fails startup instead of the first request.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		opts = opts.
			SetTimeout(cfg.Timeout).
			SetServerSelectionTimeout(cfg.Timeout)
	}

	client, err := driver.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &Client{
		DB:     client.Database(cfg.Database),
		client: client,
	}, nil
}

// Ping verifies the connection is still usable. The health endpoint calls
// this.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Disconnect closes the connection pool.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// ---------------------------------------------------------------------------
// Type aliases — adapters import mongo.M instead of the driver's bson.
// ---------------------------------------------------------------------------

// Document construction types.
type (
	M = bson.M
	D = bson.D
	E = bson.E
	A = bson.A
)

// ObjectID is the 12-byte MongoDB document identifier.
type ObjectID = bson.ObjectID

// Driver handle types, for adapter struct fields and test fakes.
type (
	Database   = driver.Database
	Collection = driver.Collection
	IndexModel = driver.IndexModel
)

// ObjectID constructors.
var (
	NewObjectID     = bson.NewObjectID
	ObjectIDFromHex = bson.ObjectIDFromHex
)

// Cursor is the driver's streaming result handle, re-exported for
// adapters that expose forward scans.
type Cursor = driver.Cursor

// Query option builders. Adapters use these to sort and bound reads
// without importing the driver's options package.
var (
	FindOpts             = options.Find
	FindOneOpts          = options.FindOne
	FindOneAndUpdateOpts = options.FindOneAndUpdate
)

// ReturnAfter makes FindOneAndUpdate return the document as it is after
// the update applies, for atomic read-modify-write counters.
const ReturnAfter = options.After

// ---------------------------------------------------------------------------
// Index builders — adapters declare their indexes without driver imports.
// ---------------------------------------------------------------------------

// Index returns an ascending index over the given keys.
func Index(keys ...string) IndexModel {
	return IndexModel{Keys: ascending(keys)}
}

// UniqueIndex returns an index enforcing uniqueness over the given keys.
func UniqueIndex(keys ...string) IndexModel {
	return IndexModel{
		Keys:    ascending(keys),
		Options: options.Index().SetUnique(true),
	}
}

// DescendingIndex returns a descending single-key index, for newest-first
// scans such as the audit log head.
func DescendingIndex(key string) IndexModel {
	return IndexModel{Keys: bson.D{{Key: key, Value: -1}}}
}

// TTLIndex returns an index that expires documents after the given
// duration past the indexed timestamp field.
func TTLIndex(key string, after time.Duration) IndexModel {
	return IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(after / time.Second)),
	}
}

func ascending(keys []string) bson.D {
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: 1})
	}
	return d
}

// ---------------------------------------------------------------------------
// Error classification helpers — adapters check error types without driver
// imports.
// ---------------------------------------------------------------------------

// IsDuplicateKey reports whether err is a unique index violation. Adapters
// use this to surface domain.ErrAlreadyExists.
func IsDuplicateKey(err error) bool {
	return driver.IsDuplicateKeyError(err)
}

// IsNoDocuments reports whether err is the driver's missing-document
// sentinel from FindOne-style calls.
func IsNoDocuments(err error) bool {
	return errors.Is(err, driver.ErrNoDocuments)
}

// ErrDuplicateKey returns a duplicate-key write exception suitable for
// testing. Production code never constructs this error — the server
// returns it. This helper exists so adapter tests can exercise the
// IsDuplicateKey code path without importing the driver.
func ErrDuplicateKey() error {
	return driver.WriteException{
		WriteErrors: []driver.WriteError{{
			Code:    11000,
			Message: "E11000 duplicate key error",
		}},
	}
}

// ErrNoDocuments returns the driver's missing-document sentinel, for
// adapter tests.
func ErrNoDocuments() error {
	return driver.ErrNoDocuments
}
