package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

const cartsCollection = "carts"

var _ app.CartStore = (*CartStore)(nil)

// CartStore clears carts after confirmed payments.
type CartStore struct {
	col *mongo.Collection
}

// NewCartStore returns a CartStore over db's carts collection.
func NewCartStore(db *mongo.Database) *CartStore {
	return &CartStore{col: db.Collection(cartsCollection)}
}

// EnsureIndexes backs the per-user delete.
func (s *CartStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		mongo.Index("userId"),
	})
	if err != nil {
		return fmt.Errorf("cart store: create indexes: %w", err)
	}
	return nil
}

// Clear removes every cart row the user holds. Clearing an already-empty
// cart is a no-op, which keeps webhook settlement idempotent.
func (s *CartStore) Clear(ctx context.Context, userID string) error {
	ctx, span := tracer.Start(ctx, "mongo.carts.clear")
	defer span.End()

	if _, err := s.col.DeleteMany(ctx, mongo.M{"userId": userID}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cart store: clear: %w", err)
	}
	return nil
}
