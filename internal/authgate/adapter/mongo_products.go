package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

const productsCollection = "products"

type productDoc struct {
	ID         mongo.ObjectID `bson:"_id"`
	Name       string         `bson:"name"`
	PriceCents int64          `bson:"priceCents"`
	Currency   string         `bson:"currency"`
	Active     bool           `bson:"active"`
}

var _ app.ProductStore = (*ProductStore)(nil)

// ProductStore reads the catalog rows the payment flow prices against.
type ProductStore struct {
	col *mongo.Collection
}

// NewProductStore returns a ProductStore over db's products collection.
func NewProductStore(db *mongo.Database) *ProductStore {
	return &ProductStore{col: db.Collection(productsCollection)}
}

// FindByIDs returns the catalog rows for the given ids, inactive ones
// included; the caller decides purchasability. Ids that cannot be catalog
// keys are skipped, and absent ids are simply not in the result.
func (s *ProductStore) FindByIDs(ctx context.Context, ids []string) ([]app.ProductRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.products.find_by_ids")
	defer span.End()

	oids := make([]mongo.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := mongo.ObjectIDFromHex(id)
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return nil, nil
	}

	cur, err := s.col.Find(ctx, mongo.M{"_id": mongo.M{"$in": oids}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("product store: find by ids: %w", err)
	}

	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("product store: find by ids: decode: %w", err)
	}
	out := make([]app.ProductRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, app.ProductRecord{
			ID:         d.ID.Hex(),
			Name:       d.Name,
			PriceCents: d.PriceCents,
			Currency:   d.Currency,
			Active:     d.Active,
		})
	}
	return out, nil
}
