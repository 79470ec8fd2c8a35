package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

const ordersCollection = "orders"

type orderItemDoc struct {
	ProductID  string `bson:"productId"`
	Name       string `bson:"name"`
	PriceCents int64  `bson:"priceCents"`
	Quantity   int    `bson:"quantity"`
}

type orderDoc struct {
	ID              mongo.ObjectID `bson:"_id,omitempty"`
	UserID          string         `bson:"userId"`
	Items           []orderItemDoc `bson:"items"`
	AmountCents     int64          `bson:"amountCents"`
	Currency        string         `bson:"currency"`
	Status          string         `bson:"status"`
	PaymentIntentID string         `bson:"paymentIntentId,omitempty"`
	ClientSecret    string         `bson:"clientSecret,omitempty"`
	ShippingAddress string         `bson:"shippingAddress,omitempty"`
	IP              string         `bson:"ipAddress,omitempty"`
	CreatedAt       time.Time      `bson:"createdAt"`
	UpdatedAt       time.Time      `bson:"updatedAt"`
}

func orderDocOf(o app.OrderRecord) orderDoc {
	doc := orderDoc{
		UserID:          o.UserID,
		AmountCents:     o.AmountCents,
		Currency:        o.Currency,
		Status:          string(o.Status),
		PaymentIntentID: o.PaymentIntentID,
		ClientSecret:    o.ClientSecret,
		ShippingAddress: o.ShippingAddress,
		IP:              o.IP,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, it := range o.Items {
		doc.Items = append(doc.Items, orderItemDoc(it))
	}
	return doc
}

func (d orderDoc) record() *app.OrderRecord {
	o := &app.OrderRecord{
		ID:              d.ID.Hex(),
		UserID:          d.UserID,
		AmountCents:     d.AmountCents,
		Currency:        d.Currency,
		Status:          domain.OrderStatus(d.Status),
		PaymentIntentID: d.PaymentIntentID,
		ClientSecret:    d.ClientSecret,
		ShippingAddress: d.ShippingAddress,
		IP:              d.IP,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	for _, it := range d.Items {
		o.Items = append(o.Items, app.OrderItem(it))
	}
	return o
}

var (
	_ app.OrderStore      = (*OrderStore)(nil)
	_ anomaly.OrderReader = (*OrderStore)(nil)
)

// OrderStore persists orders and serves the anomaly detector's history
// reads. Status changes are conditional writes filtered on the legal source
// statuses, so a stale or duplicate webhook delivery matches zero rows
// instead of regressing a settled order.
type OrderStore struct {
	col   *mongo.Collection
	clock domain.Clock
}

// NewOrderStore returns an OrderStore over db's orders collection.
func NewOrderStore(db *mongo.Database, clock domain.Clock) *OrderStore {
	return &OrderStore{col: db.Collection(ordersCollection), clock: clock}
}

// EnsureIndexes backs the webhook intent lookup and the per-user history
// scans.
func (s *OrderStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		mongo.Index("paymentIntentId"),
		mongo.Index("userId", "createdAt"),
	})
	if err != nil {
		return fmt.Errorf("order store: create indexes: %w", err)
	}
	return nil
}

// Create inserts the order and returns its ID.
func (s *OrderStore) Create(ctx context.Context, o app.OrderRecord) (string, error) {
	ctx, span := tracer.Start(ctx, "mongo.orders.create")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", ordersCollection))

	doc := orderDocOf(o)
	doc.ID = mongo.NewObjectID()

	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("order store: create: %w", err)
	}
	return doc.ID.Hex(), nil
}

// FindByPaymentIntent resolves the order a webhook event settles.
func (s *OrderStore) FindByPaymentIntent(ctx context.Context, intentID string) (*app.OrderRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.orders.find_by_intent")
	defer span.End()

	var doc orderDoc
	if err := s.col.FindOne(ctx, mongo.M{"paymentIntentId": intentID}).Decode(&doc); err != nil {
		if mongo.IsNoDocuments(err) {
			return nil, fmt.Errorf("order store: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("order store: find by intent: %w", err)
	}
	return doc.record(), nil
}

// AttachIntent binds the provider intent to the order and advances its
// status in one conditional write.
func (s *OrderStore) AttachIntent(ctx context.Context, orderID, intentID, clientSecret string, status domain.OrderStatus) error {
	ctx, span := tracer.Start(ctx, "mongo.orders.attach_intent")
	defer span.End()

	oid, err := mongo.ObjectIDFromHex(orderID)
	if err != nil {
		return fmt.Errorf("order store: attach intent %q: %w", orderID, domain.ErrNotFound)
	}

	res, err := s.col.UpdateOne(ctx,
		mongo.M{"_id": oid, "status": mongo.M{"$in": legalSources(status)}},
		mongo.M{"$set": mongo.M{
			"paymentIntentId": intentID,
			"clientSecret":    clientSecret,
			"status":          string(status),
			"updatedAt":       s.clock.Now().UTC(),
		}},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("order store: attach intent: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("order store: attach intent: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatus advances the order to status, matching only rows whose
// current status may legally transition there.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	ctx, span := tracer.Start(ctx, "mongo.orders.update_status")
	defer span.End()
	span.SetAttributes(attribute.String("order.status", string(status)))

	oid, err := mongo.ObjectIDFromHex(orderID)
	if err != nil {
		return fmt.Errorf("order store: update status %q: %w", orderID, domain.ErrNotFound)
	}

	res, err := s.col.UpdateOne(ctx,
		mongo.M{"_id": oid, "status": mongo.M{"$in": legalSources(status)}},
		mongo.M{"$set": mongo.M{
			"status":    string(status),
			"updatedAt": s.clock.Now().UTC(),
		}},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("order store: update status: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("order store: update status: %w", domain.ErrNotFound)
	}
	return nil
}

// RecentByUser returns up to limit order summaries, newest first.
func (s *OrderStore) RecentByUser(ctx context.Context, userID string, limit int) ([]anomaly.OrderSummary, error) {
	ctx, span := tracer.Start(ctx, "mongo.orders.recent_by_user")
	defer span.End()

	cur, err := s.col.Find(ctx, mongo.M{"userId": userID},
		mongo.FindOpts().
			SetSort(mongo.D{{Key: "createdAt", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("order store: recent by user: %w", err)
	}

	var docs []orderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("order store: recent by user: decode: %w", err)
	}
	out := make([]anomaly.OrderSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, anomaly.OrderSummary{
			AmountCents:     d.AmountCents,
			ShippingAddress: d.ShippingAddress,
			CreatedAt:       d.CreatedAt,
		})
	}
	return out, nil
}

// CountSince counts the user's orders created at or after since, the
// velocity input of the fraud score.
func (s *OrderStore) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "mongo.orders.count_since")
	defer span.End()

	n, err := s.col.CountDocuments(ctx, mongo.M{
		"userId":    userID,
		"createdAt": mongo.M{"$gte": since},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("order store: count since: %w", err)
	}
	return int(n), nil
}

// legalSources lists the statuses an order may hold for a transition to
// target to be legal. Baking the table into the write filter makes status
// changes idempotent under webhook redelivery.
func legalSources(target domain.OrderStatus) []string {
	all := []domain.OrderStatus{
		domain.OrderPending,
		domain.OrderProcessing,
		domain.OrderPaid,
		domain.OrderShipped,
		domain.OrderCancelled,
	}
	var sources []string
	for _, from := range all {
		if domain.CanTransitionOrder(from, target) {
			sources = append(sources, string(from))
		}
	}
	return sources
}
