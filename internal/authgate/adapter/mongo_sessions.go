package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

const sessionsCollection = "sessions"

// sessionTTLGrace keeps expired rows around for a day past expiresAt so a
// late reuse lookup still finds the row and reads its revocation state.
const sessionTTLGrace = 24 * time.Hour

type deviceInfoDoc struct {
	DeviceID    string `bson:"deviceId,omitempty"`
	DeviceName  string `bson:"deviceName,omitempty"`
	UserAgent   string `bson:"userAgent,omitempty"`
	IP          string `bson:"ipAddress,omitempty"`
	Location    string `bson:"location,omitempty"`
	Fingerprint string `bson:"fingerprint,omitempty"`
}

// sessionDoc uses the service-minted UUID as _id; Mongo never assigns
// session identifiers.
type sessionDoc struct {
	ID            string        `bson:"_id"`
	UserID        string        `bson:"userId"`
	TokenHash     string        `bson:"tokenHash"`
	Family        string        `bson:"family"`
	Device        deviceInfoDoc `bson:"device"`
	CreatedAt     time.Time     `bson:"createdAt"`
	LastUsedAt    time.Time     `bson:"lastUsedAt"`
	ExpiresAt     time.Time     `bson:"expiresAt"`
	Revoked       bool          `bson:"revoked"`
	RevokedAt     time.Time     `bson:"revokedAt,omitempty"`
	RevokedReason string        `bson:"revokedReason,omitempty"`
}

func sessionDocOf(s app.SessionRecord) sessionDoc {
	return sessionDoc{
		ID:            s.ID,
		UserID:        s.UserID,
		TokenHash:     s.TokenHash,
		Family:        s.Family,
		Device:        deviceInfoDoc(s.Device),
		CreatedAt:     s.CreatedAt,
		LastUsedAt:    s.LastUsedAt,
		ExpiresAt:     s.ExpiresAt,
		Revoked:       s.Revoked,
		RevokedAt:     s.RevokedAt,
		RevokedReason: s.RevokedReason,
	}
}

func (d sessionDoc) record() *app.SessionRecord {
	return &app.SessionRecord{
		ID:            d.ID,
		UserID:        d.UserID,
		TokenHash:     d.TokenHash,
		Family:        d.Family,
		Device:        app.DeviceInfo(d.Device),
		CreatedAt:     d.CreatedAt,
		LastUsedAt:    d.LastUsedAt,
		ExpiresAt:     d.ExpiresAt,
		Revoked:       d.Revoked,
		RevokedAt:     d.RevokedAt,
		RevokedReason: d.RevokedReason,
	}
}

var _ app.SessionStore = (*SessionStore)(nil)

// SessionStore persists refresh sessions. Revocations are in-place updates
// rather than deletes: reuse detection needs revoked rows readable for the
// rest of their original lifetime.
type SessionStore struct {
	col   *mongo.Collection
	clock domain.Clock
}

// NewSessionStore returns a SessionStore over db's sessions collection.
func NewSessionStore(db *mongo.Database, clock domain.Clock) *SessionStore {
	return &SessionStore{col: db.Collection(sessionsCollection), clock: clock}
}

// EnsureIndexes creates the unique token-hash index that arbitrates
// rotation races, the lookup indexes, and the TTL sweep.
func (s *SessionStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		mongo.UniqueIndex("tokenHash"),
		mongo.Index("userId", "revoked"),
		mongo.Index("family"),
		mongo.TTLIndex("expiresAt", sessionTTLGrace),
	})
	if err != nil {
		return fmt.Errorf("session store: create indexes: %w", err)
	}
	return nil
}

// Create inserts the session. The unique token-hash index makes the insert
// the final arbiter of concurrent rotations; the loser sees
// domain.ErrAlreadyExists.
func (s *SessionStore) Create(ctx context.Context, rec app.SessionRecord) error {
	ctx, span := tracer.Start(ctx, "mongo.sessions.create")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", sessionsCollection))

	if _, err := s.col.InsertOne(ctx, sessionDocOf(rec)); err != nil {
		if mongo.IsDuplicateKey(err) {
			return fmt.Errorf("session store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: create: %w", err)
	}
	return nil
}

// GetByID returns the session regardless of revocation state.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*app.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.sessions.get_by_id")
	defer span.End()

	var doc sessionDoc
	if err := s.col.FindOne(ctx, mongo.M{"_id": id}).Decode(&doc); err != nil {
		if mongo.IsNoDocuments(err) {
			return nil, fmt.Errorf("session store: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	return doc.record(), nil
}

// FindByTokenHash returns the session regardless of revocation state; the
// caller distinguishes reuse from absence.
func (s *SessionStore) FindByTokenHash(ctx context.Context, tokenHash string) (*app.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.sessions.find_by_token_hash")
	defer span.End()

	var doc sessionDoc
	if err := s.col.FindOne(ctx, mongo.M{"tokenHash": tokenHash}).Decode(&doc); err != nil {
		if mongo.IsNoDocuments(err) {
			return nil, fmt.Errorf("session store: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("session store: find by hash: %w", err)
	}
	return doc.record(), nil
}

// Revoke flips one still-active session to revoked. The revoked:false
// condition makes concurrent revokes race on a single matched write;
// domain.ErrNotFound tells the loser no live row matched.
func (s *SessionStore) Revoke(ctx context.Context, id, reason string) error {
	ctx, span := tracer.Start(ctx, "mongo.sessions.revoke")
	defer span.End()
	span.SetAttributes(attribute.String("revoke.reason", reason))

	res, err := s.col.UpdateOne(ctx,
		mongo.M{"_id": id, "revoked": false},
		revokeUpdate(s.clock.Now().UTC(), reason),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: revoke: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("session store: revoke: %w", domain.ErrNotFound)
	}
	return nil
}

// RevokeFamily burns every live session in a rotation family and reports
// how many rows it hit.
func (s *SessionStore) RevokeFamily(ctx context.Context, family, reason string) (int64, error) {
	ctx, span := tracer.Start(ctx, "mongo.sessions.revoke_family")
	defer span.End()
	span.SetAttributes(attribute.String("revoke.reason", reason))

	res, err := s.col.UpdateMany(ctx,
		mongo.M{"family": family, "revoked": false},
		revokeUpdate(s.clock.Now().UTC(), reason),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("session store: revoke family: %w", err)
	}
	return res.ModifiedCount, nil
}

// RevokeAllForUser revokes every live session the user holds.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	ctx, span := tracer.Start(ctx, "mongo.sessions.revoke_all_for_user")
	defer span.End()
	span.SetAttributes(attribute.String("revoke.reason", reason))

	res, err := s.col.UpdateMany(ctx,
		mongo.M{"userId": userID, "revoked": false},
		revokeUpdate(s.clock.Now().UTC(), reason),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("session store: revoke all: %w", err)
	}
	return res.ModifiedCount, nil
}

// ListActive returns unrevoked, unexpired sessions oldest first, the order
// the session cap evicts in.
func (s *SessionStore) ListActive(ctx context.Context, userID string) ([]app.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.sessions.list_active")
	defer span.End()

	filter := mongo.M{
		"userId":    userID,
		"revoked":   false,
		"expiresAt": mongo.M{"$gt": s.clock.Now().UTC()},
	}
	cur, err := s.col.Find(ctx, filter, mongo.FindOpts().SetSort(mongo.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("session store: list active: %w", err)
	}

	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("session store: list active: decode: %w", err)
	}
	out := make([]app.SessionRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.record())
	}
	return out, nil
}

func revokeUpdate(at time.Time, reason string) mongo.M {
	return mongo.M{"$set": mongo.M{
		"revoked":       true,
		"revokedAt":     at,
		"revokedReason": reason,
	}}
}
