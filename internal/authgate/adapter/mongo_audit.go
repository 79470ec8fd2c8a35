package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

const auditCollection = "audit_logs"

type changesDoc struct {
	Before map[string]any `bson:"before,omitempty"`
	After  map[string]any `bson:"after,omitempty"`
}

type auditMetadataDoc struct {
	IP        string         `bson:"ip,omitempty"`
	UserAgent string         `bson:"userAgent,omitempty"`
	Location  string         `bson:"location,omitempty"`
	Extra     map[string]any `bson:"extra,omitempty"`
}

// entryDoc is one signed audit row. BSON datetimes carry millisecond
// precision, the same precision signatures and chain hashes are computed
// over, so entries verify identically before and after a round trip.
type entryDoc struct {
	ID           mongo.ObjectID   `bson:"_id,omitempty"`
	Timestamp    time.Time        `bson:"timestamp"`
	EventType    string           `bson:"eventType"`
	UserID       string           `bson:"userId,omitempty"`
	Action       string           `bson:"action"`
	Resource     string           `bson:"resource,omitempty"`
	ResourceID   string           `bson:"resourceId,omitempty"`
	Changes      *changesDoc      `bson:"changes,omitempty"`
	Metadata     auditMetadataDoc `bson:"metadata"`
	Result       string           `bson:"result"`
	ErrorMessage string           `bson:"errorMessage,omitempty"`
	RiskScore    int              `bson:"riskScore,omitempty"`
	Signature    string           `bson:"signature"`
	PreviousHash string           `bson:"previousHash,omitempty"`
}

func entryDocOf(e audit.Entry) entryDoc {
	doc := entryDoc{
		Timestamp:    e.Timestamp,
		EventType:    string(e.EventType),
		UserID:       e.UserID,
		Action:       e.Action,
		Resource:     e.Resource,
		ResourceID:   e.ResourceID,
		Metadata:     auditMetadataDoc(e.Metadata),
		Result:       string(e.Result),
		ErrorMessage: e.ErrorMessage,
		RiskScore:    e.RiskScore,
		Signature:    e.Signature,
		PreviousHash: e.PreviousHash,
	}
	if e.Changes != nil {
		c := changesDoc(*e.Changes)
		doc.Changes = &c
	}
	return doc
}

func (d entryDoc) entry() audit.Entry {
	e := audit.Entry{
		Timestamp:    d.Timestamp,
		EventType:    audit.EventType(d.EventType),
		UserID:       d.UserID,
		Action:       d.Action,
		Resource:     d.Resource,
		ResourceID:   d.ResourceID,
		Metadata:     audit.Metadata(d.Metadata),
		Result:       audit.Result(d.Result),
		ErrorMessage: d.ErrorMessage,
		RiskScore:    d.RiskScore,
		Signature:    d.Signature,
		PreviousHash: d.PreviousHash,
	}
	if d.Changes != nil {
		c := audit.Changes(*d.Changes)
		e.Changes = &c
	}
	return e
}

var (
	_ audit.Store         = (*AuditStore)(nil)
	_ anomaly.AuditReader = (*AuditStore)(nil)
	_ audit.Source        = (*EntryStream)(nil)
)

// AuditStore is the append-only persistence for the audit log. It exposes
// exactly three read shapes (chain head, filtered scan, full ascending
// stream) and one write; there are no update or delete operations.
type AuditStore struct {
	col *mongo.Collection
}

// NewAuditStore returns an AuditStore over db's audit_logs collection.
func NewAuditStore(db *mongo.Database) *AuditStore {
	return &AuditStore{col: db.Collection(auditCollection)}
}

// auditIndexes declares the read shapes the collection serves: the
// chain-head read, the per-type, per-user, per-result, and per-risk scans,
// and the per-IP velocity queries.
func auditIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		mongo.DescendingIndex("timestamp"),
		mongo.Index("eventType", "timestamp"),
		mongo.Index("userId", "timestamp"),
		mongo.Index("result", "timestamp"),
		mongo.Index("riskScore", "timestamp"),
		mongo.Index("metadata.ip", "timestamp"),
	}
}

// EnsureIndexes creates the audit read indexes.
func (s *AuditStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.col.Indexes().CreateMany(ctx, auditIndexes()); err != nil {
		return fmt.Errorf("audit store: create indexes: %w", err)
	}
	return nil
}

// Latest returns the chain head: newest timestamp, with _id as the
// tiebreaker for entries written in the same millisecond. A nil entry with
// nil error means the log is empty.
func (s *AuditStore) Latest(ctx context.Context) (*audit.Entry, error) {
	ctx, span := tracer.Start(ctx, "mongo.audit.latest")
	defer span.End()

	var doc entryDoc
	err := s.col.FindOne(ctx, mongo.M{},
		mongo.FindOneOpts().SetSort(mongo.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if mongo.IsNoDocuments(err) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("audit store: latest: %w", err)
	}
	e := doc.entry()
	return &e, nil
}

// Insert appends one signed entry.
func (s *AuditStore) Insert(ctx context.Context, e audit.Entry) error {
	ctx, span := tracer.Start(ctx, "mongo.audit.insert")
	defer span.End()
	span.SetAttributes(attribute.String("audit.event_type", string(e.EventType)))

	if _, err := s.col.InsertOne(ctx, entryDocOf(e)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("audit store: insert: %w", err)
	}
	return nil
}

// FindSince runs the anomaly detector's filtered scans, ascending by
// timestamp.
func (s *AuditStore) FindSince(ctx context.Context, q anomaly.EventQuery) ([]audit.Entry, error) {
	ctx, span := tracer.Start(ctx, "mongo.audit.find_since")
	defer span.End()

	filter := mongo.M{}
	if len(q.Types) > 0 {
		types := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			types = append(types, string(t))
		}
		filter["eventType"] = mongo.M{"$in": types}
	}
	if q.UserID != "" {
		filter["userId"] = q.UserID
	}
	if q.IP != "" {
		filter["metadata.ip"] = q.IP
	}
	if !q.Since.IsZero() {
		filter["timestamp"] = mongo.M{"$gte": q.Since}
	}

	cur, err := s.col.Find(ctx, filter,
		mongo.FindOpts().SetSort(mongo.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("audit store: find since: %w", err)
	}

	var docs []entryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("audit store: find since: decode: %w", err)
	}
	out := make([]audit.Entry, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.entry())
	}
	return out, nil
}

// Stream opens a full ascending scan for chain verification. The caller
// owns the returned stream and must Close it.
func (s *AuditStore) Stream(ctx context.Context) (*EntryStream, error) {
	cur, err := s.col.Find(ctx, mongo.M{},
		mongo.FindOpts().SetSort(mongo.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("audit store: stream: %w", err)
	}
	return &EntryStream{cur: cur}, nil
}

// EntryStream adapts a Mongo cursor to the chain walker's pull interface.
type EntryStream struct {
	cur *mongo.Cursor
}

// Next returns the next entry in ascending order, or nil once the scan is
// exhausted.
func (s *EntryStream) Next(ctx context.Context) (*audit.Entry, error) {
	if !s.cur.Next(ctx) {
		if err := s.cur.Err(); err != nil {
			return nil, fmt.Errorf("audit stream: %w", err)
		}
		return nil, nil
	}
	var doc entryDoc
	if err := s.cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("audit stream: decode: %w", err)
	}
	e := doc.entry()
	return &e, nil
}

// Close releases the cursor.
func (s *EntryStream) Close(ctx context.Context) error {
	return s.cur.Close(ctx)
}
