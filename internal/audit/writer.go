package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
)

var tracer = otel.Tracer("audit")

var (
	entriesWrittenTotal metric.Int64Counter
	writeFailuresTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("audit")

	entriesWrittenTotal, _ = m.Int64Counter("audit_entries_written_total",
		metric.WithDescription("Total audit entries written"))
	writeFailuresTotal, _ = m.Int64Counter("audit_write_failures_total",
		metric.WithDescription("Total audit writes that failed"))
}

// Store is the persistence surface the writer needs. Implementations must be
// append-only; the Mongo adapter rejects updates and deletes outright.
type Store interface {
	// Latest returns the most recent entry by timestamp, or nil when the
	// log is empty.
	Latest(ctx context.Context) (*Entry, error)
	Insert(ctx context.Context, e Entry) error
}

// WriterConfig holds the dependencies for Writer.
type WriterConfig struct {
	Store  Store
	Key    domain.SecretBytes // HMAC key, immutable for the process lifetime
	Clock  domain.Clock
	Logger *slog.Logger
}

// Writer appends signed, chain-linked entries to the audit log. Writes run
// synchronously with the calling operation, but a failed write never fails
// that operation: errors are logged and counted instead.
type Writer struct {
	store  Store
	key    domain.SecretBytes
	clock  domain.Clock
	logger *slog.Logger
}

// NewWriter creates a Writer with the given dependencies.
func NewWriter(cfg WriterConfig) *Writer {
	return &Writer{
		store:  cfg.Store,
		key:    cfg.Key,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Record signs and appends one audit entry: load the latest entry, derive
// the chain link from it, sign the new entry, insert. Concurrent writers may
// link to the same predecessor; the chain checker flags such forks without
// failing the walk.
func (w *Writer) Record(ctx context.Context, ev Event) {
	ctx, span := tracer.Start(ctx, "audit.record")
	defer span.End()

	if err := w.append(ctx, ev); err != nil {
		writeFailuresTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(ev.Type))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.WithTraceID(ctx, w.logger).ErrorContext(ctx, "audit write failed",
			"error", err,
			"event_type", string(ev.Type),
			"resource", ev.Resource,
			"result", string(ev.Result),
		)
		return
	}

	entriesWrittenTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(ev.Type))))
}

func (w *Writer) append(ctx context.Context, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("event type %q outside the audit taxonomy", ev.Type)
	}
	if !ev.Result.Valid() {
		return fmt.Errorf("result %q is not success, failure, or partial", ev.Result)
	}

	prev, err := w.store.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest entry: %w", err)
	}

	entry := Entry{
		// Storage keeps millisecond precision; truncate up front so the
		// signed rendering matches what a verifier reloads.
		Timestamp:    w.clock.Now().UTC().Truncate(time.Millisecond),
		EventType:    ev.Type,
		UserID:       ev.UserID,
		Action:       ev.Action,
		Resource:     ev.Resource,
		ResourceID:   ev.ResourceID,
		Changes:      ev.Changes,
		Metadata:     ev.Metadata,
		Result:       ev.Result,
		ErrorMessage: ev.ErrorMessage,
		RiskScore:    clampRisk(ev.RiskScore),
	}
	if prev != nil {
		entry.PreviousHash = ChainHash(*prev)
	}
	entry.Signature = ComputeSignature(w.key.Expose(), entry)

	if err := w.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func clampRisk(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
