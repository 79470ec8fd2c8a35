package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/domain/domaintest"
)

// stubStore implements audit.Store with function fields.
type stubStore struct {
	latestFn func(ctx context.Context) (*audit.Entry, error)
	insertFn func(ctx context.Context, e audit.Entry) error
}

func (s *stubStore) Latest(ctx context.Context) (*audit.Entry, error) {
	if s.latestFn != nil {
		return s.latestFn(ctx)
	}
	return nil, nil
}

func (s *stubStore) Insert(ctx context.Context, e audit.Entry) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, e)
	}
	return nil
}

// memoryStore appends entries to a slice, like the real store but in-process.
type memoryStore struct {
	entries []audit.Entry
}

func (m *memoryStore) Latest(ctx context.Context) (*audit.Entry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	last := m.entries[len(m.entries)-1]
	return &last, nil
}

func (m *memoryStore) Insert(ctx context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWriter(store audit.Store, clock domain.Clock) *audit.Writer {
	return audit.NewWriter(audit.WriterConfig{
		Store:  store,
		Key:    domain.SecretBytes(testAuditKey),
		Clock:  clock,
		Logger: discardLogger(),
	})
}

func TestWriterRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("first entry has no previous hash and a valid signature", func(t *testing.T) {
		var inserted *audit.Entry
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserted = &e
				return nil
			},
		}
		clock := domaintest.NewFakeClock(testStart)

		newWriter(store, clock).Record(ctx, audit.Event{
			Type:     audit.EventAuthRegister,
			UserID:   "64f1b2c3d4e5f6a7b8c9d0e1",
			Action:   "register",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})

		require.NotNil(t, inserted)
		assert.Empty(t, inserted.PreviousHash)
		assert.Equal(t, testStart, inserted.Timestamp)
		assert.True(t, audit.VerifySignature(testAuditKey, *inserted))
	})

	t.Run("subsequent entry links to its predecessor", func(t *testing.T) {
		first := baseEntry()
		first.Signature = audit.ComputeSignature(testAuditKey, first)

		var inserted *audit.Entry
		store := &stubStore{
			latestFn: func(ctx context.Context) (*audit.Entry, error) { return &first, nil },
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserted = &e
				return nil
			},
		}
		clock := domaintest.NewFakeClock(testStart.Add(time.Minute))

		newWriter(store, clock).Record(ctx, audit.Event{
			Type:     audit.EventAuthLogout,
			UserID:   first.UserID,
			Action:   "logout",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})

		require.NotNil(t, inserted)
		assert.Equal(t, audit.ChainHash(first), inserted.PreviousHash)
	})

	t.Run("timestamps are truncated to milliseconds", func(t *testing.T) {
		var inserted *audit.Entry
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserted = &e
				return nil
			},
		}
		clock := domaintest.NewFakeClock(testStart.Add(123456789 * time.Nanosecond))

		newWriter(store, clock).Record(ctx, audit.Event{
			Type:     audit.EventAuthLogin,
			Action:   "login",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})

		require.NotNil(t, inserted)
		assert.Equal(t, testStart.Add(123*time.Millisecond), inserted.Timestamp)
	})

	t.Run("payload fields pass through", func(t *testing.T) {
		var inserted *audit.Entry
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserted = &e
				return nil
			},
		}

		newWriter(store, domaintest.NewFakeClock(testStart)).Record(ctx, audit.Event{
			Type:       audit.EventOrderUpdated,
			UserID:     "64f1b2c3d4e5f6a7b8c9d0e1",
			Action:     "update_status",
			Resource:   "orders",
			ResourceID: "64f1b2c3d4e5f6a7b8c9d0e2",
			Changes: &audit.Changes{
				Before: map[string]any{"status": "processing"},
				After:  map[string]any{"status": "paid"},
			},
			Metadata: audit.Metadata{IP: "203.0.113.9", UserAgent: "stripe-webhook"},
			Result:   audit.ResultSuccess,
			RiskScore: 35,
		})

		require.NotNil(t, inserted)
		assert.Equal(t, "64f1b2c3d4e5f6a7b8c9d0e2", inserted.ResourceID)
		require.NotNil(t, inserted.Changes)
		assert.Equal(t, "paid", inserted.Changes.After["status"])
		assert.Equal(t, "203.0.113.9", inserted.Metadata.IP)
		assert.Equal(t, 35, inserted.RiskScore)
	})

	t.Run("risk score is clamped to 0-100", func(t *testing.T) {
		var scores []int
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				scores = append(scores, e.RiskScore)
				return nil
			},
		}
		w := newWriter(store, domaintest.NewFakeClock(testStart))

		w.Record(ctx, audit.Event{Type: audit.EventSecurityFraudDetected, Action: "score", Resource: "payments", Result: audit.ResultFailure, RiskScore: 150})
		w.Record(ctx, audit.Event{Type: audit.EventSecurityFraudDetected, Action: "score", Resource: "payments", Result: audit.ResultFailure, RiskScore: -5})

		assert.Equal(t, []int{100, 0}, scores)
	})

	t.Run("unknown event type is dropped", func(t *testing.T) {
		inserts := 0
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserts++
				return nil
			},
		}

		newWriter(store, domaintest.NewFakeClock(testStart)).Record(ctx, audit.Event{
			Type:     "auth.made_up",
			Action:   "x",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})

		assert.Zero(t, inserts)
	})

	t.Run("invalid result is dropped", func(t *testing.T) {
		inserts := 0
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserts++
				return nil
			},
		}

		newWriter(store, domaintest.NewFakeClock(testStart)).Record(ctx, audit.Event{
			Type:     audit.EventAuthLogin,
			Action:   "login",
			Resource: "auth",
			Result:   "ok",
		})

		assert.Zero(t, inserts)
	})

	t.Run("latest lookup failure skips the insert", func(t *testing.T) {
		inserts := 0
		store := &stubStore{
			latestFn: func(ctx context.Context) (*audit.Entry, error) {
				return nil, errors.New("mongo down")
			},
			insertFn: func(ctx context.Context, e audit.Entry) error {
				inserts++
				return nil
			},
		}

		// Must not panic or propagate; the calling operation proceeds.
		newWriter(store, domaintest.NewFakeClock(testStart)).Record(ctx, audit.Event{
			Type:     audit.EventAuthLogin,
			Action:   "login",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})

		assert.Zero(t, inserts)
	})

	t.Run("insert failure is swallowed", func(t *testing.T) {
		store := &stubStore{
			insertFn: func(ctx context.Context, e audit.Entry) error {
				return errors.New("write concern failed")
			},
		}

		newWriter(store, domaintest.NewFakeClock(testStart)).Record(ctx, audit.Event{
			Type:     audit.EventAuthLogin,
			Action:   "login",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})
	})
}

func TestWriterChainsConsecutiveWrites(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}
	clock := domaintest.NewFakeClock(testStart)
	w := newWriter(store, clock)

	for i := 0; i < 3; i++ {
		w.Record(ctx, audit.Event{
			Type:     audit.EventAuthLogin,
			UserID:   "64f1b2c3d4e5f6a7b8c9d0e1",
			Action:   "login",
			Resource: "auth",
			Result:   audit.ResultSuccess,
		})
		clock.Advance(time.Second)
	}

	require.Len(t, store.entries, 3)
	e1, e2, e3 := store.entries[0], store.entries[1], store.entries[2]

	assert.Empty(t, e1.PreviousHash)
	assert.Equal(t, audit.ChainHash(e1), e2.PreviousHash)
	assert.Equal(t, audit.ChainHash(e2), e3.PreviousHash)

	for i, e := range store.entries {
		assert.True(t, audit.VerifySignature(testAuditKey, e), "entry %d", i)
	}
}
