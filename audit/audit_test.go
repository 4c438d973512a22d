package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/audit"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/store/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var at = time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC)

type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	facts   []generic.AuditFact
	err     error
}

func (w *blockingWriter) AppendAudit(_ context.Context, f generic.AuditFact) error {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.facts = append(w.facts, f)
	return w.err
}

func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := audit.NewLogSink(zap.New(core))

	sink.Record(context.Background(), generic.AuditFact{
		At: at, Action: generic.AuditPaymentApplied, Unit: "u1", TransactionID: "tx-1",
	})
	sink.Record(context.Background(), generic.AuditFact{
		At: at, Action: generic.AuditLedgerCorrupt, Unit: "u1",
		Payload: map[string]any{"operation": "reverse_payment"},
	})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "tx-1", entries[0].ContextMap()["transaction_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestAsyncSink_WritesToSQLite(t *testing.T) {
	// GIVEN: An async sink over the sqlite audit table
	// WHEN: Recording two facts and closing
	// THEN: Both are persisted in order

	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	sink := audit.NewAsyncSink(s, zap.NewNop(), 8)
	ctx := context.Background()
	sink.Record(ctx, generic.AuditFact{At: at, Action: generic.AuditPaymentApplied, Unit: "u1"})
	sink.Record(ctx, generic.AuditFact{At: at, Action: generic.AuditPaymentReversed, Unit: "u1"})
	require.NoError(t, sink.Close(ctx))

	facts, err := s.ListAudit(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, generic.AuditPaymentApplied, facts[0].Action)
	assert.Equal(t, generic.AuditPaymentReversed, facts[1].Action)
	assert.Zero(t, sink.Dropped())
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	// GIVEN: A writer stuck on the first fact and a queue of one
	// WHEN: Recording more facts than fit
	// THEN: Record never blocks; the overflow is counted

	w := &blockingWriter{release: make(chan struct{})}
	sink := audit.NewAsyncSink(w, zap.NewNop(), 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sink.Record(ctx, generic.AuditFact{At: at, Action: generic.AuditCreditAdjusted, Unit: "u1"})
	}
	// At most one in flight and one queued.
	assert.GreaterOrEqual(t, sink.Dropped(), int64(3))

	close(w.release)
	require.NoError(t, sink.Close(ctx))

	sink.Record(ctx, generic.AuditFact{At: at, Action: generic.AuditCreditAdjusted, Unit: "u1"})
	w.mu.Lock()
	written := int64(len(w.facts))
	w.mu.Unlock()
	assert.Equal(t, int64(6), written+sink.Dropped())
}

func TestAsyncSink_CountsWriterFailures(t *testing.T) {
	w := &blockingWriter{err: errors.New("disk full")}
	sink := audit.NewAsyncSink(w, zap.NewNop(), 4)
	sink.Record(context.Background(), generic.AuditFact{At: at, Action: generic.AuditCreditAdjusted, Unit: "u1"})
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, int64(1), sink.Failed())
}

func TestMulti_FansOut(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := &blockingWriter{}
	async := audit.NewAsyncSink(w, zap.NewNop(), 4)

	m := audit.Multi{audit.NewLogSink(zap.New(core)), async}
	m.Record(context.Background(), generic.AuditFact{At: at, Action: generic.AuditPeriodBilled, Unit: "u2"})
	require.NoError(t, async.Close(context.Background()))

	assert.Equal(t, 1, logs.Len())
	assert.Len(t, w.facts, 1)
}
