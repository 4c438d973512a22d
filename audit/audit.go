// Package audit provides generic.AuditSink implementations. Sinks never
// block or fail the ledger write that produced the fact.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
)

// Writer persists one fact. store/sqlite and store/postgres implement it.
type Writer interface {
	AppendAudit(ctx context.Context, fact generic.AuditFact) error
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes facts to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, fact generic.AuditFact) {
	fields := []zap.Field{
		zap.String("action", string(fact.Action)),
		zap.String("unit", string(fact.Unit)),
		zap.Time("at", fact.At),
	}
	if fact.ActorID != "" {
		fields = append(fields, zap.String("actor_id", fact.ActorID))
	}
	if fact.Track != "" {
		fields = append(fields, zap.String("track", string(fact.Track)))
	}
	if fact.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", string(fact.TransactionID)))
	}
	if len(fact.Payload) > 0 {
		fields = append(fields, zap.Any("payload", fact.Payload))
	}
	if fact.Action == generic.AuditLedgerCorrupt {
		s.log.Error("audit", fields...)
		return
	}
	s.log.Info("audit", fields...)
}

// =============================================================================
// ASYNC SINK
// =============================================================================

// AsyncSink queues facts for a background Writer. When the queue is full
// the fact is dropped and counted.
type AsyncSink struct {
	writer  Writer
	log     *zap.Logger
	queue   chan generic.AuditFact
	timeout time.Duration

	dropped atomic.Int64
	failed  atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewAsyncSink(w Writer, log *zap.Logger, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		writer:  w,
		log:     log.Named("audit.async"),
		queue:   make(chan generic.AuditFact, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Record(_ context.Context, fact generic.AuditFact) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- fact:
	default:
		s.dropped.Add(1)
		s.log.Warn("audit queue full, fact dropped",
			zap.String("action", string(fact.Action)),
			zap.String("unit", string(fact.Unit)))
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for fact := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.writer.AppendAudit(ctx, fact); err != nil {
			s.failed.Add(1)
			s.log.Warn("audit write failed", zap.String("action", string(fact.Action)), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting facts and waits for the queue to drain or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped is the number of facts lost to a full queue or a closed sink.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Failed is the number of facts the writer rejected.
func (s *AsyncSink) Failed() int64 { return s.failed.Load() }

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi records every fact on each sink in order.
type Multi []generic.AuditSink

func (m Multi) Record(ctx context.Context, fact generic.AuditFact) {
	for _, s := range m {
		s.Record(ctx, fact)
	}
}
