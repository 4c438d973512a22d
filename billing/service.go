/*
service.go - Transactional facade over the billing core

PURPOSE:
  Service is what the API and the CLI call. Each write operation:
  1. Takes the unit lock (payments for one unit are serialized)
  2. Opens one store transaction over the unit's ledger, credit and
     payment documents
  3. Runs the distributor or the reversal engine in memory
  4. Writes every changed document, or nothing
  5. After commit: invalidates cached statements, audits, logs, counts

  The core never retries. Retryable failures (stale version, lock timeout)
  are returned as-is and retried by the caller.

SEE ALSO:
  - distributor.go, reversal.go: The algorithms run inside the transaction
  - api/handlers.go: HTTP surface and retry policy
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// StatementCache holds derived statements. It is never a source of truth.
type StatementCache interface {
	Fetch(ctx context.Context, unit generic.UnitID, track generic.Track, asOf time.Time,
		load func(context.Context) (Statement, error)) (Statement, error)
	Invalidate(ctx context.Context, unit generic.UnitID) error
}

// Metrics receives operation counters.
type Metrics interface {
	PaymentApplied(track generic.Track, cash, creditDelta generic.Money)
	PaymentReversed(track generic.Track, outcome string)
	CreditAdjusted(track generic.Track, delta generic.Money)
	PeriodBilled(track generic.Track, outcome string)
	LedgerFault(operation string)
	CacheInvalidationFailed()
}

type nopMetrics struct{}

func (nopMetrics) PaymentApplied(generic.Track, generic.Money, generic.Money) {}
func (nopMetrics) PaymentReversed(generic.Track, string)                      {}
func (nopMetrics) CreditAdjusted(generic.Track, generic.Money)                {}
func (nopMetrics) PeriodBilled(generic.Track, string)                         {}
func (nopMetrics) LedgerFault(string)                                         {}
func (nopMetrics) CacheInvalidationFailed()                                   {}

// Params wires a Service. Store and Config are required.
type Params struct {
	Store       generic.DocumentStore
	Config      *ClientConfig
	Clock       generic.Clock
	Audit       generic.AuditSink
	Locker      generic.Locker
	Cache       StatementCache
	Metrics     Metrics
	Log         *zap.Logger
	NewID       func() string
	Parallelism int
}

// Service runs billing operations against a document store.
type Service struct {
	store       generic.DocumentStore
	config      *ClientConfig
	clock       generic.Clock
	audit       generic.AuditSink
	locker      generic.Locker
	cache       StatementCache
	metrics     Metrics
	log         *zap.Logger
	newID       func() string
	parallelism int

	distributor PaymentDistributor
	reversal    ReversalEngine
}

// NewService validates the client config and fills defaults.
func NewService(p Params) (*Service, error) {
	if p.Store == nil {
		return nil, errors.New("billing: store is required")
	}
	if p.Config == nil {
		return nil, errors.New("billing: client config is required")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:       p.Store,
		config:      p.Config,
		clock:       p.Clock,
		audit:       p.Audit,
		locker:      p.Locker,
		cache:       p.Cache,
		metrics:     p.Metrics,
		log:         p.Log,
		newID:       p.NewID,
		parallelism: p.Parallelism,
	}
	if s.clock == nil {
		s.clock = generic.SystemClock{}
	}
	if s.audit == nil {
		s.audit = generic.NopAuditSink{}
	}
	if s.locker == nil {
		s.locker = generic.NewKeyedMutex()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("billing.service")
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.parallelism <= 0 {
		s.parallelism = 4
	}
	return s, nil
}

// Config returns the client configuration.
func (s *Service) Config() *ClientConfig { return s.config }

// =============================================================================
// COMPUTE OUTSTANDING
// =============================================================================

// ComputeOutstanding returns every period of track still owing something as
// of asOf, plus the pool's credit balance. A zero asOf means today.
func (s *Service) ComputeOutstanding(ctx context.Context, unit generic.UnitID, track generic.Track, asOf time.Time) (Statement, error) {
	tc, err := s.config.TrackConfig(track)
	if err != nil {
		return Statement{}, err
	}
	asOf = s.asOf(asOf)

	load := func(ctx context.Context) (Statement, error) {
		return s.buildStatement(ctx, unit, tc, asOf)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Fetch(ctx, unit, track, asOf, load)
}

func (s *Service) buildStatement(ctx context.Context, unit generic.UnitID, tc TrackConfig, asOf time.Time) (Statement, error) {
	ledger, _, err := loadLedger(ctx, s.store.Read, unit, tc.Track, tc.Penalty)
	if err != nil {
		return Statement{}, err
	}
	account, _, err := loadAccount(ctx, s.store.Read, unit, tc.Pool)
	if err != nil {
		return Statement{}, err
	}

	st := Statement{
		Unit:          unit,
		Track:         tc.Track,
		Pool:          tc.Pool,
		AsOf:          asOf,
		Periods:       []PeriodStatement{},
		CreditBalance: account.Balance,
	}
	for _, p := range ledger.SelectUnpaidPeriodsOldestFirst(asOf) {
		out := ledger.GetOutstanding(p, asOf)
		st.Periods = append(st.Periods, PeriodStatement{
			Key:         p.Key(),
			DueDate:     p.DueDate,
			BaseCharge:  p.BaseCharge,
			BasePaid:    p.BasePaid,
			PenaltyPaid: p.PenaltyPaid,
			Status:      ledger.StatusAsOf(p, asOf),
			Outstanding: out,
		})
		st.TotalBaseOwed += out.BaseOwed
		st.TotalPenaltyOwed += out.PenaltyOwed
	}
	return st, nil
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// ApplyPaymentInput is one incoming payment.
type ApplyPaymentInput struct {
	Unit          generic.UnitID
	Track         generic.Track
	TransactionID generic.TransactionID // generated when empty
	Cash          generic.Money
	Targets       []generic.PeriodKey // empty: oldest unpaid first
	AsOf          time.Time           // zero: today
	Policy        PaymentPolicy
	Memo          string
	ActorID       string
}

// ApplyPayment distributes a payment and stores it with its distribution.
//
// The returned DistributionResult is also persisted as payment/{txid}; a
// second payment with the same transaction id fails with
// ErrDuplicateTransaction. A zero payment without credit cover is a no-op
// and persists nothing.
func (s *Service) ApplyPayment(ctx context.Context, in ApplyPaymentInput) (DistributionResult, error) {
	tc, err := s.config.TrackConfig(in.Track)
	if err != nil {
		return DistributionResult{}, err
	}
	if in.Cash.IsNegative() {
		return DistributionResult{}, generic.ErrNegativeAmount
	}
	if in.TransactionID == "" {
		in.TransactionID = generic.TransactionID("pay-" + s.newID())
	}
	asOf := s.asOf(in.AsOf)
	now := s.clock.Now()

	if in.Cash.IsZero() && !in.Policy.UseCreditToCoverShortfall {
		return DistributionResult{
			TransactionID: in.TransactionID, Unit: in.Unit, Track: in.Track, Pool: tc.Pool, AsOf: asOf,
		}, nil
	}

	unlock, err := s.locker.Lock(ctx, generic.UnitLockKey(in.Unit))
	if err != nil {
		return DistributionResult{}, err
	}
	defer unlock()

	keys := []string{
		generic.LedgerKey(in.Unit, in.Track),
		generic.CreditKey(in.Unit, tc.Pool),
		generic.PaymentKey(in.TransactionID),
	}
	var result DistributionResult
	err = s.store.WithTx(ctx, keys, func(tx generic.DocumentTx) error {
		if _, _, err := loadPayment(ctx, tx.Get, in.TransactionID); err == nil {
			return fmt.Errorf("%s: %w", in.TransactionID, generic.ErrDuplicateTransaction)
		} else if !errors.Is(err, generic.ErrTransactionNotFound) {
			return err
		}

		ledger, ledgerVersion, err := loadLedger(ctx, tx.Get, in.Unit, in.Track, tc.Penalty)
		if err != nil {
			return err
		}
		account, accountVersion, err := loadAccount(ctx, tx.Get, in.Unit, tc.Pool)
		if err != nil {
			return err
		}
		movements := len(account.History)

		result, err = s.distributor.Apply(Distribution{
			TransactionID: in.TransactionID,
			Cash:          in.Cash,
			Targets:       in.Targets,
			Policy:        in.Policy,
			AsOf:          asOf,
			At:            now,
		}, ledger, account)
		if err != nil {
			return err
		}

		if len(result.Lines) > 0 {
			if err := putJSON(ctx, tx, keys[0], ledgerVersion, ledger); err != nil {
				return err
			}
		}
		if len(account.History) != movements {
			if err := putJSON(ctx, tx, keys[1], accountVersion, account); err != nil {
				return err
			}
		}
		return putJSON(ctx, tx, keys[2], 0, PaymentRecord{
			ID:         in.TransactionID,
			Unit:       in.Unit,
			Track:      in.Track,
			Pool:       tc.Pool,
			CashAmount: in.Cash,
			Memo:       in.Memo,
			Result:     result,
			CreatedAt:  now,
		})
	})
	if err != nil {
		s.fault(ctx, "apply_payment", in.Unit, in.Track, in.TransactionID, err)
		return DistributionResult{}, err
	}

	s.afterWrite(ctx, in.Unit)
	s.metrics.PaymentApplied(in.Track, in.Cash, result.CreditDelta)
	s.audit.Record(ctx, generic.AuditFact{
		At:            now,
		Action:        generic.AuditPaymentApplied,
		ActorID:       in.ActorID,
		Unit:          in.Unit,
		Track:         in.Track,
		TransactionID: in.TransactionID,
		Payload: map[string]any{
			"cash":         in.Cash.String(),
			"lines":        len(result.Lines),
			"credit_delta": result.CreditDelta.String(),
		},
	})
	s.log.Info("payment applied",
		zap.String("unit", string(in.Unit)),
		zap.String("track", string(in.Track)),
		zap.String("transaction_id", string(in.TransactionID)),
		zap.Int64("cash", int64(in.Cash)),
		zap.Int("lines", len(result.Lines)),
		zap.Int64("credit_delta", int64(result.CreditDelta)),
	)
	return result, nil
}

// =============================================================================
// REVERSE PAYMENT
// =============================================================================

// ReversePayment undoes a stored distribution of unit on track.
//
// A second reversal of the same transaction returns ErrDoubleReversal with
// AlreadyReversed set and leaves state unchanged. When the payment record is
// stored, stored must equal its recorded distribution (ErrDistributionMismatch
// otherwise) and the record is marked deleted in the same transaction.
func (s *Service) ReversePayment(ctx context.Context, unit generic.UnitID, track generic.Track, stored DistributionResult) (ReversalResult, error) {
	return s.reverse(ctx, unit, track, stored, "")
}

// DeletePayment reverses a stored payment and marks its record deleted.
func (s *Service) DeletePayment(ctx context.Context, txID generic.TransactionID, actorID string) (ReversalResult, error) {
	rec, _, err := loadPayment(ctx, s.store.Read, txID)
	if err != nil {
		return ReversalResult{}, err
	}
	return s.reverse(ctx, rec.Unit, rec.Track, rec.Result, actorID)
}

func (s *Service) reverse(ctx context.Context, unit generic.UnitID, track generic.Track, stored DistributionResult, actorID string) (ReversalResult, error) {
	tc, err := s.config.TrackConfig(track)
	if err != nil {
		return ReversalResult{}, err
	}
	if stored.Unit != "" && stored.Unit != unit {
		return ReversalResult{}, fmt.Errorf("%s is not a payment of unit %s: %w",
			stored.TransactionID, unit, generic.ErrTransactionNotFound)
	}
	if stored.Unit == "" {
		stored.Unit = unit
	}
	if stored.Track == "" {
		stored.Track = track
	}
	if stored.Pool == "" {
		stored.Pool = tc.Pool
	}
	// A recorded payment must match, so the pool keyed below is the one it wrote.
	if rec, _, err := loadPayment(ctx, s.store.Read, stored.TransactionID); err == nil {
		if err := checkRecorded(rec, stored); err != nil {
			return ReversalResult{}, err
		}
	} else if !errors.Is(err, generic.ErrTransactionNotFound) {
		return ReversalResult{}, err
	}
	pool := stored.Pool
	now := s.clock.Now()
	asOf := generic.DateOf(now)

	unlock, err := s.locker.Lock(ctx, generic.UnitLockKey(unit))
	if err != nil {
		return ReversalResult{}, err
	}
	defer unlock()

	keys := []string{
		generic.LedgerKey(unit, track),
		generic.CreditKey(unit, pool),
		generic.PaymentKey(stored.TransactionID),
	}
	var result ReversalResult
	err = s.store.WithTx(ctx, keys, func(tx generic.DocumentTx) error {
		rec, recVersion, err := loadPayment(ctx, tx.Get, stored.TransactionID)
		if err != nil && !errors.Is(err, generic.ErrTransactionNotFound) {
			return err
		}
		if rec != nil && rec.Deleted {
			result = ReversalResult{TransactionID: stored.TransactionID, Unit: unit, Track: track, AlreadyReversed: true}
			return fmt.Errorf("%s: %w", stored.TransactionID, generic.ErrDoubleReversal)
		}
		if rec != nil {
			if err := checkRecorded(rec, stored); err != nil {
				return err
			}
		}

		ledger, ledgerVersion, err := loadLedger(ctx, tx.Get, unit, track, tc.Penalty)
		if err != nil {
			return err
		}
		account, accountVersion, err := loadAccount(ctx, tx.Get, unit, pool)
		if err != nil {
			return err
		}

		result, err = s.reversal.Reverse(stored, ledger, account, asOf, now)
		if err != nil {
			return err
		}

		if len(result.Lines) > 0 {
			if err := putJSON(ctx, tx, keys[0], ledgerVersion, ledger); err != nil {
				return err
			}
		}
		if err := putJSON(ctx, tx, keys[1], accountVersion, account); err != nil {
			return err
		}
		if rec != nil {
			rec.Deleted = true
			rec.DeletedAt = &now
			return putJSON(ctx, tx, keys[2], recVersion, rec)
		}
		return nil
	})

	if errors.Is(err, generic.ErrDoubleReversal) {
		result.AlreadyReversed = true
		s.metrics.PaymentReversed(track, "duplicate")
		s.audit.Record(ctx, generic.AuditFact{
			At: now, Action: generic.AuditDoubleReversal, ActorID: actorID,
			Unit: unit, Track: track, TransactionID: stored.TransactionID,
		})
		s.log.Warn("payment already reversed",
			zap.String("unit", string(unit)),
			zap.String("track", string(track)),
			zap.String("transaction_id", string(stored.TransactionID)),
		)
		return result, err
	}
	if err != nil {
		s.fault(ctx, "reverse_payment", unit, track, stored.TransactionID, err)
		return ReversalResult{}, err
	}

	s.afterWrite(ctx, unit)
	s.metrics.PaymentReversed(track, "reversed")
	s.audit.Record(ctx, generic.AuditFact{
		At:            now,
		Action:        generic.AuditPaymentReversed,
		ActorID:       actorID,
		Unit:          unit,
		Track:         track,
		TransactionID: stored.TransactionID,
		Payload: map[string]any{
			"lines":           len(result.Lines),
			"credit_reversed": result.CreditReversed.String(),
		},
	})
	s.log.Info("payment reversed",
		zap.String("unit", string(unit)),
		zap.String("track", string(track)),
		zap.String("transaction_id", string(stored.TransactionID)),
		zap.Int("lines", len(result.Lines)),
		zap.Int64("credit_reversed", int64(result.CreditReversed)),
	)
	return result, nil
}

// checkRecorded rejects a distribution that differs from the one stored with
// its payment record. Reversal only ever replays what was recorded.
func checkRecorded(rec *PaymentRecord, stored DistributionResult) error {
	if rec.Deleted || stored.Matches(rec.Result) {
		return nil
	}
	return fmt.Errorf("%s: %w", stored.TransactionID, generic.ErrDistributionMismatch)
}

// GetPayment returns a stored payment record.
func (s *Service) GetPayment(ctx context.Context, txID generic.TransactionID) (PaymentRecord, error) {
	rec, _, err := loadPayment(ctx, s.store.Read, txID)
	if err != nil {
		return PaymentRecord{}, err
	}
	return *rec, nil
}

// =============================================================================
// CREDIT
// =============================================================================

// AdjustCreditManually applies an administrative credit override to the
// pool of track. Every adjustment is audited and logged.
func (s *Service) AdjustCreditManually(ctx context.Context, unit generic.UnitID, track generic.Track, delta generic.Money, reason, actorID string) (generic.CreditMovement, error) {
	tc, err := s.config.TrackConfig(track)
	if err != nil {
		return generic.CreditMovement{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return generic.CreditMovement{}, generic.ErrMissingReason
	}
	txID := generic.TransactionID("adj-" + s.newID())
	now := s.clock.Now()

	unlock, err := s.locker.Lock(ctx, generic.UnitLockKey(unit))
	if err != nil {
		return generic.CreditMovement{}, err
	}
	defer unlock()

	key := generic.CreditKey(unit, tc.Pool)
	var mv generic.CreditMovement
	err = s.store.WithTx(ctx, []string{key}, func(tx generic.DocumentTx) error {
		account, version, err := loadAccount(ctx, tx.Get, unit, tc.Pool)
		if err != nil {
			return err
		}
		mv, err = account.ManualAdjust(delta, txID, track, reason, now)
		if err != nil {
			return err
		}
		return putJSON(ctx, tx, key, version, account)
	})
	if err != nil {
		s.log.Warn("credit adjustment rejected",
			zap.String("unit", string(unit)),
			zap.String("track", string(track)),
			zap.Int64("delta", int64(delta)),
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
		return generic.CreditMovement{}, err
	}

	s.afterWrite(ctx, unit)
	s.metrics.CreditAdjusted(track, delta)
	s.audit.Record(ctx, generic.AuditFact{
		At:            now,
		Action:        generic.AuditCreditAdjusted,
		ActorID:       actorID,
		Unit:          unit,
		Track:         track,
		TransactionID: txID,
		Payload: map[string]any{
			"pool":          string(tc.Pool),
			"delta":         delta.String(),
			"reason":        reason,
			"balance_after": mv.BalanceAfter.String(),
		},
	})
	s.log.Info("credit adjusted",
		zap.String("unit", string(unit)),
		zap.String("pool", string(tc.Pool)),
		zap.String("transaction_id", string(txID)),
		zap.Int64("delta", int64(delta)),
		zap.Int64("balance_after", int64(mv.BalanceAfter)),
		zap.String("actor_id", actorID),
		zap.String("reason", reason),
	)
	return mv, nil
}

// CreditHistory returns the credit account of unit in pool. A pool that
// never saw a movement returns an empty account.
func (s *Service) CreditHistory(ctx context.Context, unit generic.UnitID, pool generic.PoolID) (*generic.CreditAccount, error) {
	account, _, err := loadAccount(ctx, s.store.Read, unit, pool)
	return account, err
}

// =============================================================================
// VERIFY
// =============================================================================

// VerifyReport lists integrity faults found by Verify.
type VerifyReport struct {
	Ledgers  int      `json:"ledgers"`
	Accounts int      `json:"accounts"`
	Faults   []string `json:"faults"`
}

// OK reports a clean verification.
func (r VerifyReport) OK() bool { return len(r.Faults) == 0 }

// Verify replays every credit account and checks every period ledger of
// unit, or of all units when unit is empty.
func (s *Service) Verify(ctx context.Context, unit generic.UnitID) (VerifyReport, error) {
	var report VerifyReport
	suffix := ""
	if unit != "" {
		suffix = string(unit) + "/"
	}

	ledgers, err := s.store.List(ctx, "ledger/"+suffix)
	if err != nil {
		return report, err
	}
	for _, doc := range ledgers {
		report.Ledgers++
		ledger := &PeriodLedger{}
		if err := decodeInto(doc, ledger); err != nil {
			report.Faults = append(report.Faults, err.Error())
			continue
		}
		if err := ledger.Verify(); err != nil {
			report.Faults = append(report.Faults, fmt.Sprintf("%s: %v", doc.Key, err))
		}
	}

	accounts, err := s.store.List(ctx, "credit/"+suffix)
	if err != nil {
		return report, err
	}
	for _, doc := range accounts {
		report.Accounts++
		account := &generic.CreditAccount{}
		if err := decodeInto(doc, account); err != nil {
			report.Faults = append(report.Faults, err.Error())
			continue
		}
		if err := account.Verify(); err != nil {
			report.Faults = append(report.Faults, fmt.Sprintf("%s: %v", doc.Key, err))
		}
	}

	if !report.OK() {
		s.log.Error("ledger verification failed", zap.Strings("faults", report.Faults))
	}
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) asOf(asOf time.Time) time.Time {
	if asOf.IsZero() {
		return generic.DateOf(s.clock.Now())
	}
	return generic.DateOf(asOf)
}

func (s *Service) afterWrite(ctx context.Context, unit generic.UnitID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, unit); err != nil {
		s.metrics.CacheInvalidationFailed()
		s.log.Warn("statement cache invalidation failed", zap.String("unit", string(unit)), zap.Error(err))
	}
}

// fault logs a failed write. Fatal-class errors are also audited.
func (s *Service) fault(ctx context.Context, op string, unit generic.UnitID, track generic.Track, txID generic.TransactionID, err error) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("unit", string(unit)),
		zap.String("track", string(track)),
		zap.String("transaction_id", string(txID)),
		zap.Error(err),
	}
	if !generic.IsFatal(err) {
		s.log.Debug("billing operation rejected", fields...)
		return
	}
	s.metrics.LedgerFault(op)
	s.log.Error("ledger fault", fields...)
	s.audit.Record(ctx, generic.AuditFact{
		At:            s.clock.Now(),
		Action:        generic.AuditLedgerCorrupt,
		Unit:          unit,
		Track:         track,
		TransactionID: txID,
		Payload:       map[string]any{"operation": op, "error": err.Error()},
	})
}
