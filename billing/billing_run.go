package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BILLING RUNS
// =============================================================================

// BillingRunInput bills one fiscal month of one track.
type BillingRunInput struct {
	Track       generic.Track
	FiscalYear  int
	FiscalMonth int
	// Charges per unit. Nil bills every configured unit at its configured charge.
	Charges map[generic.UnitID]generic.Money
	// UseCreditToCoverShortfall applies pool credit to the new period.
	// Nil means on.
	UseCreditToCoverShortfall *bool
	ActorID                   string
}

// UnitBillingOutcome is what a run did to one unit.
type UnitBillingOutcome struct {
	Unit          generic.UnitID        `json:"unit"`
	Billed        bool                  `json:"billed"`
	Charge        generic.Money         `json:"charge"`
	TransactionID generic.TransactionID `json:"transaction_id,omitempty"`
	CreditApplied generic.Money         `json:"credit_applied"`
	Status        PeriodStatus          `json:"status"`
	Error         string                `json:"error,omitempty"`
}

// BillingRunResult summarizes a run, one outcome per unit ordered by unit id.
type BillingRunResult struct {
	Period   generic.PeriodKey    `json:"period"`
	Outcomes []UnitBillingOutcome `json:"outcomes"`
}

// Failed returns the outcomes that errored.
func (r BillingRunResult) Failed() []UnitBillingOutcome {
	var out []UnitBillingOutcome
	for _, o := range r.Outcomes {
		if o.Error != "" {
			out = append(out, o)
		}
	}
	return out
}

// BillingRunTransactionID names the credit application of a run on one unit.
func BillingRunTransactionID(key generic.PeriodKey, unit generic.UnitID) generic.TransactionID {
	return generic.TransactionID(fmt.Sprintf("billing-run:%s:%d-%02d:%s", key.Track, key.FiscalYear, key.FiscalMonth, unit))
}

// RunBilling registers and bills the period on every unit concurrently.
//
// Re-running a month is safe: units already billed for it are left alone.
// A failure on one unit does not stop the others; it is reported in its
// outcome. Only context cancellation aborts the run.
func (s *Service) RunBilling(ctx context.Context, in BillingRunInput) (BillingRunResult, error) {
	tc, err := s.config.TrackConfig(in.Track)
	if err != nil {
		return BillingRunResult{}, err
	}
	key := generic.PeriodKey{FiscalYear: in.FiscalYear, FiscalMonth: in.FiscalMonth, Track: in.Track}
	dueDate, err := s.config.DueDate(in.Track, in.FiscalYear, in.FiscalMonth)
	if err != nil {
		return BillingRunResult{}, err
	}
	charges := in.Charges
	if charges == nil {
		charges = s.config.Charges(in.Track)
	}
	useCredit := in.UseCreditToCoverShortfall == nil || *in.UseCreditToCoverShortfall

	units := make([]generic.UnitID, 0, len(charges))
	for u := range charges {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })

	var (
		mu       sync.Mutex
		outcomes = make([]UnitBillingOutcome, len(units))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, unit := range units {
		g.Go(func() error {
			outcome, err := s.billUnit(gctx, tc, key, unit, charges[unit], dueDate, useCredit, in.ActorID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				outcome = UnitBillingOutcome{Unit: unit, Charge: charges[unit], Error: err.Error()}
				s.metrics.PeriodBilled(in.Track, "failed")
				s.log.Warn("billing unit failed",
					zap.String("unit", string(unit)),
					zap.Stringer("period", key),
					zap.Error(err),
				)
			}
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BillingRunResult{Period: key, Outcomes: outcomes}, err
	}

	result := BillingRunResult{Period: key, Outcomes: outcomes}
	s.log.Info("billing run finished",
		zap.Stringer("period", key),
		zap.Int("units", len(units)),
		zap.Int("failed", len(result.Failed())),
	)
	return result, nil
}

func (s *Service) billUnit(ctx context.Context, tc TrackConfig, key generic.PeriodKey, unit generic.UnitID,
	charge generic.Money, dueDate time.Time, useCredit bool, actorID string) (UnitBillingOutcome, error) {
	outcome := UnitBillingOutcome{Unit: unit, Charge: charge}
	txID := BillingRunTransactionID(key, unit)
	now := s.clock.Now()
	asOf := generic.DateOf(now)

	unlock, err := s.locker.Lock(ctx, generic.UnitLockKey(unit))
	if err != nil {
		return outcome, err
	}
	defer unlock()

	keys := []string{
		generic.LedgerKey(unit, tc.Track),
		generic.CreditKey(unit, tc.Pool),
		generic.PaymentKey(txID),
	}
	var applied DistributionResult
	err = s.store.WithTx(ctx, keys, func(tx generic.DocumentTx) error {
		ledger, ledgerVersion, err := loadLedger(ctx, tx.Get, unit, tc.Track, tc.Penalty)
		if err != nil {
			return err
		}
		p, _, err := ledger.Register(key, charge, dueDate)
		if err != nil {
			return err
		}
		if p.Status != StatusUnbilled {
			outcome.Status = ledger.StatusAsOf(p, asOf)
			return nil
		}
		if _, err := ledger.Bill(key, now); err != nil {
			return err
		}
		outcome.Billed = true

		if useCredit {
			account, accountVersion, err := loadAccount(ctx, tx.Get, unit, tc.Pool)
			if err != nil {
				return err
			}
			if account.Balance.IsPositive() {
				applied, err = s.distributor.Apply(Distribution{
					TransactionID: txID,
					Targets:       []generic.PeriodKey{key},
					Policy:        PaymentPolicy{UseCreditToCoverShortfall: true},
					AsOf:          asOf,
					At:            now,
				}, ledger, account)
				if err != nil {
					return err
				}
				if !applied.IsEmpty() {
					if err := putJSON(ctx, tx, keys[1], accountVersion, account); err != nil {
						return err
					}
					if err := putJSON(ctx, tx, keys[2], 0, PaymentRecord{
						ID:        txID,
						Unit:      unit,
						Track:     tc.Track,
						Pool:      tc.Pool,
						Memo:      "credit applied by billing run",
						Result:    applied,
						CreatedAt: now,
					}); err != nil {
						return err
					}
				}
			}
		}
		p, err = ledger.Find(key)
		if err != nil {
			return err
		}
		outcome.Status = p.Status
		return putJSON(ctx, tx, keys[0], ledgerVersion, ledger)
	})
	if err != nil {
		s.fault(ctx, "run_billing", unit, tc.Track, txID, err)
		return outcome, err
	}
	if !outcome.Billed {
		s.metrics.PeriodBilled(tc.Track, "skipped")
		return outcome, nil
	}

	if !applied.IsEmpty() {
		outcome.TransactionID = txID
		outcome.CreditApplied = applied.CreditDelta.Neg()
	}
	s.afterWrite(ctx, unit)
	s.metrics.PeriodBilled(tc.Track, "billed")
	s.audit.Record(ctx, generic.AuditFact{
		At:            now,
		Action:        generic.AuditPeriodBilled,
		ActorID:       actorID,
		Unit:          unit,
		Track:         tc.Track,
		TransactionID: outcome.TransactionID,
		Payload: map[string]any{
			"period":         key.String(),
			"charge":         charge.String(),
			"credit_applied": outcome.CreditApplied.String(),
		},
	})
	s.log.Debug("period billed",
		zap.String("unit", string(unit)),
		zap.Stringer("period", key),
		zap.Int64("charge", int64(charge)),
		zap.Int64("credit_applied", int64(outcome.CreditApplied)),
	)
	return outcome, nil
}
