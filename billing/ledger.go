/*
ledger.go - Per-unit, per-track record of billing periods

PURPOSE:
  PeriodLedger holds every BillingPeriod of one unit on one track. It is
  stored as a single document (ledger/{unit}/{track}) so that a payment
  touching several periods commits atomically.

WHAT IS STORED:
  baseCharge, basePaid, penaltyPaid, status, lastPaymentRef
  Only money actually collected is stored. The penalty owed is derived on
  every read from the penalty config and the as-of date.

STATUS RULE:
  unbilled         never billed (created by Register, not yet Bill)
  paid             base owed == 0 and penalty owed == 0
  partially_paid   something collected, something still owed
  unpaid           nothing collected

PENALTY FREEZE:
  Once basePaid reaches baseCharge the period records SettledAt. Penalty
  accrual is evaluated at min(asOf, SettledAt), so a paid period stays paid
  as time moves on. Reopening the base through a reversal clears SettledAt.

SEE ALSO:
  - penalty.go: ComputePenalty
  - distributor.go: The only caller of ApplyPayment
  - reversal.go: The only caller of Unapply
*/
package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/unit-ledger/generic"
)

// PeriodLedger is the period set of one unit and track.
type PeriodLedger struct {
	Unit    generic.UnitID  `json:"unit"`
	Track   generic.Track   `json:"track"`
	Periods []BillingPeriod `json:"periods"`

	penalty PenaltyConfig
}

// NewPeriodLedger creates an empty ledger.
func NewPeriodLedger(unit generic.UnitID, track generic.Track, penalty PenaltyConfig) *PeriodLedger {
	return &PeriodLedger{Unit: unit, Track: track, penalty: penalty}
}

// WithPenalty binds the penalty config after the ledger was decoded.
func (l *PeriodLedger) WithPenalty(cfg PenaltyConfig) *PeriodLedger {
	l.penalty = cfg
	return l
}

// Penalty returns the bound penalty config.
func (l *PeriodLedger) Penalty() PenaltyConfig { return l.penalty }

// =============================================================================
// LOOKUP & LIFECYCLE
// =============================================================================

// Find returns the period at key or ErrPeriodNotFound.
func (l *PeriodLedger) Find(key generic.PeriodKey) (*BillingPeriod, error) {
	if key.Track == "" {
		key.Track = l.Track
	}
	for i := range l.Periods {
		if l.Periods[i].Key().SamePeriod(key) {
			return &l.Periods[i], nil
		}
	}
	return nil, fmt.Errorf("%s for unit %s: %w", key, l.Unit, generic.ErrPeriodNotFound)
}

// Register adds an unbilled period. Registering an existing key returns the
// existing period untouched and created=false.
func (l *PeriodLedger) Register(key generic.PeriodKey, baseCharge generic.Money, dueDate time.Time) (*BillingPeriod, bool, error) {
	if key.Track == "" {
		key.Track = l.Track
	}
	if key.Track != l.Track {
		return nil, false, fmt.Errorf("period %s on %s ledger: %w", key, l.Track, generic.ErrUnknownTrack)
	}
	if key.FiscalMonth < 0 || key.FiscalMonth > 11 {
		return nil, false, generic.ErrInvalidMonth
	}
	if baseCharge.IsNegative() {
		return nil, false, generic.ErrNegativeAmount
	}
	if dueDate.IsZero() {
		return nil, false, generic.ErrInvalidDate
	}
	if p, err := l.Find(key); err == nil {
		return p, false, nil
	}

	l.Periods = append(l.Periods, BillingPeriod{
		FiscalYear:  key.FiscalYear,
		FiscalMonth: key.FiscalMonth,
		Track:       key.Track,
		BaseCharge:  baseCharge,
		DueDate:     generic.DateOf(dueDate),
		Status:      StatusUnbilled,
	})
	sort.SliceStable(l.Periods, func(i, j int) bool {
		return l.Periods[i].Key().Less(l.Periods[j].Key())
	})
	p, err := l.Find(key)
	return p, true, err
}

// Bill moves an unbilled period to unpaid. A zero charge is settled on the spot.
func (l *PeriodLedger) Bill(key generic.PeriodKey, at time.Time) (*BillingPeriod, error) {
	p, err := l.Find(key)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusUnbilled {
		return p, nil
	}
	billed := generic.DateOf(at)
	p.BilledAt = &billed
	p.Status = StatusUnpaid
	if p.BaseCharge.IsZero() {
		p.SettledAt = &billed
	}
	l.RecomputeStatus(p, at)
	return p, nil
}

// =============================================================================
// OUTSTANDING
// =============================================================================

// PenaltyAsOf is the date penalty accrual is evaluated at: asOf, capped at
// the day the base was settled.
func (l *PeriodLedger) PenaltyAsOf(p *BillingPeriod, asOf time.Time) time.Time {
	if p.SettledAt != nil {
		return generic.MinDate(asOf, *p.SettledAt)
	}
	return asOf
}

// GetOutstanding returns what p owes as of asOf.
func (l *PeriodLedger) GetOutstanding(p *BillingPeriod, asOf time.Time) Outstanding {
	out := Outstanding{Key: p.Key()}
	if p.Status == StatusUnbilled {
		return out
	}
	out.BaseOwed = (p.BaseCharge - p.BasePaid).FloorZero()
	out.DaysOverdue = DaysOverdue(l.PenaltyAsOf(p, asOf), p.DueDate)
	out.PenaltyAccrued = l.penalty.Compute(p.BaseCharge, out.DaysOverdue)
	out.PenaltyOwed = (out.PenaltyAccrued - p.PenaltyPaid).FloorZero()
	return out
}

// RecomputeStatus derives status from collected amounts and the penalty as of asOf.
func (l *PeriodLedger) RecomputeStatus(p *BillingPeriod, asOf time.Time) {
	p.Status = l.StatusAsOf(p, asOf)
}

// StatusAsOf is the status p would have as of asOf, without mutating it.
func (l *PeriodLedger) StatusAsOf(p *BillingPeriod, asOf time.Time) PeriodStatus {
	if p.Status == StatusUnbilled {
		return StatusUnbilled
	}
	out := l.GetOutstanding(p, asOf)
	switch {
	case out.Total().IsZero():
		return StatusPaid
	case p.BasePaid > 0 || p.PenaltyPaid > 0:
		return StatusPartiallyPaid
	default:
		return StatusUnpaid
	}
}

// Statuses recomputes every period's status as of asOf for read-side views.
func (l *PeriodLedger) Statuses(asOf time.Time) map[generic.PeriodKey]PeriodStatus {
	out := make(map[generic.PeriodKey]PeriodStatus, len(l.Periods))
	for i := range l.Periods {
		out[l.Periods[i].Key()] = l.StatusAsOf(&l.Periods[i], asOf)
	}
	return out
}

// SelectUnpaidPeriodsOldestFirst returns billed periods that still owe
// something as of asOf, ordered by (fiscal year, fiscal month).
func (l *PeriodLedger) SelectUnpaidPeriodsOldestFirst(asOf time.Time) []*BillingPeriod {
	var out []*BillingPeriod
	for i := range l.Periods {
		p := &l.Periods[i]
		if p.Status == StatusUnbilled {
			continue
		}
		if l.GetOutstanding(p, asOf).Total().IsPositive() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// =============================================================================
// MUTATIONS
// =============================================================================

// ApplyPayment adds collected amounts to p.
//
// Fails with OverApplicationError when either amount exceeds what is
// outstanding as of asOf. Nothing is mutated on failure.
func (l *PeriodLedger) ApplyPayment(p *BillingPeriod, base, penalty generic.Money, ref generic.TransactionID, asOf time.Time) error {
	if base.IsNegative() || penalty.IsNegative() {
		return generic.ErrNegativeAmount
	}
	if p.Status == StatusUnbilled {
		return fmt.Errorf("%s: %w", p.Key(), generic.ErrPeriodNotBilled)
	}
	out := l.GetOutstanding(p, asOf)
	if base > out.BaseOwed || penalty > out.PenaltyOwed {
		return &generic.OverApplicationError{
			Period:           p.Key(),
			BaseRequested:    base,
			BaseOwed:         out.BaseOwed,
			PenaltyRequested: penalty,
			PenaltyOwed:      out.PenaltyOwed,
		}
	}

	p.BasePaid += base
	p.PenaltyPaid += penalty
	if ref != "" {
		p.LastPaymentRef = ref
	}
	if p.SettledAt == nil && p.BasePaid == p.BaseCharge {
		settled := generic.DateOf(asOf)
		p.SettledAt = &settled
	}
	l.RecomputeStatus(p, asOf)
	return nil
}

// Unapply removes previously collected amounts from p.
//
// Going below zero means the recorded distribution does not match the
// ledger; that fails with LedgerCorruptionError instead of clamping.
// LastPaymentRef is restored to priorRef when txID was the last to touch p.
func (l *PeriodLedger) Unapply(p *BillingPeriod, base, penalty generic.Money, txID, priorRef generic.TransactionID, asOf time.Time) error {
	if base.IsNegative() || penalty.IsNegative() {
		return generic.ErrNegativeAmount
	}
	if p.BasePaid < base {
		return &generic.LedgerCorruptionError{
			TransactionID: txID, Subject: p.Key().String(), Field: "base_paid",
			Current: p.BasePaid, Decrement: base,
		}
	}
	if p.PenaltyPaid < penalty {
		return &generic.LedgerCorruptionError{
			TransactionID: txID, Subject: p.Key().String(), Field: "penalty_paid",
			Current: p.PenaltyPaid, Decrement: penalty,
		}
	}

	p.BasePaid -= base
	p.PenaltyPaid -= penalty
	if p.BasePaid < p.BaseCharge {
		p.SettledAt = nil
	}
	if p.LastPaymentRef == txID {
		p.LastPaymentRef = priorRef
	}
	l.RecomputeStatus(p, asOf)
	return nil
}

// =============================================================================
// INTEGRITY
// =============================================================================

// Verify checks the stored invariants of every period.
func (l *PeriodLedger) Verify() error {
	for i := range l.Periods {
		p := &l.Periods[i]
		if p.Track != l.Track {
			return fmt.Errorf("%w: %s stored on %s ledger", generic.ErrLedgerCorruption, p.Key(), l.Track)
		}
		if p.BasePaid < 0 || p.PenaltyPaid < 0 || p.BasePaid > p.BaseCharge {
			return fmt.Errorf("%w: %s base %s/%s penalty paid %s",
				generic.ErrLedgerCorruption, p.Key(), p.BasePaid, p.BaseCharge, p.PenaltyPaid)
		}
		if p.Status == StatusUnbilled && (p.BasePaid > 0 || p.PenaltyPaid > 0) {
			return fmt.Errorf("%w: %s unbilled but has collections", generic.ErrLedgerCorruption, p.Key())
		}
	}
	return nil
}
