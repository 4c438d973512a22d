/*
Package billing implements dues and utility billing on top of the generic engine.

PURPOSE:
  A unit is billed every fiscal month on one or more tracks (HOA dues,
  water bills). Late periods accrue a penalty. Payments are split across
  what is owed, oldest debt first and penalty before principal, and
  anything left over becomes credit. Deleting a payment replays its
  recorded distribution backwards.

KEY CONCEPTS IN THIS FILE (types.go):
  - BillingPeriod: One fiscal month of one track for one unit
  - Outstanding: What a period owes as of a date (penalty recomputed)
  - DistributionResult: The exact split of one payment, kept for reversal
  - PaymentRecord: The transaction record the distribution is stored with

COMPONENTS:
  penalty.go:      PenaltyCalculator
  ledger.go:       PeriodLedger
  distributor.go:  PaymentDistributor
  reversal.go:     ReversalEngine
  service.go:      Transactional facade used by the API
  billing_run.go:  Monthly billing runs

SEE ALSO:
  - generic/credit.go: Credit account shared by tracks of a pool
  - generic/fiscal.go: Fiscal calendar
*/
package billing

import (
	"time"

	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// BILLING PERIOD
// =============================================================================

type PeriodStatus string

const (
	StatusUnbilled      PeriodStatus = "unbilled"
	StatusUnpaid        PeriodStatus = "unpaid"
	StatusPartiallyPaid PeriodStatus = "partially_paid"
	StatusPaid          PeriodStatus = "paid"
)

// BillingPeriod is one unit x track x fiscal month.
//
// INVARIANTS:
//   - BasePaid <= BaseCharge
//   - Status == paid iff BasePaid == BaseCharge and the penalty computed
//     as of now is covered by PenaltyPaid
//
// The penalty itself is never stored. Only money actually collected is.
type BillingPeriod struct {
	FiscalYear     int                   `json:"fiscal_year"`
	FiscalMonth    int                   `json:"fiscal_month"`
	Track          generic.Track         `json:"track"`
	BaseCharge     generic.Money         `json:"base_charge"`
	DueDate        time.Time             `json:"due_date"`
	BasePaid       generic.Money         `json:"base_paid"`
	PenaltyPaid    generic.Money         `json:"penalty_paid"`
	Status         PeriodStatus          `json:"status"`
	LastPaymentRef generic.TransactionID `json:"last_payment_ref,omitempty"`
	BilledAt       *time.Time            `json:"billed_at,omitempty"`

	// SettledAt is the day BasePaid reached BaseCharge. Penalty stops
	// accruing there; it is cleared again if a reversal reopens the base.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Key returns the period's address.
func (p *BillingPeriod) Key() generic.PeriodKey {
	return generic.PeriodKey{FiscalYear: p.FiscalYear, FiscalMonth: p.FiscalMonth, Track: p.Track}
}

// Outstanding is what a period owes as of a date.
type Outstanding struct {
	Key            generic.PeriodKey `json:"key"`
	BaseOwed       generic.Money     `json:"base_owed"`
	PenaltyOwed    generic.Money     `json:"penalty_owed"`
	PenaltyAccrued generic.Money     `json:"penalty_accrued"`
	DaysOverdue    int               `json:"days_overdue"`
}

func (o Outstanding) Total() generic.Money { return o.BaseOwed + o.PenaltyOwed }

// =============================================================================
// DISTRIBUTION
// =============================================================================

// PaymentPolicy carries the per-call policy flags.
type PaymentPolicy struct {
	// UseCreditToCoverShortfall draws pool credit when cash does not cover a
	// targeted period. Off for ordinary payments, on for billing runs.
	UseCreditToCoverShortfall bool `json:"use_credit_to_cover_shortfall"`
}

// DistributionLine records what one payment did to one period.
type DistributionLine struct {
	Period         generic.PeriodKey `json:"period"`
	BaseApplied    generic.Money     `json:"base_applied"`
	PenaltyApplied generic.Money     `json:"penalty_applied"`

	// FromCredit is the part of BaseApplied+PenaltyApplied funded by credit.
	FromCredit generic.Money `json:"from_credit,omitempty"`

	// PriorPaymentRef is LastPaymentRef before this payment touched the period.
	PriorPaymentRef generic.TransactionID `json:"prior_payment_ref,omitempty"`
}

func (l DistributionLine) Applied() generic.Money { return l.BaseApplied + l.PenaltyApplied }

// DistributionResult is the audit trail of one payment. It is persisted
// with the originating transaction and replayed verbatim on reversal.
type DistributionResult struct {
	TransactionID generic.TransactionID `json:"transaction_id"`
	Unit          generic.UnitID        `json:"unit"`
	Track         generic.Track         `json:"track"`
	Pool          generic.PoolID        `json:"pool"`
	CashAmount    generic.Money         `json:"cash_amount"`
	AsOf          time.Time             `json:"as_of"`
	Lines         []DistributionLine    `json:"lines"`

	// CreditDelta is the net change to the credit balance from this payment.
	// Positive means credit was added, negative means credit was consumed.
	CreditDelta generic.Money `json:"credit_delta"`
}

// TotalApplied sums every line.
func (r DistributionResult) TotalApplied() generic.Money {
	var total generic.Money
	for _, l := range r.Lines {
		total += l.Applied()
	}
	return total
}

// Conserves reports whether lines plus credit delta equal the cash paid.
func (r DistributionResult) Conserves() bool {
	return r.TotalApplied()+r.CreditDelta == r.CashAmount
}

// Matches reports whether r describes the same distribution as o: same
// transaction, unit, track, pool, amounts and lines. AsOf is compared by
// instant so a JSON round trip still matches.
func (r DistributionResult) Matches(o DistributionResult) bool {
	if r.TransactionID != o.TransactionID || r.Unit != o.Unit || r.Track != o.Track ||
		r.Pool != o.Pool || r.CashAmount != o.CashAmount || r.CreditDelta != o.CreditDelta ||
		!r.AsOf.Equal(o.AsOf) || len(r.Lines) != len(o.Lines) {
		return false
	}
	for i := range r.Lines {
		if r.Lines[i] != o.Lines[i] {
			return false
		}
	}
	return true
}

// IsEmpty reports a zero distribution (nothing applied, no credit effect).
func (r DistributionResult) IsEmpty() bool {
	return len(r.Lines) == 0 && r.CreditDelta == 0
}

// ReversalResult reports what a reversal restored.
type ReversalResult struct {
	TransactionID   generic.TransactionID `json:"transaction_id"`
	Unit            generic.UnitID        `json:"unit"`
	Track           generic.Track         `json:"track"`
	Lines           []DistributionLine    `json:"lines"`
	CreditReversed  generic.Money         `json:"credit_reversed"`
	CreditBalance   generic.Money         `json:"credit_balance"`
	ReversedAt      time.Time             `json:"reversed_at"`
	AlreadyReversed bool                  `json:"already_reversed,omitempty"`
}

// =============================================================================
// PAYMENT RECORD - The transaction a distribution belongs to
// =============================================================================

// PaymentRecord is the stored transaction a distribution belongs to.
// It is written in the same store transaction as the distribution and
// only marked deleted once its reversal has committed.
type PaymentRecord struct {
	ID         generic.TransactionID `json:"id"`
	Unit       generic.UnitID        `json:"unit"`
	Track      generic.Track         `json:"track"`
	Pool       generic.PoolID        `json:"pool"`
	CashAmount generic.Money         `json:"cash_amount"`
	Memo       string                `json:"memo,omitempty"`
	Result     DistributionResult    `json:"result"`
	CreatedAt  time.Time             `json:"created_at"`
	Deleted    bool                  `json:"deleted"`
	DeletedAt  *time.Time            `json:"deleted_at,omitempty"`
}

// =============================================================================
// STATEMENT - Read-side view
// =============================================================================

// PeriodStatement is one period as seen on a statement.
type PeriodStatement struct {
	Key         generic.PeriodKey `json:"key"`
	DueDate     time.Time         `json:"due_date"`
	BaseCharge  generic.Money     `json:"base_charge"`
	BasePaid    generic.Money     `json:"base_paid"`
	PenaltyPaid generic.Money     `json:"penalty_paid"`
	Status      PeriodStatus      `json:"status"`
	Outstanding Outstanding       `json:"outstanding"`
}

// Statement is the derived view of a unit's track as of a date. It is a
// cache-friendly snapshot, never ledger state.
type Statement struct {
	Unit             generic.UnitID    `json:"unit"`
	Track            generic.Track     `json:"track"`
	Pool             generic.PoolID    `json:"pool"`
	AsOf             time.Time         `json:"as_of"`
	Periods          []PeriodStatement `json:"periods"`
	TotalBaseOwed    generic.Money     `json:"total_base_owed"`
	TotalPenaltyOwed generic.Money     `json:"total_penalty_owed"`
	CreditBalance    generic.Money     `json:"credit_balance"`
}

// NetDue is what the unit owes after credit.
func (s Statement) NetDue() generic.Money {
	return (s.TotalBaseOwed + s.TotalPenaltyOwed - s.CreditBalance).FloorZero()
}
