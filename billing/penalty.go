package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// PENALTY CALCULATOR
// =============================================================================

// DaysPerPenaltyMonth is the day count of one penalty month.
const DaysPerPenaltyMonth = 30

// PenaltyConfig is the late-fee rule of one track.
type PenaltyConfig struct {
	Rate      decimal.Decimal `json:"rate"`
	GraceDays int             `json:"grace_days"`
	Compound  bool            `json:"compound"`
}

// Validate rejects negative rates and grace periods.
func (c PenaltyConfig) Validate() error {
	if c.Rate.IsNegative() {
		return fmt.Errorf("penalty rate %s: %w", c.Rate, generic.ErrNegativeAmount)
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("penalty grace days %d must not be negative", c.GraceDays)
	}
	return nil
}

// MonthsOverdue is the number of started penalty months past grace.
func (c PenaltyConfig) MonthsOverdue(daysOverdue int) int {
	if daysOverdue <= 0 || daysOverdue <= c.GraceDays {
		return 0
	}
	late := daysOverdue - c.GraceDays
	return (late + DaysPerPenaltyMonth - 1) / DaysPerPenaltyMonth
}

// Compute is ComputePenalty with this config.
func (c PenaltyConfig) Compute(baseCharge generic.Money, daysOverdue int) generic.Money {
	return ComputePenalty(baseCharge, c.Rate, daysOverdue, c.GraceDays, c.Compound)
}

// ComputePenalty returns the late fee owed on baseCharge after daysOverdue.
//
//	compound:  base * ((1+rate)^months - 1)
//	simple:    base * rate * months
//	months  =  ceil((daysOverdue - graceDays) / 30)
//
// The result is rounded half-up to a minor unit and never negative. It is a
// pure function of its inputs and must be recomputed on every read.
func ComputePenalty(baseCharge generic.Money, rate decimal.Decimal, daysOverdue, graceDays int, compound bool) generic.Money {
	if baseCharge <= 0 || !rate.IsPositive() {
		return 0
	}
	months := PenaltyConfig{GraceDays: graceDays}.MonthsOverdue(daysOverdue)
	if months == 0 {
		return 0
	}

	base := baseCharge.Decimal()
	var penalty decimal.Decimal
	if compound {
		// (1+rate)^months by repeated Mul so the factor stays exact.
		factor := decimal.NewFromInt(1)
		growth := decimal.NewFromInt(1).Add(rate)
		for i := 0; i < months; i++ {
			factor = factor.Mul(growth)
		}
		penalty = base.Mul(factor.Sub(decimal.NewFromInt(1)))
	} else {
		penalty = base.Mul(rate).Mul(decimal.NewFromInt(int64(months)))
	}
	return generic.MoneyFromDecimal(penalty).FloorZero()
}

// DaysOverdue counts days from dueDate to asOf. Zero when not yet due.
func DaysOverdue(asOf, dueDate time.Time) int {
	days := generic.DaysBetween(dueDate, asOf)
	if days < 0 {
		return 0
	}
	return days
}
