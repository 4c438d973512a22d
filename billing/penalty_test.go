package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
)

func rate(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputePenalty_WithinGrace_Zero(t *testing.T) {
	// GIVEN: 15 grace days
	// WHEN: 0, 10 and 15 days overdue
	// THEN: No penalty

	for _, days := range []int{-3, 0, 10, 15} {
		assert.Equal(t, generic.Money(0), billing.ComputePenalty(10000, rate("0.02"), days, 15, true), "days=%d", days)
	}
}

func TestComputePenalty_MonthsRoundUp(t *testing.T) {
	// GIVEN: $100.00 base, 2% monthly compounding, 15 grace days
	// WHEN: 16 days overdue (1 day past grace) and 46 days (31 past grace)
	// THEN: One month = $2.00, two months = $4.04

	assert.Equal(t, generic.Money(200), billing.ComputePenalty(10000, rate("0.02"), 16, 15, true))
	assert.Equal(t, generic.Money(200), billing.ComputePenalty(10000, rate("0.02"), 45, 15, true))
	assert.Equal(t, generic.Money(404), billing.ComputePenalty(10000, rate("0.02"), 46, 15, true))
}

func TestComputePenalty_CompoundVsSimple(t *testing.T) {
	// GIVEN: $100.00 base at 10% for three months
	// THEN: compound = 100 * (1.1^3 - 1) = 33.10, simple = 30.00

	assert.Equal(t, generic.Money(3310), billing.ComputePenalty(10000, rate("0.1"), 90, 0, true))
	assert.Equal(t, generic.Money(3000), billing.ComputePenalty(10000, rate("0.1"), 90, 0, false))
}

func TestComputePenalty_RoundsHalfUp(t *testing.T) {
	// GIVEN: $1.25 at 2% for one month = 2.5 minor units
	// THEN: Rounded up to 3

	assert.Equal(t, generic.Money(3), billing.ComputePenalty(125, rate("0.02"), 1, 0, false))
	// 1.24 * 2% = 2.48 -> 2
	assert.Equal(t, generic.Money(2), billing.ComputePenalty(124, rate("0.02"), 1, 0, false))
}

func TestComputePenalty_ZeroRateOrBase(t *testing.T) {
	assert.Equal(t, generic.Money(0), billing.ComputePenalty(10000, decimal.Zero, 400, 0, true))
	assert.Equal(t, generic.Money(0), billing.ComputePenalty(0, rate("0.05"), 400, 0, true))
}

func TestComputePenalty_MonotonicInDaysOverdue(t *testing.T) {
	// GIVEN: Fixed base charge
	// WHEN: Days overdue increases
	// THEN: Penalty never decreases, in both modes

	for _, compound := range []bool{true, false} {
		prev := generic.Money(0)
		for days := -10; days <= 800; days++ {
			p := billing.ComputePenalty(120231, rate("0.035"), days, 7, compound)
			assert.GreaterOrEqual(t, int64(p), int64(prev), "compound=%v days=%d", compound, days)
			assert.False(t, p.IsNegative())
			prev = p
		}
	}
}

func TestPenaltyConfig_Validate(t *testing.T) {
	assert.NoError(t, billing.PenaltyConfig{Rate: rate("0.02"), GraceDays: 10}.Validate())
	assert.ErrorIs(t, billing.PenaltyConfig{Rate: rate("-0.01")}.Validate(), generic.ErrNegativeAmount)
	assert.Error(t, billing.PenaltyConfig{Rate: rate("0.01"), GraceDays: -1}.Validate())
}

func TestDaysOverdue(t *testing.T) {
	due := generic.Date(2025, 1, 15)
	assert.Equal(t, 0, billing.DaysOverdue(generic.Date(2025, 1, 10), due))
	assert.Equal(t, 0, billing.DaysOverdue(due, due))
	assert.Equal(t, 17, billing.DaysOverdue(generic.Date(2025, 2, 1), due))
}
