package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
)

func distribute(t *testing.T, l *billing.PeriodLedger, a *generic.CreditAccount, d billing.Distribution) billing.DistributionResult {
	t.Helper()
	if d.AsOf.IsZero() {
		d.AsOf = jan15
	}
	if d.At.IsZero() {
		d.At = d.AsOf
	}
	res, err := billing.PaymentDistributor{}.Apply(d, l, a)
	require.NoError(t, err)
	require.True(t, res.Conserves(), "lines + credit delta must equal cash")
	return res
}

// =============================================================================
// ORDERING RULES
// =============================================================================

func TestDistributor_OldestFirst(t *testing.T) {
	// GIVEN: FY2025/M0 and M1 unpaid, $100 each
	// WHEN: $150 paid with no explicit targets
	// THEN: M0 fully paid, M1 partially paid $50, never the reverse

	l := billedLedger(t, noPenalty, 10000, 10000)
	a := generic.NewCreditAccount("u1", "main")

	res := distribute(t, l, a, billing.Distribution{TransactionID: "tx-1", Cash: 15000})

	require.Len(t, res.Lines, 2)
	assert.Equal(t, key(2025, 0), res.Lines[0].Period)
	assert.Equal(t, generic.Money(10000), res.Lines[0].BaseApplied)
	assert.Equal(t, key(2025, 1), res.Lines[1].Period)
	assert.Equal(t, generic.Money(5000), res.Lines[1].BaseApplied)
	assert.Equal(t, generic.Money(0), res.CreditDelta)

	assert.Equal(t, billing.StatusPaid, period(t, l, 0).Status)
	assert.Equal(t, billing.StatusPartiallyPaid, period(t, l, 1).Status)
	assert.Equal(t, generic.Money(5000), period(t, l, 1).BasePaid)
}

func TestDistributor_PenaltyBeforeBase(t *testing.T) {
	// GIVEN: A period owing $20 base + $50 penalty
	// WHEN: $30 paid
	// THEN: penaltyApplied = $30, baseApplied = $0

	steep := billing.PenaltyConfig{Rate: rate("2.5")} // one month: 20 * 2.5 = 50
	l := billedLedger(t, steep, 2000)
	a := generic.NewCreditAccount("u1", "main")
	asOf := generic.Date(2025, time.January, 20)

	out := l.GetOutstanding(period(t, l, 0), asOf)
	require.Equal(t, generic.Money(2000), out.BaseOwed)
	require.Equal(t, generic.Money(5000), out.PenaltyOwed)

	res := distribute(t, l, a, billing.Distribution{TransactionID: "tx-1", Cash: 3000, AsOf: asOf})

	require.Len(t, res.Lines, 1)
	assert.Equal(t, generic.Money(3000), res.Lines[0].PenaltyApplied)
	assert.Equal(t, generic.Money(0), res.Lines[0].BaseApplied)
	assert.Equal(t, billing.StatusPartiallyPaid, period(t, l, 0).Status)
}

func TestDistributor_OverflowBecomesCredit(t *testing.T) {
	// GIVEN: A single $300 unpaid period, still within grace
	// WHEN: $500 paid
	// THEN: baseApplied = $300, creditDelta = +$200

	l := billedLedger(t, standardLate, 30000)
	a := generic.NewCreditAccount("u1", "main")

	res := distribute(t, l, a, billing.Distribution{TransactionID: "tx-1", Cash: 50000, AsOf: generic.Date(2025, 1, 20)})

	require.Len(t, res.Lines, 1)
	assert.Equal(t, generic.Money(30000), res.Lines[0].BaseApplied)
	assert.Equal(t, generic.Money(0), res.Lines[0].PenaltyApplied)
	assert.Equal(t, generic.Money(20000), res.CreditDelta)
	assert.Equal(t, generic.Money(20000), a.Balance)

	mv := a.MovementsFor("tx-1")
	require.Len(t, mv, 1)
	assert.Equal(t, generic.ReasonPaymentOverflow, mv[0].Reason)
	assert.Equal(t, hoa, mv[0].Track)
}

func TestDistributor_ExplicitTargets_InGivenOrder(t *testing.T) {
	// GIVEN: Three $100 periods
	// WHEN: $150 targeted at M2 then M0
	// THEN: M2 paid first, M0 gets the rest, M1 untouched

	l := billedLedger(t, noPenalty, 10000, 10000, 10000)
	a := generic.NewCreditAccount("u1", "main")

	res := distribute(t, l, a, billing.Distribution{
		TransactionID: "tx-1",
		Cash:          15000,
		Targets:       []generic.PeriodKey{key(2025, 2), key(2025, 0), key(2025, 2)},
	})

	require.Len(t, res.Lines, 2)
	assert.Equal(t, key(2025, 2), res.Lines[0].Period)
	assert.Equal(t, generic.Money(10000), res.Lines[0].BaseApplied)
	assert.Equal(t, key(2025, 0), res.Lines[1].Period)
	assert.Equal(t, generic.Money(5000), res.Lines[1].BaseApplied)
	assert.Equal(t, billing.StatusUnpaid, period(t, l, 1).Status)
}

func TestDistributor_ExplicitTargets_OverflowToCredit(t *testing.T) {
	l := billedLedger(t, noPenalty, 10000, 10000)
	a := generic.NewCreditAccount("u1", "main")

	res := distribute(t, l, a, billing.Distribution{
		TransactionID: "tx-1",
		Cash:          12000,
		Targets:       []generic.PeriodKey{key(2025, 1)},
	})
	require.Len(t, res.Lines, 1)
	assert.Equal(t, generic.Money(2000), res.CreditDelta)
	assert.Equal(t, billing.StatusUnpaid, period(t, l, 0).Status)
}

func TestDistributor_ExplicitTargets_Errors(t *testing.T) {
	l := billedLedger(t, noPenalty, 10000)
	_, _, err := l.Register(key(2025, 5), 10000, jan15)
	require.NoError(t, err)
	a := generic.NewCreditAccount("u1", "main")
	d := billing.PaymentDistributor{}

	_, err = d.Apply(billing.Distribution{TransactionID: "tx-1", Cash: 100, AsOf: jan15,
		Targets: []generic.PeriodKey{key(2025, 9)}}, l, a)
	assert.ErrorIs(t, err, generic.ErrPeriodNotFound)

	_, err = d.Apply(billing.Distribution{TransactionID: "tx-1", Cash: 100, AsOf: jan15,
		Targets: []generic.PeriodKey{key(2025, 5)}}, l, a)
	assert.ErrorIs(t, err, generic.ErrPeriodNotBilled)

	_, err = d.Apply(billing.Distribution{TransactionID: "tx-1", Cash: 100, AsOf: jan15,
		Targets: []generic.PeriodKey{{FiscalYear: 2025, Track: water}}}, l, a)
	assert.ErrorIs(t, err, generic.ErrUnknownTrack)
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestDistributor_NegativeCash(t *testing.T) {
	l := billedLedger(t, noPenalty, 10000)
	a := generic.NewCreditAccount("u1", "main")
	_, err := billing.PaymentDistributor{}.Apply(billing.Distribution{TransactionID: "tx-1", Cash: -1, AsOf: jan15}, l, a)
	assert.ErrorIs(t, err, generic.ErrNegativeAmount)
	assert.True(t, generic.IsClientError(err))
}

func TestDistributor_ZeroCash_NoOp(t *testing.T) {
	l := billedLedger(t, noPenalty, 10000)
	a := generic.NewCreditAccount("u1", "main")
	res := distribute(t, l, a, billing.Distribution{TransactionID: "tx-1", Cash: 0})
	assert.True(t, res.IsEmpty())
	assert.Equal(t, generic.Money(0), period(t, l, 0).BasePaid)
	assert.Empty(t, a.History)
}

func TestDistributor_NothingOwed_AllCredit(t *testing.T) {
	l := billing.NewPeriodLedger("u1", hoa, noPenalty)
	a := generic.NewCreditAccount("u1", "main")
	res := distribute(t, l, a, billing.Distribution{TransactionID: "tx-1", Cash: 7500})
	assert.Empty(t, res.Lines)
	assert.Equal(t, generic.Money(7500), res.CreditDelta)
}

// =============================================================================
// CREDIT COVER
// =============================================================================

func TestDistributor_CreditCoversShortfall(t *testing.T) {
	// GIVEN: $40 credit, a $100 period
	// WHEN: $60 cash targeted at it with credit cover on
	// THEN: Period paid; $40 drawn from credit; delta -$40

	l := billedLedger(t, noPenalty, 10000)
	a := generic.NewCreditAccount("u1", "main")
	_, err := a.AddCredit(4000, "tx-0", hoa, generic.ReasonPaymentOverflow, jan15)
	require.NoError(t, err)

	res := distribute(t, l, a, billing.Distribution{
		TransactionID: "tx-1",
		Cash:          6000,
		Targets:       []generic.PeriodKey{key(2025, 0)},
		Policy:        billing.PaymentPolicy{UseCreditToCoverShortfall: true},
	})

	require.Len(t, res.Lines, 1)
	assert.Equal(t, generic.Money(10000), res.Lines[0].BaseApplied)
	assert.Equal(t, generic.Money(4000), res.Lines[0].FromCredit)
	assert.Equal(t, generic.Money(-4000), res.CreditDelta)
	assert.Equal(t, generic.Money(0), a.Balance)
	assert.Equal(t, billing.StatusPaid, period(t, l, 0).Status)
}

func TestDistributor_CreditCover_ClampedToBalance(t *testing.T) {
	// GIVEN: $30 credit, two $100 periods
	// WHEN: Cash 0 with credit cover (a billing run)
	// THEN: $30 lands on the oldest; credit never goes negative

	l := billedLedger(t, noPenalty, 10000, 10000)
	a := generic.NewCreditAccount("u1", "main")
	_, err := a.AddCredit(3000, "tx-0", hoa, generic.ReasonPaymentOverflow, jan15)
	require.NoError(t, err)

	res := distribute(t, l, a, billing.Distribution{
		TransactionID: "run-1",
		Policy:        billing.PaymentPolicy{UseCreditToCoverShortfall: true},
	})

	require.Len(t, res.Lines, 1)
	assert.Equal(t, generic.Money(3000), res.Lines[0].BaseApplied)
	assert.Equal(t, generic.Money(-3000), res.CreditDelta)
	assert.Equal(t, generic.Money(0), a.Balance)
	assert.NoError(t, a.Verify())
}

func TestDistributor_CreditCoverOff_LeavesShortfall(t *testing.T) {
	l := billedLedger(t, noPenalty, 10000)
	a := generic.NewCreditAccount("u1", "main")
	_, err := a.AddCredit(4000, "tx-0", hoa, generic.ReasonPaymentOverflow, jan15)
	require.NoError(t, err)

	res := distribute(t, l, a, billing.Distribution{TransactionID: "tx-1", Cash: 6000})
	assert.Equal(t, generic.Money(6000), res.Lines[0].BaseApplied)
	assert.Equal(t, generic.Money(4000), a.Balance)
}

func TestDistributor_Conservation(t *testing.T) {
	// GIVEN: Assorted cash amounts against a mix of late and current periods
	// THEN: sum(lines) + creditDelta == cash every time

	for _, cash := range []generic.Money{1, 199, 200, 10000, 10404, 25050, 99999} {
		l := billedLedger(t, standardLate, 10000, 7500, 12345)
		a := generic.NewCreditAccount("u1", "main")
		res := distribute(t, l, a, billing.Distribution{TransactionID: "tx", Cash: cash, AsOf: generic.Date(2025, 4, 30)})
		assert.Equal(t, cash, res.TotalApplied()+res.CreditDelta, "cash=%s", cash)
		assert.NoError(t, l.Verify())
	}
}
