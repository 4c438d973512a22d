/*
distributor.go - Splits one cash payment across periods and credit

PURPOSE:
  The heart of the billing core. Given a cash amount and either explicit
  target periods or none (auto-select oldest unpaid first), it decides how
  much goes to each period's penalty, how much to its base charge, and how
  much becomes or consumes credit. The result is recorded line by line so
  that a later reversal can replay it exactly.

ALGORITHM:
  1. cash < 0 rejects; cash == 0 without credit cover is a no-op
  2. For each target in order: query outstanding, pay penalty first, then
     base, up to the remaining cash
  3. With UseCreditToCoverShortfall, a target the cash could not cover
     draws the shortfall from credit (clamped to the balance)
  4. Remaining cash after every target is satisfied becomes credit

CONSERVATION:
  sum(line.base + line.penalty) + creditDelta == cash, always.

ATOMICITY:
  Apply mutates the PeriodLedger and CreditAccount it is handed in memory.
  The caller persists both inside one store transaction, or neither.

EXAMPLE:
  Periods M0 $100 and M1 $100 unpaid, pay $150 with no targets:
    M0: base 100    M1: base 50    creditDelta 0

SEE ALSO:
  - ledger.go: GetOutstanding / ApplyPayment
  - generic/credit.go: AddCredit / UseCredit
  - reversal.go: The inverse operation
*/
package billing

import (
	"fmt"
	"time"

	"github.com/warp/unit-ledger/generic"
)

// Distribution is one request to split a payment.
type Distribution struct {
	TransactionID generic.TransactionID
	Cash          generic.Money
	// Targets are paid in the given order. Empty selects every unpaid
	// period oldest first.
	Targets []generic.PeriodKey
	Policy  PaymentPolicy
	// AsOf is the business date penalties are evaluated at.
	AsOf time.Time
	// At timestamps credit movements.
	At time.Time
}

// PaymentDistributor applies a Distribution to a ledger and credit account.
type PaymentDistributor struct{}

// Apply distributes d over ledger and account. On error the inputs may be
// partially mutated and must be discarded by the caller.
func (PaymentDistributor) Apply(d Distribution, ledger *PeriodLedger, account *generic.CreditAccount) (DistributionResult, error) {
	result := DistributionResult{
		TransactionID: d.TransactionID,
		Unit:          ledger.Unit,
		Track:         ledger.Track,
		Pool:          account.Pool,
		CashAmount:    d.Cash,
		AsOf:          d.AsOf,
	}
	if d.Cash.IsNegative() {
		return result, generic.ErrNegativeAmount
	}
	if d.TransactionID == "" {
		return result, fmt.Errorf("distribution requires a transaction id")
	}
	if d.Cash.IsZero() && !d.Policy.UseCreditToCoverShortfall {
		return result, nil
	}

	targets, err := resolveTargets(ledger, d.Targets, d.AsOf)
	if err != nil {
		return result, err
	}

	remaining := d.Cash
	var creditUsed generic.Money
	for _, p := range targets {
		if remaining.IsZero() && !d.Policy.UseCreditToCoverShortfall {
			break
		}
		out := ledger.GetOutstanding(p, d.AsOf)
		if out.Total().IsZero() {
			continue
		}

		penalty := remaining.Min(out.PenaltyOwed)
		remaining -= penalty
		base := remaining.Min(out.BaseOwed)
		remaining -= base

		var fromCredit generic.Money
		if d.Policy.UseCreditToCoverShortfall {
			shortfall := out.Total() - penalty - base
			if shortfall.IsPositive() && account.Balance.IsPositive() {
				used, _, err := account.UseCredit(shortfall, d.TransactionID, ledger.Track, generic.ReasonAppliedToCharge, d.At)
				if err != nil {
					return result, err
				}
				extraPenalty := used.Min(out.PenaltyOwed - penalty)
				penalty += extraPenalty
				base += used - extraPenalty
				fromCredit = used
				creditUsed += used
			}
		}
		if penalty.IsZero() && base.IsZero() {
			continue
		}

		prior := p.LastPaymentRef
		if err := ledger.ApplyPayment(p, base, penalty, d.TransactionID, d.AsOf); err != nil {
			return result, err
		}
		result.Lines = append(result.Lines, DistributionLine{
			Period:          p.Key(),
			BaseApplied:     base,
			PenaltyApplied:  penalty,
			FromCredit:      fromCredit,
			PriorPaymentRef: prior,
		})
	}

	if remaining.IsPositive() {
		if _, err := account.AddCredit(remaining, d.TransactionID, ledger.Track, generic.ReasonPaymentOverflow, d.At); err != nil {
			return result, err
		}
	}
	result.CreditDelta = remaining - creditUsed

	if !result.Conserves() {
		return result, fmt.Errorf("%w: %s applied %s with credit delta %s from cash %s",
			generic.ErrLedgerCorruption, d.TransactionID, result.TotalApplied(), result.CreditDelta, d.Cash)
	}
	return result, nil
}

// resolveTargets returns the periods to pay, in order. Explicit targets must
// exist and be billed; duplicates are paid once.
func resolveTargets(ledger *PeriodLedger, keys []generic.PeriodKey, asOf time.Time) ([]*BillingPeriod, error) {
	if len(keys) == 0 {
		return ledger.SelectUnpaidPeriodsOldestFirst(asOf), nil
	}
	seen := make(map[generic.PeriodKey]bool, len(keys))
	out := make([]*BillingPeriod, 0, len(keys))
	for _, k := range keys {
		if k.Track == "" {
			k.Track = ledger.Track
		}
		if k.Track != ledger.Track {
			return nil, fmt.Errorf("target %s on %s ledger: %w", k, ledger.Track, generic.ErrUnknownTrack)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		p, err := ledger.Find(k)
		if err != nil {
			return nil, err
		}
		if p.Status == StatusUnbilled {
			return nil, fmt.Errorf("%s: %w", k, generic.ErrPeriodNotBilled)
		}
		out = append(out, p)
	}
	return out, nil
}
