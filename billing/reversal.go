package billing

import (
	"fmt"
	"time"

	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// REVERSAL ENGINE
// =============================================================================

// ReversalEngine undoes a recorded distribution.
//
// It replays the stored DistributionResult line by line. It never
// recomputes what the payment "should have been": penalties depend on the
// date, and recomputing today would reverse today's penalty instead of the
// one actually collected.
//
// Steps (the caller runs them inside one store transaction):
//  1. Reject a transaction whose credit account already holds its reversal
//  2. Decrement basePaid / penaltyPaid of every line, restoring status
//  3. Append one compensating credit movement for the transaction
type ReversalEngine struct{}

// Reverse applies the inverse of stored to ledger and account.
// On error the inputs may be partially mutated and must be discarded.
func (ReversalEngine) Reverse(stored DistributionResult, ledger *PeriodLedger, account *generic.CreditAccount, asOf, at time.Time) (ReversalResult, error) {
	result := ReversalResult{
		TransactionID: stored.TransactionID,
		Unit:          ledger.Unit,
		Track:         ledger.Track,
		ReversedAt:    at,
	}
	if stored.TransactionID == "" {
		return result, fmt.Errorf("reversal requires a transaction id")
	}
	if stored.Track != "" && stored.Track != ledger.Track {
		return result, fmt.Errorf("reversing %s from %s on %s ledger: %w",
			stored.TransactionID, stored.Track, ledger.Track, generic.ErrUnknownTrack)
	}
	if account.HasReversal(stored.TransactionID) {
		result.AlreadyReversed = true
		result.CreditBalance = account.Balance
		return result, fmt.Errorf("%s: %w", stored.TransactionID, generic.ErrDoubleReversal)
	}

	// Lines are undone newest first so LastPaymentRef restores cleanly when
	// one payment touched the same period twice.
	for i := len(stored.Lines) - 1; i >= 0; i-- {
		line := stored.Lines[i]
		p, err := ledger.Find(line.Period)
		if err != nil {
			return result, &generic.LedgerCorruptionError{
				TransactionID: stored.TransactionID,
				Subject:       line.Period.String(),
				Field:         "period",
				Current:       0,
				Decrement:     line.Applied(),
			}
		}
		if err := ledger.Unapply(p, line.BaseApplied, line.PenaltyApplied, stored.TransactionID, line.PriorPaymentRef, asOf); err != nil {
			return result, err
		}
		result.Lines = append(result.Lines, line)
	}

	net, _, err := account.ReverseMovementsFor(stored.TransactionID, ledger.Track, at)
	if err != nil {
		return result, err
	}
	if net != stored.CreditDelta {
		return result, &generic.LedgerCorruptionError{
			TransactionID: stored.TransactionID,
			Subject:       fmt.Sprintf("credit/%s/%s", account.Unit, account.Pool),
			Field:         "credit_delta",
			Current:       net,
			Decrement:     stored.CreditDelta,
		}
	}
	result.CreditReversed = net
	result.CreditBalance = account.Balance
	return result, nil
}
