/*
credit.go - Append-only per-unit credit account

PURPOSE:
  A unit's credit is prepayment or overpayment waiting to absorb future
  charges. The account keeps a running balance plus the ordered history of
  every movement that produced it. HOA dues and water bills may share one
  account (same PoolID) or keep separate ones; every movement is tagged
  with the track and the originating transaction for traceability.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: movements are never edited or deleted
  2. NON-NEGATIVE: Balance >= 0 after every movement
  3. REPLAYABLE: summing History from 0 reproduces Balance exactly
  4. ONE REVERSAL PER TRANSACTION: a second reversal is rejected

CORRECTIONS:
  Reversing a payment does not remove its movements. Instead:
  1. Sum every movement tagged with the transaction id (net effect)
  2. Append one compensating movement with the opposite sign
  3. Both stay in history; net effect is zero

EXAMPLE FLOW:
  1. Payment tx-1 overflows by 200:     +200 (payment_overflow)
  2. Payment tx-2 consumes 150 credit:  -150 (applied_to_charge)
  3. tx-2 deleted:                      +150 (reversal)

  History: [+200, -150, +150] = 200

SEE ALSO:
  - billing/distributor.go: Adds and uses credit
  - billing/reversal.go: Reverses movements
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// CREDIT MOVEMENT
// =============================================================================

type CreditReason string

const (
	ReasonPaymentOverflow  CreditReason = "payment_overflow"
	ReasonAppliedToCharge  CreditReason = "applied_to_charge"
	ReasonManualAdjustment CreditReason = "manual_adjustment"
	ReasonReversal         CreditReason = "reversal"
)

// CreditMovement is one immutable entry in a credit account's history.
type CreditMovement struct {
	ID            MovementID    `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	TransactionID TransactionID `json:"transaction_id"`
	Track         Track         `json:"track,omitempty"`
	Delta         Money         `json:"delta"`
	Reason        CreditReason  `json:"reason"`
	BalanceAfter  Money         `json:"balance_after"`
	Note          string        `json:"note,omitempty"`
}

// =============================================================================
// CREDIT ACCOUNT
// =============================================================================

// CreditAccount is the running credit of one unit within one pool.
type CreditAccount struct {
	Unit    UnitID           `json:"unit"`
	Pool    PoolID           `json:"pool"`
	Balance Money            `json:"balance"`
	History []CreditMovement `json:"history"`
}

// NewCreditAccount creates an empty account. Accounts are created lazily
// on first movement by the service layer.
func NewCreditAccount(unit UnitID, pool PoolID) *CreditAccount {
	return &CreditAccount{Unit: unit, Pool: pool}
}

// AddCredit appends a positive movement. Zero amounts record nothing.
func (a *CreditAccount) AddCredit(amount Money, txID TransactionID, track Track, reason CreditReason, at time.Time) (CreditMovement, error) {
	if amount.IsNegative() {
		return CreditMovement{}, ErrNegativeAmount
	}
	if amount.IsZero() {
		return CreditMovement{}, nil
	}
	return a.append(amount, txID, track, reason, at, ""), nil
}

// UseCredit consumes up to amount, clamped to the current balance.
// Returns the amount actually used.
func (a *CreditAccount) UseCredit(amount Money, txID TransactionID, track Track, reason CreditReason, at time.Time) (Money, CreditMovement, error) {
	if amount.IsNegative() {
		return 0, CreditMovement{}, ErrNegativeAmount
	}
	used := amount.Min(a.Balance)
	if used.IsZero() {
		return 0, CreditMovement{}, nil
	}
	return used, a.append(used.Neg(), txID, track, reason, at, ""), nil
}

// ManualAdjust records an administrative override. Debits beyond the
// balance are rejected; the account never goes negative.
func (a *CreditAccount) ManualAdjust(delta Money, txID TransactionID, track Track, note string, at time.Time) (CreditMovement, error) {
	if a.Balance+delta < 0 {
		return CreditMovement{}, fmt.Errorf("%w: balance %s, adjustment %s", ErrInsufficientCredit, a.Balance, delta)
	}
	return a.append(delta, txID, track, ReasonManualAdjustment, at, note), nil
}

// ReverseMovementsFor compensates every movement tagged with txID.
//
// The net signed sum of those movements is negated into one new movement
// with reason=reversal. The compensating entry is appended even when the
// net is zero so that a second reversal of the same transaction is caught.
// Returns the net delta that was undone.
func (a *CreditAccount) ReverseMovementsFor(txID TransactionID, track Track, at time.Time) (Money, CreditMovement, error) {
	if a.HasReversal(txID) {
		return 0, CreditMovement{}, ErrDoubleReversal
	}
	var net Money
	for _, m := range a.History {
		if m.TransactionID == txID {
			net += m.Delta
		}
	}
	if a.Balance-net < 0 {
		return 0, CreditMovement{}, &LedgerCorruptionError{
			TransactionID: txID,
			Subject:       fmt.Sprintf("credit/%s/%s", a.Unit, a.Pool),
			Field:         "balance",
			Current:       a.Balance,
			Decrement:     net,
		}
	}
	mv := a.append(net.Neg(), txID, track, ReasonReversal, at, "")
	return net, mv, nil
}

// HasReversal reports whether txID was already reversed.
func (a *CreditAccount) HasReversal(txID TransactionID) bool {
	for _, m := range a.History {
		if m.TransactionID == txID && m.Reason == ReasonReversal {
			return true
		}
	}
	return false
}

// MovementsFor returns the movements tagged with txID, in order.
func (a *CreditAccount) MovementsFor(txID TransactionID) []CreditMovement {
	var out []CreditMovement
	for _, m := range a.History {
		if m.TransactionID == txID {
			out = append(out, m)
		}
	}
	return out
}

// Replay recomputes the balance from history.
func (a *CreditAccount) Replay() Money {
	var balance Money
	for _, m := range a.History {
		balance += m.Delta
	}
	return balance
}

// Verify checks the replay and non-negativity invariants.
func (a *CreditAccount) Verify() error {
	var balance Money
	for i, m := range a.History {
		balance += m.Delta
		if balance < 0 || m.BalanceAfter != balance {
			return fmt.Errorf("%w: credit/%s/%s movement %d (%s) balance_after %s, replayed %s",
				ErrLedgerCorruption, a.Unit, a.Pool, i, m.ID, m.BalanceAfter, balance)
		}
	}
	if balance != a.Balance {
		return fmt.Errorf("%w: credit/%s/%s balance %s, replayed %s",
			ErrLedgerCorruption, a.Unit, a.Pool, a.Balance, balance)
	}
	return nil
}

func (a *CreditAccount) append(delta Money, txID TransactionID, track Track, reason CreditReason, at time.Time, note string) CreditMovement {
	a.Balance += delta
	mv := CreditMovement{
		ID:            MovementID(fmt.Sprintf("%s-%s-%06d", a.Unit, a.Pool, len(a.History)+1)),
		Timestamp:     at,
		TransactionID: txID,
		Track:         track,
		Delta:         delta,
		Reason:        reason,
		BalanceAfter:  a.Balance,
		Note:          note,
	}
	a.History = append(a.History, mv)
	return mv
}
