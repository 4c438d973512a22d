/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Calendar errors - InvalidMonth, InvalidDate
  2. Input errors - NegativeAmount, unknown track, missing period
  3. Programmer errors - OverApplication (fatal, logged loudly)
  4. Reversal errors - DoubleReversal (idempotent no-op), LedgerCorruption (fatal)
  5. Store errors - not found, concurrent modification, key scope

PROPAGATION:
  Calendar and input errors are translated to a rejection at the boundary.
  Store contention is retried by the caller, never inside the core.
  LedgerCorruption is never retried and never silently handled.

USAGE:
  if errors.Is(err, generic.ErrDoubleReversal) {
      // already reversed, treat as success with a warning
  }

SEE ALSO:
  - credit.go: Raises DoubleReversal
  - billing/reversal.go: Raises LedgerCorruption
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidMonth is returned when a fiscal-year start month is outside [1,12].
	ErrInvalidMonth = errors.New("invalid month")

	// ErrInvalidDate is returned for zero or unparseable dates.
	ErrInvalidDate = errors.New("invalid date")

	// ErrNegativeAmount is returned when a payment or credit amount is negative.
	ErrNegativeAmount = errors.New("negative amount")

	// ErrOverApplication is returned when more is applied to a period than it owes.
	// This is a programmer error: callers query outstanding right before applying.
	ErrOverApplication = errors.New("over application")

	// ErrDoubleReversal is returned when a transaction was already reversed.
	// Retried deletes hit this; it is surfaced as a no-op with a warning.
	ErrDoubleReversal = errors.New("transaction already reversed")

	// ErrLedgerCorruption is returned when a reversal would drive a field negative.
	ErrLedgerCorruption = errors.New("ledger corruption")

	// ErrPeriodNotFound is returned when a referenced billing period does not exist.
	ErrPeriodNotFound = errors.New("billing period not found")

	// ErrPeriodNotBilled is returned when paying a period that was never billed.
	ErrPeriodNotBilled = errors.New("billing period not billed")

	// ErrUnknownTrack is returned for tracks the client has not configured.
	ErrUnknownTrack = errors.New("unknown billing track")

	// ErrDuplicateTransaction is returned when a transaction id was already applied.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")

	// ErrDistributionMismatch is returned when a distribution handed in for
	// reversal differs from the one stored with its payment record.
	ErrDistributionMismatch = errors.New("distribution does not match payment record")

	// ErrTransactionNotFound is returned when a payment record does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDocumentNotFound is returned by stores for missing documents.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrKeyOutOfScope is returned when a transaction touches a key it did not declare.
	ErrKeyOutOfScope = errors.New("document key outside transaction scope")

	// ErrInsufficientCredit is returned when a manual debit exceeds the credit balance.
	ErrInsufficientCredit = errors.New("insufficient credit balance")

	// ErrMissingReason is returned for a manual credit adjustment without a reason.
	ErrMissingReason = errors.New("adjustment reason required")

	// ErrLockNotAcquired is returned when a unit lock cannot be taken in time.
	ErrLockNotAcquired = errors.New("unit lock not acquired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OverApplicationError details an attempt to apply more than is outstanding.
type OverApplicationError struct {
	Period           PeriodKey
	BaseRequested    Money
	BaseOwed         Money
	PenaltyRequested Money
	PenaltyOwed      Money
}

func (e *OverApplicationError) Error() string {
	return fmt.Sprintf("over application on %s: base %s of %s owed, penalty %s of %s owed",
		e.Period, e.BaseRequested, e.BaseOwed, e.PenaltyRequested, e.PenaltyOwed)
}

func (e *OverApplicationError) Unwrap() error { return ErrOverApplication }

// LedgerCorruptionError details a reversal that would break a non-negative field.
type LedgerCorruptionError struct {
	TransactionID TransactionID
	Subject       string // period key or credit pool
	Field         string
	Current       Money
	Decrement     Money
}

func (e *LedgerCorruptionError) Error() string {
	return fmt.Sprintf("ledger corruption reversing %s: %s.%s is %s, cannot remove %s",
		e.TransactionID, e.Subject, e.Field, e.Current, e.Decrement)
}

func (e *LedgerCorruptionError) Unwrap() error { return ErrLedgerCorruption }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotAcquired)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMonth) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrUnknownTrack) ||
		errors.Is(err, ErrPeriodNotBilled) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrMissingReason) ||
		errors.Is(err, ErrDistributionMismatch) ||
		errors.Is(err, ErrDuplicateTransaction)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrDocumentNotFound)
}

// IsFatal returns true for errors that must halt and alert.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedgerCorruption) ||
		errors.Is(err, ErrOverApplication)
}
