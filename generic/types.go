/*
Package generic provides the domain-agnostic core of the unit ledger.

PURPOSE:
  This package contains the building blocks every billing track relies on:
  money in minor currency units, identifiers, fiscal calendar arithmetic,
  the append-only credit ledger, and the transactional document store
  contract. Whether a unit is paying HOA dues or a water bill, the same
  primitives compute what is owed and where the money went.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An integer amount of minor currency units (e.g., centavos)
  - UnitID / Track / PoolID: Type-safe identifiers
  - TransactionID: The originating payment transaction
  - PeriodKey: (fiscalYear, fiscalMonth, track) address of a billing period

DESIGN PRINCIPLES:
  1. Integers for money: no floating point ever touches a balance
  2. Decimal for rates: penalty math uses decimal.Decimal, then rounds
  3. Type Safety: strong typing prevents mixing unit/pool/track ids
  4. Immutability: credit movements are never edited, only compensated

USAGE:
  amount := generic.Money(120231) // 1,202.31
  key := generic.PeriodKey{FiscalYear: 2025, FiscalMonth: 0, Track: "hoa_dues"}

SEE ALSO:
  - fiscal.go: Fiscal year / month arithmetic
  - credit.go: Per-unit credit account
  - store.go: Document store contract
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Minor currency units
// =============================================================================

// Money is an amount in minor currency units. 100 = 1.00.
type Money int64

// Zero is the zero amount.
const Zero Money = 0

// MoneyFromDecimal rounds a decimal amount of minor units half-up.
// Negative input yields a negative result; callers clamp when needed.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Round(0).IntPart())
}

// ParseMoney parses a major-unit string such as "1202.31" into minor units.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return MoneyFromDecimal(d.Shift(2)), nil
}

func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }
func (m Money) IsNegative() bool         { return m < 0 }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsPositive() bool         { return m > 0 }
func (m Money) Neg() Money               { return -m }

func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

// FloorZero clamps negative amounts to zero.
func (m Money) FloorZero() Money { return m.Max(0) }

// String renders the amount in major units with two decimals.
func (m Money) String() string {
	return decimal.NewFromInt(int64(m)).Shift(-2).StringFixed(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UnitID string
type PoolID string
type TransactionID string
type MovementID string

// Track identifies an independent billing category sharing a unit's
// identity (HOA dues, water bills). Tracks may share a credit pool.
type Track string

const (
	TrackHOADues    Track = "hoa_dues"
	TrackWaterBills Track = "water_bills"
)

// Valid reports whether the track is one the engine knows how to bill.
func (t Track) Valid() bool {
	switch t {
	case TrackHOADues, TrackWaterBills:
		return true
	}
	return false
}

// =============================================================================
// PERIOD KEY - Address of a billing period
// =============================================================================

// PeriodKey addresses one billing period of one track.
type PeriodKey struct {
	FiscalYear  int   `json:"fiscal_year"`
	FiscalMonth int   `json:"fiscal_month"`
	Track       Track `json:"track"`
}

// Less orders keys by (FiscalYear, FiscalMonth), the oldest-first rule.
func (k PeriodKey) Less(o PeriodKey) bool {
	if k.FiscalYear != o.FiscalYear {
		return k.FiscalYear < o.FiscalYear
	}
	return k.FiscalMonth < o.FiscalMonth
}

// SamePeriod compares fiscal coordinates and track.
func (k PeriodKey) SamePeriod(o PeriodKey) bool {
	return k.FiscalYear == o.FiscalYear && k.FiscalMonth == o.FiscalMonth && k.Track == o.Track
}

func (k PeriodKey) String() string {
	return fmt.Sprintf("%s/FY%d-M%02d", k.Track, k.FiscalYear, k.FiscalMonth)
}
