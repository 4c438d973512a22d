package generic

import (
	"strings"
	"time"
)

// =============================================================================
// FISCAL CALENDAR - Calendar date -> (fiscal year, fiscal month)
// =============================================================================

// Fiscal years are named by their ENDING calendar year:
//
//	fyStartMonth = 7 (July)
//	  2024-07-15 -> FY2025, month 0
//	  2025-01-15 -> FY2025, month 6
//	  2025-06-30 -> FY2025, month 11
//
// With fyStartMonth = 1 the fiscal year is the calendar year.

// FiscalYear returns the fiscal year containing date.
func FiscalYear(date time.Time, fyStartMonth int) (int, error) {
	if err := validateFiscal(date, fyStartMonth); err != nil {
		return 0, err
	}
	year := date.Year()
	if fyStartMonth == 1 {
		return year, nil
	}
	if int(date.Month()) >= fyStartMonth {
		return year + 1, nil
	}
	return year, nil
}

// FiscalMonthIndex returns the 0-based month within the fiscal year.
func FiscalMonthIndex(date time.Time, fyStartMonth int) (int, error) {
	if err := validateFiscal(date, fyStartMonth); err != nil {
		return 0, err
	}
	return (int(date.Month()) - fyStartMonth + 12) % 12, nil
}

func validateFiscal(date time.Time, fyStartMonth int) error {
	if fyStartMonth < 1 || fyStartMonth > 12 {
		return ErrInvalidMonth
	}
	if date.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// ParseDate parses YYYY-MM-DD (or RFC3339) into a UTC date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidDate
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return DateOf(t), nil
}

// FiscalCalendar binds a client's fiscal-year start month.
type FiscalCalendar struct {
	StartMonth int
}

// NewFiscalCalendar validates the start month.
func NewFiscalCalendar(startMonth int) (FiscalCalendar, error) {
	if startMonth < 1 || startMonth > 12 {
		return FiscalCalendar{}, ErrInvalidMonth
	}
	return FiscalCalendar{StartMonth: startMonth}, nil
}

// PeriodKeyFor returns the period key of date for a track.
func (c FiscalCalendar) PeriodKeyFor(date time.Time, track Track) (PeriodKey, error) {
	fy, err := FiscalYear(date, c.StartMonth)
	if err != nil {
		return PeriodKey{}, err
	}
	fm, err := FiscalMonthIndex(date, c.StartMonth)
	if err != nil {
		return PeriodKey{}, err
	}
	return PeriodKey{FiscalYear: fy, FiscalMonth: fm, Track: track}, nil
}

// CalendarMonth maps a fiscal (year, month index) back to its calendar month.
func (c FiscalCalendar) CalendarMonth(fiscalYear, fiscalMonth int) (int, time.Month, error) {
	if c.StartMonth < 1 || c.StartMonth > 12 {
		return 0, 0, ErrInvalidMonth
	}
	if fiscalMonth < 0 || fiscalMonth > 11 {
		return 0, 0, ErrInvalidMonth
	}
	month := (c.StartMonth-1+fiscalMonth)%12 + 1
	year := fiscalYear
	if c.StartMonth != 1 && month >= c.StartMonth {
		year = fiscalYear - 1
	}
	return year, time.Month(month), nil
}

// MonthStart returns the first calendar day of a fiscal month.
func (c FiscalCalendar) MonthStart(fiscalYear, fiscalMonth int) (time.Time, error) {
	y, m, err := c.CalendarMonth(fiscalYear, fiscalMonth)
	if err != nil {
		return time.Time{}, err
	}
	return StartOfMonth(y, m), nil
}

// YearStart returns the first day of a fiscal year.
func (c FiscalCalendar) YearStart(fiscalYear int) (time.Time, error) {
	return c.MonthStart(fiscalYear, 0)
}
