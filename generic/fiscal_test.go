package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
)

func TestFiscal_WraparoundJuly(t *testing.T) {
	// GIVEN: Fiscal year starting July
	// WHEN: January 15
	// THEN: Month index 6 (July=0 ... Jan=6), fiscal year = calendar year

	jan15 := generic.Date(2025, time.January, 15)

	fy, err := generic.FiscalYear(jan15, 7)
	require.NoError(t, err)
	assert.Equal(t, 2025, fy)

	fm, err := generic.FiscalMonthIndex(jan15, 7)
	require.NoError(t, err)
	assert.Equal(t, 6, fm)
}

func TestFiscal_Table(t *testing.T) {
	tests := []struct {
		date    time.Time
		start   int
		wantFY  int
		wantIdx int
	}{
		{generic.Date(2024, time.July, 1), 7, 2025, 0},
		{generic.Date(2024, time.December, 31), 7, 2025, 5},
		{generic.Date(2025, time.June, 30), 7, 2025, 11},
		{generic.Date(2025, time.July, 1), 7, 2026, 0},
		{generic.Date(2025, time.January, 1), 1, 2025, 0},
		{generic.Date(2025, time.December, 31), 1, 2025, 11},
		{generic.Date(2025, time.March, 31), 4, 2025, 11},
		{generic.Date(2025, time.April, 1), 4, 2026, 0},
	}
	for _, tt := range tests {
		fy, err := generic.FiscalYear(tt.date, tt.start)
		require.NoError(t, err)
		fm, err := generic.FiscalMonthIndex(tt.date, tt.start)
		require.NoError(t, err)
		assert.Equal(t, tt.wantFY, fy, "%s start=%d", tt.date.Format("2006-01-02"), tt.start)
		assert.Equal(t, tt.wantIdx, fm, "%s start=%d", tt.date.Format("2006-01-02"), tt.start)
	}
}

func TestFiscal_InvalidInput(t *testing.T) {
	_, err := generic.FiscalYear(generic.Date(2025, 1, 1), 0)
	assert.ErrorIs(t, err, generic.ErrInvalidMonth)
	_, err = generic.FiscalMonthIndex(generic.Date(2025, 1, 1), 13)
	assert.ErrorIs(t, err, generic.ErrInvalidMonth)
	_, err = generic.FiscalYear(time.Time{}, 7)
	assert.ErrorIs(t, err, generic.ErrInvalidDate)
	_, err = generic.NewFiscalCalendar(14)
	assert.ErrorIs(t, err, generic.ErrInvalidMonth)
}

func TestFiscalCalendar_RoundTrip(t *testing.T) {
	// GIVEN: Every start month
	// WHEN: Mapping each calendar month to (fy, fm) and back
	// THEN: The original month comes back

	for start := 1; start <= 12; start++ {
		cal, err := generic.NewFiscalCalendar(start)
		require.NoError(t, err)
		for m := time.January; m <= time.December; m++ {
			date := generic.Date(2025, m, 10)
			k, err := cal.PeriodKeyFor(date, generic.TrackHOADues)
			require.NoError(t, err)
			y, month, err := cal.CalendarMonth(k.FiscalYear, k.FiscalMonth)
			require.NoError(t, err)
			assert.Equal(t, 2025, y, "start=%d month=%s", start, m)
			assert.Equal(t, m, month, "start=%d", start)
		}
	}
}

func TestFiscalCalendar_YearStart(t *testing.T) {
	cal, err := generic.NewFiscalCalendar(7)
	require.NoError(t, err)
	start, err := cal.YearStart(2025)
	require.NoError(t, err)
	assert.Equal(t, generic.Date(2024, time.July, 1), start)
}

func TestParseDate(t *testing.T) {
	d, err := generic.ParseDate("2025-01-15")
	require.NoError(t, err)
	assert.Equal(t, generic.Date(2025, time.January, 15), d)

	d, err = generic.ParseDate("2025-01-15T23:30:00-05:00")
	require.NoError(t, err)
	assert.Equal(t, generic.Date(2025, time.January, 16), d)

	for _, bad := range []string{"", "  ", "15/01/2025", "2025-13-01"} {
		_, err := generic.ParseDate(bad)
		assert.ErrorIs(t, err, generic.ErrInvalidDate, bad)
	}
}

func TestParseMoney(t *testing.T) {
	m, err := generic.ParseMoney("1202.31")
	require.NoError(t, err)
	assert.Equal(t, generic.Money(120231), m)
	assert.Equal(t, "1202.31", m.String())

	m, err = generic.ParseMoney("0.005")
	require.NoError(t, err)
	assert.Equal(t, generic.Money(1), m)

	_, err = generic.ParseMoney("twelve")
	assert.Error(t, err)
}
