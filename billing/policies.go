/*
policies.go - Client billing configuration

PURPOSE:
  Each client (a homeowners' association) decides its fiscal year, which
  tracks it bills, how late fees work on each, and whether HOA dues and
  water bills share one credit pool. ClientConfig captures that; the
  factory package loads it from TOML or JSON.

EXAMPLE:
  cfg := billing.DefaultClientConfig("hoa-demo")
  cfg.FiscalYearStartMonth = 7
  hoa, _ := cfg.TrackConfig(generic.TrackHOADues)
  // hoa.Pool == "main", shared with water bills

SEE ALSO:
  - factory/config.go: TOML / JSON loading
  - billing_run.go: Uses FixedCharge and DueDay
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// DefaultPool is the pool used when a track does not name one.
const DefaultPool generic.PoolID = "main"

// TrackConfig configures one billing track of a client.
type TrackConfig struct {
	Track generic.Track  `json:"track"`
	Pool  generic.PoolID `json:"pool"`
	// DueDay is the day of the calendar month a period falls due.
	DueDay  int           `json:"due_day"`
	Penalty PenaltyConfig `json:"penalty"`
	// FixedCharge is the default charge of scheduled billing runs. Zero
	// marks a metered track billed with explicit per-unit charges.
	FixedCharge generic.Money `json:"fixed_charge"`
}

// Scheduled reports whether the scheduler bills this track on its own.
func (t TrackConfig) Scheduled() bool { return t.FixedCharge.IsPositive() }

// UnitConfig lists a unit and its per-track charge overrides.
type UnitConfig struct {
	ID      generic.UnitID                  `json:"id"`
	Charges map[generic.Track]generic.Money `json:"charges,omitempty"`
}

// ClientConfig is the billing setup of one client.
type ClientConfig struct {
	ClientID             string        `json:"client_id"`
	FiscalYearStartMonth int           `json:"fiscal_year_start_month"`
	Tracks               []TrackConfig `json:"tracks"`
	Units                []UnitConfig  `json:"units"`
}

// DefaultClientConfig bills HOA dues and water bills from one shared pool,
// calendar fiscal year, due on the 15th, 2% compounding after 15 days.
func DefaultClientConfig(clientID string) *ClientConfig {
	penalty := PenaltyConfig{Rate: decimal.RequireFromString("0.02"), GraceDays: 15, Compound: true}
	return &ClientConfig{
		ClientID:             clientID,
		FiscalYearStartMonth: 1,
		Tracks: []TrackConfig{
			{Track: generic.TrackHOADues, Pool: DefaultPool, DueDay: 15, Penalty: penalty},
			{Track: generic.TrackWaterBills, Pool: DefaultPool, DueDay: 15, Penalty: penalty},
		},
	}
}

// Validate checks the fiscal start month, track set and penalty rules.
func (c *ClientConfig) Validate() error {
	if _, err := generic.NewFiscalCalendar(c.FiscalYearStartMonth); err != nil {
		return fmt.Errorf("client %s fiscal_year_start_month %d: %w", c.ClientID, c.FiscalYearStartMonth, err)
	}
	if len(c.Tracks) == 0 {
		return fmt.Errorf("client %s: no billing tracks configured", c.ClientID)
	}
	seen := make(map[generic.Track]bool)
	for i := range c.Tracks {
		t := &c.Tracks[i]
		if !t.Track.Valid() {
			return fmt.Errorf("client %s track %q: %w", c.ClientID, t.Track, generic.ErrUnknownTrack)
		}
		if seen[t.Track] {
			return fmt.Errorf("client %s: track %s configured twice", c.ClientID, t.Track)
		}
		seen[t.Track] = true
		if t.Pool == "" {
			t.Pool = DefaultPool
		}
		if t.DueDay < 0 || t.DueDay > 31 {
			return fmt.Errorf("client %s track %s: due_day %d out of range", c.ClientID, t.Track, t.DueDay)
		}
		if t.DueDay == 0 {
			t.DueDay = 1
		}
		if t.FixedCharge.IsNegative() {
			return fmt.Errorf("client %s track %s fixed_charge: %w", c.ClientID, t.Track, generic.ErrNegativeAmount)
		}
		if err := t.Penalty.Validate(); err != nil {
			return fmt.Errorf("client %s track %s: %w", c.ClientID, t.Track, err)
		}
	}
	units := make(map[generic.UnitID]bool)
	for _, u := range c.Units {
		if u.ID == "" {
			return fmt.Errorf("client %s: unit without id", c.ClientID)
		}
		if units[u.ID] {
			return fmt.Errorf("client %s: unit %s listed twice", c.ClientID, u.ID)
		}
		units[u.ID] = true
		for track, charge := range u.Charges {
			if !seen[track] {
				return fmt.Errorf("client %s unit %s charge on %q: %w", c.ClientID, u.ID, track, generic.ErrUnknownTrack)
			}
			if charge.IsNegative() {
				return fmt.Errorf("client %s unit %s charge on %s: %w", c.ClientID, u.ID, track, generic.ErrNegativeAmount)
			}
		}
	}
	return nil
}

// Calendar returns the client's fiscal calendar.
func (c *ClientConfig) Calendar() generic.FiscalCalendar {
	return generic.FiscalCalendar{StartMonth: c.FiscalYearStartMonth}
}

// TrackConfig returns the configuration of track or ErrUnknownTrack.
func (c *ClientConfig) TrackConfig(track generic.Track) (TrackConfig, error) {
	for _, t := range c.Tracks {
		if t.Track == track {
			if t.Pool == "" {
				t.Pool = DefaultPool
			}
			return t, nil
		}
	}
	return TrackConfig{}, fmt.Errorf("%q: %w", track, generic.ErrUnknownTrack)
}

// ScheduledTracks returns the tracks billed at a fixed charge.
func (c *ClientConfig) ScheduledTracks() []generic.Track {
	var out []generic.Track
	for _, t := range c.Tracks {
		if t.Scheduled() {
			out = append(out, t.Track)
		}
	}
	return out
}

// Charges returns what each configured unit is billed on track: the unit's
// override when present, else the track's fixed charge.
func (c *ClientConfig) Charges(track generic.Track) map[generic.UnitID]generic.Money {
	tc, err := c.TrackConfig(track)
	if err != nil {
		return nil
	}
	out := make(map[generic.UnitID]generic.Money, len(c.Units))
	for _, u := range c.Units {
		charge, ok := u.Charges[track]
		if !ok {
			if !tc.Scheduled() {
				continue
			}
			charge = tc.FixedCharge
		}
		out[u.ID] = charge
	}
	return out
}

// DueDate returns the due date of a fiscal month on track.
func (c *ClientConfig) DueDate(track generic.Track, fiscalYear, fiscalMonth int) (time.Time, error) {
	tc, err := c.TrackConfig(track)
	if err != nil {
		return time.Time{}, err
	}
	year, month, err := c.Calendar().CalendarMonth(fiscalYear, fiscalMonth)
	if err != nil {
		return time.Time{}, err
	}
	return generic.ClampDay(year, month, tc.DueDay), nil
}

// SharesPool reports whether two tracks draw on the same credit pool.
func (c *ClientConfig) SharesPool(a, b generic.Track) bool {
	ta, errA := c.TrackConfig(a)
	tb, errB := c.TrackConfig(b)
	return errA == nil && errB == nil && ta.Pool == tb.Pool
}
