/*
Package factory provides TOML/JSON to Go client configuration conversion.

PURPOSE:
  Converts client billing definitions into billing.ClientConfig. This
  enables onboarding an association without code changes: the property
  manager edits a TOML file, the factory creates the proper Go structs.

WHY STRINGS FOR AMOUNTS?
  Money and rates are written as decimal strings ("1202.31", "0.02") so
  no binary float ever sits between the file and the ledger.

TOML SCHEMA:
  client_id = "hoa-demo"
  fiscal_year_start_month = 7

  [[tracks]]
  track = "hoa_dues"
  pool = "main"
  due_day = 15
  fixed_charge = "1202.31"
    [tracks.penalty]
    rate = "0.02"
    grace_days = 15
    compound = true

  [[units]]
  id = "U1"
    [units.charges]
    water_bills = "35.10"

  JSON uses the same field names.

USAGE:
  f := factory.NewConfigFactory()
  cfg, err := f.LoadFile("./config/client.toml")

SEE ALSO:
  - billing/policies.go: ClientConfig type definition and validation
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// ClientDoc is the file representation of a client.
type ClientDoc struct {
	ClientID             string     `toml:"client_id" json:"client_id"`
	FiscalYearStartMonth int        `toml:"fiscal_year_start_month" json:"fiscal_year_start_month"`
	Tracks               []TrackDoc `toml:"tracks" json:"tracks"`
	Units                []UnitDoc  `toml:"units,omitempty" json:"units,omitempty"`
}

// TrackDoc represents one billing track.
type TrackDoc struct {
	Track       string      `toml:"track" json:"track"`
	Pool        string      `toml:"pool,omitempty" json:"pool,omitempty"`
	DueDay      int         `toml:"due_day,omitempty" json:"due_day,omitempty"`
	FixedCharge string      `toml:"fixed_charge,omitempty" json:"fixed_charge,omitempty"`
	Penalty     *PenaltyDoc `toml:"penalty,omitempty" json:"penalty,omitempty"`
}

// PenaltyDoc represents the late-fee rule of a track.
type PenaltyDoc struct {
	Rate      string `toml:"rate" json:"rate"`
	GraceDays int    `toml:"grace_days" json:"grace_days"`
	Compound  bool   `toml:"compound" json:"compound"`
}

// UnitDoc represents a unit and its charge overrides in major units.
type UnitDoc struct {
	ID      string            `toml:"id" json:"id"`
	Charges map[string]string `toml:"charges,omitempty" json:"charges,omitempty"`
}

// =============================================================================
// CONFIG FACTORY
// =============================================================================

// ConfigFactory converts configuration files to billing.ClientConfig.
type ConfigFactory struct{}

// NewConfigFactory creates a new config factory.
func NewConfigFactory() *ConfigFactory {
	return &ConfigFactory{}
}

// LoadFile reads path and parses it as TOML or JSON by extension.
func (f *ConfigFactory) LoadFile(path string) (*billing.ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return f.ParseJSON(string(raw))
	case ".toml", "":
		return f.ParseTOML(string(raw))
	default:
		return nil, fmt.Errorf("unsupported client config format: %s", path)
	}
}

// ParseTOML parses a TOML document into a validated ClientConfig.
func (f *ConfigFactory) ParseTOML(src string) (*billing.ClientConfig, error) {
	var doc ClientDoc
	md, err := toml.Decode(src, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown client config keys: %v", undecoded)
	}
	return f.FromDoc(doc)
}

// ParseJSON parses a JSON document into a validated ClientConfig.
func (f *ConfigFactory) ParseJSON(src string) (*billing.ClientConfig, error) {
	var doc ClientDoc
	dec := json.NewDecoder(strings.NewReader(src))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse client JSON: %w", err)
	}
	return f.FromDoc(doc)
}

// FromDoc converts a ClientDoc and validates the result.
func (f *ConfigFactory) FromDoc(doc ClientDoc) (*billing.ClientConfig, error) {
	cfg := &billing.ClientConfig{
		ClientID:             doc.ClientID,
		FiscalYearStartMonth: doc.FiscalYearStartMonth,
	}
	if cfg.FiscalYearStartMonth == 0 {
		cfg.FiscalYearStartMonth = 1
	}

	for _, td := range doc.Tracks {
		tc := billing.TrackConfig{
			Track:  generic.Track(td.Track),
			Pool:   generic.PoolID(td.Pool),
			DueDay: td.DueDay,
		}
		if td.FixedCharge != "" {
			charge, err := generic.ParseMoney(td.FixedCharge)
			if err != nil {
				return nil, fmt.Errorf("track %s fixed_charge: %w", td.Track, err)
			}
			tc.FixedCharge = charge
		}
		if td.Penalty != nil {
			pc, err := parsePenalty(*td.Penalty)
			if err != nil {
				return nil, fmt.Errorf("track %s: %w", td.Track, err)
			}
			tc.Penalty = pc
		}
		cfg.Tracks = append(cfg.Tracks, tc)
	}

	for _, ud := range doc.Units {
		uc := billing.UnitConfig{ID: generic.UnitID(ud.ID)}
		if len(ud.Charges) > 0 {
			uc.Charges = make(map[generic.Track]generic.Money, len(ud.Charges))
			for track, amount := range ud.Charges {
				charge, err := generic.ParseMoney(amount)
				if err != nil {
					return nil, fmt.Errorf("unit %s charge on %s: %w", ud.ID, track, err)
				}
				uc.Charges[generic.Track(track)] = charge
			}
		}
		cfg.Units = append(cfg.Units, uc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToDoc converts a ClientConfig back to its file representation.
func (f *ConfigFactory) ToDoc(cfg *billing.ClientConfig) ClientDoc {
	doc := ClientDoc{
		ClientID:             cfg.ClientID,
		FiscalYearStartMonth: cfg.FiscalYearStartMonth,
	}
	for _, tc := range cfg.Tracks {
		td := TrackDoc{
			Track:  string(tc.Track),
			Pool:   string(tc.Pool),
			DueDay: tc.DueDay,
			Penalty: &PenaltyDoc{
				Rate:      tc.Penalty.Rate.String(),
				GraceDays: tc.Penalty.GraceDays,
				Compound:  tc.Penalty.Compound,
			},
		}
		if tc.FixedCharge.IsPositive() {
			td.FixedCharge = tc.FixedCharge.String()
		}
		doc.Tracks = append(doc.Tracks, td)
	}
	for _, uc := range cfg.Units {
		ud := UnitDoc{ID: string(uc.ID)}
		if len(uc.Charges) > 0 {
			ud.Charges = make(map[string]string, len(uc.Charges))
			for track, charge := range uc.Charges {
				ud.Charges[string(track)] = charge.String()
			}
		}
		doc.Units = append(doc.Units, ud)
	}
	return doc
}

// EncodeTOML renders cfg as TOML.
func (f *ConfigFactory) EncodeTOML(cfg *billing.ClientConfig) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f.ToDoc(cfg)); err != nil {
		return "", fmt.Errorf("failed to encode client TOML: %w", err)
	}
	return buf.String(), nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePenalty(pd PenaltyDoc) (billing.PenaltyConfig, error) {
	pc := billing.PenaltyConfig{GraceDays: pd.GraceDays, Compound: pd.Compound}
	if pd.Rate == "" {
		return pc, nil
	}
	rate, err := decimal.NewFromString(pd.Rate)
	if err != nil {
		return pc, fmt.Errorf("invalid penalty rate %q: %w", pd.Rate, err)
	}
	pc.Rate = rate
	return pc, nil
}

// UnitIDs returns the configured unit ids in sorted order.
func UnitIDs(cfg *billing.ClientConfig) []generic.UnitID {
	ids := make([]generic.UnitID, 0, len(cfg.Units))
	for _, u := range cfg.Units {
		ids = append(ids, u.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
