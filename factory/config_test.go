package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/factory"
	"github.com/warp/unit-ledger/generic"
)

const clientTOML = `
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

[[tracks]]
track = "water_bills"
pool = "utilities"
due_day = 31
  [tracks.penalty]
  rate = "0.025"
  grace_days = 0
  compound = false

[[units]]
id = "U1"
  [units.charges]
  water_bills = "35.10"

[[units]]
id = "U2"
`

func TestConfigFactory_ParseTOML(t *testing.T) {
	// GIVEN: A client with a July fiscal year and separate credit pools
	// WHEN: Parsing the TOML file
	// THEN: Money is in minor units, rates are exact decimals

	cfg, err := factory.NewConfigFactory().ParseTOML(clientTOML)
	require.NoError(t, err)

	assert.Equal(t, "hoa-demo", cfg.ClientID)
	assert.Equal(t, 7, cfg.FiscalYearStartMonth)

	hoa, err := cfg.TrackConfig(generic.TrackHOADues)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(120231), hoa.FixedCharge)
	assert.True(t, hoa.Penalty.Rate.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, hoa.Penalty.Compound)
	assert.Equal(t, 15, hoa.Penalty.GraceDays)

	water, err := cfg.TrackConfig(generic.TrackWaterBills)
	require.NoError(t, err)
	assert.Equal(t, generic.PoolID("utilities"), water.Pool)
	assert.False(t, cfg.SharesPool(generic.TrackHOADues, generic.TrackWaterBills))

	assert.Equal(t, map[generic.UnitID]generic.Money{"U1": 3510}, cfg.Charges(generic.TrackWaterBills))
	assert.Equal(t, map[generic.UnitID]generic.Money{"U1": 120231, "U2": 120231}, cfg.Charges(generic.TrackHOADues))
	assert.Equal(t, []generic.Track{generic.TrackHOADues}, cfg.ScheduledTracks())
}

func TestConfigFactory_ParseJSON(t *testing.T) {
	src := `{
		"client_id": "hoa-json",
		"tracks": [
			{"track": "hoa_dues", "fixed_charge": "500.00", "penalty": {"rate": "0.02", "grace_days": 15, "compound": true}}
		],
		"units": [{"id": "U1"}]
	}`
	cfg, err := factory.NewConfigFactory().ParseJSON(src)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.FiscalYearStartMonth)

	hoa, err := cfg.TrackConfig(generic.TrackHOADues)
	require.NoError(t, err)
	assert.Equal(t, billing.DefaultPool, hoa.Pool)
	assert.Equal(t, 1, hoa.DueDay)
}

func TestConfigFactory_Rejects(t *testing.T) {
	f := factory.NewConfigFactory()
	tests := []struct {
		name string
		src  string
	}{
		{"start month", "client_id = \"x\"\nfiscal_year_start_month = 13\n[[tracks]]\ntrack = \"hoa_dues\"\n"},
		{"unknown track", "client_id = \"x\"\n[[tracks]]\ntrack = \"parking\"\n"},
		{"negative rate", "client_id = \"x\"\n[[tracks]]\ntrack = \"hoa_dues\"\n[tracks.penalty]\nrate = \"-0.01\"\n"},
		{"bad money", "client_id = \"x\"\n[[tracks]]\ntrack = \"hoa_dues\"\nfixed_charge = \"lots\"\n"},
		{"unknown key", "client_id = \"x\"\ncurrency = \"PHP\"\n[[tracks]]\ntrack = \"hoa_dues\"\n"},
		{"charge on unconfigured track", "client_id = \"x\"\n[[tracks]]\ntrack = \"hoa_dues\"\n[[units]]\nid = \"U1\"\n[units.charges]\nwater_bills = \"1.00\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTOML(tt.src)
			assert.Error(t, err)
		})
	}

	_, err := f.ParseJSON(`{"client_id": "x", "tracks": [{"track": "hoa_dues"}], "extra": 1}`)
	assert.Error(t, err)
}

func TestConfigFactory_EncodeRoundTrip(t *testing.T) {
	f := factory.NewConfigFactory()
	cfg, err := f.ParseTOML(clientTOML)
	require.NoError(t, err)

	out, err := f.EncodeTOML(cfg)
	require.NoError(t, err)

	again, err := f.ParseTOML(out)
	require.NoError(t, err)
	assert.Equal(t, f.ToDoc(cfg), f.ToDoc(again))
}

func TestConfigFactory_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(clientTOML), 0o600))

	cfg, err := factory.NewConfigFactory().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []generic.UnitID{"U1", "U2"}, factory.UnitIDs(cfg))

	_, err = factory.NewConfigFactory().LoadFile(filepath.Join(dir, "client.yaml"))
	assert.Error(t, err)
}
