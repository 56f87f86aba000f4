package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
server:
  port: 9000
database:
  url: postgres://clubex:pw@localhost:5432/clubex
market:
  fee_rate: 0.05
  starting_balance: 500
pricing:
  jitter_sigma: 0.1
`
	cfg, err := Load(writeTempFile(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://clubex:pw@localhost:5432/clubex", cfg.Database.URL)
	assert.Equal(t, 0.05, cfg.Market.FeeRate)
	assert.Equal(t, 500.0, cfg.Market.StartingBalance)
	assert.Equal(t, 0.1, cfg.Pricing.JitterSigma)
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_URL", "postgres://u:secret@db:5432/prod")

	yaml := `
database:
  url: ${TEST_DB_URL}
`
	cfg, err := Load(writeTempFile(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:secret@db:5432/prod", cfg.Database.URL)
}

func TestLoadAndValidate_AppliesDefaults(t *testing.T) {
	cfg, err := LoadAndValidate(writeTempFile(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 0.03, cfg.Market.FeeRate)
	assert.Equal(t, 60, cfg.Market.TickIntervalMinutes)
	assert.Equal(t, []int{0, 1, 2, 3, 5, 8}, cfg.Events.LagOffsets)
	assert.Equal(t, 0.005, cfg.Events.BaseRate)
	assert.Equal(t, 365, cfg.Dividends.TenureCapDays)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"fee rate over 1", func(c *Config) { c.Market.FeeRate = 1.5 }},
		{"negative starting balance", func(c *Config) { c.Market.StartingBalance = -1 }},
		{"negative jitter", func(c *Config) { c.Pricing.JitterSigma = -0.1 }},
		{"event rate over 1", func(c *Config) { c.Events.BaseRate = 2 }},
		{"negative lag offset", func(c *Config) { c.Events.LagOffsets = []int{0, -1} }},
		{"unnamed event", func(c *Config) {
			c.Events.Catalog = []EventConfig{{DurationMinutes: 60, PriceModifier: 1, PerfModifier: 1}}
		}},
		{"zero multiplier upgrade", func(c *Config) {
			c.Upgrades = []UpgradeConfig{{Name: "gold", Multiplier: 0}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEventCatalog_DefaultsApplied(t *testing.T) {
	yaml := `
events:
  catalog:
    - name: bull_run
      duration_minutes: 120
      price_modifier: 1.3
    - name: audit
      duration_minutes: 60
      price_modifier: 0.8
      lag_override_days: 2
      target_member_id: m-1
`
	cfg, err := LoadAndValidate(writeTempFile(t, yaml))
	require.NoError(t, err)

	catalog := cfg.EventCatalog()
	require.Len(t, catalog, 2)

	bull := catalog[0]
	assert.Equal(t, "bull_run", bull.Name)
	assert.Equal(t, 2*time.Hour, bull.Duration)
	assert.Equal(t, 1.3, bull.PriceModifier)
	assert.Equal(t, 1.0, bull.PerfModifier)
	assert.Equal(t, -1, bull.LagOverrideDays, "unset lag override becomes -1")

	audit := catalog[1]
	assert.Equal(t, 2, audit.LagOverrideDays)
	assert.Equal(t, "m-1", audit.TargetMemberID)
}

func TestEventCatalog_ExplicitZeroLagOverride(t *testing.T) {
	yaml := `
events:
  catalog:
    - name: fresh_data
      duration_minutes: 60
      price_modifier: 1.0
      lag_override_days: 0
`
	cfg, err := LoadAndValidate(writeTempFile(t, yaml))
	require.NoError(t, err)

	catalog := cfg.EventCatalog()
	require.Len(t, catalog, 1)
	assert.Equal(t, 0, catalog[0].LagOverrideDays, "an explicit 0 is an override, not an omission")
}

func TestValidate_RejectsNegativeLagOverride(t *testing.T) {
	cfg := Default()
	neg := -2
	cfg.Events.Catalog = []EventConfig{
		{Name: "bad", DurationMinutes: 60, PriceModifier: 1.0, PerfModifier: 1.0, LagOverrideDays: &neg},
	}
	assert.Error(t, cfg.Validate())
}

func TestParamMapping(t *testing.T) {
	cfg := Default()
	cfg.Pricing.WindowHours = 10
	cfg.Pricing.GainScale = 5000

	p := cfg.PricingParams()
	assert.Equal(t, 10*time.Hour, p.Window)
	assert.Equal(t, 5000.0, p.GainScale)
	// Untouched constants keep their production values.
	assert.Equal(t, 0.85, p.ConditionMin)

	ms := cfg.MarketStateParams()
	assert.Equal(t, 0.005, ms.EventBaseRate)

	d := cfg.DividendParams()
	assert.Equal(t, 24*time.Hour, d.Window)
	assert.Equal(t, 0.20, d.Tier1Fraction)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
