// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clubex/market-engine/internal/dividend"
	"github.com/clubex/market-engine/internal/marketstate"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/pricing"
)

// Config is the root configuration for an engine instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Market    MarketConfig    `yaml:"market"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Events    EventsConfig    `yaml:"events"`
	Dividends DividendConfig  `yaml:"dividends"`
	Upgrades  []UpgradeConfig `yaml:"upgrades"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port           int `yaml:"port"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL runs the
// engine on the in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// RedisConfig holds the cache connection. An empty URL disables caching.
type RedisConfig struct {
	URL        string `yaml:"url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// MarketConfig holds exchange-level tunables.
type MarketConfig struct {
	FeeRate             float64 `yaml:"fee_rate"`
	StartingBalance     float64 `yaml:"starting_balance"`
	TickIntervalMinutes int     `yaml:"tick_interval_minutes"`
	Seed                int64   `yaml:"seed"` // 0 = seed from wall clock
}

// PricingConfig holds the price formation tunables.
type PricingConfig struct {
	WindowHours     int     `yaml:"window_hours"`
	GainScale       float64 `yaml:"gain_scale"`
	JitterSigma     float64 `yaml:"jitter_sigma"`
	NudgeHourlyRate float64 `yaml:"nudge_hourly_rate"`
	NudgeTopN       int     `yaml:"nudge_top_n"`
}

// EventsConfig holds the market state machine tunables and event catalog.
type EventsConfig struct {
	BaseRate     float64       `yaml:"base_rate"`
	LagShiftRate float64       `yaml:"lag_shift_rate"`
	LagOffsets   []int         `yaml:"lag_offsets"`
	Catalog      []EventConfig `yaml:"catalog"`
}

// EventConfig is one catalog entry. Duration is in minutes so the YAML
// stays plain integers. LagOverrideDays is a pointer so an explicit 0
// (freshest data) is distinguishable from the key being omitted.
type EventConfig struct {
	Name              string  `yaml:"name"`
	DurationMinutes   int     `yaml:"duration_minutes"`
	PriceModifier     float64 `yaml:"price_modifier"`
	ConditionOverride float64 `yaml:"condition_override"`
	LagOverrideDays   *int    `yaml:"lag_override_days"`
	PerfModifier      float64 `yaml:"perf_modifier"`
	TargetMemberID    string  `yaml:"target_member_id"`
}

// DividendConfig holds the payout tunables.
type DividendConfig struct {
	WindowHours      int     `yaml:"window_hours"`
	PerfRate         float64 `yaml:"perf_rate"`
	TenureRatePerDay float64 `yaml:"tenure_rate_per_day"`
	TenureCapDays    int     `yaml:"tenure_cap_days"`
	HypePerShare     float64 `yaml:"hype_per_share"`
}

// UpgradeConfig is one purchasable upgrade tier.
type UpgradeConfig struct {
	Name       string  `yaml:"name"`
	Multiplier float64 `yaml:"multiplier"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every default applied, for running without
// a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// --- Mapping to engine parameter structs ---

// PricingParams maps the config onto the pricing model's parameters.
func (c *Config) PricingParams() pricing.Params {
	p := pricing.DefaultParams()
	p.Window = time.Duration(c.Pricing.WindowHours) * time.Hour
	p.GainScale = c.Pricing.GainScale
	p.JitterSigma = c.Pricing.JitterSigma
	p.NudgeHourlyRate = c.Pricing.NudgeHourlyRate
	p.NudgeTopN = c.Pricing.NudgeTopN
	return p
}

// MarketStateParams maps the config onto the state machine's parameters.
func (c *Config) MarketStateParams() marketstate.Params {
	return marketstate.Params{
		EventBaseRate: c.Events.BaseRate,
		LagShiftRate:  c.Events.LagShiftRate,
		LagOffsets:    c.Events.LagOffsets,
	}
}

// DividendParams maps the config onto the distributor's parameters.
func (c *Config) DividendParams() dividend.Params {
	p := dividend.DefaultParams()
	p.Window = time.Duration(c.Dividends.WindowHours) * time.Hour
	p.PerfRate = c.Dividends.PerfRate
	p.TenureRatePerDay = c.Dividends.TenureRatePerDay
	p.TenureCapDays = c.Dividends.TenureCapDays
	p.HypePerShare = c.Dividends.HypePerShare
	return p
}

// EventCatalog converts the configured catalog into event specs.
func (c *Config) EventCatalog() []model.EventSpec {
	specs := make([]model.EventSpec, 0, len(c.Events.Catalog))
	for _, e := range c.Events.Catalog {
		lagOverride := -1
		if e.LagOverrideDays != nil {
			lagOverride = *e.LagOverrideDays
		}
		specs = append(specs, model.EventSpec{
			Name:              e.Name,
			Duration:          time.Duration(e.DurationMinutes) * time.Minute,
			PriceModifier:     e.PriceModifier,
			ConditionOverride: e.ConditionOverride,
			LagOverrideDays:   lagOverride,
			PerfModifier:      e.PerfModifier,
			TargetMemberID:    e.TargetMemberID,
		})
	}
	return specs
}

// UpgradeCatalog converts the configured upgrade tiers.
func (c *Config) UpgradeCatalog() []model.UpgradeTier {
	tiers := make([]model.UpgradeTier, 0, len(c.Upgrades))
	for _, u := range c.Upgrades {
		tiers = append(tiers, model.UpgradeTier{Name: u.Name, Multiplier: u.Multiplier})
	}
	return tiers
}

// TickInterval returns the scheduler tick interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Market.TickIntervalMinutes) * time.Minute
}
