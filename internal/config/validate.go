package config

import (
	"errors"
	"fmt"
)

// Validate checks that all values are in range. Call after applyDefaults.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}

	if c.Market.FeeRate < 0 || c.Market.FeeRate >= 1 {
		return fmt.Errorf("market.fee_rate must be in [0, 1), got %v", c.Market.FeeRate)
	}
	if c.Market.StartingBalance < 0 {
		return errors.New("market.starting_balance must be >= 0")
	}
	if c.Market.TickIntervalMinutes < 1 {
		return errors.New("market.tick_interval_minutes must be >= 1")
	}

	if c.Pricing.GainScale <= 0 {
		return errors.New("pricing.gain_scale must be > 0")
	}
	if c.Pricing.JitterSigma < 0 {
		return errors.New("pricing.jitter_sigma must be >= 0")
	}
	if c.Pricing.NudgeTopN < 0 {
		return errors.New("pricing.nudge_top_n must be >= 0")
	}

	if c.Events.BaseRate < 0 || c.Events.BaseRate > 1 {
		return fmt.Errorf("events.base_rate must be in [0, 1], got %v", c.Events.BaseRate)
	}
	if c.Events.LagShiftRate < 0 || c.Events.LagShiftRate > 1 {
		return fmt.Errorf("events.lag_shift_rate must be in [0, 1], got %v", c.Events.LagShiftRate)
	}
	for _, off := range c.Events.LagOffsets {
		if off < 0 {
			return errors.New("events.lag_offsets must be non-negative")
		}
	}
	for _, e := range c.Events.Catalog {
		if e.Name == "" {
			return errors.New("events.catalog entries need a name")
		}
		if e.DurationMinutes < 1 {
			return fmt.Errorf("event %q: duration_minutes must be >= 1", e.Name)
		}
		if e.PriceModifier <= 0 {
			return fmt.Errorf("event %q: price_modifier must be > 0", e.Name)
		}
		if e.PerfModifier <= 0 {
			return fmt.Errorf("event %q: perf_modifier must be > 0", e.Name)
		}
		if e.LagOverrideDays != nil && *e.LagOverrideDays < 0 {
			return fmt.Errorf("event %q: lag_override_days must be >= 0", e.Name)
		}
	}

	if c.Dividends.PerfRate < 0 {
		return errors.New("dividends.perf_rate must be >= 0")
	}
	if c.Dividends.TenureRatePerDay < 0 {
		return errors.New("dividends.tenure_rate_per_day must be >= 0")
	}
	if c.Dividends.TenureCapDays < 0 {
		return errors.New("dividends.tenure_cap_days must be >= 0")
	}

	for _, u := range c.Upgrades {
		if u.Name == "" {
			return errors.New("upgrades entries need a name")
		}
		if u.Multiplier <= 0 {
			return fmt.Errorf("upgrade %q: multiplier must be > 0", u.Name)
		}
	}

	return nil
}
