package config

// Default values for optional configuration fields.
const (
	DefaultPort                = 8080
	DefaultTimeoutSeconds      = 30
	DefaultDBMaxConns          = 10
	DefaultCacheTTLSeconds     = 60
	DefaultFeeRate             = 0.03
	DefaultStartingBalance     = 1000
	DefaultTickIntervalMinutes = 60
	DefaultWindowHours         = 20
	DefaultGainScale           = 8757
	DefaultJitterSigma         = 0.08
	DefaultNudgeHourlyRate     = 0.05
	DefaultNudgeTopN           = 3
	DefaultEventBaseRate       = 0.005
	DefaultLagShiftRate        = 0.02
	DefaultDividendWindowHours = 24
	DefaultPerfRate            = 0.04
	DefaultTenureRatePerDay    = 0.25
	DefaultTenureCapDays       = 365
	DefaultHypePerShare        = 0.0005
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.TimeoutSeconds == 0 {
		c.Server.TimeoutSeconds = DefaultTimeoutSeconds
	}

	// Database defaults
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultDBMaxConns
	}
	if c.Redis.TTLSeconds == 0 {
		c.Redis.TTLSeconds = DefaultCacheTTLSeconds
	}

	// Market defaults
	if c.Market.FeeRate == 0 {
		c.Market.FeeRate = DefaultFeeRate
	}
	if c.Market.StartingBalance == 0 {
		c.Market.StartingBalance = DefaultStartingBalance
	}
	if c.Market.TickIntervalMinutes == 0 {
		c.Market.TickIntervalMinutes = DefaultTickIntervalMinutes
	}

	// Pricing defaults
	if c.Pricing.WindowHours == 0 {
		c.Pricing.WindowHours = DefaultWindowHours
	}
	if c.Pricing.GainScale == 0 {
		c.Pricing.GainScale = DefaultGainScale
	}
	if c.Pricing.JitterSigma == 0 {
		c.Pricing.JitterSigma = DefaultJitterSigma
	}
	if c.Pricing.NudgeHourlyRate == 0 {
		c.Pricing.NudgeHourlyRate = DefaultNudgeHourlyRate
	}
	if c.Pricing.NudgeTopN == 0 {
		c.Pricing.NudgeTopN = DefaultNudgeTopN
	}

	// Event defaults
	if c.Events.BaseRate == 0 {
		c.Events.BaseRate = DefaultEventBaseRate
	}
	if c.Events.LagShiftRate == 0 {
		c.Events.LagShiftRate = DefaultLagShiftRate
	}
	if len(c.Events.LagOffsets) == 0 {
		c.Events.LagOffsets = []int{0, 1, 2, 3, 5, 8}
	}
	for i := range c.Events.Catalog {
		e := &c.Events.Catalog[i]
		if e.PriceModifier == 0 {
			e.PriceModifier = 1.0
		}
		if e.PerfModifier == 0 {
			e.PerfModifier = 1.0
		}
	}

	// Dividend defaults
	if c.Dividends.WindowHours == 0 {
		c.Dividends.WindowHours = DefaultDividendWindowHours
	}
	if c.Dividends.PerfRate == 0 {
		c.Dividends.PerfRate = DefaultPerfRate
	}
	if c.Dividends.TenureRatePerDay == 0 {
		c.Dividends.TenureRatePerDay = DefaultTenureRatePerDay
	}
	if c.Dividends.TenureCapDays == 0 {
		c.Dividends.TenureCapDays = DefaultTenureCapDays
	}
	if c.Dividends.HypePerShare == 0 {
		c.Dividends.HypePerShare = DefaultHypePerShare
	}
}
