// Package pricing implements the per-tick price formation model for member
// listings.
//
// A listing's price is built from four parts:
//   - a sublinear prestige floor tied to the member's cumulative score
//   - a performance component from a lagged rolling mean of periodic gains,
//     scaled by club-wide sentiment and per-listing jitter
//   - a condition multiplier rewarding gain volatility
//   - a dilution multiplier growing with shares outstanding
//
// All monetary values leave this package as shopspring/decimal. Internal
// transcendental math runs in float64, with results converted to decimal
// immediately — the same discipline the ledger applies to money.
//
// The random source is injected so that jitter can be seeded for
// deterministic historical reconstruction.
package pricing

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
)

// PriceScale is the number of decimal places for stored prices.
const PriceScale int32 = 2

// Params are the tunable constants of the model. Zero value is not usable;
// call DefaultParams.
type Params struct {
	Window              time.Duration // rolling-mean window for the lagged average
	GainScale           float64       // divisor normalizing the lagged average
	JitterSigma         float64       // stddev of the per-listing jitter around 1.0
	SentimentMin        float64
	SentimentMax        float64
	ConditionMin        float64
	ConditionMax        float64
	ConditionSampleCap  int // at most this many recent gains feed the condition
	ConditionMinSamples int // below this, condition defaults to 1.0
	DilutionPerShare    float64
	DilutionExponent    float64
	FloorOffset         float64
	FloorExponent       float64
	FloorDivisor        float64
	MinPrice            float64
	NudgeHourlyRate     float64 // accrual per hour for top performers
	NudgeTopN           int     // how many top performers accrue nudge
}

// DefaultParams returns the production constants.
func DefaultParams() Params {
	return Params{
		Window:              20 * time.Hour,
		GainScale:           8757,
		JitterSigma:         0.08,
		SentimentMin:        0.75,
		SentimentMax:        1.25,
		ConditionMin:        0.85,
		ConditionMax:        1.40,
		ConditionSampleCap:  150,
		ConditionMinSamples: 20,
		DilutionPerShare:    0.00002,
		DilutionExponent:    1.2,
		FloorOffset:         5.7,
		FloorExponent:       1.4,
		FloorDivisor:        20,
		MinPrice:            0.01,
		NudgeHourlyRate:     0.05,
		NudgeTopN:           3,
	}
}

// Model computes listing prices. Stateless apart from the random source;
// safe for concurrent use only if rng access is serialized by the caller
// (per-listing computation off one Model shares the rng).
type Model struct {
	params Params
	rng    *rand.Rand
}

// New creates a pricing model with the given parameters and random source.
func New(params Params, rng *rand.Rand) *Model {
	return &Model{params: params, rng: rng}
}

// Params returns the model's parameters.
func (m *Model) Params() Params { return m.params }

// Env is the tick-wide environment shared by every listing priced in one
// tick: sentiment, the lag selection, and any active event's overrides.
type Env struct {
	Now       time.Time
	Sentiment float64
	LagDays   int
	Event     *model.EventSpec // nil when no event is active
}

// ListingInputs are the per-listing inputs to one price computation.
type ListingInputs struct {
	MemberID          string
	Prestige          float64            // cumulative prestige as of Now
	InitFactor        *float64           // fixed random initialization factor; nil skips pricing
	Samples           []model.GainSample // member's gain samples, ascending by timestamp
	SharesOutstanding float64
	Nudge             float64
}

// Sentiment computes the club-wide mood multiplier from the last 24h of
// gain against the trailing 7-day daily average, clipped to the configured
// band. A zero trailing average defaults to 1.0.
func (m *Model) Sentiment(gain24h, gain7d float64) float64 {
	daily := gain7d / 7
	if daily <= 0 {
		return 1.0
	}
	return clamp(gain24h/daily, m.params.SentimentMin, m.params.SentimentMax)
}

// PrestigeFloor is the identity-tied baseline: sublinear in prestige so
// low-prestige members keep a nonzero floor.
func (m *Model) PrestigeFloor(prestige, initFactor float64) float64 {
	return math.Pow(math.Sqrt(prestige)+m.params.FloorOffset+initFactor, m.params.FloorExponent) / m.params.FloorDivisor
}

// LaggedAverage is the rolling mean of periodic gain over the window ending
// at cutoff. An empty window resolves to 0.
func (m *Model) LaggedAverage(samples []model.GainSample, cutoff time.Time) float64 {
	start := cutoff.Add(-m.params.Window)
	var sum float64
	var n int
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			break // samples are ascending
		}
		if s.Timestamp.After(start) {
			sum += s.Gain
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Condition maps gain volatility to a multiplier in the configured band.
// It uses the coefficient of variation of the most recent gains (capped at
// ConditionSampleCap); fewer than ConditionMinSamples defaults to 1.0.
func (m *Model) Condition(gains []float64) float64 {
	if len(gains) > m.params.ConditionSampleCap {
		gains = gains[len(gains)-m.params.ConditionSampleCap:]
	}
	if len(gains) < m.params.ConditionMinSamples {
		return 1.0
	}

	var sum float64
	for _, g := range gains {
		sum += g
	}
	mean := sum / float64(len(gains))
	if mean <= 0 {
		return 1.0
	}

	var sq float64
	for _, g := range gains {
		d := g - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(gains)))

	cv := stddev / mean
	if cv > 1 {
		cv = 1
	}
	span := m.params.ConditionMax - m.params.ConditionMin
	return clamp(m.params.ConditionMin+span*cv, m.params.ConditionMin, m.params.ConditionMax)
}

// Dilution grows the price superlinearly with shares outstanding.
func (m *Model) Dilution(sharesOutstanding float64) float64 {
	return math.Pow(1+m.params.DilutionPerShare*sharesOutstanding, m.params.DilutionExponent)
}

// Jitter draws one multiplicative noise term ~ Normal(1.0, sigma). The
// random source is not safe for concurrent use; callers pricing listings
// in parallel draw jitters up front and pass them to PriceDeterministic.
func (m *Model) Jitter() float64 {
	return 1.0 + m.params.JitterSigma*m.rng.NormFloat64()
}

// Price computes one listing's price for the tick described by env.
// Returns false when the listing has no initialization factor — no price is
// produced for it this tick.
func (m *Model) Price(in ListingInputs, env Env) (decimal.Decimal, bool) {
	return m.price(in, env, m.Jitter())
}

// PriceDeterministic computes a price with an explicit jitter value instead
// of drawing from the random source. Historical reconstruction uses this
// with jitter values from its own seeded stream.
func (m *Model) PriceDeterministic(in ListingInputs, env Env, jitter float64) (decimal.Decimal, bool) {
	return m.price(in, env, jitter)
}

func (m *Model) price(in ListingInputs, env Env, jitter float64) (decimal.Decimal, bool) {
	if in.InitFactor == nil {
		return decimal.Zero, false
	}

	lagDays := env.LagDays
	conditionOverride := 0.0
	priceMod := 1.0
	if ev := env.Event; ev != nil && (ev.TargetMemberID == "" || ev.TargetMemberID == in.MemberID) {
		if ev.LagOverrideDays >= 0 {
			lagDays = ev.LagOverrideDays
		}
		conditionOverride = ev.ConditionOverride
		if ev.PriceModifier > 0 {
			priceMod = ev.PriceModifier
		}
	}

	cutoff := env.Now.AddDate(0, 0, -lagDays)
	lagged := m.LaggedAverage(in.Samples, cutoff)

	floor := m.PrestigeFloor(in.Prestige, *in.InitFactor)
	perf := (lagged / m.params.GainScale) * env.Sentiment * jitter
	core := floor + perf

	condition := conditionOverride
	if condition == 0 {
		gains := make([]float64, 0, len(in.Samples))
		for _, s := range in.Samples {
			if !s.Timestamp.After(env.Now) {
				gains = append(gains, s.Gain)
			}
		}
		condition = m.Condition(gains)
	}

	price := core * condition * priceMod * m.Dilution(in.SharesOutstanding)
	price += in.Nudge
	if price < m.params.MinPrice {
		price = m.params.MinPrice
	}

	return decimal.NewFromFloat(price).Round(PriceScale), true
}

// NudgeAccrual returns the additive nudge earned by a top performer over
// elapsed wall time since the last evaluation, prorated by the hourly rate.
// Rank is zero-based; ranks at or beyond NudgeTopN accrue nothing.
func (m *Model) NudgeAccrual(rank int, elapsed time.Duration) float64 {
	if rank < 0 || rank >= m.params.NudgeTopN || elapsed <= 0 {
		return 0
	}
	return m.params.NudgeHourlyRate * elapsed.Hours()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
