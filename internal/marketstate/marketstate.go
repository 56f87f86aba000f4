// Package marketstate owns the two cross-tick market knobs: the optional
// active event (with expiry) and the lag cursor selecting how stale the
// pricing signal is. Both are pure configuration read by the pricing model;
// neither touches wallets, holdings, or the transaction ledger.
package marketstate

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/clubex/market-engine/internal/model"
)

// Params tune the two stochastic knobs.
type Params struct {
	EventBaseRate float64 // trigger probability per elapsed hour, default 0.005
	LagShiftRate  float64 // cursor shift probability per elapsed hour
	LagOffsets    []int   // ordered day-offsets indexed by the cursor
}

// DefaultParams returns the production knob settings.
func DefaultParams() Params {
	return Params{
		EventBaseRate: 0.005,
		LagShiftRate:  0.02,
		LagOffsets:    []int{0, 1, 2, 3, 5, 8},
	}
}

// Machine advances the market state once per scheduler tick. The random
// source is injected so tests can drive both knobs deterministically.
type Machine struct {
	params  Params
	catalog []model.EventSpec
	rng     *rand.Rand
}

// New creates a state machine over the given event catalog.
func New(params Params, catalog []model.EventSpec, rng *rand.Rand) *Machine {
	if len(params.LagOffsets) == 0 {
		params.LagOffsets = DefaultParams().LagOffsets
	}
	return &Machine{params: params, catalog: catalog, rng: rng}
}

// LagDays resolves the current cursor position to a day offset.
func (m *Machine) LagDays(state model.MarketState) int {
	idx := state.LagCursor % len(m.params.LagOffsets)
	if idx < 0 {
		idx += len(m.params.LagOffsets)
	}
	return m.params.LagOffsets[idx]
}

// ActiveEvent resolves the state's event name against the catalog. Returns
// nil when no event is active or the name is no longer configured.
func (m *Machine) ActiveEvent(state model.MarketState, now time.Time) *model.EventSpec {
	if state.ActiveEvent == "" || now.After(state.EventExpiry) {
		return nil
	}
	for i := range m.catalog {
		if m.catalog[i].Name == state.ActiveEvent {
			return &m.catalog[i]
		}
	}
	return nil
}

// Advance rolls both knobs for one tick and returns the updated state.
// The two rolls are independent: an event trigger never influences the lag
// shift and vice versa.
func (m *Machine) Advance(state model.MarketState, now time.Time) model.MarketState {
	state = m.advanceEvent(state, now)
	state = m.advanceLag(state, now)
	return state
}

func (m *Machine) advanceEvent(state model.MarketState, now time.Time) model.MarketState {
	if state.ActiveEvent != "" {
		if now.After(state.EventExpiry) {
			slog.Info("market event ended", "event", state.ActiveEvent)
			state.ActiveEvent = ""
			state.EventExpiry = time.Time{}
		}
		state.LastEventCheck = now
		return state
	}

	elapsed := hoursSince(state.LastEventCheck, now)
	state.LastEventCheck = now

	if len(m.catalog) == 0 {
		return state
	}
	if m.rng.Float64() >= m.params.EventBaseRate*elapsed {
		return state
	}

	ev := m.catalog[m.rng.Intn(len(m.catalog))]
	state.ActiveEvent = ev.Name
	state.EventExpiry = now.Add(ev.Duration)
	slog.Info("market event started",
		"event", ev.Name,
		"expires", state.EventExpiry,
		"price_modifier", ev.PriceModifier,
	)
	return state
}

func (m *Machine) advanceLag(state model.MarketState, now time.Time) model.MarketState {
	elapsed := hoursSince(state.LastLagCheck, now)
	state.LastLagCheck = now

	if m.rng.Float64() >= m.params.LagShiftRate*elapsed {
		return state
	}

	step := 1 + m.rng.Intn(2) // forward by 1 or 2, wrapping
	state.LagCursor = (state.LagCursor + step) % len(m.params.LagOffsets)
	slog.Info("lag cursor shifted", "cursor", state.LagCursor, "lag_days", m.params.LagOffsets[state.LagCursor])
	return state
}

// hoursSince caps the elapsed time at one day so a long-idle machine does
// not turn the probability roll into a certainty.
func hoursSince(last, now time.Time) float64 {
	if last.IsZero() {
		return 1
	}
	h := now.Sub(last).Hours()
	if h < 0 {
		return 0
	}
	if h > 24 {
		return 24
	}
	return h
}
