// Package scheduler drives the periodic market tick: state machine advance,
// price formation, dividend distribution, and history append.
//
// One tick is all-or-nothing at the store level: if the store is
// unreachable the tick aborts with no partial commit and the next scheduled
// tick retries naturally. Per-listing pricing runs in parallel; only the
// final price write serializes.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/clubex/market-engine/internal/dividend"
	"github.com/clubex/market-engine/internal/marketstate"
	"github.com/clubex/market-engine/internal/metrics"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/pricing"
	"github.com/clubex/market-engine/internal/store"
)

// sampleLimit caps how many recent gain samples feed one listing's pricing.
// Covers the condition window (150) plus the lagged rolling mean with room
// for dense feeds.
const sampleLimit = 500

// Broadcaster pushes tick results to connected clients. Optional.
type Broadcaster interface {
	BroadcastPrices(points []model.PriceHistoryPoint)
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store    store.Store
	machine  *marketstate.Machine
	model    *pricing.Model
	dist     *dividend.Distributor
	interval time.Duration
	hub      Broadcaster // nil disables broadcasting
	now      func() time.Time
}

// New creates a scheduler. Pass nil for hub if broadcasting is not needed.
func New(st store.Store, machine *marketstate.Machine, priceModel *pricing.Model, dist *dividend.Distributor, interval time.Duration, hub Broadcaster) *Scheduler {
	return &Scheduler{
		store:    st,
		machine:  machine,
		model:    priceModel,
		dist:     dist,
		interval: interval,
		hub:      hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes ticks at the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunTick(ctx); err != nil {
				metrics.TickFailures.Inc()
				slog.Error("tick aborted", "err", err)
			}
		}
	}
}

// RunTick executes one full tick: advance market state, price every
// listing, distribute dividends, append history, broadcast.
func (s *Scheduler) RunTick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()

	state, err := s.store.GetMarketState(ctx)
	if err != nil {
		return err
	}
	state = s.machine.Advance(state, now)

	gain24h, gain7d, err := s.store.GetClubGains(ctx, now)
	if err != nil {
		return err
	}
	state.Sentiment = s.model.Sentiment(gain24h, gain7d)

	if err := s.store.SetMarketState(ctx, state); err != nil {
		return err
	}

	event := s.machine.ActiveEvent(state, now)
	if event != nil {
		metrics.ActiveEvent.Set(1)
	} else {
		metrics.ActiveEvent.Set(0)
	}

	env := pricing.Env{
		Now:       now,
		Sentiment: state.Sentiment,
		LagDays:   s.machine.LagDays(state),
		Event:     event,
	}

	points, err := s.priceListings(ctx, env)
	if err != nil {
		return err
	}
	metrics.ListingsPriced.Set(float64(len(points)))

	// Prorate nudge accrual by wall time since the last successful
	// accrual, so an aborted tick's window is not lost.
	elapsed := s.interval
	if !state.LastNudgeAccrual.IsZero() {
		if since := now.Sub(state.LastNudgeAccrual); since > 0 {
			elapsed = since
		}
	}
	if err := s.accrueNudges(ctx, now, elapsed); err != nil {
		return err
	}
	state.LastNudgeAccrual = now
	if err := s.store.SetMarketState(ctx, state); err != nil {
		return err
	}

	report, err := s.dist.DistributeAll(ctx, now, event)
	if err != nil {
		return err
	}

	if err := s.store.AppendPriceHistory(ctx, points); err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.BroadcastPrices(points)
	}

	slog.Info("tick complete",
		"listings_priced", len(points),
		"sentiment", state.Sentiment,
		"lag_days", env.LagDays,
		"event", state.ActiveEvent,
		"members_paid", report.MembersPaid,
		"dividends_out", report.TotalPaidOut.String(),
		"elapsed", time.Since(start),
	)
	return nil
}

// priceListings computes one price per active listing. Jitter draws are
// serialized up front (the model's rng is not locked); the per-listing
// computation then fans out.
func (s *Scheduler) priceListings(ctx context.Context, env pricing.Env) ([]model.PriceHistoryPoint, error) {
	listings, err := s.store.ListListings(ctx)
	if err != nil {
		return nil, err
	}

	jitters := make([]float64, len(listings))
	for i := range listings {
		jitters[i] = s.model.Jitter()
	}

	var mu sync.Mutex
	prices := make(map[string]decimal.Decimal, len(listings))
	points := make([]model.PriceHistoryPoint, 0, len(listings))

	g, gctx := errgroup.WithContext(ctx)
	for i, listing := range listings {
		if listing.Status != model.ListingActive {
			continue
		}
		i, listing := i, listing
		g.Go(func() error {
			in, err := s.listingInputs(gctx, listing, env.Now)
			if err != nil {
				return err
			}
			price, ok := s.model.PriceDeterministic(in, env, jitters[i])
			if !ok {
				slog.Warn("listing skipped: no init factor", "member", listing.MemberID)
				return nil
			}
			mu.Lock()
			prices[listing.MemberID] = price
			points = append(points, model.PriceHistoryPoint{
				MemberID:  listing.MemberID,
				Timestamp: env.Now,
				Price:     price,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The one serialized step of pricing.
	if err := s.store.UpdateListingPrices(ctx, prices); err != nil {
		return nil, err
	}

	sort.Slice(points, func(i, j int) bool { return points[i].MemberID < points[j].MemberID })
	return points, nil
}

func (s *Scheduler) listingInputs(ctx context.Context, listing model.Listing, now time.Time) (pricing.ListingInputs, error) {
	samples, err := s.store.GetGainSamples(ctx, listing.MemberID, now, sampleLimit)
	if err != nil {
		return pricing.ListingInputs{}, err
	}

	var prestige float64
	if len(samples) > 0 {
		prestige = samples[len(samples)-1].Prestige
	}

	holdings, err := s.store.GetHoldingsByListing(ctx, listing.MemberID)
	if err != nil {
		return pricing.ListingInputs{}, err
	}
	var outstanding float64
	for _, h := range holdings {
		outstanding += h.Shares.InexactFloat64()
	}

	return pricing.ListingInputs{
		MemberID:          listing.MemberID,
		Prestige:          prestige,
		InitFactor:        listing.InitFactor,
		Samples:           samples,
		SharesOutstanding: outstanding,
		Nudge:             listing.Nudge,
	}, nil
}

// accrueNudges ranks listings by recent gain and adds the prorated nudge
// bonus to the top performers' listings.
func (s *Scheduler) accrueNudges(ctx context.Context, now time.Time, elapsed time.Duration) error {
	listings, err := s.store.ListListings(ctx)
	if err != nil {
		return err
	}

	type ranked struct {
		listing model.Listing
		gain    float64
	}
	var board []ranked
	for _, l := range listings {
		if l.Status != model.ListingActive {
			continue
		}
		samples, err := s.store.GetGainSamples(ctx, l.MemberID, now, sampleLimit)
		if err != nil {
			return err
		}
		var gain float64
		cutoff := now.Add(-24 * time.Hour)
		for _, smp := range samples {
			if smp.Timestamp.After(cutoff) {
				gain += smp.Gain
			}
		}
		if gain > 0 {
			board = append(board, ranked{listing: l, gain: gain})
		}
	}
	sort.Slice(board, func(i, j int) bool { return board[i].gain > board[j].gain })

	for rank, r := range board {
		accrual := s.model.NudgeAccrual(rank, elapsed)
		if accrual == 0 {
			break // board is sorted; later ranks accrue nothing
		}
		if err := s.store.UpdateListingNudge(ctx, r.listing.MemberID, r.listing.Nudge+accrual); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
