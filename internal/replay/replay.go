// Package replay reconstructs historical prices from the performance feed.
//
// For each of the last N feed timestamps the feed is truncated to what was
// known at that instant and the pricing model re-run over it. Lag and
// sentiment are held fixed for the whole reconstruction — the stochastic
// market state at past instants is not recoverable — and jitter comes from
// a caller-supplied seed, so the same seed always reproduces the same
// price sequence.
package replay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/pricing"
	"github.com/clubex/market-engine/internal/store"
)

// ErrMissingHistoricalData is returned when the performance feed holds no
// timestamps to reconstruct from.
var ErrMissingHistoricalData = errors.New("replay: performance feed is empty")

const sampleLimit = 500

// Options controls one reconstruction run.
type Options struct {
	Instants  int     // how many trailing feed timestamps to replay
	Seed      int64   // jitter seed; same seed → same sequence
	LagDays   int     // fixed lag applied at every instant
	Sentiment float64 // fixed sentiment applied at every instant; 0 → 1.0
}

// Replayer re-runs the pricing model over truncated feed history.
type Replayer struct {
	store  store.Store
	params pricing.Params
}

// New creates a replayer using the given pricing parameters.
func New(st store.Store, params pricing.Params) *Replayer {
	return &Replayer{store: st, params: params}
}

// Reconstruct computes one price point per (listing, instant) for the last
// opts.Instants feed timestamps, oldest instant first. It only reads the
// store; persisting the points is the caller's choice.
func (r *Replayer) Reconstruct(ctx context.Context, opts Options) ([]model.PriceHistoryPoint, error) {
	if opts.Instants <= 0 {
		opts.Instants = 1
	}
	if opts.Sentiment == 0 {
		opts.Sentiment = 1.0
	}

	instants, err := r.store.FeedTimestamps(ctx, opts.Instants)
	if err != nil {
		return nil, err
	}
	if len(instants) == 0 {
		return nil, ErrMissingHistoricalData
	}
	// FeedTimestamps returns newest first; replay runs oldest first.
	for i, j := 0, len(instants)-1; i < j; i, j = i+1, j-1 {
		instants[i], instants[j] = instants[j], instants[i]
	}

	listings, err := r.store.ListListings(ctx)
	if err != nil {
		return nil, err
	}

	pm := pricing.New(r.params, rand.New(rand.NewSource(opts.Seed)))

	var points []model.PriceHistoryPoint
	for _, instant := range instants {
		env := pricing.Env{
			Now:       instant,
			Sentiment: opts.Sentiment,
			LagDays:   opts.LagDays,
			Event:     nil,
		}
		for _, listing := range listings {
			// Jitter is drawn for every listing, priced or not, so the
			// stream position never depends on listing state.
			jitter := pm.Jitter()
			if listing.Status != model.ListingActive {
				continue
			}
			in, err := r.inputsAt(ctx, listing, instant)
			if err != nil {
				return nil, err
			}
			price, ok := pm.PriceDeterministic(in, env, jitter)
			if !ok {
				continue
			}
			points = append(points, model.PriceHistoryPoint{
				MemberID:  listing.MemberID,
				Timestamp: instant,
				Price:     price,
			})
		}
	}

	slog.Info("reconstruction complete",
		"instants", len(instants),
		"listings", len(listings),
		"points", len(points),
		"seed", opts.Seed,
	)
	return points, nil
}

// inputsAt builds pricing inputs from the feed truncated at the instant.
// Shares outstanding use the current holdings; the holding history at past
// instants is not recorded.
func (r *Replayer) inputsAt(ctx context.Context, listing model.Listing, instant time.Time) (pricing.ListingInputs, error) {
	samples, err := r.store.GetGainSamples(ctx, listing.MemberID, instant, sampleLimit)
	if err != nil {
		return pricing.ListingInputs{}, err
	}

	var prestige float64
	if len(samples) > 0 {
		prestige = samples[len(samples)-1].Prestige
	}

	holdings, err := r.store.GetHoldingsByListing(ctx, listing.MemberID)
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
