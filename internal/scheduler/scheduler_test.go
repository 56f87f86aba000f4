package scheduler

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/dividend"
	"github.com/clubex/market-engine/internal/ledger"
	"github.com/clubex/market-engine/internal/marketstate"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/pricing"
	"github.com/clubex/market-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func f(v float64) *float64 { return &v }

type recordingHub struct {
	points []model.PriceHistoryPoint
}

func (h *recordingHub) BroadcastPrices(points []model.PriceHistoryPoint) {
	h.points = append(h.points, points...)
}

// newTestScheduler builds a scheduler over a fresh memory store with two
// listed members and a pinned clock. The event base rate is zeroed so ticks
// stay deterministic.
func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *store.MemoryStore, *recordingHub) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"alice", "bob"} {
		member := &model.Member{ID: id, ExternalID: "ext-" + id, Name: id, JoinedAt: now.Add(-30 * 24 * time.Hour)}
		listing := &model.Listing{
			MemberID:   id,
			Ticker:     id[:3],
			Price:      d(1.00),
			Status:     model.ListingActive,
			InitFactor: f(0.5),
			ListedAt:   member.JoinedAt,
		}
		if err := ms.RegisterMember(ctx, member, listing, decimal.Zero); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	msParams := marketstate.DefaultParams()
	msParams.EventBaseRate = 0
	msParams.LagShiftRate = 0
	machine := marketstate.New(msParams, nil, rand.New(rand.NewSource(1)))

	priceModel := pricing.New(pricing.DefaultParams(), rand.New(rand.NewSource(1)))
	exec := ledger.NewExecutor(ms, decimal.Zero)
	dist := dividend.New(ms, exec, dividend.DefaultParams(), nil)

	hub := &recordingHub{}
	s := New(ms, machine, priceModel, dist, time.Hour, hub)
	s.now = func() time.Time { return now }
	return s, ms, hub
}

func seedSample(t *testing.T, ms *store.MemoryStore, memberID string, ts time.Time, prestige, gain float64) {
	t.Helper()
	err := ms.AppendGainSample(context.Background(), model.GainSample{
		MemberID:  memberID,
		Timestamp: ts,
		Prestige:  prestige,
		Gain:      gain,
	})
	if err != nil {
		t.Fatalf("seed sample: %v", err)
	}
}

func TestRunTick_PricesEveryActiveListing(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, ms, hub := newTestScheduler(t, now)
	ctx := context.Background()

	seedSample(t, ms, "alice", now.Add(-2*time.Hour), 1000, 500)
	seedSample(t, ms, "bob", now.Add(-2*time.Hour), 2000, 800)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for _, id := range []string{"alice", "bob"} {
		l, err := ms.GetListing(ctx, id)
		if err != nil {
			t.Fatalf("listing %s: %v", id, err)
		}
		if !l.Price.GreaterThan(d(1.00)) {
			t.Errorf("%s: expected repriced listing above seed price, got %s", id, l.Price)
		}
		history, err := ms.GetPriceHistory(ctx, id, now.Add(-time.Minute))
		if err != nil {
			t.Fatalf("history %s: %v", id, err)
		}
		if len(history) != 1 {
			t.Fatalf("%s: expected one history point, got %d", id, len(history))
		}
		if !history[0].Price.Equal(l.Price) {
			t.Errorf("%s: history price %s != listing price %s", id, history[0].Price, l.Price)
		}
	}

	if len(hub.points) != 2 {
		t.Errorf("expected 2 broadcast points, got %d", len(hub.points))
	}
}

func TestRunTick_SuspendedListingNotRepriced(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, ms, _ := newTestScheduler(t, now)
	ctx := context.Background()

	err := ms.RegisterMember(ctx,
		&model.Member{ID: "carol", ExternalID: "ext-carol", Name: "carol", JoinedAt: now},
		&model.Listing{MemberID: "carol", Ticker: "CRL", Price: d(1.00), Status: model.ListingSuspended, InitFactor: f(0.5), ListedAt: now},
		decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}

	seedSample(t, ms, "alice", now.Add(-time.Hour), 1000, 100)
	seedSample(t, ms, "bob", now.Add(-time.Hour), 1000, 100)
	seedSample(t, ms, "carol", now.Add(-time.Hour), 1000, 100)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := ms.GetListing(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Price.Equal(d(1.00)) {
		t.Errorf("suspended listing repriced: got %s", got.Price)
	}
}

func TestRunTick_SentimentStoredInState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, ms, _ := newTestScheduler(t, now)
	ctx := context.Background()

	// Strong recent gains relative to the weekly pace push sentiment above 1.
	seedSample(t, ms, "alice", now.Add(-time.Hour), 1000, 5000)
	seedSample(t, ms, "bob", now.Add(-5*24*time.Hour), 1000, 100)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	state, err := ms.GetMarketState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Sentiment <= 1.0 {
		t.Errorf("expected bullish sentiment, got %v", state.Sentiment)
	}
}

func TestRunTick_TopPerformerAccruesNudge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, ms, _ := newTestScheduler(t, now)
	ctx := context.Background()

	seedSample(t, ms, "alice", now.Add(-time.Hour), 1000, 900)
	seedSample(t, ms, "bob", now.Add(-time.Hour), 1000, 100)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	alice, err := ms.GetListing(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := ms.GetListing(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if alice.Nudge <= 0 {
		t.Errorf("top performer accrued no nudge")
	}
	if bob.Nudge <= 0 {
		t.Errorf("second place accrued no nudge")
	}
}

func TestRunTick_NudgeProratesByElapsedTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, ms, _ := newTestScheduler(t, now)
	ctx := context.Background()

	seedSample(t, ms, "alice", now.Add(-time.Hour), 1000, 900)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	alice, err := ms.GetListing(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	perInterval := alice.Nudge
	if perInterval <= 0 {
		t.Fatalf("expected positive accrual on first tick, got %v", perInterval)
	}

	// Three hours pass before the next successful tick (two aborted
	// windows in between); the accrual covers the whole gap, not one
	// interval.
	later := now.Add(3 * time.Hour)
	s.now = func() time.Time { return later }
	seedSample(t, ms, "alice", later.Add(-time.Minute), 1100, 100)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	alice, err = ms.GetListing(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	got := alice.Nudge - perInterval
	want := 3 * perInterval
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected accrual for 3 elapsed hours (%v), got %v", want, got)
	}
}

func TestRunTick_NoGainNoNudge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, ms, _ := newTestScheduler(t, now)
	ctx := context.Background()

	// Bob's window gain is zero; only alice makes the leaderboard.
	seedSample(t, ms, "alice", now.Add(-time.Hour), 1000, 900)
	seedSample(t, ms, "bob", now.Add(-48*time.Hour), 1000, 100)

	if err := s.RunTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	bob, err := ms.GetListing(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.Nudge != 0 {
		t.Errorf("expected no nudge without window gain, got %v", bob.Nudge)
	}
}

func TestRunTick_SameSeedSamePrices(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	run := func() map[string]decimal.Decimal {
		s, ms, _ := newTestScheduler(t, now)
		seedSample(t, ms, "alice", now.Add(-time.Hour), 1000, 500)
		seedSample(t, ms, "bob", now.Add(-time.Hour), 2000, 800)
		if err := s.RunTick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		out := make(map[string]decimal.Decimal)
		for _, id := range []string{"alice", "bob"} {
			l, err := ms.GetListing(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			out[id] = l.Price
		}
		return out
	}

	first, second := run(), run()
	for id, price := range first {
		if !price.Equal(second[id]) {
			t.Errorf("%s: same seed produced %s then %s", id, price, second[id])
		}
	}
}
