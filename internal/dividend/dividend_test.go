package dividend_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/dividend"
	"github.com/clubex/market-engine/internal/ledger"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func f(v float64) *float64 { return &v }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	ms   *store.MemoryStore
	exec *ledger.Executor
}

// payoutParams isolates the tier math: earnings equal the raw window gain.
func payoutParams() dividend.Params {
	p := dividend.DefaultParams()
	p.PerfRate = 1.0
	p.TenureRatePerDay = 0
	p.HypePerShare = 0
	return p
}

func newEnv(t *testing.T, memberIDs ...string) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	exec := ledger.NewExecutor(ms, decimal.Zero)
	ctx := context.Background()
	for _, id := range memberIDs {
		err := ms.RegisterMember(ctx,
			&model.Member{ID: id, ExternalID: "ext-" + id, Name: id, JoinedAt: now.AddDate(0, -6, 0)},
			&model.Listing{MemberID: id, Ticker: id, Price: d(1), Status: model.ListingActive, InitFactor: f(0.5), ListedAt: now.AddDate(0, -6, 0)},
			decimal.Zero)
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return &env{ms: ms, exec: exec}
}

func (e *env) gain(t *testing.T, memberID string, gain float64) {
	t.Helper()
	err := e.ms.AppendGainSample(context.Background(), model.GainSample{
		MemberID: memberID, Timestamp: now.Add(-time.Hour), Prestige: 1000, Gain: gain,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *env) hold(t *testing.T, investorID, listingID string, shares float64) {
	t.Helper()
	err := e.ms.RunLedgerTx(context.Background(), func(tx store.LedgerTx) error {
		return tx.UpsertHolding(context.Background(), &model.Holding{
			InvestorID: investorID, ListingMemberID: listingID,
			Shares: d(shares), UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *env) balance(t *testing.T, memberID string) decimal.Decimal {
	t.Helper()
	w, err := e.ms.GetWallet(context.Background(), memberID)
	if err != nil {
		t.Fatal(err)
	}
	return w.Balance
}

// TestDistribute_TieredWorkedExample is the canonical payout case: member A
// earns 465.775; X and Y hold 500 shares each (tied max), Z holds 100.
// X and Y split Tier 1 (46.5775 each); Z takes the whole Tier 2 pool.
func TestDistribute_TieredWorkedExample(t *testing.T) {
	e := newEnv(t, "a", "x", "y", "z")
	e.gain(t, "a", 465.775)
	e.hold(t, "x", "a", 500)
	e.hold(t, "y", "a", 500)
	e.hold(t, "z", "a", 100)

	dist := dividend.New(e.ms, e.exec, payoutParams(), nil)
	report, err := dist.DistributeAll(context.Background(), now, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failures != 0 {
		t.Fatalf("unexpected failures: %d", report.Failures)
	}

	if got := e.balance(t, "a"); !got.Equal(d(465.775)) {
		t.Errorf("a earnings: want 465.775, got %s", got)
	}
	if got := e.balance(t, "x"); !got.Equal(d(46.5775)) {
		t.Errorf("x tier-1: want 46.5775, got %s", got)
	}
	if got := e.balance(t, "y"); !got.Equal(d(46.5775)) {
		t.Errorf("y tier-1: want 46.5775, got %s", got)
	}
	if got := e.balance(t, "z"); !got.Equal(d(46.5775)) {
		t.Errorf("z tier-2: want full pool 46.5775, got %s", got)
	}
}

func TestDistribute_TierSumsMatchFractions(t *testing.T) {
	e := newEnv(t, "a", "x", "y", "z", "w")
	e.gain(t, "a", 1000)
	e.hold(t, "x", "a", 300) // unique max → sole Tier 1
	e.hold(t, "y", "a", 150)
	e.hold(t, "z", "a", 100)
	e.hold(t, "w", "a", 50)

	dist := dividend.New(e.ms, e.exec, payoutParams(), nil)
	if _, err := dist.DistributeAll(context.Background(), now, nil); err != nil {
		t.Fatal(err)
	}

	// Tier 1: 0.20 × 1000 = 200, all to x.
	if got := e.balance(t, "x"); !got.Equal(d(200)) {
		t.Errorf("x: want 200, got %s", got)
	}
	// Tier 2: 0.10 × 1000 = 100 split 150:100:50.
	tier2 := e.balance(t, "y").Add(e.balance(t, "z")).Add(e.balance(t, "w"))
	if !tier2.Equal(d(100)) {
		t.Errorf("tier-2 sum: want 100, got %s", tier2)
	}
	if got := e.balance(t, "y"); !got.Equal(d(50)) {
		t.Errorf("y proportional: want 50, got %s", got)
	}
}

func TestDistribute_SelfHoldingNeverPays(t *testing.T) {
	e := newEnv(t, "a", "x")
	e.gain(t, "a", 100)
	e.hold(t, "a", "a", 10000) // member's own position dwarfs everyone
	e.hold(t, "x", "a", 1)

	dist := dividend.New(e.ms, e.exec, payoutParams(), nil)
	if _, err := dist.DistributeAll(context.Background(), now, nil); err != nil {
		t.Fatal(err)
	}

	// a gets only the earnings credit; x is the sole external holder and
	// takes all of Tier 1.
	if got := e.balance(t, "a"); !got.Equal(d(100)) {
		t.Errorf("a must not receive dividends from own earnings: got %s", got)
	}
	if got := e.balance(t, "x"); !got.Equal(d(20)) {
		t.Errorf("x: want 20 (full tier-1), got %s", got)
	}
}

func TestDistribute_EmptyWindowSkipsMember(t *testing.T) {
	e := newEnv(t, "a")
	// Gain exists but outside the 24h window.
	err := e.ms.AppendGainSample(context.Background(), model.GainSample{
		MemberID: "a", Timestamp: now.AddDate(0, 0, -3), Prestige: 1000, Gain: 500,
	})
	if err != nil {
		t.Fatal(err)
	}

	dist := dividend.New(e.ms, e.exec, payoutParams(), nil)
	report, err := dist.DistributeAll(context.Background(), now, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.MembersPaid != 0 {
		t.Errorf("stale window must not pay, paid %d members", report.MembersPaid)
	}
	if got := e.balance(t, "a"); !got.IsZero() {
		t.Errorf("a should have earned nothing, got %s", got)
	}
}

func TestDistribute_HypeMultiplier(t *testing.T) {
	p := payoutParams()
	p.HypePerShare = 0.0005

	e := newEnv(t, "a", "x")
	e.gain(t, "a", 100)
	e.hold(t, "x", "a", 1000) // hype = 1 + 0.0005×1000 = 1.5

	dist := dividend.New(e.ms, e.exec, p, nil)
	if _, err := dist.DistributeAll(context.Background(), now, nil); err != nil {
		t.Fatal(err)
	}
	if got := e.balance(t, "a"); !got.Equal(d(150)) {
		t.Errorf("hyped earnings: want 150, got %s", got)
	}
}

func TestDistribute_EventModifierScalesYield(t *testing.T) {
	e := newEnv(t, "a")
	e.gain(t, "a", 100)

	ev := &model.EventSpec{Name: "double_pay", PerfModifier: 2.0, LagOverrideDays: -1}
	dist := dividend.New(e.ms, e.exec, payoutParams(), nil)
	if _, err := dist.DistributeAll(context.Background(), now, ev); err != nil {
		t.Fatal(err)
	}
	if got := e.balance(t, "a"); !got.Equal(d(200)) {
		t.Errorf("event-scaled earnings: want 200, got %s", got)
	}
}

func TestDistribute_UpgradeTiersMultiply(t *testing.T) {
	catalog := []model.UpgradeTier{
		{Name: "silver", Multiplier: 1.1},
		{Name: "gold", Multiplier: 1.2},
	}
	e := newEnv(t, "a")
	e.gain(t, "a", 100)
	ctx := context.Background()
	if err := e.ms.GrantUpgrade(ctx, "a", "silver"); err != nil {
		t.Fatal(err)
	}
	if err := e.ms.GrantUpgrade(ctx, "a", "gold"); err != nil {
		t.Fatal(err)
	}

	dist := dividend.New(e.ms, e.exec, payoutParams(), catalog)
	if _, err := dist.DistributeAll(ctx, now, nil); err != nil {
		t.Fatal(err)
	}
	// 100 × 1.1 × 1.2 = 132
	if got := e.balance(t, "a"); !got.Equal(d(132)) {
		t.Errorf("upgraded earnings: want 132, got %s", got)
	}
}

func TestDistribute_EveryPayoutHasTaggedTransaction(t *testing.T) {
	e := newEnv(t, "a", "x", "y")
	e.gain(t, "a", 100)
	e.hold(t, "x", "a", 10)
	e.hold(t, "y", "a", 5)

	dist := dividend.New(e.ms, e.exec, payoutParams(), nil)
	if _, err := dist.DistributeAll(context.Background(), now, nil); err != nil {
		t.Fatal(err)
	}

	txns, _ := e.ms.GetTransactionsByMember(context.Background(), "x")
	if len(txns) != 1 {
		t.Fatalf("x: want 1 transaction, got %d", len(txns))
	}
	if txns[0].Kind != model.TxDividendT1 {
		t.Errorf("x kind: want %s, got %s", model.TxDividendT1, txns[0].Kind)
	}
	if txns[0].Counterparty != "a" {
		t.Errorf("x counterparty: want a, got %s", txns[0].Counterparty)
	}

	txns, _ = e.ms.GetTransactionsByMember(context.Background(), "y")
	if len(txns) != 1 || txns[0].Kind != model.TxDividendT2 {
		t.Fatalf("y: want 1 tier-2 transaction, got %+v", txns)
	}
}
