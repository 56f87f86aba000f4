package exchange_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/exchange"
	"github.com/clubex/market-engine/internal/ledger"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func f(v float64) *float64 { return &v }

type tickStub struct {
	calls int
	err   error
}

func (s *tickStub) RunTick(context.Context) error {
	s.calls++
	return s.err
}

// newTestEnv creates a test Service with in-memory store and chi router.
// Members seeded through seedMember get balance 1000 and a listing at 5.00.
func newTestEnv(t *testing.T) (*store.MemoryStore, *tickStub, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	exec := ledger.NewExecutor(ms, ledger.DefaultFeeRate)
	tick := &tickStub{}
	svc := exchange.NewService(ms, exec, tick, nil, d(1000), rand.New(rand.NewSource(1)))

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())
	return ms, tick, r
}

func seedMember(t *testing.T, ms *store.MemoryStore, id, ticker string) {
	t.Helper()
	ctx := context.Background()
	err := ms.RegisterMember(ctx,
		&model.Member{ID: id, ExternalID: "ext-" + id, Name: id, JoinedAt: time.Now().UTC()},
		&model.Listing{MemberID: id, Ticker: ticker, Price: d(5.00), Status: model.ListingActive, InitFactor: f(0.5), ListedAt: time.Now().UTC()},
		decimal.Zero)
	if err != nil {
		t.Fatalf("seed member %s: %v", id, err)
	}
	exec := ledger.NewExecutor(ms, decimal.Zero)
	if _, err := exec.Credit(ctx, id, d(1000), model.TxAdminCredit, "", nil); err != nil {
		t.Fatalf("seed balance %s: %v", id, err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Registration ---

func TestRegisterMember_SeedsBalanceThroughLedger(t *testing.T) {
	ms, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/members", exchange.RegisterRequest{
		ExternalID: "ext-1", Name: "alice", Ticker: "alce",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp exchange.RegisterResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Member.ID == "" {
		t.Error("expected non-empty member id")
	}
	if resp.Listing.Ticker != "ALCE" {
		t.Errorf("expected uppercased ticker, got %s", resp.Listing.Ticker)
	}
	if resp.Listing.InitFactor == nil {
		t.Error("expected init factor assigned at registration")
	}
	if !resp.Balance.Equal(d(1000)) {
		t.Errorf("expected starting balance 1000, got %s", resp.Balance)
	}

	// The grant must be a ledger transaction, not a silent wallet write.
	txns, err := ms.GetTransactionsByMember(context.Background(), resp.Member.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if txns[0].Kind != model.TxAdminCredit {
		t.Errorf("expected %s transaction, got %s", model.TxAdminCredit, txns[0].Kind)
	}
	if !txns[0].Amount.Equal(d(1000)) {
		t.Errorf("expected amount 1000, got %s", txns[0].Amount)
	}
}

func TestRegisterMember_DuplicateExternalID(t *testing.T) {
	_, _, router := newTestEnv(t)

	first := doJSON(t, router, "POST", "/api/v1/members", exchange.RegisterRequest{
		ExternalID: "ext-1", Name: "alice", Ticker: "ALCE",
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("first registration failed: %d", first.Code)
	}

	second := doJSON(t, router, "POST", "/api/v1/members", exchange.RegisterRequest{
		ExternalID: "ext-1", Name: "alice again", Ticker: "ALC2",
	})
	if second.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", second.Code)
	}
}

func TestRegisterMember_MissingFields(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/members", exchange.RegisterRequest{Name: "alice"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Trade ---

func TestExecuteTrade_Buy(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	w := doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "alice", Side: "buy", Shares: d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ledger.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 10 shares at 5.00: subtotal 50.00, fee 1.50, total 51.50.
	if !resp.Subtotal.Equal(d(50.00)) {
		t.Errorf("subtotal: want 50.00, got %s", resp.Subtotal)
	}
	if !resp.Fee.Equal(d(1.50)) {
		t.Errorf("fee: want 1.50, got %s", resp.Fee)
	}
	if !resp.NewBalance.Equal(d(948.50)) {
		t.Errorf("balance: want 948.50, got %s", resp.NewBalance)
	}
	if !resp.NewShares.Equal(d(10)) {
		t.Errorf("shares: want 10, got %s", resp.NewShares)
	}
}

func TestExecuteTrade_InsufficientFunds(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	w := doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "alice", Side: "buy", Shares: d(100000),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient funds, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteTrade_InvalidSide(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	w := doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "alice", ListingID: "alice", Side: "hold", Shares: d(1),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid side, got %d", w.Code)
	}
}

func TestExecuteTrade_UnknownListing(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "bob", "BOB")

	w := doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "nobody", Side: "buy", Shares: d(1),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestExecuteTrade_SellWithoutShares(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	w := doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "alice", Side: "sell", Shares: d(5),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for selling unheld shares, got %d", w.Code)
	}
}

// --- Quote ---

func TestGetQuote(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	w := doJSON(t, router, "GET", "/api/v1/market/alice/quote?shares=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var q ledger.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if !q.Subtotal.Equal(d(50.00)) {
		t.Errorf("subtotal: want 50.00, got %s", q.Subtotal)
	}
	if !q.Total.Equal(d(51.50)) {
		t.Errorf("total: want 51.50, got %s", q.Total)
	}
}

func TestGetQuote_BadShares(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	w := doJSON(t, router, "GET", "/api/v1/market/alice/quote?shares=lots", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Market snapshot ---

func TestMarketSnapshot(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	// Bob buys alice so her listing has a market cap and a top holder.
	doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "alice", Side: "buy", Shares: d(10),
	})

	w := doJSON(t, router, "GET", "/api/v1/market", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var views []exchange.ListingView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(views))
	}

	var alice *exchange.ListingView
	for i := range views {
		if views[i].MemberID == "alice" {
			alice = &views[i]
		}
	}
	if alice == nil {
		t.Fatal("alice missing from snapshot")
	}
	if !alice.MarketCap.Equal(d(50.00)) {
		t.Errorf("market cap: want 50.00, got %s", alice.MarketCap)
	}
	if alice.TopHolder != "bob" {
		t.Errorf("top holder: want bob, got %s", alice.TopHolder)
	}
}

func TestListingSnapshot_Change24h(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	// Price a day ago was 4.00; current listing price is 5.00 → +25%.
	err := ms.AppendPriceHistory(context.Background(), []model.PriceHistoryPoint{
		{MemberID: "alice", Timestamp: time.Now().UTC().Add(-23 * time.Hour), Price: d(4.00)},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, "GET", "/api/v1/market/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view exchange.ListingView
	json.Unmarshal(w.Body.Bytes(), &view)
	if !view.Change24h.Equal(d(25)) {
		t.Errorf("change: want 25, got %s", view.Change24h)
	}
}

// --- Portfolio & ledger queries ---

func TestGetPortfolio_AfterBuy(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "alice", Side: "buy", Shares: d(10),
	})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var p ledger.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)
	if len(p.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(p.Positions))
	}
	if p.Positions[0].ListingMemberID != "alice" {
		t.Errorf("unexpected position listing: %s", p.Positions[0].ListingMemberID)
	}
	if !p.Balance.Equal(d(948.50)) {
		t.Errorf("balance: want 948.50, got %s", p.Balance)
	}
}

func TestGetPortfolio_UnknownMember(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/portfolio/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetTransactions_RunningBalance(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	doJSON(t, router, "POST", "/api/v1/trade", exchange.TradeRequest{
		InvestorID: "bob", ListingID: "alice", Side: "buy", Shares: d(10),
	})

	w := doJSON(t, router, "GET", "/api/v1/members/bob/transactions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var txns []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txns)
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if !txns[0].Balance.Equal(d(1000)) {
		t.Errorf("first balance: want 1000, got %s", txns[0].Balance)
	}
	if !txns[1].Balance.Equal(d(948.50)) {
		t.Errorf("second balance: want 948.50, got %s", txns[1].Balance)
	}
}

func TestGetEarnings_FiltersIncomeKinds(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")
	seedMember(t, ms, "bob", "BOB")

	exec := ledger.NewExecutor(ms, decimal.Zero)
	ctx := context.Background()
	if _, err := exec.Credit(ctx, "alice", d(12), model.TxEarnings, "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Credit(ctx, "alice", d(3), model.TxDividendT1, "bob", nil); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, "GET", "/api/v1/members/alice/earnings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var earnings []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &earnings)
	if len(earnings) != 2 {
		t.Fatalf("expected 2 earnings records, got %d", len(earnings))
	}
	for _, e := range earnings {
		if e.Kind == model.TxAdminCredit {
			t.Errorf("admin credit leaked into earnings view")
		}
	}
}

// --- Admin ---

func TestTriggerTick(t *testing.T) {
	_, tick, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/admin/tick", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if tick.calls != 1 {
		t.Errorf("expected 1 tick call, got %d", tick.calls)
	}
}

func TestIngestGainSamples(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	now := time.Now().UTC().Truncate(time.Second)
	samples := []model.GainSample{
		{MemberID: "alice", Timestamp: now.Add(-time.Hour), Prestige: 1000, Gain: 50},
		{MemberID: "alice", Timestamp: now, Prestige: 1080, Gain: 80},
	}

	w := doJSON(t, router, "POST", "/api/v1/feed", samples)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	got, err := ms.GetGainSamples(context.Background(), "alice", now, 10)
	if err != nil {
		t.Fatalf("get samples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[len(got)-1].Prestige != 1080 {
		t.Errorf("expected newest prestige 1080, got %v", got[len(got)-1].Prestige)
	}
}

func TestIngestGainSamples_UnknownMember(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	now := time.Now().UTC()
	samples := []model.GainSample{
		{MemberID: "alice", Timestamp: now, Prestige: 1000, Gain: 50},
		{MemberID: "ghost", Timestamp: now, Prestige: 200, Gain: 10},
	}

	w := doJSON(t, router, "POST", "/api/v1/feed", samples)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}

	// The batch is validated up front, so the valid row was not written either.
	got, err := ms.GetGainSamples(context.Background(), "alice", now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("get samples: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no samples written, got %d", len(got))
	}
}

func TestIngestGainSamples_EmptyBatch(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/feed", []model.GainSample{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGrantUpgrade(t *testing.T) {
	ms, _, router := newTestEnv(t)
	seedMember(t, ms, "alice", "ALCE")

	w := doJSON(t, router, "POST", "/api/v1/admin/upgrades", exchange.UpgradeRequest{
		MemberID: "alice", Tier: "gold",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	tiers, err := ms.GetMemberUpgrades(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get upgrades: %v", err)
	}
	if len(tiers) != 1 || tiers[0] != "gold" {
		t.Errorf("expected [gold], got %v", tiers)
	}
}

func TestGrantUpgrade_UnknownMember(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/admin/upgrades", exchange.UpgradeRequest{
		MemberID: "ghost", Tier: "gold",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
