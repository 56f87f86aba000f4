// Package exchange provides the HTTP handlers for member registration,
// market snapshots, trades, portfolios, and ledger queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/ledger"
	"github.com/clubex/market-engine/internal/metrics"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/store"
)

// Ticker triggers a full market tick on demand. Implemented by the
// scheduler; the admin endpoint uses it.
type Ticker interface {
	RunTick(ctx context.Context) error
}

// Service handles exchange operations over the store and ledger executor.
type Service struct {
	store           store.Store
	exec            *ledger.Executor
	ticker          Ticker
	hub             *Hub // optional WebSocket hub for real-time broadcasts
	startingBalance decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand // init factor draws at registration
}

// NewService creates an exchange service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, exec *ledger.Executor, ticker Ticker, hub *Hub, startingBalance decimal.Decimal, rng *rand.Rand) *Service {
	return &Service{
		store:           st,
		exec:            exec,
		ticker:          ticker,
		hub:             hub,
		startingBalance: startingBalance,
		rng:             rng,
	}
}

// Routes returns the service's route tree, mounted under /api/v1 by the
// server main.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/members", s.RegisterMember)
	r.Get("/members/{memberID}/transactions", s.GetTransactions)
	r.Get("/members/{memberID}/earnings", s.GetEarnings)
	r.Get("/market", s.MarketSnapshot)
	r.Get("/market/{memberID}", s.ListingSnapshot)
	r.Get("/market/{memberID}/history", s.GetPriceHistory)
	r.Get("/market/{memberID}/quote", s.GetQuote)
	r.Post("/trade", s.ExecuteTrade)
	r.Get("/portfolio/{memberID}", s.GetPortfolio)
	r.Get("/portfolio/{memberID}/summary", s.GetSummary)
	r.Post("/feed", s.IngestGainSamples)
	r.Post("/admin/tick", s.TriggerTick)
	r.Post("/admin/upgrades", s.GrantUpgrade)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /members.
type RegisterRequest struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Ticker     string `json:"ticker"`
}

// RegisterResponse returns the created member and listing.
type RegisterResponse struct {
	Member  model.Member    `json:"member"`
	Listing model.Listing   `json:"listing"`
	Balance decimal.Decimal `json:"balance"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	InvestorID string          `json:"investor_id"`
	ListingID  string          `json:"listing_id"` // member ID of the listing
	Side       string          `json:"side"`       // "buy" or "sell"
	Shares     decimal.Decimal `json:"shares"`
}

// ListingView is one listing in the market snapshot.
type ListingView struct {
	MemberID  string          `json:"member_id"`
	Name      string          `json:"name"`
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"` // percent, 2 places
	MarketCap decimal.Decimal `json:"market_cap"`
	TopHolder string          `json:"top_holder,omitempty"`
	Status    string          `json:"status"`
}

// --- HTTP Handlers ---

// RegisterMember handles POST /api/v1/members
// Creates the member, their listing with a freshly drawn initialization
// factor, and seeds the starting balance through the ledger so the
// transaction history replays to the wallet balance from day one.
func (s *Service) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExternalID == "" || req.Name == "" {
		writeError(w, "external_id and name are required", http.StatusBadRequest)
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" || len(ticker) > 6 {
		writeError(w, "ticker must be 1-6 characters", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetMemberByExternalID(ctx, req.ExternalID); err == nil {
		writeError(w, "member already registered", http.StatusConflict)
		return
	}

	s.mu.Lock()
	initFactor := s.rng.Float64()
	s.mu.Unlock()

	now := time.Now().UTC()
	member := &model.Member{
		ID:         uuid.New().String(),
		ExternalID: req.ExternalID,
		Name:       req.Name,
		JoinedAt:   now,
	}
	listing := &model.Listing{
		MemberID:   member.ID,
		Ticker:     ticker,
		Price:      decimal.NewFromFloat(0.01),
		Status:     model.ListingActive,
		InitFactor: &initFactor,
		ListedAt:   now,
	}

	// The wallet starts at zero; the grant arrives as a ledger credit so
	// replaying the transaction history reproduces the balance.
	if err := s.store.RegisterMember(ctx, member, listing, decimal.Zero); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	balance := decimal.Zero
	if s.startingBalance.IsPositive() {
		txn, err := s.exec.Credit(ctx, member.ID, s.startingBalance, model.TxAdminCredit, "", nil)
		if err != nil {
			writeError(w, "failed to seed starting balance", http.StatusInternalServerError)
			return
		}
		balance = txn.Balance
	}

	slog.Info("member registered",
		"member", member.ID,
		"external_id", req.ExternalID,
		"ticker", ticker,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(RegisterResponse{Member: *member, Listing: *listing, Balance: balance})
}

// MarketSnapshot handles GET /api/v1/market
// Returns every listing with its price, 24h change, market cap, and top
// holder, sorted by price descending.
func (s *Service) MarketSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listings, err := s.store.ListListings(ctx)
	if err != nil {
		writeError(w, "failed to list market", http.StatusInternalServerError)
		return
	}

	views := make([]ListingView, 0, len(listings))
	for _, l := range listings {
		view, err := s.listingView(ctx, l)
		if err != nil {
			writeError(w, "failed to build market snapshot", http.StatusInternalServerError)
			return
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Price.GreaterThan(views[j].Price) })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// ListingSnapshot handles GET /api/v1/market/{memberID}
func (s *Service) ListingSnapshot(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	ctx := r.Context()

	listing, err := s.store.GetListing(ctx, memberID)
	if err != nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}
	view, err := s.listingView(ctx, *listing)
	if err != nil {
		writeError(w, "failed to build listing snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *Service) listingView(ctx context.Context, l model.Listing) (ListingView, error) {
	member, err := s.store.GetMember(ctx, l.MemberID)
	if err != nil {
		return ListingView{}, err
	}

	view := ListingView{
		MemberID: l.MemberID,
		Name:     member.Name,
		Ticker:   l.Ticker,
		Price:    l.Price,
		Status:   l.Status,
	}

	history, err := s.store.GetPriceHistory(ctx, l.MemberID, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return ListingView{}, err
	}
	if len(history) > 0 && history[0].Price.IsPositive() {
		view.Change24h = l.Price.Sub(history[0].Price).
			Div(history[0].Price).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	holdings, err := s.store.GetHoldingsByListing(ctx, l.MemberID)
	if err != nil {
		return ListingView{}, err
	}
	outstanding := decimal.Zero
	top := decimal.Zero
	for _, h := range holdings {
		outstanding = outstanding.Add(h.Shares)
		if h.Shares.GreaterThan(top) {
			top = h.Shares
			view.TopHolder = h.InvestorID
		}
	}
	view.MarketCap = l.Price.Mul(outstanding)
	return view, nil
}

// GetPriceHistory handles GET /api/v1/market/{memberID}/history?hours=168
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	hours := 168
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed <= 0 {
			writeError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = parsed
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	points, err := s.store.GetPriceHistory(r.Context(), memberID, since)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PriceHistoryPoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// GetQuote handles GET /api/v1/market/{memberID}/quote?shares=10
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	shares, err := decimal.NewFromString(r.URL.Query().Get("shares"))
	if err != nil {
		writeError(w, "invalid shares parameter", http.StatusBadRequest)
		return
	}

	quote, err := s.exec.QuoteListing(r.Context(), memberID, shares)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(quote)
}

// ExecuteTrade handles POST /api/v1/trade
// Runs the buy or sell through the ledger executor and returns the fill.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InvestorID == "" || req.ListingID == "" {
		writeError(w, "investor_id and listing_id are required", http.StatusBadRequest)
		return
	}
	if req.Side != "buy" && req.Side != "sell" {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	start := time.Now()
	var result *ledger.TradeResult
	var err error
	if req.Side == "buy" {
		result, err = s.exec.Buy(r.Context(), req.InvestorID, req.ListingID, req.Shares)
	} else {
		result, err = s.exec.Sell(r.Context(), req.InvestorID, req.ListingID, req.Shares)
	}
	metrics.TradeLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.TradeFailures.WithLabelValues(failureReason(err)).Inc()
		writeLedgerError(w, err)
		return
	}
	metrics.TradesTotal.WithLabelValues(req.Side).Inc()

	slog.Info("trade executed",
		"transaction", result.TransactionID,
		"investor", req.InvestorID,
		"listing", req.ListingID,
		"side", req.Side,
		"shares", req.Shares.String(),
		"subtotal", result.Subtotal.String(),
		"fee", result.Fee.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "trade_executed",
			MemberID:  req.ListingID,
			Price:     result.PricePerShare.String(),
			Shares:    req.Shares.String(),
			Side:      req.Side,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetPortfolio handles GET /api/v1/portfolio/{memberID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	p, err := s.exec.GetPortfolio(r.Context(), memberID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// GetSummary handles GET /api/v1/portfolio/{memberID}/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	summary, err := s.exec.GetSummary(r.Context(), memberID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetTransactions handles GET /api/v1/members/{memberID}/transactions
// Returns the full ledger, oldest first, each record carrying the balance
// after it applied.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	txns, err := s.exec.History(r.Context(), memberID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txns)
}

// GetEarnings handles GET /api/v1/members/{memberID}/earnings
// Returns only income records: tick earnings and both dividend tiers.
func (s *Service) GetEarnings(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	txns, err := s.exec.History(r.Context(), memberID)
	if err != nil {
		writeError(w, "failed to load earnings", http.StatusInternalServerError)
		return
	}

	earnings := make([]model.Transaction, 0)
	for _, t := range txns {
		switch t.Kind {
		case model.TxEarnings, model.TxDividendT1, model.TxDividendT2:
			earnings = append(earnings, t)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(earnings)
}

// IngestGainSamples handles POST /api/v1/feed
// Accepts a batch of performance-feed rows from the collection pipeline
// and appends them to the gain feed. Rows for unknown members are
// rejected before anything is written.
func (s *Service) IngestGainSamples(w http.ResponseWriter, r *http.Request) {
	var samples []model.GainSample
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(samples) == 0 {
		writeError(w, "at least one sample is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, sample := range samples {
		if sample.MemberID == "" || sample.Timestamp.IsZero() {
			writeError(w, "member_id and timestamp are required", http.StatusBadRequest)
			return
		}
		if _, err := s.store.GetMember(ctx, sample.MemberID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, "unknown member: "+sample.MemberID, http.StatusNotFound)
				return
			}
			writeError(w, "failed to verify member", http.StatusInternalServerError)
			return
		}
	}
	for _, sample := range samples {
		if err := s.store.AppendGainSample(ctx, sample); err != nil {
			writeError(w, "failed to append sample", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("gain samples ingested", "count", len(samples))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]int{"ingested": len(samples)})
}

// UpgradeRequest is the JSON body for POST /admin/upgrades.
type UpgradeRequest struct {
	MemberID string `json:"member_id"`
	Tier     string `json:"tier"`
}

// GrantUpgrade handles POST /api/v1/admin/upgrades
// Records ownership of a permanent-upgrade tier; the dividend
// distributor picks it up on the next payout.
func (s *Service) GrantUpgrade(w http.ResponseWriter, r *http.Request) {
	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" || req.Tier == "" {
		writeError(w, "member_id and tier are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetMember(ctx, req.MemberID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "unknown member", http.StatusNotFound)
			return
		}
		writeError(w, "failed to verify member", http.StatusInternalServerError)
		return
	}
	if err := s.store.GrantUpgrade(ctx, req.MemberID, req.Tier); err != nil {
		writeError(w, "failed to grant upgrade", http.StatusInternalServerError)
		return
	}

	slog.Info("upgrade granted", "member", req.MemberID, "tier", req.Tier)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "granted"})
}

// TriggerTick handles POST /api/v1/admin/tick
// Runs one full market tick immediately.
func (s *Service) TriggerTick(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil {
		writeError(w, "tick trigger not available", http.StatusServiceUnavailable)
		return
	}
	if err := s.ticker.RunTick(r.Context()); err != nil {
		writeError(w, "tick failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// --- Error mapping ---

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidShares), errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrUnknownListing), errors.Is(err, ledger.ErrUnknownMember):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrListingSuspended),
		errors.Is(err, ledger.ErrWalletBusy):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrWalletBusy):
		return "wallet_busy"
	case errors.Is(err, ledger.ErrListingSuspended):
		return "listing_suspended"
	case errors.Is(err, ledger.ErrUnknownListing), errors.Is(err, ledger.ErrUnknownMember):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidShares), errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_input"
	default:
		return "internal"
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
