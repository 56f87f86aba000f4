package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. It mirrors the PostgreSQL locking semantics: ledger
// transactions take per-row try-locks and fail immediately on contention.
type MemoryStore struct {
	mu           sync.RWMutex
	members      map[string]*model.Member
	wallets      map[string]*model.Wallet
	listings     map[string]*model.Listing
	holdings     map[string]*model.Holding // key: investor|listing
	transactions []model.Transaction
	samples      map[string][]model.GainSample
	state        model.MarketState
	history      []model.PriceHistoryPoint
	upgrades     map[string][]string

	walletLocks  sync.Map // memberID → *sync.Mutex
	holdingLocks sync.Map // investor|listing → *sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:  make(map[string]*model.Member),
		wallets:  make(map[string]*model.Wallet),
		listings: make(map[string]*model.Listing),
		holdings: make(map[string]*model.Holding),
		samples:  make(map[string][]model.GainSample),
		upgrades: make(map[string][]string),
	}
}

func holdingKey(investorID, listingMemberID string) string {
	return investorID + "|" + listingMemberID
}

// --- Registration ---

func (s *MemoryStore) RegisterMember(_ context.Context, m *model.Member, l *model.Listing, startingBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[m.ID]; ok {
		return fmt.Errorf("member %s already registered", m.ID)
	}
	mc := *m
	lc := *l
	s.members[m.ID] = &mc
	s.listings[m.ID] = &lc
	s.wallets[m.ID] = &model.Wallet{MemberID: m.ID, Balance: startingBalance}
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, id string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	mc := *m
	return &mc, nil
}

func (s *MemoryStore) GetMemberByExternalID(_ context.Context, externalID string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members {
		if m.ExternalID == externalID {
			mc := *m
			return &mc, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMembers(_ context.Context) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]model.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, *m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// --- Listings ---

func (s *MemoryStore) GetListing(_ context.Context, memberID string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[memberID]
	if !ok {
		return nil, ErrNotFound
	}
	lc := *l
	return &lc, nil
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].MemberID < listings[j].MemberID })
	return listings, nil
}

func (s *MemoryStore) UpdateListingPrices(_ context.Context, prices map[string]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for memberID, price := range prices {
		if l, ok := s.listings[memberID]; ok {
			l.Price = price
		}
	}
	return nil
}

func (s *MemoryStore) UpdateListingNudge(_ context.Context, memberID string, nudge float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[memberID]
	if !ok {
		return ErrNotFound
	}
	l.Nudge = nudge
	return nil
}

// --- Wallet & holdings ---

func (s *MemoryStore) GetWallet(_ context.Context, memberID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[memberID]
	if !ok {
		return nil, ErrNotFound
	}
	wc := *w
	return &wc, nil
}

func (s *MemoryStore) GetHoldingsByInvestor(_ context.Context, investorID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.InvestorID == investorID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ListingMemberID < result[j].ListingMemberID })
	return result, nil
}

func (s *MemoryStore) GetHoldingsByListing(_ context.Context, listingMemberID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.ListingMemberID == listingMemberID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InvestorID < result[j].InvestorID })
	return result, nil
}

// --- Ledger transactions ---

// memTx stages writes against copies; the commit applies them under the
// store lock. Row try-locks are held from first touch until the transaction
// finishes, matching FOR UPDATE NOWAIT.
type memTx struct {
	store      *MemoryStore
	locked     []*sync.Mutex
	lockedKeys map[string]bool
	wallets    map[string]*model.Wallet
	holdings   map[string]*model.Holding
	inserts    []model.Transaction
}

func (s *MemoryStore) RunLedgerTx(_ context.Context, fn func(tx LedgerTx) error) error {
	tx := &memTx{
		store:      s,
		lockedKeys: make(map[string]bool),
		wallets:    make(map[string]*model.Wallet),
		holdings:   make(map[string]*model.Holding),
	}
	defer func() {
		for _, mu := range tx.locked {
			mu.Unlock()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range tx.wallets {
		wc := *w
		s.wallets[id] = &wc
	}
	for key, h := range tx.holdings {
		hc := *h
		s.holdings[key] = &hc
	}
	s.transactions = append(s.transactions, tx.inserts...)
	return nil
}

// lockRow takes the row's try-lock unless this transaction already
// holds it. Locking is idempotent within a transaction: reading a row
// that does not exist yet and then upserting it touches the same lock
// twice.
func (tx *memTx) lockRow(m *sync.Map, scope, key string) error {
	scoped := scope + ":" + key
	if tx.lockedKeys[scoped] {
		return nil
	}
	muAny, _ := m.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		return ErrRowBusy
	}
	tx.locked = append(tx.locked, mu)
	tx.lockedKeys[scoped] = true
	return nil
}

func (tx *memTx) Wallet(_ context.Context, memberID string) (*model.Wallet, error) {
	if w, ok := tx.wallets[memberID]; ok {
		wc := *w
		return &wc, nil
	}
	if err := tx.lockRow(&tx.store.walletLocks, "wallet", memberID); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	w, ok := tx.store.wallets[memberID]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	wc := *w
	tx.wallets[memberID] = &wc
	out := wc
	return &out, nil
}

func (tx *memTx) UpdateWalletBalance(_ context.Context, memberID string, balance decimal.Decimal) error {
	w, ok := tx.wallets[memberID]
	if !ok {
		return ErrNotFound
	}
	w.Balance = balance
	return nil
}

func (tx *memTx) Holding(_ context.Context, investorID, listingMemberID string) (*model.Holding, error) {
	key := holdingKey(investorID, listingMemberID)
	if h, ok := tx.holdings[key]; ok {
		hc := *h
		return &hc, nil
	}
	if err := tx.lockRow(&tx.store.holdingLocks, "holding", key); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	h, ok := tx.store.holdings[key]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	hc := *h
	tx.holdings[key] = &hc
	out := hc
	return &out, nil
}

func (tx *memTx) UpsertHolding(_ context.Context, h *model.Holding) error {
	key := holdingKey(h.InvestorID, h.ListingMemberID)
	if _, staged := tx.holdings[key]; !staged {
		// New row for this transaction; take its lock so concurrent
		// first-buys of the same pair contend.
		if err := tx.lockRow(&tx.store.holdingLocks, "holding", key); err != nil {
			return err
		}
	}
	hc := *h
	tx.holdings[key] = &hc
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	tx.inserts = append(tx.inserts, *t)
	return nil
}

func (s *MemoryStore) GetTransactionsByMember(_ context.Context, memberID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.transactions {
		if t.MemberID == memberID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Performance feed ---

func (s *MemoryStore) AppendGainSample(_ context.Context, sample model.GainSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.samples[sample.MemberID], sample)
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	s.samples[sample.MemberID] = list
	return nil
}

func (s *MemoryStore) GetGainSamples(_ context.Context, memberID string, until time.Time, limit int) ([]model.GainSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.GainSample
	for _, sm := range s.samples[memberID] {
		if !sm.Timestamp.After(until) {
			result = append(result, sm)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) GetClubGains(_ context.Context, now time.Time) (float64, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cut24 := now.Add(-24 * time.Hour)
	cut7d := now.AddDate(0, 0, -7)
	var gain24h, gain7d float64
	for _, list := range s.samples {
		for _, sm := range list {
			if sm.Timestamp.After(now) {
				continue
			}
			if sm.Timestamp.After(cut7d) {
				gain7d += sm.Gain
			}
			if sm.Timestamp.After(cut24) {
				gain24h += sm.Gain
			}
		}
	}
	return gain24h, gain7d, nil
}

func (s *MemoryStore) FeedTimestamps(_ context.Context, limit int) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[time.Time]bool)
	for _, list := range s.samples {
		for _, sm := range list {
			seen[sm.Timestamp] = true
		}
	}
	stamps := make([]time.Time, 0, len(seen))
	for ts := range seen {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].After(stamps[j]) })
	if limit > 0 && len(stamps) > limit {
		stamps = stamps[:limit]
	}
	return stamps, nil
}

// --- Market state ---

func (s *MemoryStore) GetMarketState(_ context.Context) (model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *MemoryStore) SetMarketState(_ context.Context, state model.MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// --- Price history ---

func (s *MemoryStore) AppendPriceHistory(_ context.Context, points []model.PriceHistoryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, points...)
	return nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, memberID string, since time.Time) ([]model.PriceHistoryPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceHistoryPoint
	for _, p := range s.history {
		if p.MemberID == memberID && !p.Timestamp.Before(since) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// --- Upgrades ---

func (s *MemoryStore) GetMemberUpgrades(_ context.Context, memberID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.upgrades[memberID]...), nil
}

func (s *MemoryStore) GrantUpgrade(_ context.Context, memberID, tierName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.upgrades[memberID] {
		if name == tierName {
			return nil
		}
	}
	s.upgrades[memberID] = append(s.upgrades[memberID], tierName)
	return nil
}
