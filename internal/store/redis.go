package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot market reads: listings and price history. Writes go to
// the primary store and invalidate the affected keys. Ledger transactions
// are never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func listingKey(memberID string) string { return fmt.Sprintf("listing:%s", memberID) }

const listingsAllKey = "listings:all"

// --- Cached reads ---

func (s *CachedStore) GetListing(ctx context.Context, memberID string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(memberID)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, memberID)
	if err != nil {
		return nil, err
	}
	s.cacheListing(ctx, l)
	return l, nil
}

func (s *CachedStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingsAllKey).Bytes()
	if err == nil {
		var listings []model.Listing
		if json.Unmarshal(data, &listings) == nil {
			return listings, nil
		}
	}

	listings, err := s.primary.ListListings(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(listings); err == nil {
		s.rdb.Set(ctx, listingsAllKey, data, s.ttl)
	}
	return listings, nil
}

// --- Writes that invalidate ---

func (s *CachedStore) UpdateListingPrices(ctx context.Context, prices map[string]decimal.Decimal) error {
	if err := s.primary.UpdateListingPrices(ctx, prices); err != nil {
		return err
	}
	keys := make([]string, 0, len(prices)+1)
	for memberID := range prices {
		keys = append(keys, listingKey(memberID))
	}
	keys = append(keys, listingsAllKey)
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) UpdateListingNudge(ctx context.Context, memberID string, nudge float64) error {
	if err := s.primary.UpdateListingNudge(ctx, memberID, nudge); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(memberID), listingsAllKey)
	return nil
}

func (s *CachedStore) RegisterMember(ctx context.Context, m *model.Member, l *model.Listing, startingBalance decimal.Decimal) error {
	if err := s.primary.RegisterMember(ctx, m, l, startingBalance); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingsAllKey)
	return nil
}

// --- Passthrough ---

func (s *CachedStore) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return s.primary.GetMember(ctx, id)
}

func (s *CachedStore) GetMemberByExternalID(ctx context.Context, externalID string) (*model.Member, error) {
	return s.primary.GetMemberByExternalID(ctx, externalID)
}

func (s *CachedStore) ListMembers(ctx context.Context) ([]model.Member, error) {
	return s.primary.ListMembers(ctx)
}

func (s *CachedStore) GetWallet(ctx context.Context, memberID string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, memberID)
}

func (s *CachedStore) GetHoldingsByInvestor(ctx context.Context, investorID string) ([]model.Holding, error) {
	return s.primary.GetHoldingsByInvestor(ctx, investorID)
}

func (s *CachedStore) GetHoldingsByListing(ctx context.Context, listingMemberID string) ([]model.Holding, error) {
	return s.primary.GetHoldingsByListing(ctx, listingMemberID)
}

func (s *CachedStore) RunLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	return s.primary.RunLedgerTx(ctx, fn)
}

func (s *CachedStore) GetTransactionsByMember(ctx context.Context, memberID string) ([]model.Transaction, error) {
	return s.primary.GetTransactionsByMember(ctx, memberID)
}

func (s *CachedStore) AppendGainSample(ctx context.Context, sample model.GainSample) error {
	return s.primary.AppendGainSample(ctx, sample)
}

func (s *CachedStore) GetGainSamples(ctx context.Context, memberID string, until time.Time, limit int) ([]model.GainSample, error) {
	return s.primary.GetGainSamples(ctx, memberID, until, limit)
}

func (s *CachedStore) GetClubGains(ctx context.Context, now time.Time) (float64, float64, error) {
	return s.primary.GetClubGains(ctx, now)
}

func (s *CachedStore) FeedTimestamps(ctx context.Context, limit int) ([]time.Time, error) {
	return s.primary.FeedTimestamps(ctx, limit)
}

func (s *CachedStore) GetMarketState(ctx context.Context) (model.MarketState, error) {
	return s.primary.GetMarketState(ctx)
}

func (s *CachedStore) SetMarketState(ctx context.Context, state model.MarketState) error {
	return s.primary.SetMarketState(ctx, state)
}

func (s *CachedStore) AppendPriceHistory(ctx context.Context, points []model.PriceHistoryPoint) error {
	return s.primary.AppendPriceHistory(ctx, points)
}

func (s *CachedStore) GetPriceHistory(ctx context.Context, memberID string, since time.Time) ([]model.PriceHistoryPoint, error) {
	return s.primary.GetPriceHistory(ctx, memberID, since)
}

func (s *CachedStore) GetMemberUpgrades(ctx context.Context, memberID string) ([]string, error) {
	return s.primary.GetMemberUpgrades(ctx, memberID)
}

func (s *CachedStore) GrantUpgrade(ctx context.Context, memberID, tierName string) error {
	return s.primary.GrantUpgrade(ctx, memberID, tierName)
}

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.MemberID), data, s.ttl)
	}
}
