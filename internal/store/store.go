// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRowBusy is returned when a row lock cannot be acquired immediately.
	// Lock contention surfaces as a failed operation, never a queued retry.
	ErrRowBusy = errors.New("store: row locked by concurrent operation")

	// ErrUnavailable is returned when the backing store is unreachable.
	// Tick-level callers abort the whole tick on this.
	ErrUnavailable = errors.New("store: unavailable")
)

// LedgerTx is the unit of atomic currency mutation. All reads lock the rows
// they touch (NOWAIT semantics); either every write in the function commits
// or none do. Only the ledger executor runs these.
type LedgerTx interface {
	// Wallet returns the member's wallet with its row locked for the
	// remainder of the transaction.
	Wallet(ctx context.Context, memberID string) (*model.Wallet, error)

	// UpdateWalletBalance stages a new balance for a previously locked wallet.
	UpdateWalletBalance(ctx context.Context, memberID string, balance decimal.Decimal) error

	// Holding returns the (investor, listing) holding with its row locked,
	// or ErrNotFound when the investor has never bought this listing.
	Holding(ctx context.Context, investorID, listingMemberID string) (*model.Holding, error)

	// UpsertHolding creates or updates a holding row.
	UpsertHolding(ctx context.Context, h *model.Holding) error

	// InsertTransaction appends one immutable ledger record.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot market reads.
type Store interface {
	// --- Registration ---

	// RegisterMember creates a member, an empty wallet seeded with
	// startingBalance, and the member's listing in one unit.
	RegisterMember(ctx context.Context, m *model.Member, l *model.Listing, startingBalance decimal.Decimal) error

	// GetMember retrieves a member by ID.
	GetMember(ctx context.Context, id string) (*model.Member, error)

	// GetMemberByExternalID maps an external identity to a member.
	GetMemberByExternalID(ctx context.Context, externalID string) (*model.Member, error)

	// ListMembers returns all members.
	ListMembers(ctx context.Context) ([]model.Member, error)

	// --- Listings ---

	// GetListing retrieves the listing tied to a member.
	GetListing(ctx context.Context, memberID string) (*model.Listing, error)

	// ListListings returns all listings.
	ListListings(ctx context.Context) ([]model.Listing, error)

	// UpdateListingPrices writes the tick's computed prices in one batch.
	// This is the only serialized step of per-listing pricing.
	UpdateListingPrices(ctx context.Context, prices map[string]decimal.Decimal) error

	// UpdateListingNudge rewrites a listing's accumulated nudge term.
	UpdateListingNudge(ctx context.Context, memberID string, nudge float64) error

	// --- Wallet & holdings (unlocked reads) ---

	// GetWallet reads a wallet without locking.
	GetWallet(ctx context.Context, memberID string) (*model.Wallet, error)

	// GetHoldingsByInvestor returns all of an investor's holdings.
	GetHoldingsByInvestor(ctx context.Context, investorID string) ([]model.Holding, error)

	// GetHoldingsByListing returns every holder of one listing.
	GetHoldingsByListing(ctx context.Context, listingMemberID string) ([]model.Holding, error)

	// --- Ledger ---

	// RunLedgerTx executes fn atomically under row-level locks. fn returning
	// an error discards every staged write.
	RunLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// GetTransactionsByMember returns a member's full transaction history,
	// oldest first.
	GetTransactionsByMember(ctx context.Context, memberID string) ([]model.Transaction, error)

	// --- Performance feed ---

	// AppendGainSample appends one performance-feed row.
	AppendGainSample(ctx context.Context, s model.GainSample) error

	// GetGainSamples returns a member's samples at or before the cutoff,
	// ascending by timestamp, capped at limit (0 = no cap).
	GetGainSamples(ctx context.Context, memberID string, until time.Time, limit int) ([]model.GainSample, error)

	// GetClubGains returns club-wide gain totals over the trailing 24 hours
	// and 7 days as of now.
	GetClubGains(ctx context.Context, now time.Time) (gain24h, gain7d float64, err error)

	// FeedTimestamps returns the most recent distinct feed timestamps,
	// newest first, capped at limit.
	FeedTimestamps(ctx context.Context, limit int) ([]time.Time, error)

	// --- Market state ---

	// GetMarketState reads the cross-tick state; a fresh store returns the
	// zero state, not ErrNotFound.
	GetMarketState(ctx context.Context) (model.MarketState, error)

	// SetMarketState rewrites the cross-tick state.
	SetMarketState(ctx context.Context, state model.MarketState) error

	// --- Price history ---

	// AppendPriceHistory appends price observations.
	AppendPriceHistory(ctx context.Context, points []model.PriceHistoryPoint) error

	// GetPriceHistory returns a member's price points since the given time,
	// ascending.
	GetPriceHistory(ctx context.Context, memberID string, since time.Time) ([]model.PriceHistoryPoint, error)

	// --- Upgrades ---

	// GetMemberUpgrades returns the names of upgrade tiers a member owns.
	GetMemberUpgrades(ctx context.Context, memberID string) ([]string, error)

	// GrantUpgrade records ownership of an upgrade tier.
	GrantUpgrade(ctx context.Context, memberID, tierName string) error
}
