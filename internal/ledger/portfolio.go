package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/store"
)

// Position is one holding marked to the listing's current price.
type Position struct {
	ListingMemberID string          `json:"listing_member_id"`
	Ticker          string          `json:"ticker"`
	Shares          decimal.Decimal `json:"shares"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
	Price           decimal.Decimal `json:"price"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates a member's holdings with balance and P&L.
type Portfolio struct {
	MemberID      string          `json:"member_id"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []Position      `json:"positions"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// FinancialSummary is the member-level money view: net worth, P/L, ROI.
type FinancialSummary struct {
	MemberID      string          `json:"member_id"`
	Balance       decimal.Decimal `json:"balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	ROI           decimal.Decimal `json:"roi"` // PnL / cost basis; 0 when nothing invested
}

// GetPortfolio returns the member's holdings marked to current prices.
func (e *Executor) GetPortfolio(ctx context.Context, memberID string) (*Portfolio, error) {
	wallet, err := e.store.GetWallet(ctx, memberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownMember
		}
		return nil, err
	}

	holdings, err := e.store.GetHoldingsByInvestor(ctx, memberID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		MemberID:  memberID,
		Balance:   wallet.Balance,
		Positions: make([]Position, 0, len(holdings)),
	}
	for _, h := range holdings {
		if h.Shares.IsZero() {
			continue
		}
		listing, err := e.store.GetListing(ctx, h.ListingMemberID)
		if err != nil {
			return nil, err
		}
		value := listing.Price.Mul(h.Shares)
		pos := Position{
			ListingMemberID: h.ListingMemberID,
			Ticker:          listing.Ticker,
			Shares:          h.Shares,
			CostBasis:       h.CostBasis,
			Price:           listing.Price,
			CurrentValue:    value,
			UnrealizedPnL:   value.Sub(h.CostBasis),
		}
		p.Positions = append(p.Positions, pos)
		p.HoldingsValue = p.HoldingsValue.Add(value)
		p.CostBasis = p.CostBasis.Add(h.CostBasis)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(pos.UnrealizedPnL)
	}
	return p, nil
}

// GetSummary returns the member's net worth, P/L, and ROI. A zero cost
// basis clamps ROI to zero instead of dividing by zero.
func (e *Executor) GetSummary(ctx context.Context, memberID string) (*FinancialSummary, error) {
	p, err := e.GetPortfolio(ctx, memberID)
	if err != nil {
		return nil, err
	}

	roi := decimal.Zero
	if p.CostBasis.IsPositive() {
		roi = p.UnrealizedPnL.Div(p.CostBasis).Round(4)
	}
	return &FinancialSummary{
		MemberID:      memberID,
		Balance:       p.Balance,
		HoldingsValue: p.HoldingsValue,
		NetWorth:      p.Balance.Add(p.HoldingsValue),
		UnrealizedPnL: p.UnrealizedPnL,
		ROI:           roi,
	}, nil
}

// History returns the member's full transaction ledger, oldest first. Each
// record carries the balance after it applied, so the running balance needs
// no recomputation.
func (e *Executor) History(ctx context.Context, memberID string) ([]model.Transaction, error) {
	return e.store.GetTransactionsByMember(ctx, memberID)
}

// ReplayBalance folds a member's transactions from account creation and
// returns the reconstructed balance. Audit tooling compares this against
// the wallet row.
func (e *Executor) ReplayBalance(ctx context.Context, memberID string) (decimal.Decimal, error) {
	txns, err := e.store.GetTransactionsByMember(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, t := range txns {
		balance = balance.Add(t.Amount)
	}
	return balance, nil
}
