// Package ledger is the sole authority for balance and share mutation.
// User trades, dividend payouts, and administrative credits all move
// currency through the Executor; no other component writes to wallets or
// holdings.
//
// Every operation runs as one store transaction under row-level locks:
// balance check and mutation, holding check and mutation, and the
// transaction insert commit together or not at all. Lock contention fails
// the operation immediately — there is no retry queue.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a buy or debit exceeds the
	// wallet balance. No side effects occur.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell exceeds the holding.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrUnknownListing is returned when the traded listing does not exist.
	ErrUnknownListing = errors.New("ledger: unknown listing")

	// ErrUnknownMember is returned when the acting member has no wallet.
	ErrUnknownMember = errors.New("ledger: unknown member")

	// ErrListingSuspended is returned when trading a non-active listing.
	ErrListingSuspended = errors.New("ledger: listing suspended")

	// ErrWalletBusy is returned when a required row lock is held by a
	// concurrent operation. The trade fails; it is never queued.
	ErrWalletBusy = errors.New("ledger: wallet or holding busy")

	// ErrInvalidShares is returned for zero or negative share counts.
	ErrInvalidShares = errors.New("ledger: share count must be positive")

	// ErrInvalidAmount is returned for non-positive credit/debit amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// DefaultFeeRate is the trade fee as a fraction of the subtotal.
var DefaultFeeRate = decimal.NewFromFloat(0.03)

// Quote is a pre-trade cost breakdown. For buys the wallet is debited
// Total; for sells it is credited Subtotal − Fee.
type Quote struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Fee      decimal.Decimal `json:"fee"`
	Total    decimal.Decimal `json:"total"`
}

// TradeResult describes one committed trade.
type TradeResult struct {
	TransactionID string          `json:"transaction_id"`
	Kind          string          `json:"kind"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Fee           decimal.Decimal `json:"fee"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	NewShares     decimal.Decimal `json:"new_shares"`
}

// Executor applies all currency and share mutations.
type Executor struct {
	store   store.Store
	feeRate decimal.Decimal
}

// NewExecutor creates an executor over the given store. A non-positive
// feeRate falls back to DefaultFeeRate.
func NewExecutor(st store.Store, feeRate decimal.Decimal) *Executor {
	if feeRate.LessThanOrEqual(decimal.Zero) {
		feeRate = DefaultFeeRate
	}
	return &Executor{store: st, feeRate: feeRate}
}

// QuotePrice computes the cost breakdown for trading shares at price.
func (e *Executor) QuotePrice(price, shares decimal.Decimal) Quote {
	subtotal := price.Mul(shares)
	fee := subtotal.Mul(e.feeRate)
	return Quote{Subtotal: subtotal, Fee: fee, Total: subtotal.Add(fee)}
}

// QuoteListing fetches the listing's current price and quotes a trade.
func (e *Executor) QuoteListing(ctx context.Context, listingMemberID string, shares decimal.Decimal) (Quote, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidShares
	}
	listing, err := e.store.GetListing(ctx, listingMemberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Quote{}, ErrUnknownListing
		}
		return Quote{}, err
	}
	return e.QuotePrice(listing.Price, shares), nil
}

// Buy purchases shares of a listing at its current price. Debits
// subtotal+fee, credits the holding, appends one transaction — atomically.
func (e *Executor) Buy(ctx context.Context, investorID, listingMemberID string, shares decimal.Decimal) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidShares
	}
	listing, err := e.lookupListing(ctx, listingMemberID)
	if err != nil {
		return nil, err
	}

	quote := e.QuotePrice(listing.Price, shares)
	now := time.Now().UTC()
	result := &TradeResult{
		Kind:          model.TxBuy,
		Shares:        shares,
		PricePerShare: listing.Price,
		Subtotal:      quote.Subtotal,
		Fee:           quote.Fee,
	}

	err = e.store.RunLedgerTx(ctx, func(tx store.LedgerTx) error {
		wallet, err := tx.Wallet(ctx, investorID)
		if err != nil {
			return mapLockErr(err, ErrUnknownMember)
		}
		if wallet.Balance.LessThan(quote.Total) {
			return ErrInsufficientFunds
		}
		newBalance := wallet.Balance.Sub(quote.Total)
		if err := tx.UpdateWalletBalance(ctx, investorID, newBalance); err != nil {
			return err
		}

		holding, err := tx.Holding(ctx, investorID, listingMemberID)
		if errors.Is(err, store.ErrNotFound) {
			holding = &model.Holding{InvestorID: investorID, ListingMemberID: listingMemberID}
		} else if err != nil {
			return mapLockErr(err, err)
		}
		holding.Shares = holding.Shares.Add(shares)
		holding.CostBasis = holding.CostBasis.Add(quote.Total)
		holding.UpdatedAt = now
		if err := tx.UpsertHolding(ctx, holding); err != nil {
			return mapLockErr(err, err)
		}

		txn, err := tradeTransaction(investorID, listingMemberID, model.TxBuy,
			quote.Total.Neg(), newBalance, shares, listing.Price, quote, now)
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		result.TransactionID = txn.ID
		result.NewBalance = newBalance
		result.NewShares = holding.Shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sell disposes shares of a listing at its current price. Decrements the
// holding (never below zero), credits subtotal−fee, appends one
// transaction — atomically.
func (e *Executor) Sell(ctx context.Context, investorID, listingMemberID string, shares decimal.Decimal) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidShares
	}
	listing, err := e.lookupListing(ctx, listingMemberID)
	if err != nil {
		return nil, err
	}

	quote := e.QuotePrice(listing.Price, shares)
	proceeds := quote.Subtotal.Sub(quote.Fee)
	now := time.Now().UTC()
	result := &TradeResult{
		Kind:          model.TxSell,
		Shares:        shares,
		PricePerShare: listing.Price,
		Subtotal:      quote.Subtotal,
		Fee:           quote.Fee,
	}

	err = e.store.RunLedgerTx(ctx, func(tx store.LedgerTx) error {
		holding, err := tx.Holding(ctx, investorID, listingMemberID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInsufficientShares
		}
		if err != nil {
			return mapLockErr(err, err)
		}
		if holding.Shares.LessThan(shares) {
			return ErrInsufficientShares
		}

		// Release cost basis proportionally to the shares sold.
		released := holding.CostBasis.Mul(shares).Div(holding.Shares)
		holding.CostBasis = holding.CostBasis.Sub(released)
		holding.Shares = holding.Shares.Sub(shares)
		holding.UpdatedAt = now
		if err := tx.UpsertHolding(ctx, holding); err != nil {
			return mapLockErr(err, err)
		}

		wallet, err := tx.Wallet(ctx, investorID)
		if err != nil {
			return mapLockErr(err, ErrUnknownMember)
		}
		newBalance := wallet.Balance.Add(proceeds)
		if err := tx.UpdateWalletBalance(ctx, investorID, newBalance); err != nil {
			return err
		}

		txn, err := tradeTransaction(investorID, listingMemberID, model.TxSell,
			proceeds, newBalance, shares, listing.Price, quote, now)
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		result.TransactionID = txn.ID
		result.NewBalance = newBalance
		result.NewShares = holding.Shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Credit adds amount to a member's wallet. This is the only path for
// dividend payouts and administrative grants.
func (e *Executor) Credit(ctx context.Context, memberID string, amount decimal.Decimal, kind, counterparty string, detail any) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	return e.adjust(ctx, memberID, amount, kind, counterparty, detail)
}

// Debit removes amount from a member's wallet, failing with
// ErrInsufficientFunds rather than going negative.
func (e *Executor) Debit(ctx context.Context, memberID string, amount decimal.Decimal, kind, counterparty string, detail any) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	return e.adjust(ctx, memberID, amount.Neg(), kind, counterparty, detail)
}

func (e *Executor) adjust(ctx context.Context, memberID string, amount decimal.Decimal, kind, counterparty string, detail any) (*model.Transaction, error) {
	var out *model.Transaction
	err := e.store.RunLedgerTx(ctx, func(tx store.LedgerTx) error {
		wallet, err := tx.Wallet(ctx, memberID)
		if err != nil {
			return mapLockErr(err, ErrUnknownMember)
		}
		newBalance := wallet.Balance.Add(amount)
		if newBalance.IsNegative() {
			return ErrInsufficientFunds
		}
		if err := tx.UpdateWalletBalance(ctx, memberID, newBalance); err != nil {
			return err
		}

		raw, err := marshalDetail(detail)
		if err != nil {
			return err
		}
		txn := &model.Transaction{
			ID:           uuid.New().String(),
			MemberID:     memberID,
			Counterparty: counterparty,
			Kind:         kind,
			Amount:       amount,
			Detail:       raw,
			Balance:      newBalance,
			Timestamp:    time.Now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) lookupListing(ctx context.Context, listingMemberID string) (*model.Listing, error) {
	listing, err := e.store.GetListing(ctx, listingMemberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownListing
		}
		return nil, err
	}
	if listing.Status != model.ListingActive {
		return nil, ErrListingSuspended
	}
	return listing, nil
}

func tradeTransaction(memberID, counterparty, kind string, amount, balance, shares, price decimal.Decimal, q Quote, now time.Time) (*model.Transaction, error) {
	raw, err := marshalDetail(model.TradeDetail{
		Shares:        shares,
		PricePerShare: price,
		Subtotal:      q.Subtotal,
		Fee:           q.Fee,
	})
	if err != nil {
		return nil, err
	}
	return &model.Transaction{
		ID:           uuid.New().String(),
		MemberID:     memberID,
		Counterparty: counterparty,
		Kind:         kind,
		Amount:       amount,
		Fee:          q.Fee,
		Detail:       raw,
		Balance:      balance,
		Timestamp:    now,
	}, nil
}

func marshalDetail(detail any) (json.RawMessage, error) {
	if detail == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal detail: %w", err)
	}
	return raw, nil
}

func mapLockErr(err, notFound error) error {
	if errors.Is(err, store.ErrRowBusy) {
		return ErrWalletBusy
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return err
}
