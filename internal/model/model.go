// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds. Every currency-moving operation appends exactly one
// Transaction of one of these kinds.
const (
	TxBuy         = "buy"
	TxSell        = "sell"
	TxEarnings    = "earnings"
	TxDividendT1  = "dividend_t1"
	TxDividendT2  = "dividend_t2"
	TxAdminCredit = "admin_credit"
	TxAdminDebit  = "admin_debit"
)

// Listing statuses.
const (
	ListingActive    = "active"
	ListingSuspended = "suspended"
)

// Member is a registered participant. Members are never hard-deleted;
// departure is a Listing status change.
type Member struct {
	ID         string    `json:"id" db:"id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Name       string    `json:"name" db:"name"`
	JoinedAt   time.Time `json:"joined_at" db:"joined_at"`
}

// Wallet holds a member's currency balance. Mutated only by the ledger
// executor; never negative after a committed operation.
type Wallet struct {
	MemberID string          `json:"member_id" db:"member_id"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`
}

// Listing is the tradable instrument tied to one member. At most one per
// member. Price is rewritten once per tick by the pricing model.
type Listing struct {
	MemberID   string          `json:"member_id" db:"member_id"`
	Ticker     string          `json:"ticker" db:"ticker"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Status     string          `json:"status" db:"status"`
	Nudge      float64         `json:"nudge" db:"nudge"`
	InitFactor *float64        `json:"init_factor" db:"init_factor"` // nil until onboarding assigns it
	ListedAt   time.Time       `json:"listed_at" db:"listed_at"`
}

// Holding maps (investor, listing) to shares owned. Created on first buy;
// shares may reach zero but never go negative.
type Holding struct {
	InvestorID      string          `json:"investor_id" db:"investor_id"`
	ListingMemberID string          `json:"listing_member_id" db:"listing_member_id"`
	Shares          decimal.Decimal `json:"shares" db:"shares"`
	CostBasis       decimal.Decimal `json:"cost_basis" db:"cost_basis"` // net cash spent acquiring current shares
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger record. Once inserted it is never
// modified; folding a wallet's transactions in order reproduces its balance.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	MemberID     string          `json:"member_id" db:"member_id"`
	Counterparty string          `json:"counterparty" db:"counterparty"` // listing member, dividend source, or "" for admin ops
	Kind         string          `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: credits positive, debits negative
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	Detail       json.RawMessage `json:"detail" db:"detail"`  // per-kind structured payload
	Balance      decimal.Decimal `json:"balance" db:"balance"` // wallet balance after applying Amount
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TradeDetail is the Detail payload for buy/sell transactions.
type TradeDetail struct {
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Fee           decimal.Decimal `json:"fee"`
}

// DividendDetail is the Detail payload for earnings and dividend transactions.
type DividendDetail struct {
	SourceMemberID string          `json:"source_member_id"`
	Tier           int             `json:"tier,omitempty"` // 1 or 2; 0 for the earnings credit itself
	Shares         decimal.Decimal `json:"shares,omitempty"`
}

// MarketState is the cross-tick key-value state owned by the state machine.
type MarketState struct {
	ActiveEvent    string    `json:"active_event"`
	EventExpiry    time.Time `json:"event_expiry"`
	LagCursor      int       `json:"lag_cursor"`
	Sentiment      float64   `json:"sentiment"`
	LastEventCheck time.Time `json:"last_event_check"`
	LastLagCheck   time.Time `json:"last_lag_check"`
	// LastNudgeAccrual is when nudge bonuses last accrued; the scheduler
	// prorates the next accrual by wall time since this instant.
	LastNudgeAccrual time.Time `json:"last_nudge_accrual"`
}

// PriceHistoryPoint is one appended price observation.
type PriceHistoryPoint struct {
	MemberID  string          `json:"member_id" db:"member_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Price     decimal.Decimal `json:"price" db:"price"`
}

// GainSample is one row of the externally produced performance feed:
// cumulative prestige and the incremental gain since the previous sample.
type GainSample struct {
	MemberID  string    `json:"member_id" db:"member_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Prestige  float64   `json:"prestige" db:"prestige"`
	Gain      float64   `json:"gain" db:"gain"`
}

// EventSpec describes one entry of the configured market-event catalog.
type EventSpec struct {
	Name              string        `json:"name" yaml:"name"`
	Duration          time.Duration `json:"duration" yaml:"duration"`
	PriceModifier     float64       `json:"price_modifier" yaml:"price_modifier"`         // multiplies core value; 1.0 = neutral
	ConditionOverride float64       `json:"condition_override" yaml:"condition_override"` // 0 = no override
	LagOverrideDays   int           `json:"lag_override_days" yaml:"lag_override_days"`   // -1 = no override
	PerfModifier      float64       `json:"perf_modifier" yaml:"perf_modifier"`           // scales dividend yields; 1.0 = neutral
	TargetMemberID    string        `json:"target_member_id" yaml:"target_member_id"`     // "" = all listings
}

// UpgradeTier describes one permanent upgrade and its yield multiplier.
type UpgradeTier struct {
	Name       string  `json:"name" yaml:"name"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}
