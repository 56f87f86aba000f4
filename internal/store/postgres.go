package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// lockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT on a row
// already locked by another transaction.
const lockNotAvailable = "55P03"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Ledger transactions lock wallet and holding rows with FOR UPDATE NOWAIT:
// contention fails the operation immediately instead of queueing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the engine tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// mapRowError converts pgx errors into the store sentinels.
func mapRowError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return ErrRowBusy
	}
	return err
}

// --- Registration ---

func (s *PostgresStore) RegisterMember(ctx context.Context, m *model.Member, l *model.Listing, startingBalance decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("register member: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO members (id, external_id, name, joined_at) VALUES ($1, $2, $3, $4)`,
		m.ID, m.ExternalID, m.Name, m.JoinedAt,
	); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (member_id, balance) VALUES ($1, $2::NUMERIC)`,
		m.ID, startingBalance.String(),
	); err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO listings (member_id, ticker, price, status, nudge, init_factor, listed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		l.MemberID, l.Ticker, l.Price.String(), l.Status, l.Nudge, l.InitFactor, l.ListedAt,
	); err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMember(ctx context.Context, id string) (*model.Member, error) {
	var m model.Member
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, name, joined_at FROM members WHERE id = $1`, id).
		Scan(&m.ID, &m.ExternalID, &m.Name, &m.JoinedAt)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMemberByExternalID(ctx context.Context, externalID string) (*model.Member, error) {
	var m model.Member
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, name, joined_at FROM members WHERE external_id = $1`, externalID).
		Scan(&m.ID, &m.ExternalID, &m.Name, &m.JoinedAt)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context) ([]model.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, external_id, name, joined_at FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.Name, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Listings ---

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price string
	if err := row.Scan(&l.MemberID, &l.Ticker, &price, &l.Status, &l.Nudge, &l.InitFactor, &l.ListedAt); err != nil {
		return nil, mapRowError(err)
	}
	l.Price, _ = decimal.NewFromString(price)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, memberID string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT member_id, ticker, price::TEXT, status, nudge, init_factor, listed_at
		 FROM listings WHERE member_id = $1`, memberID)
	return scanListing(row)
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member_id, ticker, price::TEXT, status, nudge, init_factor, listed_at
		 FROM listings ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var price string
		if err := rows.Scan(&l.MemberID, &l.Ticker, &price, &l.Status, &l.Nudge, &l.InitFactor, &l.ListedAt); err != nil {
			return nil, err
		}
		l.Price, _ = decimal.NewFromString(price)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListingPrices(ctx context.Context, prices map[string]decimal.Decimal) error {
	batch := &pgx.Batch{}
	for memberID, price := range prices {
		batch.Queue(
			`UPDATE listings SET price = $2::NUMERIC WHERE member_id = $1`,
			memberID, price.String(),
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range prices {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("update listing price: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateListingNudge(ctx context.Context, memberID string, nudge float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET nudge = $2 WHERE member_id = $1`, memberID, nudge)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Wallet & holdings ---

func (s *PostgresStore) GetWallet(ctx context.Context, memberID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT member_id, balance::TEXT FROM wallets WHERE member_id = $1`, memberID).
		Scan(&w.MemberID, &balance)
	if err != nil {
		return nil, mapRowError(err)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func scanHoldings(rows pgx.Rows) ([]model.Holding, error) {
	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var shares, costBasis string
		if err := rows.Scan(&h.InvestorID, &h.ListingMemberID, &shares, &costBasis, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Shares, _ = decimal.NewFromString(shares)
		h.CostBasis, _ = decimal.NewFromString(costBasis)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) GetHoldingsByInvestor(ctx context.Context, investorID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT investor_id, listing_member_id, shares::TEXT, cost_basis::TEXT, updated_at
		 FROM holdings WHERE investor_id = $1 ORDER BY listing_member_id`, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHoldings(rows)
}

func (s *PostgresStore) GetHoldingsByListing(ctx context.Context, listingMemberID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT investor_id, listing_member_id, shares::TEXT, cost_basis::TEXT, updated_at
		 FROM holdings WHERE listing_member_id = $1 ORDER BY investor_id`, listingMemberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHoldings(rows)
}

// --- Ledger transactions ---

// pgLedgerTx adapts one pgx.Tx to the LedgerTx interface. Row locks are
// held until commit or rollback.
type pgLedgerTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) RunLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin ledger tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) Wallet(ctx context.Context, memberID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT member_id, balance::TEXT FROM wallets WHERE member_id = $1 FOR UPDATE NOWAIT`,
		memberID).Scan(&w.MemberID, &balance)
	if err != nil {
		return nil, mapRowError(err)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (t *pgLedgerTx) UpdateWalletBalance(ctx context.Context, memberID string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE member_id = $1`,
		memberID, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgLedgerTx) Holding(ctx context.Context, investorID, listingMemberID string) (*model.Holding, error) {
	var h model.Holding
	var shares, costBasis string
	err := t.tx.QueryRow(ctx,
		`SELECT investor_id, listing_member_id, shares::TEXT, cost_basis::TEXT, updated_at
		 FROM holdings WHERE investor_id = $1 AND listing_member_id = $2 FOR UPDATE NOWAIT`,
		investorID, listingMemberID).
		Scan(&h.InvestorID, &h.ListingMemberID, &shares, &costBasis, &h.UpdatedAt)
	if err != nil {
		return nil, mapRowError(err)
	}
	h.Shares, _ = decimal.NewFromString(shares)
	h.CostBasis, _ = decimal.NewFromString(costBasis)
	return &h, nil
}

func (t *pgLedgerTx) UpsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (investor_id, listing_member_id, shares, cost_basis, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (investor_id, listing_member_id)
		 DO UPDATE SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis, updated_at = EXCLUDED.updated_at`,
		h.InvestorID, h.ListingMemberID, h.Shares.String(), h.CostBasis.String(), h.UpdatedAt)
	return mapRowError(err)
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	detail := txn.Detail
	if len(detail) == 0 {
		detail = []byte(`{}`)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, member_id, counterparty, kind, amount, fee, detail, balance, ts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
		txn.ID, txn.MemberID, txn.Counterparty, txn.Kind,
		txn.Amount.String(), txn.Fee.String(), detail, txn.Balance.String(), txn.Timestamp)
	return err
}

func (s *PostgresStore) GetTransactionsByMember(ctx context.Context, memberID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, member_id, counterparty, kind, amount::TEXT, fee::TEXT, detail, balance::TEXT, ts
		 FROM transactions WHERE member_id = $1 ORDER BY ts, id`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, fee, balance string
		if err := rows.Scan(&t.ID, &t.MemberID, &t.Counterparty, &t.Kind,
			&amount, &fee, &t.Detail, &balance, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.Fee, _ = decimal.NewFromString(fee)
		t.Balance, _ = decimal.NewFromString(balance)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// --- Performance feed ---

func (s *PostgresStore) AppendGainSample(ctx context.Context, sample model.GainSample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gain_samples (member_id, ts, prestige, gain) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (member_id, ts) DO NOTHING`,
		sample.MemberID, sample.Timestamp, sample.Prestige, sample.Gain)
	return err
}

func (s *PostgresStore) GetGainSamples(ctx context.Context, memberID string, until time.Time, limit int) ([]model.GainSample, error) {
	// Newest-first with limit, then reversed: the cap applies to the most
	// recent samples, not the oldest.
	q := `SELECT member_id, ts, prestige, gain FROM gain_samples
	      WHERE member_id = $1 AND ts <= $2 ORDER BY ts DESC`
	args := []any{memberID, until}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []model.GainSample
	for rows.Next() {
		var g model.GainSample
		if err := rows.Scan(&g.MemberID, &g.Timestamp, &g.Prestige, &g.Gain); err != nil {
			return nil, err
		}
		samples = append(samples, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func (s *PostgresStore) GetClubGains(ctx context.Context, now time.Time) (float64, float64, error) {
	var gain24h, gain7d float64
	err := s.pool.QueryRow(ctx,
		`SELECT
		    COALESCE(SUM(gain) FILTER (WHERE ts > $1 - INTERVAL '24 hours'), 0),
		    COALESCE(SUM(gain), 0)
		 FROM gain_samples WHERE ts > $1 - INTERVAL '7 days' AND ts <= $1`, now).
		Scan(&gain24h, &gain7d)
	if err != nil {
		return 0, 0, fmt.Errorf("club gains: %w", err)
	}
	return gain24h, gain7d, nil
}

func (s *PostgresStore) FeedTimestamps(ctx context.Context, limit int) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ts FROM gain_samples ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stamps []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		stamps = append(stamps, ts)
	}
	return stamps, rows.Err()
}

// --- Market state ---

const marketStateKey = "market"

func (s *PostgresStore) GetMarketState(ctx context.Context) (model.MarketState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM market_state WHERE key = $1`, marketStateKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MarketState{}, nil
	}
	if err != nil {
		return model.MarketState{}, fmt.Errorf("get market state: %w", err)
	}
	var state model.MarketState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.MarketState{}, fmt.Errorf("decode market state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) SetMarketState(ctx context.Context, state model.MarketState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO market_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		marketStateKey, raw)
	return err
}

// --- Price history ---

func (s *PostgresStore) AppendPriceHistory(ctx context.Context, points []model.PriceHistoryPoint) error {
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO price_history (member_id, ts, price) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (member_id, ts) DO NOTHING`,
			p.MemberID, p.Timestamp, p.Price.String())
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append price history: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, memberID string, since time.Time) ([]model.PriceHistoryPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member_id, ts, price::TEXT FROM price_history
		 WHERE member_id = $1 AND ts >= $2 ORDER BY ts`, memberID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PriceHistoryPoint
	for rows.Next() {
		var p model.PriceHistoryPoint
		var price string
		if err := rows.Scan(&p.MemberID, &p.Timestamp, &price); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(price)
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Upgrades ---

func (s *PostgresStore) GetMemberUpgrades(ctx context.Context, memberID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier_name FROM member_upgrades WHERE member_id = $1 ORDER BY tier_name`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tiers = append(tiers, name)
	}
	return tiers, rows.Err()
}

func (s *PostgresStore) GrantUpgrade(ctx context.Context, memberID, tierName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO member_upgrades (member_id, tier_name) VALUES ($1, $2)
		 ON CONFLICT (member_id, tier_name) DO NOTHING`,
		memberID, tierName)
	return err
}
