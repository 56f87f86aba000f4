// Package dividend computes periodic earnings and tiered payouts.
//
// Each tick, every member with recent performance earns a personal yield;
// holders of that member's stock then receive dividends sized from those
// earnings: Tier 1 (sponsorship) splits 20% evenly among the holder(s) tied
// at the maximum share count, Tier 2 splits 10% proportionally among the
// remaining external holders. The member never receives a dividend sourced
// from their own earnings, however much of their own stock they hold.
//
// Every credit is applied through the ledger executor and produces its own
// tagged transaction.
package dividend

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubex/market-engine/internal/ledger"
	"github.com/clubex/market-engine/internal/metrics"
	"github.com/clubex/market-engine/internal/model"
	"github.com/clubex/market-engine/internal/store"
)

// Params tune yield computation.
type Params struct {
	Window           time.Duration // performance window feeding the yield
	PerfRate         float64       // yield per unit of window gain
	TenureRatePerDay float64       // yield per day of membership
	TenureCapDays    int           // tenure yield stops growing here
	HypePerShare     float64       // hype multiplier slope per externally held share
	Tier1Fraction    float64       // sponsorship pool as fraction of earnings
	Tier2Fraction    float64       // proportional pool as fraction of earnings
}

// DefaultParams returns the production payout settings.
func DefaultParams() Params {
	return Params{
		Window:           24 * time.Hour,
		PerfRate:         0.04,
		TenureRatePerDay: 0.25,
		TenureCapDays:    365,
		HypePerShare:     0.0005,
		Tier1Fraction:    0.20,
		Tier2Fraction:    0.10,
	}
}

// Distributor computes and applies one tick's earnings and dividends.
type Distributor struct {
	store    store.Store
	exec     *ledger.Executor
	params   Params
	upgrades map[string]float64 // tier name → multiplier
}

// New creates a distributor. The upgrade catalog maps tier names to yield
// multipliers; unknown owned tiers count as 1.0.
func New(st store.Store, exec *ledger.Executor, params Params, catalog []model.UpgradeTier) *Distributor {
	upgrades := make(map[string]float64, len(catalog))
	for _, tier := range catalog {
		upgrades[tier.Name] = tier.Multiplier
	}
	return &Distributor{store: st, exec: exec, params: params, upgrades: upgrades}
}

// Report summarizes one distribution pass.
type Report struct {
	MembersPaid  int
	TotalEarned  decimal.Decimal
	TotalPaidOut decimal.Decimal
	Failures     int
}

// DistributeAll runs one payout pass over every member. event, when
// non-nil, applies its global performance modifier to all yields.
// Per-member payout failures are logged and skipped; a store failure aborts.
func (d *Distributor) DistributeAll(ctx context.Context, now time.Time, event *model.EventSpec) (*Report, error) {
	members, err := d.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{TotalEarned: decimal.Zero, TotalPaidOut: decimal.Zero}
	for _, m := range members {
		if err := d.distributeMember(ctx, m, now, event, report); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return nil, err
			}
			slog.Warn("dividend pass skipped member", "member", m.ID, "err", err)
			report.Failures++
		}
	}
	return report, nil
}

func (d *Distributor) distributeMember(ctx context.Context, m model.Member, now time.Time, event *model.EventSpec, report *Report) error {
	samples, err := d.store.GetGainSamples(ctx, m.ID, now, 0)
	if err != nil {
		return err
	}
	windowGain := d.windowGain(samples, now)
	if windowGain <= 0 {
		return nil // empty recent window: no earnings event this tick
	}

	holdings, err := d.store.GetHoldingsByListing(ctx, m.ID)
	if err != nil {
		return err
	}
	external := externalHolders(holdings, m.ID)

	owned, err := d.store.GetMemberUpgrades(ctx, m.ID)
	if err != nil {
		return err
	}

	earnings := d.earnings(m, windowGain, now, event, external, d.upgradeMultiplier(owned))
	if !earnings.IsPositive() {
		return nil
	}

	if _, err := d.exec.Credit(ctx, m.ID, earnings, model.TxEarnings, m.ID,
		model.DividendDetail{SourceMemberID: m.ID}); err != nil {
		return err
	}
	report.MembersPaid++
	report.TotalEarned = report.TotalEarned.Add(earnings)

	paid, err := d.payDividends(ctx, m.ID, earnings, external)
	report.TotalPaidOut = report.TotalPaidOut.Add(paid)
	return err
}

// earnings computes the member's personal yield for this pass.
func (d *Distributor) earnings(m model.Member, windowGain float64, now time.Time, event *model.EventSpec, external []model.Holding, upgradeMult float64) decimal.Decimal {
	perfYield := windowGain * d.params.PerfRate

	tenureDays := now.Sub(m.JoinedAt).Hours() / 24
	if cap := float64(d.params.TenureCapDays); tenureDays > cap {
		tenureDays = cap
	}
	if tenureDays < 0 {
		tenureDays = 0
	}
	tenureYield := tenureDays * d.params.TenureRatePerDay

	eventMult := 1.0
	if event != nil && event.PerfModifier > 0 {
		eventMult = event.PerfModifier
	}

	var externalShares float64
	for _, h := range external {
		externalShares += h.Shares.InexactFloat64()
	}
	hype := 1 + d.params.HypePerShare*externalShares

	total := (perfYield + tenureYield) * upgradeMult * eventMult * hype
	return decimal.NewFromFloat(total).Round(4)
}

// upgradeMultiplier folds the owned tiers' multipliers. Tiers no longer in
// the catalog contribute nothing.
func (d *Distributor) upgradeMultiplier(owned []string) float64 {
	mult := 1.0
	for _, name := range owned {
		if m, ok := d.upgrades[name]; ok && m > 0 {
			mult *= m
		}
	}
	return mult
}

// payDividends splits the tier pools among external holders and credits
// each through the ledger. Returns the total actually paid.
func (d *Distributor) payDividends(ctx context.Context, sourceID string, earnings decimal.Decimal, external []model.Holding) (decimal.Decimal, error) {
	paid := decimal.Zero
	if len(external) == 0 {
		return paid, nil
	}

	tier1Pool := earnings.Mul(decimal.NewFromFloat(d.params.Tier1Fraction))
	tier2Pool := earnings.Mul(decimal.NewFromFloat(d.params.Tier2Fraction))

	// Explicit max-then-filter: compute max(shares), everyone at the max is
	// Tier 1, everyone else is Tier 2.
	maxShares := decimal.Zero
	for _, h := range external {
		if h.Shares.GreaterThan(maxShares) {
			maxShares = h.Shares
		}
	}

	var tier1 []model.Holding
	var tier2 []model.Holding
	tier2Total := decimal.Zero
	for _, h := range external {
		if h.Shares.Equal(maxShares) {
			tier1 = append(tier1, h)
		} else {
			tier2 = append(tier2, h)
			tier2Total = tier2Total.Add(h.Shares)
		}
	}

	tier1Each := tier1Pool.Div(decimal.NewFromInt(int64(len(tier1)))).Round(4)
	for _, h := range tier1 {
		if err := d.credit(ctx, h.InvestorID, sourceID, tier1Each, model.TxDividendT1, 1, h.Shares); err != nil {
			return paid, err
		}
		paid = paid.Add(tier1Each)
	}

	if tier2Total.IsPositive() {
		for _, h := range tier2 {
			amount := tier2Pool.Mul(h.Shares).Div(tier2Total).Round(4)
			if !amount.IsPositive() {
				continue
			}
			if err := d.credit(ctx, h.InvestorID, sourceID, amount, model.TxDividendT2, 2, h.Shares); err != nil {
				return paid, err
			}
			paid = paid.Add(amount)
		}
	}
	return paid, nil
}

func (d *Distributor) credit(ctx context.Context, investorID, sourceID string, amount decimal.Decimal, kind string, tier int, shares decimal.Decimal) error {
	_, err := d.exec.Credit(ctx, investorID, amount, kind, sourceID, model.DividendDetail{
		SourceMemberID: sourceID,
		Tier:           tier,
		Shares:         shares,
	})
	if err == nil {
		metrics.DividendsPaid.WithLabelValues(strconv.Itoa(tier)).Add(amount.InexactFloat64())
	}
	return err
}

func (d *Distributor) windowGain(samples []model.GainSample, now time.Time) float64 {
	cutoff := now.Add(-d.params.Window)
	var sum float64
	for _, s := range samples {
		if s.Timestamp.After(cutoff) && !s.Timestamp.After(now) {
			sum += s.Gain
		}
	}
	return sum
}

// externalHolders filters to holders other than the member with a positive
// share count. The member's own position never earns dividends.
func externalHolders(holdings []model.Holding, memberID string) []model.Holding {
	var external []model.Holding
	for _, h := range holdings {
		if h.InvestorID == memberID || !h.Shares.IsPositive() {
			continue
		}
		external = append(external, h)
	}
	return external
}
