package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"CrashLedger/internal/ledger"
	"CrashLedger/internal/money"
	"CrashLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Reservoir names.
const (
	Primary      = "primary"
	Micro        = "micro"
	HouseReserve = "house_reserve"
)

// Tier applies Rate while the active-user count is at most UpTo.
// The last tier should have UpTo 0, meaning unbounded.
type Tier struct {
	UpTo int
	Rate decimal.Decimal // fraction, e.g. 0.08
}

// Recipient receives Share (a fraction) of every commission.
type Recipient struct {
	Name  string
	Share decimal.Decimal
}

type Config struct {
	Tiers      []Tier
	Recipients []Recipient
	// AccountPools classifies accounts explicitly: account to Primary or
	// Micro. Unlisted accounts are classified by stake, at or below
	// MicroStakeMax pooling in Micro and larger stakes in Primary.
	AccountPools  map[string]string
	MicroStakeMax decimal.Decimal
	// PayoutPools are the reservoirs counted as available liquidity.
	PayoutPools []string
	FlowCap     decimal.Decimal
	FlowWindow  time.Duration
}

// DefaultConfig: 8% up to 200 active users, 10% up to 500, 15% above;
// commission split 30/30/40.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{UpTo: 200, Rate: decimal.RequireFromString("0.08")},
			{UpTo: 500, Rate: decimal.RequireFromString("0.10")},
			{UpTo: 0, Rate: decimal.RequireFromString("0.15")},
		},
		Recipients: []Recipient{
			{Name: "commission_operations", Share: decimal.RequireFromString("0.30")},
			{Name: "commission_partners", Share: decimal.RequireFromString("0.30")},
			{Name: "commission_treasury", Share: decimal.RequireFromString("0.40")},
		},
		MicroStakeMax: decimal.NewFromInt(10),
		PayoutPools:   []string{Primary, Micro, HouseReserve},
		FlowCap:       decimal.RequireFromString("0.85"),
		FlowWindow:    10 * time.Minute,
	}
}

// Validate checks the tier table and that recipient shares sum to 1.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one commission tier is required")
	}
	for i, t := range c.Tiers {
		if t.Rate.Sign() < 0 || t.Rate.GreaterThanOrEqual(money.One) {
			return fmt.Errorf("tier %d rate %s out of range", i, t.Rate)
		}
		if i < len(c.Tiers)-1 && t.UpTo <= 0 {
			return fmt.Errorf("tier %d must have a positive bound", i)
		}
	}
	sum := decimal.Zero
	for _, r := range c.Recipients {
		sum = sum.Add(r.Share)
	}
	if len(c.Recipients) > 0 && !sum.Equal(money.One) {
		return fmt.Errorf("commission shares sum to %s, want 1", sum)
	}
	for account, p := range c.AccountPools {
		if p != Primary && p != Micro {
			return fmt.Errorf("account %s classified into %q, want %s or %s", account, p, Primary, Micro)
		}
	}
	return nil
}

// ActiveCounter reports concurrent active users.
type ActiveCounter interface {
	Active() int
}

// Share is one recipient's part of a commission.
type Share struct {
	Recipient string
	Amount    decimal.Decimal
}

// Split is how a stake is divided between commission and a reservoir.
type Split struct {
	Stake      decimal.Decimal
	Rate       decimal.Decimal
	Commission decimal.Decimal
	Shares     []Share
	Pool       string
	Net        decimal.Decimal
}

// Allocator owns the reservoirs. It is shared by the round engine and the
// decision game so both compute commission the same way.
type Allocator struct {
	ledger  *ledger.Ledger
	active  ActiveCounter
	cfg     Config
	flow    *FlowControl
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewAllocator(l *ledger.Ledger, active ActiveCounter, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Allocator {
	tiers := append([]Tier(nil), cfg.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].UpTo == 0 {
			return false
		}
		if tiers[j].UpTo == 0 {
			return true
		}
		return tiers[i].UpTo < tiers[j].UpTo
	})
	cfg.Tiers = tiers
	return &Allocator{
		ledger:  l,
		active:  active,
		cfg:     cfg,
		flow:    NewFlowControl(cfg.FlowWindow, cfg.FlowCap, nil),
		log:     log,
		metrics: metrics,
	}
}

// Flow exposes the flow-control window.
func (a *Allocator) Flow() *FlowControl {
	return a.flow
}

// TierRate returns the commission rate for the current active-user count.
func (a *Allocator) TierRate() decimal.Decimal {
	n := 0
	if a.active != nil {
		n = a.active.Active()
	}
	if a.metrics != nil {
		a.metrics.ActiveUsers.Set(float64(n))
	}
	return RateFor(a.cfg.Tiers, n)
}

// RateFor picks the first tier whose bound covers active.
func RateFor(tiers []Tier, active int) decimal.Decimal {
	for _, t := range tiers {
		if t.UpTo == 0 || active <= t.UpTo {
			return t.Rate
		}
	}
	return tiers[len(tiers)-1].Rate
}

// Classify picks the reservoir account's stake is pooled in.
func (a *Allocator) Classify(account string, stake decimal.Decimal) string {
	if p, ok := a.cfg.AccountPools[account]; ok {
		return p
	}
	if a.cfg.MicroStakeMax.Sign() > 0 && stake.LessThanOrEqual(a.cfg.MicroStakeMax) {
		return Micro
	}
	return Primary
}

// Split computes the commission breakdown of account's stake at rate. Shares are
// truncated to 4 places; the last recipient takes the remainder so shares
// always sum to the commission exactly.
func (a *Allocator) Split(account string, stake, rate decimal.Decimal) Split {
	commission := money.Truncate4(stake.Mul(rate))
	s := Split{
		Stake:      stake,
		Rate:       rate,
		Commission: commission,
		Pool:       a.Classify(account, stake),
		Net:        stake.Sub(commission),
	}
	allocated := decimal.Zero
	for i, r := range a.cfg.Recipients {
		amt := money.Truncate4(commission.Mul(r.Share))
		if i == len(a.cfg.Recipients)-1 {
			amt = commission.Sub(allocated)
		}
		allocated = allocated.Add(amt)
		s.Shares = append(s.Shares, Share{Recipient: r.Name, Amount: amt})
	}
	if len(a.cfg.Recipients) == 0 {
		s.Net = stake
		s.Commission = decimal.Zero
	}
	return s
}

// AllocateWager credits the commission recipients and the stake's reservoir
// through s. The stake itself must already be debited from the player.
func (a *Allocator) AllocateWager(ctx context.Context, s ledger.Store, account string, stake decimal.Decimal, correlationID string) (Split, error) {
	l := a.ledger.Using(s)
	rate := a.TierRate()
	split := a.Split(account, stake, rate)
	if a.metrics != nil {
		a.metrics.CommissionRate.Set(rate.InexactFloat64())
	}

	for _, sh := range split.Shares {
		if sh.Amount.Sign() <= 0 {
			continue
		}
		if _, err := l.Credit(ctx, ledger.Posting{
			Account:        ledger.SystemKey(sh.Recipient),
			Amount:         sh.Amount,
			Type:           ledger.EntryCommission,
			CorrelationID:  correlationID,
			IdempotencyKey: correlationID + ":commission:" + sh.Recipient,
		}); err != nil {
			return Split{}, fmt.Errorf("credit %s: %w", sh.Recipient, err)
		}
	}

	if split.Net.Sign() > 0 {
		if _, err := l.Credit(ctx, ledger.Posting{
			Account:        ledger.SystemKey(split.Pool),
			Amount:         split.Net,
			Type:           ledger.EntryPoolAllocation,
			CorrelationID:  correlationID,
			IdempotencyKey: correlationID + ":pool",
		}); err != nil {
			return Split{}, fmt.Errorf("credit pool %s: %w", split.Pool, err)
		}
	}
	return split, nil
}

// SettlePayout debits gross from the named reservoir through s.
func (a *Allocator) SettlePayout(ctx context.Context, s ledger.Store, pool string, gross decimal.Decimal, correlationID string) (ledger.Entry, error) {
	return a.ledger.Using(s).Debit(ctx, ledger.Posting{
		Account:        ledger.SystemKey(pool),
		Amount:         gross,
		Type:           ledger.EntryPoolPayout,
		CorrelationID:  correlationID,
		IdempotencyKey: correlationID + ":pool_payout",
	})
}

// Liquidity sums the payout reservoirs. It satisfies outcome.LiquiditySource.
func (a *Allocator) Liquidity(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, name := range a.cfg.PayoutPools {
		bal, err := a.ledger.Balance(ctx, ledger.SystemKey(name))
		if err != nil {
			return decimal.Zero, fmt.Errorf("pool %s: %w", name, err)
		}
		total = total.Add(bal)
	}
	return total, nil
}

// Balances returns every reservoir and commission account balance and
// updates the liquidity gauges.
func (a *Allocator) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	names := append([]string(nil), a.cfg.PayoutPools...)
	for _, r := range a.cfg.Recipients {
		names = append(names, r.Name)
	}
	out := make(map[string]decimal.Decimal, len(names))
	for _, name := range names {
		bal, err := a.ledger.Balance(ctx, ledger.SystemKey(name))
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", name, err)
		}
		out[name] = bal
		if a.metrics != nil {
			a.metrics.PoolLiquidity.WithLabelValues(name).Set(bal.InexactFloat64())
		}
	}
	return out, nil
}

// GatePayout admits a payout against the flow-control cap. A blocked payout
// comes back as zero with ok false; the caller settles nothing. release
// returns the reservation if settlement later fails.
func (a *Allocator) GatePayout(ctx context.Context, amount decimal.Decimal) (approved decimal.Decimal, release func(), ok bool, err error) {
	liq, err := a.Liquidity(ctx)
	if err != nil {
		return decimal.Zero, func() {}, false, err
	}
	release, ok = a.flow.Reserve(amount, liq)
	if a.metrics != nil {
		a.metrics.FlowWindowPayout.Set(a.flow.Prune().InexactFloat64())
	}
	if !ok {
		if a.metrics != nil {
			a.metrics.FlowControlBlocked.Inc()
		}
		a.log.Warn().
			Str("amount", amount.String()).
			Str("liquidity", liq.String()).
			Msg("payout blocked by flow-control cap")
		return decimal.Zero, release, false, nil
	}
	return amount, release, true, nil
}

// Seed credits a reservoir, e.g. the house reserve at startup.
func (a *Allocator) Seed(ctx context.Context, pool string, amount decimal.Decimal, correlationID string) error {
	_, err := a.ledger.Credit(ctx, ledger.Posting{
		Account:        ledger.SystemKey(pool),
		Amount:         amount,
		Type:           ledger.EntryDeposit,
		CorrelationID:  correlationID,
		IdempotencyKey: correlationID + ":seed:" + pool,
	})
	return err
}
