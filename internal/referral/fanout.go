package referral

import (
	"context"
	"fmt"
	"strconv"

	"CrashLedger/internal/ledger"
	"CrashLedger/internal/money"
	"CrashLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// UplineResolver follows one referral edge. ok is false when the link is
// broken (no referrer, or an unknown code).
type UplineResolver interface {
	Upline(ctx context.Context, account string) (upline string, ok bool, err error)
}

// DefaultRates are the per-level percentages for a five-level chain.
func DefaultRates() []decimal.Decimal {
	return []decimal.Decimal{
		decimal.NewFromInt(2),
		decimal.NewFromInt(1),
		decimal.NewFromInt(1),
		decimal.RequireFromString("0.5"),
		decimal.RequireFromString("0.5"),
	}
}

// Credit is one level's payout.
type Credit struct {
	Level   int
	Account string
	Amount  decimal.Decimal
}

// Fanout walks an account's upline chain and credits each level a fixed
// percentage of the triggering amount into its bonus bucket. Credits are
// funded from the Funding reservoir.
type Fanout struct {
	ledger   *ledger.Ledger
	resolver UplineResolver
	rates    []decimal.Decimal
	funding  string
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewFanout(l *ledger.Ledger, resolver UplineResolver, rates []decimal.Decimal, funding string, log zerolog.Logger, metrics *observability.Metrics) *Fanout {
	return &Fanout{
		ledger:   l,
		resolver: resolver,
		rates:    rates,
		funding:  funding,
		log:      log,
		metrics:  metrics,
	}
}

// MaxTotal is the most a full chain can receive for amount.
func (f *Fanout) MaxTotal(amount decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, r := range f.rates {
		total = total.Add(money.Percent(amount, r))
	}
	return total
}

// Distribute credits up to len(rates) levels above source through s. A
// broken link or a cycle ends the walk without error; the credits already
// written stand.
func (f *Fanout) Distribute(ctx context.Context, s ledger.Store, source string, amount decimal.Decimal, correlationID string) ([]Credit, error) {
	l := f.ledger.Using(s)
	resolver := f.resolver
	if r, ok := s.(UplineResolver); ok {
		// Reads go through the open scope; a single-connection store would
		// otherwise wait on itself.
		resolver = r
	}
	seen := map[string]bool{source: true}
	current := source

	var credits []Credit
	for i, rate := range f.rates {
		level := i + 1
		up, ok, err := resolver.Upline(ctx, current)
		if err != nil {
			return credits, fmt.Errorf("resolve level %d above %s: %w", level, current, err)
		}
		if !ok || seen[up] {
			f.log.Debug().Str("source", source).Int("level", level).Msg("upline chain ends")
			break
		}
		seen[up] = true
		current = up

		amt := money.Truncate4(money.Percent(amount, rate))
		if amt.Sign() <= 0 {
			continue
		}

		key := correlationID + ":referral:" + strconv.Itoa(level)
		if _, err := l.Debit(ctx, ledger.Posting{
			Account:        ledger.SystemKey(f.funding),
			Amount:         amt,
			Type:           ledger.EntryReferralFunding,
			CorrelationID:  correlationID,
			IdempotencyKey: key + ":funding",
			SourceAccount:  source,
			Level:          level,
		}); err != nil {
			return credits, fmt.Errorf("fund level %d: %w", level, err)
		}
		if _, err := l.Credit(ctx, ledger.Posting{
			Account:        ledger.UserKey(up, ledger.BucketBonus),
			Amount:         amt,
			Type:           ledger.EntryReferral,
			CorrelationID:  correlationID,
			IdempotencyKey: key,
			SourceAccount:  source,
			Level:          level,
		}); err != nil {
			return credits, fmt.Errorf("credit level %d: %w", level, err)
		}

		if f.metrics != nil {
			f.metrics.ReferralCredits.WithLabelValues(strconv.Itoa(level)).Inc()
		}
		credits = append(credits, Credit{Level: level, Account: up, Amount: amt})
	}
	return credits, nil
}
