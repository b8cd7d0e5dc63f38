package subscription

import (
	"context"
	"fmt"
	"sort"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/referral"
	"CrashLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Plan struct {
	Name     string
	Price    decimal.Decimal
	Duration time.Duration
}

// Purchase is a completed plan purchase.
type Purchase struct {
	ID        uuid.UUID
	Account   string
	Plan      Plan
	Referral  []referral.Credit
	ExpiresAt time.Time
	Mode      txn.Mode
}

// Service sells plans. The price goes to the reserve account and the
// referral fan-out on the price is funded from it.
type Service struct {
	ledger  *ledger.Ledger
	coord   *txn.Coordinator
	fanout  *referral.Fanout
	plans   map[string]Plan
	reserve string
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewService(l *ledger.Ledger, coord *txn.Coordinator, fanout *referral.Fanout, plans []Plan, reserve string, log zerolog.Logger, metrics *observability.Metrics) *Service {
	byName := make(map[string]Plan, len(plans))
	for _, p := range plans {
		byName[p.Name] = p
	}
	return &Service{
		ledger:  l,
		coord:   coord,
		fanout:  fanout,
		plans:   byName,
		reserve: reserve,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Plans lists the configured plans by name.
func (s *Service) Plans() []Plan {
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Purchase debits the plan price from account's spendable balance and fans
// referral commission out on it.
func (s *Service) Purchase(ctx context.Context, account, planName string) (Purchase, error) {
	plan, ok := s.plans[planName]
	if !ok {
		return Purchase{}, apperr.Wrap(apperr.CodeInvalidAmount, fmt.Sprintf("unknown plan %q", planName), nil)
	}
	if plan.Price.Sign() <= 0 {
		return Purchase{}, apperr.Wrap(apperr.CodeInvalidAmount, fmt.Sprintf("plan %q has no price", planName), nil)
	}

	p := Purchase{ID: uuid.New(), Account: account, Plan: plan}
	corr := "subscription:" + p.ID.String()

	var err error
	p.Mode, err = s.coord.RunAtomic(ctx, "subscription", func(ctx context.Context, st ledger.Store) error {
		l := s.ledger.Using(st)
		if _, err := l.Debit(ctx, ledger.Posting{
			Account:        ledger.UserKey(account, ledger.BucketSpendable),
			Amount:         plan.Price,
			Type:           ledger.EntrySubscription,
			CorrelationID:  corr,
			IdempotencyKey: corr + ":debit",
		}); err != nil {
			return err
		}
		if _, err := l.Credit(ctx, ledger.Posting{
			Account:        ledger.SystemKey(s.reserve),
			Amount:         plan.Price,
			Type:           ledger.EntrySubscription,
			CorrelationID:  corr,
			IdempotencyKey: corr + ":reserve",
			SourceAccount:  account,
		}); err != nil {
			return err
		}
		if s.fanout == nil {
			return nil
		}
		credits, err := s.fanout.Distribute(ctx, st, account, plan.Price, corr)
		p.Referral = credits
		return err
	})
	if err != nil {
		return Purchase{}, err
	}

	p.ExpiresAt = s.now().Add(plan.Duration)
	s.log.Info().
		Str("account", account).
		Str("plan", plan.Name).
		Str("price", plan.Price.String()).
		Int("referral_levels", len(p.Referral)).
		Msg("subscription purchased")
	return p, nil
}
