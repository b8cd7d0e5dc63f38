package decision

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/money"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/outcome"
	"CrashLedger/internal/pool"
	"CrashLedger/internal/positions"
	"CrashLedger/internal/presence"
	"CrashLedger/internal/referral"
	"CrashLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	ChoiceHigh = "high"
	ChoiceLow  = "low"
)

type Config struct {
	// WinProbability of either choice, e.g. 0.45.
	WinProbability   float64
	PayoutMultiplier decimal.Decimal
	MinStake         decimal.Decimal
	MaxStake         decimal.Decimal
	ClientSeed       string
	LockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		WinProbability:   0.45,
		PayoutMultiplier: decimal.NewFromInt(2),
		MinStake:         decimal.NewFromInt(1),
		MaxStake:         decimal.NewFromInt(10_000),
		ClientSeed:       "crashledger-decision",
		LockTTL:          5 * time.Second,
	}
}

// Result of one play. Blocked is set when a win was zeroed by the
// flow-control cap.
type Result struct {
	ID         uuid.UUID
	Account    string
	Stake      decimal.Decimal
	Choice     string
	Roll       float64
	Won        bool
	Payout     decimal.Decimal
	Blocked    bool
	SeedHash   string
	ServerSeed string
	ClientSeed string
	Nonce      uint64
	Split      pool.Split
}

// Game is the instant decision variant. It shares the allocator, and so
// the commission tiers and the payout flow control, with the round engine.
type Game struct {
	cfg      Config
	ledger   *ledger.Ledger
	coord    *txn.Coordinator
	alloc    *pool.Allocator
	fanout   *referral.Fanout
	presence *presence.Tracker
	locks    *positions.KeyedLocker
	log      zerolog.Logger
	metrics  *observability.Metrics

	nonce atomic.Uint64
}

func NewGame(cfg Config, l *ledger.Ledger, coord *txn.Coordinator, alloc *pool.Allocator, fanout *referral.Fanout, tracker *presence.Tracker, log zerolog.Logger, metrics *observability.Metrics) *Game {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	return &Game{
		cfg:      cfg,
		ledger:   l,
		coord:    coord,
		alloc:    alloc,
		fanout:   fanout,
		presence: tracker,
		locks:    positions.NewKeyedLocker(cfg.LockTTL, nil),
		log:      log,
		metrics:  metrics,
	}
}

// Locks exposes the per-account leases for periodic sweeping.
func (g *Game) Locks() *positions.KeyedLocker {
	return g.locks
}

// Play stakes amount on choice and settles immediately.
func (g *Game) Play(ctx context.Context, account string, amount decimal.Decimal, choice string) (Result, error) {
	res, err := g.play(ctx, account, amount, choice)
	if g.metrics != nil {
		if err != nil {
			code := string(apperr.CodeOf(err))
			if code == "" {
				code = "internal"
			}
			g.metrics.BetsRejected.WithLabelValues("decision", code).Inc()
		} else {
			g.metrics.BetsPlaced.WithLabelValues("decision").Inc()
		}
	}
	return res, err
}

func (g *Game) play(ctx context.Context, account string, amount decimal.Decimal, choice string) (Result, error) {
	amount = money.Truncate4(amount)
	if choice != ChoiceHigh && choice != ChoiceLow {
		return Result{}, apperr.Wrap(apperr.CodeInvalidAmount, fmt.Sprintf("unknown choice %q", choice), nil)
	}
	if amount.Sign() <= 0 || amount.LessThan(g.cfg.MinStake) ||
		(g.cfg.MaxStake.Sign() > 0 && amount.GreaterThan(g.cfg.MaxStake)) {
		return Result{}, apperr.Wrap(apperr.CodeInvalidAmount,
			fmt.Sprintf("stake %s outside [%s, %s]", amount, g.cfg.MinStake, g.cfg.MaxStake), nil)
	}

	unlock, ok := g.locks.TryLock(account)
	if !ok {
		return Result{}, apperr.Wrap(apperr.CodeBusy, fmt.Sprintf("account %s has a play in flight", account), nil)
	}
	defer unlock()
	if g.presence != nil {
		g.presence.Touch(account)
	}

	seed, err := outcome.NewServerSeed()
	if err != nil {
		return Result{}, err
	}
	res := Result{
		ID:         uuid.New(),
		Account:    account,
		Stake:      amount,
		Choice:     choice,
		SeedHash:   outcome.HashSeed(seed),
		ServerSeed: seed,
		ClientSeed: g.cfg.ClientSeed,
		Nonce:      g.nonce.Add(1),
	}
	corr := "decision:" + res.ID.String()

	res.Roll = Roll(outcome.Seeds{ServerSeed: seed, ClientSeed: res.ClientSeed, Nonce: res.Nonce})
	res.Won = Wins(choice, res.Roll, g.cfg.WinProbability)

	// A win is gated before any money moves, then stake and payout commit
	// together: a failed scope leaves neither behind.
	var (
		approved decimal.Decimal
		release  = func() {}
		pay      bool
	)
	if res.Won {
		gross := money.Truncate4(amount.Mul(g.cfg.PayoutMultiplier))
		approved, release, pay, err = g.alloc.GatePayout(ctx, gross)
		if err != nil {
			return Result{}, fmt.Errorf("gate payout: %w", err)
		}
		if !pay {
			res.Blocked = true
			g.log.Warn().
				Str("account", account).
				Str("play_id", res.ID.String()).
				Str("gross", gross.String()).
				Err(apperr.ErrLiquidityCapExceeded).
				Msg("winning payout zeroed")
		}
	}

	_, err = g.coord.RunAtomic(ctx, "decision_play", func(ctx context.Context, s ledger.Store) error {
		l := g.ledger.Using(s)
		if _, err := l.Debit(ctx, ledger.Posting{
			Account:        ledger.UserKey(account, ledger.BucketSpendable),
			Amount:         amount,
			Type:           ledger.EntryWager,
			CorrelationID:  corr,
			IdempotencyKey: corr + ":wager",
		}); err != nil {
			return err
		}
		split, err := g.alloc.AllocateWager(ctx, s, account, amount, corr)
		if err != nil {
			return err
		}
		res.Split = split
		if g.fanout != nil {
			if _, err := g.fanout.Distribute(ctx, s, account, amount, corr); err != nil {
				return err
			}
		}
		if !pay {
			return nil
		}
		if _, err := g.alloc.SettlePayout(ctx, s, split.Pool, approved, corr); err != nil {
			return err
		}
		_, err = l.Credit(ctx, ledger.Posting{
			Account:        ledger.UserKey(account, ledger.BucketSpendable),
			Amount:         approved,
			Type:           ledger.EntryPayout,
			CorrelationID:  corr,
			IdempotencyKey: corr + ":payout",
		})
		return err
	})
	if err != nil {
		release()
		return Result{}, err
	}
	if pay {
		res.Payout = approved
	}
	return res, nil
}

// Roll maps seeds to [0, 1) using the same HMAC derivation as the crash
// point, so a revealed seed verifies the same way.
func Roll(s outcome.Seeds) float64 {
	return float64(outcome.DeriveH(s)) / float64(uint64(1)<<52)
}

// Wins: "low" wins below p, "high" wins at or above 1-p.
func Wins(choice string, roll, p float64) bool {
	if choice == ChoiceLow {
		return roll < p
	}
	return roll >= 1-p
}
