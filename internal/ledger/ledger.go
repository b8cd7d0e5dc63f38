package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/money"
	"CrashLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultMaxRetries = 16

// Posting is a single-account balance movement request.
type Posting struct {
	Account        AccountKey
	Amount         decimal.Decimal
	Type           EntryType
	CorrelationID  string
	IdempotencyKey string // empty disables deduplication
	SourceAccount  string
	Level          int
	Fee            decimal.Decimal
}

// Ledger mutates balances through compare-and-swap on the account version
// and writes one Entry per mutation.
type Ledger struct {
	store      Store
	idem       *IdempotencyLRU
	log        zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	maxRetries int
}

type Option func(*Ledger)

func WithLogger(log zerolog.Logger) Option { return func(l *Ledger) { l.log = log } }

func WithMetrics(m *observability.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithIdempotencyCapacity(n int) Option {
	return func(l *Ledger) { l.idem = NewIdempotencyLRU(n) }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		idem:       NewIdempotencyLRU(100_000),
		log:        zerolog.Nop(),
		now:        time.Now,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Using returns a ledger that writes through s (typically an open
// transaction) while sharing this ledger's idempotency cache.
func (l *Ledger) Using(s Store) *Ledger {
	cp := *l
	cp.store = s
	return &cp
}

// Store returns the store this ledger writes through.
func (l *Ledger) Store() Store {
	return l.store
}

// Balance returns the current amount held under key.
func (l *Ledger) Balance(ctx context.Context, key AccountKey) (decimal.Decimal, error) {
	b, err := l.store.GetBalance(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}

// Debit removes p.Amount from p.Account. A player sub-balance never goes
// negative: the debit fails with apperr.ErrInsufficientFunds instead.
// System reservoirs may be overdrawn; this is logged.
func (l *Ledger) Debit(ctx context.Context, p Posting) (Entry, error) {
	return l.apply(ctx, p, Debit)
}

// Credit adds p.Amount to p.Account.
func (l *Ledger) Credit(ctx context.Context, p Posting) (Entry, error) {
	return l.apply(ctx, p, Credit)
}

func (l *Ledger) apply(ctx context.Context, p Posting, dir Direction) (Entry, error) {
	amount := money.Truncate4(p.Amount)
	if amount.Sign() <= 0 {
		return Entry{}, apperr.Wrap(apperr.CodeInvalidAmount,
			fmt.Sprintf("%s %s on %s", dir, p.Amount, p.Account), nil)
	}

	if p.IdempotencyKey != "" {
		if e, ok, err := l.recorded(ctx, p.IdempotencyKey); err != nil {
			return Entry{}, err
		} else if ok {
			return e, nil
		}
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		bal, err := l.store.GetBalance(ctx, p.Account)
		if err != nil {
			return Entry{}, err
		}

		next := bal.Amount.Add(amount)
		if dir == Debit {
			next = bal.Amount.Sub(amount)
			if next.Sign() < 0 {
				if p.Account.Scope == ScopeUser {
					return Entry{}, apperr.Wrap(apperr.CodeInsufficientFunds,
						fmt.Sprintf("%s holds %s, needs %s", p.Account, bal.Amount, amount), nil)
				}
				l.log.Warn().
					Str("account", p.Account.AccountPath()).
					Str("balance", bal.Amount.String()).
					Str("amount", amount.String()).
					Str("correlation_id", p.CorrelationID).
					Msg("system reservoir overdrawn")
			}
		}

		entry := Entry{
			ID:             uuid.New(),
			Account:        p.Account,
			Type:           p.Type,
			Direction:      dir,
			Amount:         amount,
			BalanceBefore:  bal.Amount,
			BalanceAfter:   next,
			Version:        bal.Version + 1,
			CorrelationID:  p.CorrelationID,
			IdempotencyKey: p.IdempotencyKey,
			SourceAccount:  p.SourceAccount,
			Level:          p.Level,
			Fee:            p.Fee,
			CreatedAt:      l.now().UTC(),
		}

		err = l.store.Apply(ctx, entry, bal.Version)
		switch {
		case err == nil:
			l.written(entry)
			return entry, nil
		case errors.Is(err, apperr.ErrVersionConflict):
			if l.metrics != nil {
				l.metrics.LedgerCASRetries.Inc()
			}
			continue
		case errors.Is(err, apperr.ErrDuplicate):
			if e, ok, ferr := l.recorded(ctx, p.IdempotencyKey); ferr == nil && ok {
				return e, nil
			}
			return Entry{}, err
		default:
			return Entry{}, err
		}
	}

	return Entry{}, apperr.Wrap(apperr.CodeBusy,
		fmt.Sprintf("%s: %d version conflicts", p.Account, l.maxRetries), nil)
}

// recorded looks key up in the LRU, then in the store.
func (l *Ledger) recorded(ctx context.Context, key string) (Entry, bool, error) {
	if e, ok := l.idem.Get(key); ok {
		l.replayed(e)
		return e, true, nil
	}
	e, err := l.store.FindEntry(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if e == nil {
		return Entry{}, false, nil
	}
	l.idem.Add(key, *e)
	l.replayed(*e)
	return *e, true, nil
}

func (l *Ledger) replayed(e Entry) {
	if l.metrics != nil {
		l.metrics.LedgerReplays.Inc()
	}
	l.log.Debug().
		Str("idempotency_key", e.IdempotencyKey).
		Str("account", e.Account.AccountPath()).
		Msg("ledger request replayed")
}

func (l *Ledger) written(e Entry) {
	if l.metrics != nil {
		l.metrics.LedgerEntries.WithLabelValues(string(e.Type)).Inc()
	}
	if e.IdempotencyKey == "" {
		return
	}
	remember := func() {
		l.idem.Add(e.IdempotencyKey, e)
		if l.metrics != nil {
			l.metrics.DedupLRUSize.Set(float64(l.idem.Size()))
		}
	}
	if hook, ok := l.store.(CommitHook); ok {
		hook.AfterCommit(remember)
		return
	}
	remember()
}
