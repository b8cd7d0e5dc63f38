package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Balance is the current value of one account together with its version.
// Version counts applied entries; a missing account is {0, 0}.
type Balance struct {
	Amount  decimal.Decimal
	Version int64
}

// Store persists balances and entries.
//
// Apply is the conditional update the ledger relies on: it sets the balance
// to entry.BalanceAfter and the version to entry.Version only if the current
// version equals expectedVersion, and appends entry in the same step.
// It returns apperr.ErrVersionConflict when the version moved and
// apperr.ErrDuplicate when entry.IdempotencyKey was already recorded.
type Store interface {
	GetBalance(ctx context.Context, key AccountKey) (Balance, error)
	Apply(ctx context.Context, entry Entry, expectedVersion int64) error
	FindEntry(ctx context.Context, idempotencyKey string) (*Entry, error)
	Entries(ctx context.Context, key AccountKey) ([]Entry, error)
	Accounts(ctx context.Context) ([]AccountKey, error)
}

// TxStore is a Store bound to an open atomic scope.
type TxStore interface {
	Store
	Commit() error
	Rollback() error
}

// Beginner is implemented by stores able to open an atomic scope.
// Stores that cannot return apperr.ErrAtomicScopeUnavailable.
type Beginner interface {
	Begin(ctx context.Context) (TxStore, error)
}

// CommitHook is implemented by transactional stores that can defer work
// until the scope commits.
type CommitHook interface {
	AfterCommit(fn func())
}
