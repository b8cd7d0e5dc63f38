package txn_test

import (
	"context"
	"errors"
	"testing"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/store"
	"CrashLedger/internal/testutil"
	"CrashLedger/internal/txn"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	alice = ledger.UserKey("alice", ledger.BucketSpendable)
	house = ledger.SystemKey("house_reserve")
)

// twoLegs debits alice and credits the house, then fails if fail is set.
func twoLegs(l *ledger.Ledger, fail error) txn.Func {
	return func(ctx context.Context, s ledger.Store) error {
		tl := l.Using(s)
		if _, err := tl.Debit(ctx, ledger.Posting{Account: alice, Amount: decimal.NewFromInt(10), Type: ledger.EntryWager, IdempotencyKey: "op:wager"}); err != nil {
			return err
		}
		if _, err := tl.Credit(ctx, ledger.Posting{Account: house, Amount: decimal.NewFromInt(10), Type: ledger.EntryPoolAllocation, IdempotencyKey: "op:pool"}); err != nil {
			return err
		}
		return fail
	}
}

func fund(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	if _, err := l.Credit(context.Background(), ledger.Posting{Account: alice, Amount: decimal.NewFromInt(100), Type: ledger.EntryDeposit}); err != nil {
		t.Fatal(err)
	}
}

func amount(t *testing.T, l *ledger.Ledger, key ledger.AccountKey) string {
	t.Helper()
	b, err := l.Balance(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return b.String()
}

// =============================================================================
// Atomic scopes
// =============================================================================

func TestRunAtomic_CommitsBothLegs(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	l := ledger.New(s)
	fund(t, l)
	c := txn.NewCoordinator(s, zerolog.Nop(), nil)

	mode, err := c.RunAtomic(context.Background(), "place_bet", twoLegs(l, nil))
	if err != nil {
		t.Fatalf("RunAtomic: %v", err)
	}
	if mode != txn.Atomic {
		t.Errorf("mode = %s, want atomic", mode)
	}
	if got := amount(t, l, alice); got != "90" {
		t.Errorf("alice = %s, want 90", got)
	}
	if got := amount(t, l, house); got != "10" {
		t.Errorf("house = %s, want 10", got)
	}
}

func TestRunAtomic_RollsBackOnError(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	l := ledger.New(s)
	fund(t, l)
	c := txn.NewCoordinator(s, zerolog.Nop(), nil)
	boom := errors.New("boom")

	_, err := c.RunAtomic(context.Background(), "place_bet", twoLegs(l, boom))
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the fn error unchanged", err)
	}
	if got := amount(t, l, alice); got != "100" {
		t.Errorf("alice = %s, want 100 after rollback", got)
	}
	if got := amount(t, l, house); got != "0" {
		t.Errorf("house = %s, want 0 after rollback", got)
	}

	// Rolled-back idempotency keys must not linger in the cache.
	if _, err := c.RunAtomic(context.Background(), "place_bet", twoLegs(l, nil)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := amount(t, l, alice); got != "90" {
		t.Errorf("alice = %s, want 90 after retry", got)
	}
}

func TestRunAtomic_RollsBackOnPanic(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	l := ledger.New(s)
	fund(t, l)
	c := txn.NewCoordinator(s, zerolog.Nop(), nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate")
			}
		}()
		c.RunAtomic(context.Background(), "panics", func(ctx context.Context, st ledger.Store) error {
			twoLegs(l, nil)(ctx, st)
			panic("mid-scope")
		})
	}()

	if got := amount(t, l, alice); got != "100" {
		t.Errorf("alice = %s, want 100 after panic rollback", got)
	}
}

// =============================================================================
// Demotion
// =============================================================================

func TestRunAtomic_DemotesWithoutScope(t *testing.T) {
	s := store.NewMemoryStore()
	l := ledger.New(s)
	fund(t, l)
	c := txn.NewCoordinator(s, zerolog.Nop(), nil)
	boom := errors.New("second leg failed")

	mode, err := c.RunAtomic(context.Background(), "place_bet", twoLegs(l, boom))
	if mode != txn.Demoted {
		t.Errorf("mode = %s, want demoted", mode)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want fn error", err)
	}
	// Demoted work is best effort: the legs that ran stand.
	if got := amount(t, l, alice); got != "90" {
		t.Errorf("alice = %s, want 90", got)
	}
	if got := amount(t, l, house); got != "10" {
		t.Errorf("house = %s, want 10", got)
	}
}

type refusingStore struct {
	ledger.Store
	err error
}

func (r refusingStore) Begin(context.Context) (ledger.TxStore, error) { return nil, r.err }

func TestRunAtomic_BusinessBeginErrorDoesNotDemote(t *testing.T) {
	base := store.NewMemoryStore()
	c := txn.NewCoordinator(refusingStore{Store: base, err: apperr.ErrBusy}, zerolog.Nop(), nil)

	ran := false
	mode, err := c.RunAtomic(context.Background(), "op", func(context.Context, ledger.Store) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("fn must not run when the scope fails for a non-infrastructure reason")
	}
	if mode != txn.Atomic || !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("mode/err = %s/%v", mode, err)
	}
}
