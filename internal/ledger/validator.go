package ledger

import (
	"context"
	"fmt"

	"CrashLedger/internal/apperr"
)

// ValidateChain checks an account's entries, ordered by version, against its
// current balance: each entry is internally consistent, versions are
// contiguous from 1, each entry starts where the previous ended, and the
// last entry ends at the stored balance.
func ValidateChain(key AccountKey, entries []Entry, current Balance) error {
	if len(entries) == 0 {
		if current.Version != 0 || !current.Amount.IsZero() {
			return fmt.Errorf("%s: balance %s at version %d has no entries",
				key, current.Amount, current.Version)
		}
		return nil
	}

	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if i == 0 {
			if e.Version != 1 || !e.BalanceBefore.IsZero() {
				return fmt.Errorf("%s: first entry %s starts at %s version %d",
					key, e.ID, e.BalanceBefore, e.Version)
			}
			continue
		}
		prev := entries[i-1]
		if e.Version != prev.Version+1 {
			return fmt.Errorf("%s: version gap %d -> %d", key, prev.Version, e.Version)
		}
		if !e.BalanceBefore.Equal(prev.BalanceAfter) {
			return fmt.Errorf("%s: entry %s starts at %s, previous ended at %s",
				key, e.ID, e.BalanceBefore, prev.BalanceAfter)
		}
	}

	last := entries[len(entries)-1]
	if last.Version != current.Version || !last.BalanceAfter.Equal(current.Amount) {
		return fmt.Errorf("%s: history ends at %s version %d, balance is %s version %d",
			key, last.BalanceAfter, last.Version, current.Amount, current.Version)
	}
	return nil
}

// Reconcile verifies one account's balance against its entry history.
// A mismatch is the one fatal-class condition: it is logged at error level,
// counted, and returned as apperr.ErrLedgerInconsistent.
func (l *Ledger) Reconcile(ctx context.Context, key AccountKey) error {
	entries, err := l.store.Entries(ctx, key)
	if err != nil {
		return fmt.Errorf("load entries %s: %w", key, err)
	}
	bal, err := l.store.GetBalance(ctx, key)
	if err != nil {
		return fmt.Errorf("load balance %s: %w", key, err)
	}

	if err := ValidateChain(key, entries, bal); err != nil {
		if l.metrics != nil {
			l.metrics.LedgerInconsistencies.Inc()
		}
		l.log.Error().Err(err).Str("account", key.AccountPath()).Msg("ledger inconsistency")
		return apperr.Wrap(apperr.CodeLedgerInconsistent, key.AccountPath(), err)
	}
	return nil
}

// ReconcileAll runs Reconcile over every known account and returns the keys
// that failed.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]AccountKey, error) {
	keys, err := l.store.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var broken []AccountKey
	for _, k := range keys {
		if err := l.Reconcile(ctx, k); err != nil {
			if apperr.CodeOf(err) != apperr.CodeLedgerInconsistent {
				return broken, err
			}
			broken = append(broken, k)
		}
	}
	return broken, nil
}
