package store

import (
	"context"
	"sort"
	"sync"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
)

// MemoryStore is a volatile single-process store. It cannot open an atomic
// scope, so a transaction coordinator over it always runs demoted; Apply is
// still atomic per entry.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[ledger.AccountKey]ledger.Balance
	entries  map[ledger.AccountKey][]ledger.Entry
	byKey    map[string]ledger.Entry

	refMu   sync.RWMutex
	codes   map[string]string // account -> own referral code
	owners  map[string]string // referral code -> account
	uplines map[string]string // account -> upline referral code
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[ledger.AccountKey]ledger.Balance),
		entries:  make(map[ledger.AccountKey][]ledger.Entry),
		byKey:    make(map[string]ledger.Entry),
		codes:    make(map[string]string),
		owners:   make(map[string]string),
		uplines:  make(map[string]string),
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, key ledger.AccountKey) (ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[key], nil
}

func (m *MemoryStore) Apply(_ context.Context, entry ledger.Entry, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.IdempotencyKey != "" {
		if _, ok := m.byKey[entry.IdempotencyKey]; ok {
			return apperr.ErrDuplicate
		}
	}
	if m.balances[entry.Account].Version != expectedVersion {
		return apperr.ErrVersionConflict
	}

	m.balances[entry.Account] = ledger.Balance{Amount: entry.BalanceAfter, Version: entry.Version}
	m.entries[entry.Account] = append(m.entries[entry.Account], entry)
	if entry.IdempotencyKey != "" {
		m.byKey[entry.IdempotencyKey] = entry
	}
	return nil
}

func (m *MemoryStore) FindEntry(_ context.Context, idempotencyKey string) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) Entries(_ context.Context, key ledger.AccountKey) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[key]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) Accounts(_ context.Context) ([]ledger.AccountKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]ledger.AccountKey, 0, len(m.balances))
	for k := range m.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys, nil
}

// Begin always fails: memory has no atomic multi-step scope.
func (m *MemoryStore) Begin(context.Context) (ledger.TxStore, error) {
	return nil, apperr.ErrAtomicScopeUnavailable
}

// Register records account with its own referral code and the code of the
// account that referred it (empty for none).
func (m *MemoryStore) Register(_ context.Context, account, code, uplineCode string) error {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if owner, ok := m.owners[code]; ok && owner != account {
		return apperr.Wrap(apperr.CodeDuplicate, "referral code "+code+" taken", nil)
	}
	m.codes[account] = code
	m.owners[code] = account
	if uplineCode != "" {
		m.uplines[account] = uplineCode
	}
	return nil
}

// Upline returns the account that referred account. ok is false when the
// chain is broken: no upline code, or a code nobody owns.
func (m *MemoryStore) Upline(_ context.Context, account string) (string, bool, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	code, ok := m.uplines[account]
	if !ok {
		return "", false, nil
	}
	owner, ok := m.owners[code]
	return owner, ok, nil
}
