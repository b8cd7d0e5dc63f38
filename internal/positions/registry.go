package positions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"CrashLedger/internal/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of a position within its round.
type Status int

const (
	StatusOpen Status = iota
	// StatusPending: the account's slot is reserved while its stake is
	// being written. It becomes Open once the stake commits.
	StatusPending
	// StatusSettling: a cash-out has claimed the position and is writing
	// its ledger entries.
	StatusSettling
	StatusCashedOut
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPending:
		return "pending"
	case StatusSettling:
		return "settling"
	case StatusCashedOut:
		return "cashed_out"
	case StatusLost:
		return "lost"
	}
	return "unknown"
}

// Position is one account's wager in one round.
type Position struct {
	ID         uuid.UUID
	RoundID    uuid.UUID
	Account    string
	Stake      decimal.Decimal
	Pool       string
	Status     Status
	Multiplier decimal.Decimal // set on cash-out
	Payout     decimal.Decimal // credited amount, zero for a loss
	CreatedAt  time.Time
	SettledAt  time.Time
}

// Registry holds the current round's positions keyed by account: at most
// one per account per round.
type Registry struct {
	mu        sync.RWMutex
	roundID   uuid.UUID
	byAccount map[string]*Position
	closed    bool

	locks *KeyedLocker
}

func NewRegistry(lockTTL time.Duration) *Registry {
	return &Registry{
		byAccount: make(map[string]*Position),
		locks:     NewKeyedLocker(lockTTL, nil),
	}
}

// Reset discards the previous round's positions and starts roundID.
func (r *Registry) Reset(roundID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roundID = roundID
	r.byAccount = make(map[string]*Position)
	r.closed = false
}

func (r *Registry) RoundID() uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roundID
}

// Lock takes the per-account action lease. Callers hold it for the whole
// place-bet or cash-out action.
func (r *Registry) Lock(account string) (unlock func(), err error) {
	unlock, ok := r.locks.TryLock(account)
	if !ok {
		return nil, apperr.Wrap(apperr.CodeBusy, fmt.Sprintf("account %s has an action in flight", account), nil)
	}
	return unlock, nil
}

// Locks exposes the lease table for maintenance.
func (r *Registry) Locks() *KeyedLocker {
	return r.locks
}

// Has reports whether account already holds a position this round.
func (r *Registry) Has(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAccount[account]
	return ok
}

// Reserve holds account's slot for p before its stake is written. It fails
// if the round is not open or the account already has a position, pending
// or not; the check and the reservation are one step.
func (r *Registry) Reserve(p Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.RoundID != r.roundID || r.closed {
		return apperr.Wrap(apperr.CodeRoundStateMismatch, "position for a round that is not open", nil)
	}
	if _, ok := r.byAccount[p.Account]; ok {
		return apperr.Wrap(apperr.CodeDuplicate, fmt.Sprintf("%s already has a position this round", p.Account), nil)
	}
	p.Status = StatusPending
	r.byAccount[p.Account] = &p
	return nil
}

// Activate turns a reserved position into an open one.
func (r *Registry) Activate(account string, positionID uuid.UUID) (Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byAccount[account]
	if !ok || p.ID != positionID || p.Status != StatusPending {
		return Position{}, apperr.ErrPositionNotFound
	}
	p.Status = StatusOpen
	return *p, nil
}

// Cancel drops a reservation whose stake was not written.
func (r *Registry) Cancel(account string, positionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byAccount[account]; ok && p.ID == positionID && p.Status == StatusPending {
		delete(r.byAccount, account)
	}
}

// Open records p directly as open.
func (r *Registry) Open(p Position) error {
	if err := r.Reserve(p); err != nil {
		return err
	}
	_, err := r.Activate(p.Account, p.ID)
	return err
}

// Get returns a copy of account's position.
func (r *Registry) Get(account string) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAccount[account]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Claim moves account's open position with id positionID to Settling.
// It rejects a missing position, a mismatched id (stale click) and a
// position that is no longer open.
func (r *Registry) Claim(account string, positionID uuid.UUID) (Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byAccount[account]
	if !ok {
		return Position{}, apperr.ErrPositionNotFound
	}
	if p.ID != positionID {
		return Position{}, apperr.Wrap(apperr.CodeStaleAction,
			fmt.Sprintf("position %s is not the current position", positionID), nil)
	}
	if p.Status == StatusPending {
		return Position{}, apperr.Wrap(apperr.CodeBusy,
			fmt.Sprintf("position %s is still being placed", positionID), nil)
	}
	if p.Status != StatusOpen {
		return Position{}, apperr.Wrap(apperr.CodeAlreadySettled,
			fmt.Sprintf("position %s is %s", positionID, p.Status), nil)
	}
	p.Status = StatusSettling
	return *p, nil
}

// Complete finalizes a claimed position as cashed out.
func (r *Registry) Complete(account string, multiplier, payout decimal.Decimal, at time.Time) (Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byAccount[account]
	if !ok || p.Status != StatusSettling {
		return Position{}, apperr.ErrPositionNotFound
	}
	p.Status = StatusCashedOut
	p.Multiplier = multiplier
	p.Payout = payout
	p.SettledAt = at
	return *p, nil
}

// Release returns a claimed position after a failed settlement: to Open
// while the round runs, to Lost once it has crashed.
func (r *Registry) Release(account string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byAccount[account]
	if !ok || p.Status != StatusSettling {
		return
	}
	if r.closed {
		p.Status = StatusLost
		p.SettledAt = at
		return
	}
	p.Status = StatusOpen
}

// Exposure sums the stakes of open positions.
func (r *Registry) Exposure() (total, largest decimal.Decimal, count int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.byAccount {
		if p.Status != StatusOpen {
			continue
		}
		total = total.Add(p.Stake)
		if p.Stake.GreaterThan(largest) {
			largest = p.Stake
		}
		count++
	}
	return total, largest, count
}

// SettleRemainingAsLost closes the round: every open position becomes a
// loss. Positions mid cash-out are left to their settling action.
func (r *Registry) SettleRemainingAsLost(at time.Time) []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var lost []Position
	for _, p := range r.byAccount {
		if p.Status != StatusOpen {
			continue
		}
		p.Status = StatusLost
		p.Payout = decimal.Zero
		p.SettledAt = at
		lost = append(lost, *p)
	}
	return lost
}

// Void closes a round that never flew: open positions are removed and
// returned so their stakes can be refunded.
func (r *Registry) Void() []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var voided []Position
	for account, p := range r.byAccount {
		if p.Status != StatusOpen {
			continue
		}
		voided = append(voided, *p)
		delete(r.byAccount, account)
	}
	sort.Slice(voided, func(i, j int) bool { return voided[i].CreatedAt.Before(voided[j].CreatedAt) })
	return voided
}

// Snapshot returns copies of all placed positions ordered by creation time.
func (r *Registry) Snapshot() []Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Position, 0, len(r.byAccount))
	for _, p := range r.byAccount {
		if p.Status == StatusPending {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
