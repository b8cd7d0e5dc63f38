package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType records why a balance moved.
type EntryType string

const (
	EntryDeposit         EntryType = "DEPOSIT"
	EntryWager           EntryType = "WAGER"
	EntryPayout          EntryType = "PAYOUT"
	EntryVaultLock       EntryType = "VAULT_LOCK"
	EntryVaultUnlock     EntryType = "VAULT_UNLOCK"
	EntryPoolAllocation  EntryType = "POOL_ALLOCATION"
	EntryPoolPayout      EntryType = "POOL_PAYOUT"
	EntryCommission      EntryType = "COMMISSION"
	EntryReferral        EntryType = "REFERRAL"
	EntryReferralFunding EntryType = "REFERRAL_FUNDING"
	EntrySubscription    EntryType = "SUBSCRIPTION"
	EntryTransferOut     EntryType = "TRANSFER_OUT"
	EntryTransferIn      EntryType = "TRANSFER_IN"
	EntryTransferFee     EntryType = "TRANSFER_FEE"
	EntryRefund          EntryType = "REFUND"
	EntryAdjustment      EntryType = "ADJUSTMENT"
)

// Direction is the sign of a balance movement.
type Direction int8

const (
	Debit  Direction = -1
	Credit Direction = 1
)

func (d Direction) String() string {
	if d == Debit {
		return "debit"
	}
	return "credit"
}

// Entry is one append-only audit row. Every balance mutation writes exactly
// one Entry; entries are never updated or deleted.
type Entry struct {
	ID             uuid.UUID
	Account        AccountKey
	Type           EntryType
	Direction      Direction
	Amount         decimal.Decimal // always positive
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Version        int64 // account version after this entry
	CorrelationID  string
	IdempotencyKey string
	SourceAccount  string // triggering account for referral credits
	Level          int    // upline level for referral credits
	Fee            decimal.Decimal
	CreatedAt      time.Time
}

// SignedAmount returns Amount with the direction applied.
func (e Entry) SignedAmount() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Validate checks the per-entry invariants: positive amount and
// after = before ± amount.
func (e Entry) Validate() error {
	if e.Amount.Sign() <= 0 {
		return fmt.Errorf("entry %s has non-positive amount: %s", e.ID, e.Amount)
	}
	if e.Direction != Debit && e.Direction != Credit {
		return fmt.Errorf("entry %s has invalid direction %d", e.ID, e.Direction)
	}
	if !e.BalanceBefore.Add(e.SignedAmount()).Equal(e.BalanceAfter) {
		return fmt.Errorf("entry %s: %s %s %s != %s",
			e.ID, e.BalanceBefore, e.Direction, e.Amount, e.BalanceAfter)
	}
	if e.Version <= 0 {
		return fmt.Errorf("entry %s has non-positive version %d", e.ID, e.Version)
	}
	return nil
}
