package ingestion

import (
	"context"
	"fmt"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdminIngest injects balance movements by hand: demo faucets, manual
// deposits, bucket transfers. It is not a payment integration.
type AdminIngest struct {
	ledger *ledger.Ledger
	coord  *txn.Coordinator
	fees   ledger.FeeSchedule
}

func NewAdminIngest(l *ledger.Ledger, coord *txn.Coordinator, fees ledger.FeeSchedule) *AdminIngest {
	return &AdminIngest{ledger: l, coord: coord, fees: fees}
}

// InjectDeposit credits amount to account's bucket. A repeated reference is
// applied once; an empty reference gets a fresh one.
func (s *AdminIngest) InjectDeposit(ctx context.Context, account string, bucket ledger.Bucket, amount decimal.Decimal, reference string) (ledger.Entry, error) {
	if account == "" {
		return ledger.Entry{}, apperr.New(apperr.CodeInvalidAmount, "account is required")
	}
	if amount.Sign() <= 0 {
		return ledger.Entry{}, apperr.New(apperr.CodeInvalidAmount, "amount must be positive")
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	entry, err := s.ledger.Credit(ctx, ledger.Posting{
		Account:        ledger.UserKey(account, bucket),
		Amount:         amount,
		Type:           ledger.EntryDeposit,
		CorrelationID:  reference,
		IdempotencyKey: "deposit:" + reference,
	})
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("deposit %s: %w", account, err)
	}
	return entry, nil
}

// Transfer moves amount between two of account's buckets, withholding the
// configured fee into the fee income account. All legs share one scope.
func (s *AdminIngest) Transfer(ctx context.Context, account string, from, to ledger.Bucket, amount decimal.Decimal, reference string) (ledger.TransferResult, txn.Mode, error) {
	if account == "" {
		return ledger.TransferResult{}, txn.Atomic, apperr.New(apperr.CodeInvalidAmount, "account is required")
	}
	if amount.Sign() <= 0 {
		return ledger.TransferResult{}, txn.Atomic, apperr.New(apperr.CodeInvalidAmount, "amount must be positive")
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	var res ledger.TransferResult
	mode, err := s.coord.RunAtomic(ctx, "admin_transfer", func(ctx context.Context, st ledger.Store) error {
		r, err := s.ledger.Using(st).Transfer(ctx, s.fees, ledger.TransferRequest{
			Owner:         account,
			From:          from,
			To:            to,
			Gross:         amount,
			CorrelationID: "transfer:" + reference,
		})
		res = r
		return err
	})
	if err != nil {
		return ledger.TransferResult{}, mode, fmt.Errorf("transfer %s: %w", account, err)
	}
	return res, mode, nil
}
