package ledger

import (
	"context"
	"fmt"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/money"

	"github.com/shopspring/decimal"
)

// FeeIncome is the system account that receives withheld transfer fees.
const FeeIncome = "fee_income"

// FeeSchedule maps a (from, to) bucket pair to the percentage withheld when
// moving funds between them. Pairs not listed move free of charge.
type FeeSchedule map[[2]Bucket]decimal.Decimal

// Fee returns the fee withheld on gross for a from→to transfer, truncated
// to the stored amount precision.
func (fs FeeSchedule) Fee(from, to Bucket, gross decimal.Decimal) decimal.Decimal {
	pct, ok := fs[[2]Bucket{from, to}]
	if !ok {
		return decimal.Zero
	}
	return money.Truncate4(money.Percent(gross, pct))
}

// TransferRequest moves Gross out of one of Owner's buckets into another.
// Type labels both legs; empty means TRANSFER_OUT / TRANSFER_IN.
type TransferRequest struct {
	Owner         string
	From, To      Bucket
	Gross         decimal.Decimal
	CorrelationID string
	Type          EntryType
}

// TransferResult holds the entries written. Debit.Amount minus
// Credit.Amount equals Fee, and FeeCredit (nil for a free transfer) books
// the fee on the FeeIncome account.
type TransferResult struct {
	Debit     Entry
	Credit    Entry
	FeeCredit *Entry
	Fee       decimal.Decimal
}

// Transfer debits Gross from the source bucket and credits the amount net of
// the scheduled fee to the destination bucket. Callers needing the legs to
// be atomic run it inside a transaction coordinator scope.
func (l *Ledger) Transfer(ctx context.Context, fees FeeSchedule, req TransferRequest) (TransferResult, error) {
	if req.From == req.To {
		return TransferResult{}, apperr.Wrap(apperr.CodeInvalidAmount,
			fmt.Sprintf("transfer within bucket %s", req.From), nil)
	}
	gross := money.Truncate4(req.Gross)
	fee := fees.Fee(req.From, req.To, gross)
	net := gross.Sub(fee)
	if net.Sign() <= 0 {
		return TransferResult{}, apperr.Wrap(apperr.CodeInvalidAmount,
			fmt.Sprintf("transfer of %s leaves nothing after fee %s", gross, fee), nil)
	}

	typeOut, typeIn := EntryTransferOut, EntryTransferIn
	if req.Type != "" {
		typeOut, typeIn = req.Type, req.Type
	}
	key := func(leg string) string {
		if req.CorrelationID == "" {
			return ""
		}
		return req.CorrelationID + ":transfer:" + leg
	}

	debit, err := l.Debit(ctx, Posting{
		Account:        UserKey(req.Owner, req.From),
		Amount:         gross,
		Type:           typeOut,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: key("out"),
	})
	if err != nil {
		return TransferResult{}, fmt.Errorf("transfer debit: %w", err)
	}

	credit, err := l.Credit(ctx, Posting{
		Account:        UserKey(req.Owner, req.To),
		Amount:         net,
		Type:           typeIn,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: key("in"),
		Fee:            fee,
	})
	if err != nil {
		return TransferResult{}, fmt.Errorf("transfer credit: %w", err)
	}

	res := TransferResult{Debit: debit, Credit: credit, Fee: fee}
	if fee.Sign() > 0 {
		fc, err := l.Credit(ctx, Posting{
			Account:        SystemKey(FeeIncome),
			Amount:         fee,
			Type:           EntryTransferFee,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: key("fee"),
			SourceAccount:  req.Owner,
		})
		if err != nil {
			return TransferResult{}, fmt.Errorf("transfer fee: %w", err)
		}
		res.FeeCredit = &fc
	}
	return res, nil
}
