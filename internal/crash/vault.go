package crash

import (
	"CrashLedger/internal/money"

	"github.com/shopspring/decimal"
)

// VaultRule withholds part of an outsized win into the locked bucket and
// releases it as the account keeps wagering.
type VaultRule struct {
	// A win above Factor × spendable balance is split.
	Factor decimal.Decimal
	// SpendableShare of a split win is credited as spendable; the rest is locked.
	SpendableShare decimal.Decimal
	// UnlockShare of every later stake moves from locked to spendable.
	UnlockShare decimal.Decimal
}

func DefaultVaultRule() VaultRule {
	return VaultRule{
		Factor:         decimal.NewFromInt(10),
		SpendableShare: decimal.RequireFromString("0.30"),
		UnlockShare:    decimal.RequireFromString("0.50"),
	}
}

// Split divides rawWin given the account's spendable balance at settlement.
func (v VaultRule) Split(rawWin, spendable decimal.Decimal) (toSpendable, toLocked decimal.Decimal) {
	if v.Factor.Sign() <= 0 || !rawWin.GreaterThan(spendable.Mul(v.Factor)) {
		return rawWin, decimal.Zero
	}
	toSpendable = money.Truncate4(rawWin.Mul(v.SpendableShare))
	return toSpendable, rawWin.Sub(toSpendable)
}

// Unlock is how much a stake releases from locked, floored to whole units
// and capped at what is locked.
func (v VaultRule) Unlock(stake, locked decimal.Decimal) decimal.Decimal {
	if locked.Sign() <= 0 {
		return decimal.Zero
	}
	return money.Min(money.FloorUnits(stake.Mul(v.UnlockShare)), locked)
}
