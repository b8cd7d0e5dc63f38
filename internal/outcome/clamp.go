package outcome

import (
	"CrashLedger/internal/money"

	"github.com/shopspring/decimal"
)

// Exposure summarises the open stakes a round's outcome is committed
// against.
type Exposure struct {
	Total   decimal.Decimal
	Largest decimal.Decimal
	Count   int
}

// MaxSafeMultiplier returns safety × liquidity / exposure: the highest
// multiplier at which settling every open stake stays within budget.
// ok is false when there is no exposure.
func MaxSafeMultiplier(exposure, liquidity, safety decimal.Decimal) (decimal.Decimal, bool) {
	if exposure.Sign() <= 0 {
		return decimal.Zero, false
	}
	budget := liquidity.Mul(safety)
	if budget.Sign() <= 0 {
		return decimal.Zero, true
	}
	return budget.Div(exposure), true
}

// Clamp returns natural unless paying every open stake at natural would
// exceed safety × liquidity, in which case it returns the floored
// liquidity ceiling (never below 1.00). clamped reports the replacement.
func Clamp(natural, exposure, liquidity, safety decimal.Decimal) (value decimal.Decimal, clamped bool) {
	maxSafe, ok := MaxSafeMultiplier(exposure, liquidity, safety)
	if !ok {
		return natural, false
	}
	if exposure.Mul(natural).LessThanOrEqual(liquidity.Mul(safety)) {
		return natural, false
	}
	return money.Min(natural, money.FloorMultiplier(maxSafe)), true
}
