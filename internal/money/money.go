package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundingMode selects how a value is reduced to a fixed number of places.
type RoundingMode int

const (
	// RoundDown truncates toward zero. Used for credits so fractional drift
	// never pays out more than configured.
	RoundDown RoundingMode = iota
	// RoundFloor rounds toward negative infinity.
	RoundFloor
	// RoundHalfEven is banker's rounding, used for display only.
	RoundHalfEven
)

// Precision of stored amounts and of multipliers.
const (
	AmountPlaces     int32 = 4
	MultiplierPlaces int32 = 2
)

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Round reduces d to places using mode.
func Round(d decimal.Decimal, places int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundFloor:
		return d.RoundFloor(places)
	case RoundHalfEven:
		return d.RoundBank(places)
	default:
		return d.Truncate(places)
	}
}

// Truncate4 truncates to the stored amount precision.
func Truncate4(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(AmountPlaces)
}

// FloorUnits floors to whole currency units.
func FloorUnits(d decimal.Decimal) decimal.Decimal {
	return d.Floor()
}

// FloorMultiplier floors a multiplier to two places, never below 1.00.
func FloorMultiplier(m decimal.Decimal) decimal.Decimal {
	m = m.RoundFloor(MultiplierPlaces)
	if m.LessThan(One) {
		return One
	}
	return m
}

// Percent returns amount × pct / 100.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Parse reads a decimal amount from its string form, rejecting negatives.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	return d, nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
