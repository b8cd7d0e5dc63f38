package outcome

import (
	"sync"

	"CrashLedger/internal/money"

	"github.com/shopspring/decimal"
)

// Rand is the randomness the bias layer draws from.
type Rand interface {
	Float64() float64
}

// BiasConfig tunes the behavioural nudges applied after the clamp.
type BiasConfig struct {
	// WhaleStake is the single stake at or above which the whale trap may fire.
	WhaleStake decimal.Decimal
	// WhaleTrapProbability is the chance the trap fires when armed.
	WhaleTrapProbability float64
	// WhaleTrapCeiling is the highest multiplier a trap forces (e.g. 1.20).
	WhaleTrapCeiling decimal.Decimal

	// MicroStakeMax: the boost is considered only when every stake is at or
	// below it.
	MicroStakeMax decimal.Decimal
	// MicroBoostProbability is the chance the boost fires when armed.
	MicroBoostProbability float64
	// MicroBoostFloor is the multiplier a boost raises the crash point to.
	MicroBoostFloor decimal.Decimal
}

// Adjustment names what the bias layer did.
type Adjustment string

const (
	AdjustNone       Adjustment = ""
	AdjustWhaleTrap  Adjustment = "whale_trap"
	AdjustMicroBoost Adjustment = "micro_boost"
)

// Bias applies the whale trap and micro boost. Neither can raise the
// result above the liquidity-safe multiplier.
type Bias struct {
	cfg BiasConfig

	mu  sync.Mutex
	rnd Rand
}

func NewBias(cfg BiasConfig, rnd Rand) *Bias {
	return &Bias{cfg: cfg, rnd: rnd}
}

func (b *Bias) roll() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.Float64()
}

// Apply nudges m given the round's exposure. maxSafe is the liquidity-safe
// ceiling from MaxSafeMultiplier; hasMax is false with no exposure.
func (b *Bias) Apply(m decimal.Decimal, exp Exposure, maxSafe decimal.Decimal, hasMax bool) (decimal.Decimal, Adjustment) {
	if b == nil || exp.Count == 0 {
		return m, AdjustNone
	}

	if b.cfg.WhaleStake.Sign() > 0 && exp.Largest.GreaterThanOrEqual(b.cfg.WhaleStake) {
		if b.roll() < b.cfg.WhaleTrapProbability {
			span := b.cfg.WhaleTrapCeiling.Sub(money.One)
			forced := money.FloorMultiplier(money.One.Add(span.Mul(decimal.NewFromFloat(b.roll()))))
			if forced.LessThan(m) {
				return forced, AdjustWhaleTrap
			}
		}
		return m, AdjustNone
	}

	if b.cfg.MicroStakeMax.Sign() > 0 && exp.Largest.LessThanOrEqual(b.cfg.MicroStakeMax) &&
		m.LessThan(b.cfg.MicroBoostFloor) {
		if b.roll() < b.cfg.MicroBoostProbability {
			boosted := b.cfg.MicroBoostFloor
			if hasMax {
				boosted = money.Min(boosted, money.FloorMultiplier(maxSafe))
			}
			if boosted.GreaterThan(m) {
				return boosted, AdjustMicroBoost
			}
		}
	}
	return m, AdjustNone
}
