package outcome

import (
	"context"

	"CrashLedger/internal/money"
	"CrashLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LiquiditySource reports the funds available to pay a round's winners.
type LiquiditySource interface {
	Liquidity(ctx context.Context) (decimal.Decimal, error)
}

// Outcome is the result of one generation. Committed is what settles the
// round; Natural is what the revealed seeds prove.
type Outcome struct {
	Natural    decimal.Decimal
	Clamped    bool
	Committed  decimal.Decimal
	Adjustment Adjustment
	Liquidity  decimal.Decimal
	Degraded   bool
}

// Generator commits a round's crash point: fair draw, liquidity clamp, bias.
type Generator struct {
	liquidity LiquiditySource
	safety    decimal.Decimal
	bias      *Bias
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewGenerator(liquidity LiquiditySource, safety decimal.Decimal, bias *Bias, log zerolog.Logger, metrics *observability.Metrics) *Generator {
	return &Generator{
		liquidity: liquidity,
		safety:    safety,
		bias:      bias,
		log:       log,
		metrics:   metrics,
	}
}

// Generate is called once per round, after betting closes. If liquidity
// cannot be read the round is committed at 1.00 so no payout is possible.
func (g *Generator) Generate(ctx context.Context, seeds Seeds, exp Exposure) Outcome {
	natural := CrashPoint(seeds)

	liq, err := g.liquidity.Liquidity(ctx)
	if err != nil {
		g.log.Warn().Err(err).Str("natural", natural.String()).Msg("liquidity unavailable, committing 1.00")
		g.count("degraded")
		return Outcome{Natural: natural, Committed: money.One, Degraded: true}
	}

	out := Outcome{Natural: natural, Liquidity: liq}
	out.Committed, out.Clamped = Clamp(natural, exp.Total, liq, g.safety)
	if out.Clamped {
		g.count("clamp")
		g.log.Info().
			Str("natural", natural.String()).
			Str("committed", out.Committed.String()).
			Str("exposure", exp.Total.String()).
			Str("liquidity", liq.String()).
			Msg("crash point clamped to liquidity")
	}

	maxSafe, hasMax := MaxSafeMultiplier(exp.Total, liq, g.safety)
	out.Committed, out.Adjustment = g.bias.Apply(out.Committed, exp, maxSafe, hasMax)
	if out.Adjustment != AdjustNone {
		g.count(string(out.Adjustment))
	}
	return out
}

func (g *Generator) count(kind string) {
	if g.metrics != nil {
		g.metrics.OutcomeAdjustments.WithLabelValues(kind).Inc()
	}
}
