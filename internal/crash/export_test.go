package crash

import (
	"context"

	"CrashLedger/internal/ledger"
	"CrashLedger/internal/positions"

	"github.com/shopspring/decimal"
)

// Step hooks drive one round phase by phase without the loop's timers.

func (e *Engine) OpenRound(ctx context.Context) error { return e.beginWaiting(ctx) }

// TakeOff closes betting and then pins the committed crash point.
func (e *Engine) TakeOff(ctx context.Context, committed decimal.Decimal) {
	e.fly(ctx)
	e.mu.Lock()
	e.round.committed = committed
	e.mu.Unlock()
}

func (e *Engine) Land(ctx context.Context) { e.crash(ctx) }

// Abandon unwinds the current round the way the loop does after a failure.
func (e *Engine) Abandon(ctx context.Context) error { return e.abandon(ctx) }

// Resettle writes pos's cash-out settlement again under its original
// correlation id, as a retried request would.
func (e *Engine) Resettle(ctx context.Context, pos positions.Position, rawWin decimal.Decimal) error {
	_, err := e.coord.RunAtomic(ctx, "cash_out", func(ctx context.Context, s ledger.Store) error {
		_, _, err := e.settle(ctx, s, pos, rawWin, pos.ID.String()+":cashout")
		return err
	})
	return err
}
