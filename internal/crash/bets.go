package crash

import (
	"context"
	"fmt"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/event"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/money"
	"CrashLedger/internal/pool"
	"CrashLedger/internal/positions"
	"CrashLedger/internal/referral"
	"CrashLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bet is an accepted wager.
type Bet struct {
	Position positions.Position
	Split    pool.Split
	Referral []referral.Credit
	Unlocked decimal.Decimal
	Mode     txn.Mode
}

// Settlement is a successful cash-out.
type Settlement struct {
	Position   positions.Position
	Multiplier decimal.Decimal
	RawWin     decimal.Decimal
	Spendable  decimal.Decimal
	Locked     decimal.Decimal
	Grace      bool
	Mode       txn.Mode
}

// PlaceBet stakes amount from account's spendable balance on the round now
// accepting bets.
func (e *Engine) PlaceBet(ctx context.Context, account string, amount decimal.Decimal) (Bet, error) {
	bet, err := e.placeBet(ctx, account, amount)
	if err != nil {
		if e.metrics != nil {
			e.metrics.BetsRejected.WithLabelValues("crash", reason(err)).Inc()
		}
		return Bet{}, err
	}
	if e.metrics != nil {
		e.metrics.BetsPlaced.WithLabelValues("crash").Inc()
	}
	return bet, nil
}

func (e *Engine) placeBet(ctx context.Context, account string, amount decimal.Decimal) (Bet, error) {
	amount = money.Truncate4(amount)
	if err := e.validStake(amount); err != nil {
		return Bet{}, err
	}

	unlock, err := e.positions.Lock(account)
	if err != nil {
		return Bet{}, err
	}
	defer unlock()

	e.betting.RLock()
	defer e.betting.RUnlock()

	e.mu.RLock()
	phase, roundID := e.round.Phase, e.round.ID
	e.mu.RUnlock()
	if phase != PhaseWaiting {
		return Bet{}, apperr.Wrap(apperr.CodeRoundStateMismatch,
			fmt.Sprintf("round is %s, bets open in the next round", phase), nil)
	}
	if e.presence != nil {
		e.presence.Touch(account)
	}

	pos := positions.Position{
		ID:        uuid.New(),
		RoundID:   roundID,
		Account:   account,
		Stake:     amount,
		Pool:      e.alloc.Classify(account, amount),
		CreatedAt: e.now(),
	}
	corr := pos.ID.String()

	// The slot is held from here on, so a request that outlives its lease
	// cannot be joined by a second stake.
	if err := e.positions.Reserve(pos); err != nil {
		if apperr.CodeOf(err) == apperr.CodeDuplicate {
			return Bet{}, apperr.Wrap(apperr.CodeDuplicate, "one position per round", err)
		}
		return Bet{}, err
	}

	var bet Bet
	bet.Mode, err = e.coord.RunAtomic(ctx, "place_bet", func(ctx context.Context, s ledger.Store) error {
		var err error
		bet.Unlocked, bet.Split, bet.Referral, err = e.stake(ctx, s, account, amount, corr)
		return err
	})
	if err != nil {
		e.positions.Cancel(account, pos.ID)
		return Bet{}, err
	}

	if bet.Position, err = e.positions.Activate(account, pos.ID); err != nil {
		e.log.Error().Err(err).
			Str("account", account).
			Str("position_id", corr).
			Msg("stake debited but position not opened")
		return Bet{}, err
	}

	e.publish(account, "", event.KindBetAccepted, event.BetAccepted{
		PositionID: pos.ID,
		RoundID:    roundID,
		Amount:     amount,
	})
	e.publish("", "", event.KindPublicBet, event.PublicBet{Player: event.Mask(account), Amount: amount})
	return bet, nil
}

// stake writes a wager's money movements through s: the stake debit, the
// vault release it earns, the commission split and the referral fan-out.
func (e *Engine) stake(ctx context.Context, s ledger.Store, account string, amount decimal.Decimal, corr string) (decimal.Decimal, pool.Split, []referral.Credit, error) {
	l := e.ledger.Using(s)
	if _, err := l.Debit(ctx, ledger.Posting{
		Account:        ledger.UserKey(account, ledger.BucketSpendable),
		Amount:         amount,
		Type:           ledger.EntryWager,
		CorrelationID:  corr,
		IdempotencyKey: corr + ":wager",
	}); err != nil {
		return decimal.Zero, pool.Split{}, nil, err
	}

	unlocked, err := e.releaseVault(ctx, l, account, amount, corr)
	if err != nil {
		return decimal.Zero, pool.Split{}, nil, fmt.Errorf("vault release: %w", err)
	}

	split, err := e.alloc.AllocateWager(ctx, s, account, amount, corr)
	if err != nil {
		return decimal.Zero, pool.Split{}, nil, err
	}

	var credits []referral.Credit
	if e.fanout != nil {
		if credits, err = e.fanout.Distribute(ctx, s, account, amount, corr); err != nil {
			return decimal.Zero, pool.Split{}, nil, err
		}
	}
	return unlocked, split, credits, nil
}

func (e *Engine) releaseVault(ctx context.Context, l *ledger.Ledger, account string, stake decimal.Decimal, corr string) (decimal.Decimal, error) {
	locked, err := l.Balance(ctx, ledger.UserKey(account, ledger.BucketLocked))
	if err != nil {
		return decimal.Zero, err
	}
	amt := e.cfg.Vault.Unlock(stake, locked)
	if amt.Sign() <= 0 {
		return decimal.Zero, nil
	}
	res, err := l.Transfer(ctx, e.cfg.Fees, ledger.TransferRequest{
		Owner:         account,
		From:          ledger.BucketLocked,
		To:            ledger.BucketSpendable,
		Gross:         amt,
		CorrelationID: corr + ":vault_unlock",
		Type:          ledger.EntryVaultUnlock,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.Credit.Amount, nil
}

func (e *Engine) validStake(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.Wrap(apperr.CodeInvalidAmount, "stake must be positive", nil)
	}
	if e.cfg.MinStake.Sign() > 0 && amount.LessThan(e.cfg.MinStake) {
		return apperr.Wrap(apperr.CodeInvalidAmount, fmt.Sprintf("stake below minimum %s", e.cfg.MinStake), nil)
	}
	if e.cfg.MaxStake.Sign() > 0 && amount.GreaterThan(e.cfg.MaxStake) {
		return apperr.Wrap(apperr.CodeInvalidAmount, fmt.Sprintf("stake above maximum %s", e.cfg.MaxStake), nil)
	}
	return nil
}

// CashOut settles account's position at requested. While the round flies
// requested may not exceed the current flight multiplier; zero means the
// current one. Just after the crash a cash-out is still honored if
// requested is below the crash point and the loss has not been booked.
func (e *Engine) CashOut(ctx context.Context, account string, positionID uuid.UUID, requested decimal.Decimal) (Settlement, error) {
	st, err := e.cashOut(ctx, account, positionID, requested)
	if e.metrics != nil {
		result := "won"
		if err != nil {
			result = reason(err)
		}
		e.metrics.CashOuts.WithLabelValues(result).Inc()
		if err == nil && st.Grace {
			e.metrics.GraceCashOuts.Inc()
		}
	}
	return st, err
}

func (e *Engine) cashOut(ctx context.Context, account string, positionID uuid.UUID, requested decimal.Decimal) (Settlement, error) {
	unlock, err := e.positions.Lock(account)
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()

	mult, grace, err := e.cashOutMultiplier(requested)
	if err != nil {
		return Settlement{}, err
	}

	pos, err := e.positions.Claim(account, positionID)
	if err != nil {
		return Settlement{}, err
	}

	st := Settlement{Multiplier: mult, Grace: grace}
	st.RawWin = money.FloorUnits(pos.Stake.Mul(mult))
	corr := pos.ID.String() + ":cashout"

	if st.RawWin.Sign() > 0 {
		st.Mode, err = e.coord.RunAtomic(ctx, "cash_out", func(ctx context.Context, s ledger.Store) error {
			var err error
			st.Spendable, st.Locked, err = e.settle(ctx, s, pos, st.RawWin, corr)
			return err
		})
		if err != nil {
			e.positions.Release(account, e.now())
			return Settlement{}, err
		}
	}

	st.Position, err = e.positions.Complete(account, mult, st.RawWin, e.now())
	if err != nil {
		return Settlement{}, err
	}

	e.publish(account, "", event.KindCashOutSuccess, event.CashOutSuccess{
		PositionID: pos.ID,
		WinAmount:  st.RawWin,
		Multiplier: mult,
		Spendable:  st.Spendable,
		Locked:     st.Locked,
	})
	e.publish("", "", event.KindPublicWin, event.PublicWin{
		Player:     event.Mask(account),
		Amount:     st.RawWin,
		Multiplier: mult,
	})
	return st, nil
}

// cashOutMultiplier resolves the multiplier a cash-out settles at.
func (e *Engine) cashOutMultiplier(requested decimal.Decimal) (mult decimal.Decimal, grace bool, err error) {
	e.mu.RLock()
	r := e.round
	e.mu.RUnlock()

	if requested.Sign() != 0 {
		requested = requested.RoundFloor(money.MultiplierPlaces)
		if requested.LessThan(money.One) {
			return decimal.Zero, false, apperr.Wrap(apperr.CodeInvalidAmount, "multiplier below 1.00", nil)
		}
	}

	switch r.Phase {
	case PhaseFlying:
		current := MultiplierAt(e.now().Sub(r.FlyingAt), e.cfg.GrowthRate)
		if requested.Sign() == 0 {
			requested = current
		}
		if requested.GreaterThan(current) {
			return decimal.Zero, false, apperr.Wrap(apperr.CodeStaleAction,
				fmt.Sprintf("multiplier %s not reached, flight at %s", requested, current), nil)
		}
		if !requested.LessThan(r.committed) {
			return decimal.Zero, false, apperr.Wrap(apperr.CodeRoundStateMismatch, "round has crashed", nil)
		}
		return requested, false, nil

	case PhaseCrashed:
		if r.ID != uuid.Nil && requested.Sign() > 0 && requested.LessThan(r.committed) {
			return requested, true, nil
		}
	}
	return decimal.Zero, false, apperr.Wrap(apperr.CodeRoundStateMismatch,
		fmt.Sprintf("round is %s", r.Phase), nil)
}

// settle pays rawWin out of the position's pool, splitting it into
// spendable and locked parts under the vault rule.
func (e *Engine) settle(ctx context.Context, s ledger.Store, pos positions.Position, rawWin decimal.Decimal, corr string) (decimal.Decimal, decimal.Decimal, error) {
	l := e.ledger.Using(s)
	spendable, err := l.Balance(ctx, ledger.UserKey(pos.Account, ledger.BucketSpendable))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	toSpendable, toLocked := e.cfg.Vault.Split(rawWin, spendable)

	if _, err := e.alloc.SettlePayout(ctx, s, pos.Pool, rawWin, corr); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool payout: %w", err)
	}
	if _, err := l.Credit(ctx, ledger.Posting{
		Account:        ledger.UserKey(pos.Account, ledger.BucketSpendable),
		Amount:         toSpendable,
		Type:           ledger.EntryPayout,
		CorrelationID:  corr,
		IdempotencyKey: corr + ":payout",
	}); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if toLocked.Sign() > 0 {
		if _, err := l.Credit(ctx, ledger.Posting{
			Account:        ledger.UserKey(pos.Account, ledger.BucketLocked),
			Amount:         toLocked,
			Type:           ledger.EntryVaultLock,
			CorrelationID:  corr,
			IdempotencyKey: corr + ":vault_lock",
		}); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if e.metrics != nil {
			e.metrics.VaultLocks.Inc()
		}
		e.log.Info().
			Str("account", pos.Account).
			Str("position_id", pos.ID.String()).
			Str("raw_win", rawWin.String()).
			Str("locked", toLocked.String()).
			Msg("win split into vault")
	}
	return toSpendable, toLocked, nil
}

// reason labels err for metrics.
func reason(err error) string {
	if code := apperr.CodeOf(err); code != "" {
		return string(code)
	}
	return "internal"
}
