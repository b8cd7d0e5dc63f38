package crash_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/crash"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/outcome"
	"CrashLedger/internal/pool"
	"CrashLedger/internal/positions"
	"CrashLedger/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// slowStore stalls balance reads of one account, stretching a place-bet
// past its action lease.
type slowStore struct {
	*store.MemoryStore
	key   ledger.AccountKey
	delay time.Duration
}

func (s *slowStore) GetBalance(ctx context.Context, key ledger.AccountKey) (ledger.Balance, error) {
	if key == s.key {
		time.Sleep(s.delay)
	}
	return s.MemoryStore.GetBalance(ctx, key)
}

// flakyLiquidity panics on its first read.
type flakyLiquidity struct {
	src     outcome.LiquiditySource
	tripped atomic.Bool
}

func (f *flakyLiquidity) Liquidity(ctx context.Context) (decimal.Decimal, error) {
	if f.tripped.CompareAndSwap(false, true) {
		panic("liquidity feed returned garbage")
	}
	return f.src.Liquidity(ctx)
}

func fastRounds(c *crash.Config) {
	c.WaitingDuration = 10 * time.Millisecond
	c.PostCrashDelay = 10 * time.Millisecond
	c.SupervisorBackoff = 10 * time.Millisecond
	c.GrowthRate = 1000
}

func entriesOf(t *testing.T, h *harness, key ledger.AccountKey, typ ledger.EntryType) int {
	t.Helper()
	entries, err := h.ledger.Store().Entries(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// =============================================================================
// Action leases
// =============================================================================

func TestPlaceBet_ExpiredLeaseCannotDoubleStake(t *testing.T) {
	s := &slowStore{
		MemoryStore: store.NewMemoryStore(),
		key:         ledger.UserKey("ivy", ledger.BucketSpendable),
		delay:       60 * time.Millisecond,
	}
	h := newHarnessWith(t, harnessOptions{store: s, lockTTL: 20 * time.Millisecond})
	ctx := context.Background()
	h.deposit(t, "ivy", "100")
	if err := h.engine.OpenRound(ctx); err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := h.engine.PlaceBet(ctx, "ivy", d("10"))
		first <- err
	}()
	// The first request still holds its slot but its lease has lapsed.
	time.Sleep(30 * time.Millisecond)
	if _, err := h.engine.PlaceBet(ctx, "ivy", d("10")); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("second bet: got %v, want DUPLICATE", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first bet: %v", err)
	}

	if got := h.balance(t, "ivy", ledger.BucketSpendable); !got.Equal(d("90")) {
		t.Errorf("spendable = %s, want 90", got)
	}
	if ps := h.engine.Positions(); len(ps) != 1 || ps[0].Status != positions.StatusOpen {
		t.Errorf("positions = %+v, want one open", ps)
	}
}

// =============================================================================
// Failure recovery
// =============================================================================

func TestRun_RecoversFromPanicWhileClosingBetting(t *testing.T) {
	liq := &flakyLiquidity{}
	h := newHarnessWith(t, harnessOptions{
		config: fastRounds,
		liquidity: func(src outcome.LiquiditySource) outcome.LiquiditySource {
			liq.src = src
			return liq
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitFor(t, "rounds after the panic", func() bool { return len(h.archive.records()) >= 2 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !liq.tripped.Load() {
		t.Error("liquidity never read")
	}
}

func TestRun_ShutdownPlaysOutAcceptedBets(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{config: func(c *crash.Config) {
		c.WaitingDuration = 10 * time.Second
		c.PostCrashDelay = 10 * time.Second
		c.GrowthRate = 1000
	}})
	h.deposit(t, "jack", "100")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitFor(t, "betting to open", func() bool {
		st := h.engine.State()
		return st.State == crash.PhaseWaiting.String() && st.RoundID != uuid.Nil
	})
	if _, err := h.engine.PlaceBet(context.Background(), "jack", d("10")); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	recs := h.archive.records()
	if len(recs) != 1 || recs[0].BetCount != 1 || !recs[0].TotalStake.Equal(d("10")) {
		t.Fatalf("archived = %+v, want the one round with jack's bet", recs)
	}
	if ps := h.engine.Positions(); len(ps) != 1 || ps[0].Status != positions.StatusLost {
		t.Errorf("positions = %+v, want jack's lost", ps)
	}
	if got := h.balance(t, "jack", ledger.BucketSpendable); !got.Equal(d("90")) {
		t.Errorf("spendable = %s, want 90", got)
	}
}

func TestAbandon_RefundsRoundThatNeverFlew(t *testing.T) {
	liq := &flakyLiquidity{}
	h := newHarnessWith(t, harnessOptions{liquidity: func(src outcome.LiquiditySource) outcome.LiquiditySource {
		liq.src = src
		return liq
	}})
	ctx := context.Background()
	h.deposit(t, "kim", "100")

	_ = h.engine.OpenRound(ctx)
	bet, err := h.engine.PlaceBet(ctx, "kim", d("10"))
	if err != nil {
		t.Fatal(err)
	}
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("take-off did not panic")
			}
		}()
		h.engine.TakeOff(ctx, d("2"))
	}()

	if err := h.engine.Abandon(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.balance(t, "kim", ledger.BucketSpendable); !got.Equal(d("100")) {
		t.Errorf("spendable after void = %s, want 100", got)
	}
	if n := entriesOf(t, h, ledger.UserKey("kim", ledger.BucketSpendable), ledger.EntryRefund); n != 1 {
		t.Errorf("%d refund entries, want 1", n)
	}
	if n := entriesOf(t, h, ledger.SystemKey(bet.Position.Pool), ledger.EntryPoolPayout); n != 1 {
		t.Errorf("%d pool refund debits, want 1", n)
	}
	if st := h.engine.State(); st.State != crash.PhaseCrashed.String() || st.CrashPoint != nil {
		t.Errorf("state after void = %+v", st)
	}
	if len(h.engine.History()) != 0 {
		t.Error("voided round entered history")
	}

	// Betting reopens with the next round.
	_ = h.engine.OpenRound(ctx)
	placed := make(chan error, 1)
	go func() {
		_, err := h.engine.PlaceBet(ctx, "kim", d("10"))
		placed <- err
	}()
	select {
	case err := <-placed:
		if err != nil {
			t.Errorf("bet in the next round: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("betting still held by the failed round")
	}
}

func TestAbandon_FlyingRoundKeepsCommittedPoint(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "lee", "100")

	_ = h.engine.OpenRound(ctx)
	if _, err := h.engine.PlaceBet(ctx, "lee", d("10")); err != nil {
		t.Fatal(err)
	}
	h.fly("2", "1.5")

	if err := h.engine.Abandon(ctx); err != nil {
		t.Fatal(err)
	}
	st := h.engine.State()
	if st.State != crash.PhaseCrashed.String() || st.CrashPoint == nil || !st.CrashPoint.Equal(d("2")) {
		t.Errorf("state = %+v, want crashed at 2", st)
	}
	if ps := h.engine.Positions(); len(ps) != 1 || ps[0].Status != positions.StatusLost {
		t.Errorf("positions = %+v, want lee's lost", ps)
	}
	if got := h.balance(t, "lee", ledger.BucketSpendable); !got.Equal(d("90")) {
		t.Errorf("spendable = %s, want 90", got)
	}
}

// =============================================================================
// Settlement accounting
// =============================================================================

func TestCashOut_OnePoolDebitOnePlayerCredit(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "mia", "100")

	_ = h.engine.OpenRound(ctx)
	bet, err := h.engine.PlaceBet(ctx, "mia", d("10"))
	if err != nil {
		t.Fatal(err)
	}
	if bet.Position.Pool != pool.Micro {
		t.Fatalf("pool = %s, want micro", bet.Position.Pool)
	}
	h.fly("5", "2")
	st, err := h.engine.CashOut(ctx, "mia", bet.Position.ID, d("2"))
	if err != nil {
		t.Fatal(err)
	}

	poolKey := ledger.SystemKey(pool.Micro)
	userKey := ledger.UserKey("mia", ledger.BucketSpendable)
	check := func(when string) {
		t.Helper()
		if n := entriesOf(t, h, poolKey, ledger.EntryPoolPayout); n != 1 {
			t.Errorf("%s: %d pool payout debits, want 1", when, n)
		}
		if n := entriesOf(t, h, userKey, ledger.EntryPayout); n != 1 {
			t.Errorf("%s: %d player payout credits, want 1", when, n)
		}
		if got := h.balance(t, "mia", ledger.BucketSpendable); !got.Equal(d("110")) {
			t.Errorf("%s: spendable = %s, want 110", when, got)
		}
	}
	check("after cash-out")

	if err := h.engine.Resettle(ctx, st.Position, st.RawWin); err != nil {
		t.Fatalf("retried settlement: %v", err)
	}
	check("after retry")
}

func TestRounds_RandomBetsAndCashOutsKeepBalancesSound(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	accounts := make([]string, 8)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("player%d", i)
		h.deposit(t, accounts[i], "50")
	}
	points := []string{"1", "1.37", "2", "4.5", "12"}

	for round := 0; round < 6; round++ {
		if err := h.engine.OpenRound(ctx); err != nil {
			t.Fatal(err)
		}

		stakes := make([]decimal.Decimal, len(accounts))
		for i := range stakes {
			stakes[i] = decimal.NewFromInt(int64(1 + rng.IntN(60)))
		}
		var wg sync.WaitGroup
		ids := make([]uuid.UUID, len(accounts))
		for i, account := range accounts {
			for range 2 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if bet, err := h.engine.PlaceBet(ctx, account, stakes[i]); err == nil {
						ids[i] = bet.Position.ID
					}
				}()
			}
		}
		wg.Wait()

		committed := points[rng.IntN(len(points))]
		h.fly(committed, committed)

		targets := make([]decimal.Decimal, len(accounts))
		for i := range targets {
			span := d(committed).Sub(d("1")).InexactFloat64()
			targets[i] = decimal.NewFromFloat(1 + rng.Float64()*span).RoundFloor(2)
		}
		for i, account := range accounts {
			if ids[i] == uuid.Nil || rng.IntN(4) == 0 {
				continue
			}
			for range 3 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = h.engine.CashOut(ctx, account, ids[i], targets[i])
				}()
			}
		}
		wg.Wait()
		h.engine.Land(ctx)

		for _, account := range accounts {
			for _, b := range []ledger.Bucket{ledger.BucketSpendable, ledger.BucketLocked} {
				if got := h.balance(t, account, b); got.IsNegative() {
					t.Fatalf("round %d: %s %s = %s", round, account, b, got)
				}
			}
		}
		seen := map[string]bool{}
		for _, p := range h.engine.Positions() {
			if seen[p.Account] {
				t.Fatalf("round %d: %s holds two positions", round, p.Account)
			}
			seen[p.Account] = true
			if p.Status == positions.StatusOpen || p.Status == positions.StatusSettling {
				t.Errorf("round %d: %s left %s after the crash", round, p.Account, p.Status)
			}
		}
	}

	broken, err := h.ledger.ReconcileAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(broken) != 0 {
		t.Errorf("accounts out of balance with their history: %v", broken)
	}
}
