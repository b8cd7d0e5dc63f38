package crash_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/crash"
	"CrashLedger/internal/event"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/outcome"
	"CrashLedger/internal/pool"
	"CrashLedger/internal/positions"
	"CrashLedger/internal/testutil"
	"CrashLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []event.Outbound
}

func (b *recordingBroadcaster) Publish(msg event.Outbound) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) kinds() map[event.Kind]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[event.Kind]int{}
	for _, m := range b.msgs {
		out[m.Kind]++
	}
	return out
}

type recordingArchiver struct {
	mu   sync.Mutex
	recs []crash.RoundRecord
}

func (a *recordingArchiver) Submit(rec crash.RoundRecord) bool {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
	return true
}

func (a *recordingArchiver) records() []crash.RoundRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]crash.RoundRecord(nil), a.recs...)
}

type harness struct {
	engine  *crash.Engine
	ledger  *ledger.Ledger
	clock   *testutil.Clock
	out     *recordingBroadcaster
	archive *recordingArchiver
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{grace: grace})
}

type harnessOptions struct {
	grace     time.Duration
	store     ledger.Store // SQLite when nil
	lockTTL   time.Duration
	config    func(*crash.Config)
	liquidity func(outcome.LiquiditySource) outcome.LiquiditySource
}

func newHarnessWith(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	s := o.store
	if s == nil {
		s = testutil.NewSQLiteStore(t)
	}
	if o.lockTTL == 0 {
		o.lockTTL = time.Second
	}
	l := ledger.New(s)
	clock := testutil.NewClock(time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC))
	alloc := pool.NewAllocator(l, nil, pool.DefaultConfig(), zerolog.Nop(), nil)
	if err := alloc.Seed(context.Background(), pool.HouseReserve, d("1000000"), "test"); err != nil {
		t.Fatal(err)
	}
	var liquidity outcome.LiquiditySource = alloc
	if o.liquidity != nil {
		liquidity = o.liquidity(alloc)
	}

	cfg := crash.DefaultConfig()
	cfg.GraceWindow = o.grace
	if o.config != nil {
		o.config(&cfg)
	}
	h := &harness{
		ledger:  l,
		clock:   clock,
		out:     &recordingBroadcaster{},
		archive: &recordingArchiver{},
	}
	h.engine = crash.New(cfg, crash.Deps{
		Ledger:      l,
		Coordinator: txn.NewCoordinator(s, zerolog.Nop(), nil),
		Allocator:   alloc,
		Generator:   outcome.NewGenerator(liquidity, d("0.85"), nil, zerolog.Nop(), nil),
		Positions:   positions.NewRegistry(o.lockTTL),
		Signer:      outcome.NewSigner(),
		Chain:       outcome.NewCommitmentChain(),
		Broadcaster: h.out,
		Archiver:    h.archive,
		Log:         zerolog.Nop(),
		Clock:       clock.Now,
	})
	return h
}

func (h *harness) deposit(t *testing.T, account, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), ledger.Posting{
		Account:        ledger.UserKey(account, ledger.BucketSpendable),
		Amount:         d(amount),
		Type:           ledger.EntryDeposit,
		IdempotencyKey: "deposit:" + account + ":" + amount,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) balance(t *testing.T, account string, b ledger.Bucket) decimal.Decimal {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), ledger.UserKey(account, b))
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

// fly closes betting at committed and advances the clock until the curve
// has reached reach.
func (h *harness) fly(committed, reach string) {
	h.engine.TakeOff(context.Background(), d(committed))
	h.clock.Advance(crash.FlightDuration(d(reach), crash.DefaultConfig().GrowthRate) + time.Second)
}

// =============================================================================
// Wagering and settlement
// =============================================================================

func TestCashOut_VaultSplitsOutsizedWin(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "alice", "400")

	if err := h.engine.OpenRound(ctx); err != nil {
		t.Fatal(err)
	}
	bet, err := h.engine.PlaceBet(ctx, "alice", d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if bet.Mode != txn.Atomic {
		t.Errorf("bet ran %s, want atomic", bet.Mode)
	}
	if got := h.balance(t, "alice", ledger.BucketSpendable); !got.Equal(d("300")) {
		t.Fatalf("spendable after stake = %s, want 300", got)
	}

	h.fly("100", "50")
	st, err := h.engine.CashOut(ctx, "alice", bet.Position.ID, d("50"))
	if err != nil {
		t.Fatal(err)
	}
	if !st.RawWin.Equal(d("5000")) || !st.Spendable.Equal(d("1500")) || !st.Locked.Equal(d("3500")) {
		t.Errorf("settlement = win %s spendable %s locked %s, want 5000/1500/3500",
			st.RawWin, st.Spendable, st.Locked)
	}
	if got := h.balance(t, "alice", ledger.BucketSpendable); !got.Equal(d("1800")) {
		t.Errorf("spendable = %s, want 1800", got)
	}
	if got := h.balance(t, "alice", ledger.BucketLocked); !got.Equal(d("3500")) {
		t.Errorf("locked = %s, want 3500", got)
	}

	h.engine.Land(ctx)
	if len(h.archive.recs) != 1 {
		t.Fatalf("archived %d rounds, want 1", len(h.archive.recs))
	}
	rec := h.archive.recs[0]
	if rec.BetCount != 1 || !rec.TotalPayout.Equal(d("5000")) || rec.ChainHash == "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ServerSeed == "" || outcome.HashSeed(rec.ServerSeed) != rec.SeedHash {
		t.Error("revealed seed does not match the published hash")
	}
}

func TestPlaceBet_ReleasesVaultOnLaterStakes(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "alice", "400")

	_ = h.engine.OpenRound(ctx)
	bet, _ := h.engine.PlaceBet(ctx, "alice", d("100"))
	h.fly("100", "50")
	if _, err := h.engine.CashOut(ctx, "alice", bet.Position.ID, d("50")); err != nil {
		t.Fatal(err)
	}
	h.engine.Land(ctx)

	if err := h.engine.OpenRound(ctx); err != nil {
		t.Fatal(err)
	}
	next, err := h.engine.PlaceBet(ctx, "alice", d("100"))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Unlocked.Equal(d("50")) {
		t.Errorf("unlocked %s, want 50", next.Unlocked)
	}
	if got := h.balance(t, "alice", ledger.BucketLocked); !got.Equal(d("3450")) {
		t.Errorf("locked = %s, want 3450", got)
	}
	if got := h.balance(t, "alice", ledger.BucketSpendable); !got.Equal(d("1750")) {
		t.Errorf("spendable = %s, want 1750", got)
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "bob", "50")

	if _, err := h.engine.PlaceBet(ctx, "bob", d("10")); !errors.Is(err, apperr.ErrRoundStateMismatch) {
		t.Errorf("before any round: got %v, want ROUND_STATE_MISMATCH", err)
	}

	_ = h.engine.OpenRound(ctx)
	if _, err := h.engine.PlaceBet(ctx, "bob", d("0")); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("zero stake: %v", err)
	}
	if _, err := h.engine.PlaceBet(ctx, "bob", d("60")); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Errorf("overdraw: %v", err)
	}
	if got := h.balance(t, "bob", ledger.BucketSpendable); !got.Equal(d("50")) {
		t.Errorf("failed bet moved balance to %s", got)
	}
	if _, err := h.engine.PlaceBet(ctx, "bob", d("10")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.PlaceBet(ctx, "bob", d("10")); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("second bet in round: %v", err)
	}

	h.fly("2", "1.5")
	if _, err := h.engine.PlaceBet(ctx, "bob", d("10")); !errors.Is(err, apperr.ErrRoundStateMismatch) {
		t.Errorf("bet while flying: %v", err)
	}
}

func TestCashOut_Rejections(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "carol", "100")

	_ = h.engine.OpenRound(ctx)
	bet, err := h.engine.PlaceBet(ctx, "carol", d("10"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.CashOut(ctx, "carol", bet.Position.ID, d("1.5")); !errors.Is(err, apperr.ErrRoundStateMismatch) {
		t.Errorf("cash-out while waiting: %v", err)
	}

	h.fly("3", "1.5")
	if _, err := h.engine.CashOut(ctx, "carol", bet.Position.ID, d("2.9")); !errors.Is(err, apperr.ErrStaleAction) {
		t.Errorf("multiplier not yet reached: %v", err)
	}
	if _, err := h.engine.CashOut(ctx, "carol", uuid.New(), d("1.5")); !errors.Is(err, apperr.ErrStaleAction) {
		t.Errorf("wrong position id: %v", err)
	}
	if _, err := h.engine.CashOut(ctx, "dave", bet.Position.ID, d("1.5")); !errors.Is(err, apperr.ErrPositionNotFound) {
		t.Errorf("no position: %v", err)
	}
	if _, err := h.engine.CashOut(ctx, "carol", bet.Position.ID, d("0.5")); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("multiplier below 1: %v", err)
	}

	st, err := h.engine.CashOut(ctx, "carol", bet.Position.ID, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if st.Multiplier.LessThan(d("1.5")) || !st.Multiplier.LessThan(d("3")) {
		t.Errorf("cashed at %s, want the current flight multiplier", st.Multiplier)
	}
	if _, err := h.engine.CashOut(ctx, "carol", bet.Position.ID, d("1.5")); !errors.Is(err, apperr.ErrAlreadySettled) {
		t.Errorf("second cash-out: %v", err)
	}
}

func TestCashOut_SettlesOnceUnderContention(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "erin", "200")

	_ = h.engine.OpenRound(ctx)
	bet, err := h.engine.PlaceBet(ctx, "erin", d("100"))
	if err != nil {
		t.Fatal(err)
	}
	h.fly("10", "2")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.CashOut(ctx, "erin", bet.Position.ID, d("2")); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d cash-outs succeeded, want exactly 1", wins.Load())
	}
	if got := h.balance(t, "erin", ledger.BucketSpendable); !got.Equal(d("300")) {
		t.Errorf("spendable = %s, want 300", got)
	}
}

func TestPlaceBet_ConcurrentStakesNeverOverdraw(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.deposit(t, "frank", "30")

	_ = h.engine.OpenRound(ctx)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.PlaceBet(ctx, "frank", d("20")); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("%d bets accepted, want 1", accepted.Load())
	}
	if got := h.balance(t, "frank", ledger.BucketSpendable); !got.Equal(d("10")) {
		t.Errorf("spendable = %s, want 10", got)
	}
}

// =============================================================================
// Crash and grace window
// =============================================================================

func TestCrash_GraceWindowHonorsLateCashOut(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	ctx := context.Background()
	h.deposit(t, "gina", "100")
	h.deposit(t, "hank", "100")

	_ = h.engine.OpenRound(ctx)
	late, _ := h.engine.PlaceBet(ctx, "gina", d("10"))
	if _, err := h.engine.PlaceBet(ctx, "hank", d("10")); err != nil {
		t.Fatal(err)
	}
	h.fly("2", "1.9")

	landed := make(chan struct{})
	go func() {
		h.engine.Land(ctx)
		close(landed)
	}()
	for h.engine.State().State != crash.PhaseCrashed.String() {
		time.Sleep(time.Millisecond)
	}

	if _, err := h.engine.CashOut(ctx, "gina", late.Position.ID, d("2")); !errors.Is(err, apperr.ErrRoundStateMismatch) {
		t.Errorf("cash-out at the crash point: %v", err)
	}
	st, err := h.engine.CashOut(ctx, "gina", late.Position.ID, d("1.8"))
	if err != nil {
		t.Fatalf("late cash-out inside grace: %v", err)
	}
	if !st.Grace || !st.RawWin.Equal(d("18")) {
		t.Errorf("settlement = %+v", st)
	}
	<-landed

	var lost int
	for _, p := range h.engine.Positions() {
		if p.Status == positions.StatusLost {
			lost++
		}
	}
	if lost != 1 {
		t.Errorf("%d positions lost, want 1 (hank)", lost)
	}

	state := h.engine.State()
	if state.CrashPoint == nil || !state.CrashPoint.Equal(d("2")) || state.ServerSeed == "" {
		t.Errorf("crashed state = %+v", state)
	}
	if hist := h.engine.History(); len(hist) != 1 || !hist[0].Equal(d("2")) {
		t.Errorf("history = %v", hist)
	}
	kinds := h.out.kinds()
	if kinds[event.KindRoundState] != 3 || kinds[event.KindCashOutSuccess] != 1 {
		t.Errorf("broadcasts = %v", kinds)
	}
}

func TestState_HidesCrashPointUntilCrash(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	_ = h.engine.OpenRound(ctx)

	st := h.engine.State()
	if st.State != "WAITING" || st.CrashPoint != nil || st.ServerSeed != "" {
		t.Errorf("waiting state leaks outcome: %+v", st)
	}
	if st.SeedHash == "" || st.Signature == "" {
		t.Error("commitment not published while waiting")
	}
	h.fly("5", "1")
	if st := h.engine.State(); st.CrashPoint != nil {
		t.Error("crash point visible while flying")
	}
	if r := h.engine.Round(); r.Phase != crash.PhaseFlying || r.ServerSeed != "" {
		t.Errorf("round = %+v, want flying with the seed hidden", r)
	}
	if m, fixed := h.engine.Round().Committed(); !fixed || !m.Equal(d("5")) {
		t.Errorf("committed = %s fixed=%v", m, fixed)
	}
}

// =============================================================================
// Curve and history
// =============================================================================

func TestMultiplierCurve(t *testing.T) {
	const k = 0.06
	if got := crash.MultiplierAt(0, k); !got.Equal(d("1")) {
		t.Errorf("MultiplierAt(0) = %s", got)
	}
	for _, m := range []string{"1.5", "2", "10", "100"} {
		dur := crash.FlightDuration(d(m), k)
		if got := crash.MultiplierAt(dur+time.Millisecond, k); got.LessThan(d(m)) {
			t.Errorf("after %s the curve is at %s, want >= %s", dur, got, m)
		}
		if got := crash.MultiplierAt(dur-50*time.Millisecond, k); !got.LessThan(d(m)) {
			t.Errorf("curve reached %s before %s", m, dur)
		}
	}
	if crash.FlightDuration(d("1"), k) != 0 {
		t.Error("1.00 should crash instantly")
	}
}

func TestHistory_KeepsNewestFirst(t *testing.T) {
	h := crash.NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Push(decimal.NewFromInt(int64(i)))
	}
	got := h.Values()
	if len(got) != 3 || !got[0].Equal(decimal.NewFromInt(5)) || !got[2].Equal(decimal.NewFromInt(3)) {
		t.Errorf("history = %v, want [5 4 3]", got)
	}
	if len(crash.NewHistory(0).Values()) != 0 {
		t.Error("empty history not empty")
	}
}

func TestVaultRule(t *testing.T) {
	v := crash.DefaultVaultRule()
	s, l := v.Split(d("5000"), d("300"))
	if !s.Equal(d("1500")) || !l.Equal(d("3500")) {
		t.Errorf("Split = %s/%s", s, l)
	}
	s, l = v.Split(d("3000"), d("300"))
	if !s.Equal(d("3000")) || !l.IsZero() {
		t.Errorf("win at exactly 10x should not lock: %s/%s", s, l)
	}
	if got := v.Unlock(d("25"), d("100")); !got.Equal(d("12")) {
		t.Errorf("Unlock(25) = %s, want 12", got)
	}
	if got := v.Unlock(d("1000"), d("7")); !got.Equal(d("7")) {
		t.Errorf("Unlock capped = %s, want 7", got)
	}
}
