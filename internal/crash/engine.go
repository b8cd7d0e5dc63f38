package crash

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"CrashLedger/internal/event"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/outcome"
	"CrashLedger/internal/pool"
	"CrashLedger/internal/positions"
	"CrashLedger/internal/presence"
	"CrashLedger/internal/referral"
	"CrashLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Room              string
	WaitingDuration   time.Duration
	GrowthRate        float64 // k in t = ln(M)/k, per second
	PostCrashDelay    time.Duration
	GraceWindow       time.Duration // late cash-outs honored after the crash
	SupervisorBackoff time.Duration
	MinStake          decimal.Decimal
	MaxStake          decimal.Decimal
	ClientSeed        string
	HistorySize       int
	Vault             VaultRule
	// Fees applies to the locked→spendable release; unlisted pairs are free.
	Fees ledger.FeeSchedule
}

func DefaultConfig() Config {
	return Config{
		Room:              "crash",
		WaitingDuration:   8 * time.Second,
		GrowthRate:        0.06,
		PostCrashDelay:    3 * time.Second,
		GraceWindow:       500 * time.Millisecond,
		SupervisorBackoff: 2 * time.Second,
		MinStake:          decimal.NewFromInt(1),
		MaxStake:          decimal.NewFromInt(100_000),
		ClientSeed:        "crashledger",
		HistorySize:       DefaultHistorySize,
		Vault:             DefaultVaultRule(),
	}
}

// Broadcaster delivers outbound messages to the room.
type Broadcaster interface {
	Publish(msg event.Outbound)
}

// Archiver receives every finished round. Submit must not block.
type Archiver interface {
	Submit(rec RoundRecord) bool
}

// RoundRecord is the durable summary of a finished round.
type RoundRecord struct {
	RoundID      uuid.UUID
	SeedHash     string
	ServerSeed   string
	ClientSeed   string
	Nonce        uint64
	NaturalPoint decimal.Decimal
	CrashPoint   decimal.Decimal
	Adjustment   string
	BetCount     int
	TotalStake   decimal.Decimal
	TotalPayout  decimal.Decimal
	ChainHash    string
	StartedAt    time.Time
	CrashedAt    time.Time
}

// Deps are the engine's collaborators. Presence, Signer, Chain, Broadcaster
// and Archiver are optional.
type Deps struct {
	Ledger      *ledger.Ledger
	Coordinator *txn.Coordinator
	Allocator   *pool.Allocator
	Fanout      *referral.Fanout
	Generator   *outcome.Generator
	Positions   *positions.Registry
	Presence    *presence.Tracker
	Signer      *outcome.Signer
	Chain       *outcome.CommitmentChain
	Broadcaster Broadcaster
	Archiver    Archiver
	Log         zerolog.Logger
	Metrics     *observability.Metrics
	Clock       func() time.Time
}

// Engine owns one room's round loop and serves bets and cash-outs against
// the current round.
type Engine struct {
	cfg       Config
	ledger    *ledger.Ledger
	coord     *txn.Coordinator
	alloc     *pool.Allocator
	fanout    *referral.Fanout
	gen       *outcome.Generator
	positions *positions.Registry
	presence  *presence.Tracker
	signer    *outcome.Signer
	chain     *outcome.CommitmentChain
	out       Broadcaster
	archive   Archiver
	log       zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	mu        sync.RWMutex
	round     Round
	chainHash string
	history   *History
	nonce     uint64

	// Held shared by every PlaceBet and exclusively while betting closes,
	// so the exposure a round commits against includes every accepted bet.
	betting sync.RWMutex
}

func New(cfg Config, d Deps) *Engine {
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.Vault == (VaultRule{}) {
		cfg.Vault = DefaultVaultRule()
	}
	return &Engine{
		cfg:       cfg,
		ledger:    d.Ledger,
		coord:     d.Coordinator,
		alloc:     d.Allocator,
		fanout:    d.Fanout,
		gen:       d.Generator,
		positions: d.Positions,
		presence:  d.Presence,
		signer:    d.Signer,
		chain:     d.Chain,
		out:       d.Broadcaster,
		archive:   d.Archiver,
		log:       d.Log,
		metrics:   d.Metrics,
		tracer:    observability.Tracer("crash"),
		now:       now,
		history:   NewHistory(cfg.HistorySize),
		round:     Round{Phase: PhaseCrashed},
	}
}

// Run drives rounds until ctx is cancelled. A failed round is logged and
// retried from WAITING after the supervisor backoff; Run itself only
// returns on shutdown. A round whose betting has closed always plays out
// so accepted stakes settle.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Str("room", e.cfg.Room).Msg("round loop started")
	for ctx.Err() == nil {
		if err := e.supervised(ctx); err != nil {
			if e.metrics != nil {
				e.metrics.SupervisorRestarts.Inc()
			}
			e.log.Error().Err(err).
				Dur("backoff", e.cfg.SupervisorBackoff).
				Msg("round failed, restarting from WAITING")
			if rerr := e.abandon(context.WithoutCancel(ctx)); rerr != nil {
				e.log.Error().Err(rerr).Msg("failed round not fully unwound")
			}
			sleep(ctx, e.cfg.SupervisorBackoff)
		}
	}
	e.log.Info().Str("room", e.cfg.Room).Msg("round loop stopped")
	return nil
}

func (e *Engine) supervised(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("round panicked: %v", r)
		}
	}()
	return e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) error {
	if err := e.beginWaiting(ctx); err != nil {
		return fmt.Errorf("begin round: %w", err)
	}
	// Shutdown during WAITING closes betting early.
	sleep(ctx, e.cfg.WaitingDuration)

	run := context.WithoutCancel(ctx)
	duration := e.fly(run)
	sleep(run, duration)
	e.crash(run)

	sleep(ctx, e.cfg.PostCrashDelay-e.cfg.GraceWindow)
	return nil
}

func (e *Engine) beginWaiting(ctx context.Context) error {
	_, span := e.tracer.Start(ctx, "round.waiting")
	defer span.End()

	seed, err := outcome.NewServerSeed()
	if err != nil {
		return err
	}
	id := uuid.New()
	hash := outcome.HashSeed(seed)

	sig := ""
	if e.signer != nil {
		if sig, err = e.signer.Sign(id, hash); err != nil {
			return fmt.Errorf("sign commitment: %w", err)
		}
	}
	chainHash := ""
	if e.chain != nil {
		tip := e.chain.Append(id, hash)
		chainHash = hex.EncodeToString(tip[:])
	}

	e.positions.Reset(id)

	e.mu.Lock()
	e.nonce++
	e.round = Round{
		ID:         id,
		Phase:      PhaseWaiting,
		StartedAt:  e.now(),
		SeedHash:   hash,
		Signature:  sig,
		ClientSeed: e.cfg.ClientSeed,
		Nonce:      e.nonce,
		serverSeed: seed,
	}
	e.chainHash = chainHash
	e.mu.Unlock()

	span.SetAttributes(attribute.String("round.id", id.String()))
	e.phaseChanged(PhaseWaiting)
	e.log.Debug().Str("round_id", id.String()).Str("seed_hash", hash).Msg("round waiting")
	return nil
}

// fly closes betting, commits the crash point and returns the flight time.
func (e *Engine) fly(ctx context.Context) time.Duration {
	ctx, span := e.tracer.Start(ctx, "round.flying")
	defer span.End()

	roundID, total, count, out := e.closeBetting(ctx)

	if e.metrics != nil {
		e.metrics.OpenExposure.Set(total.InexactFloat64())
	}
	span.SetAttributes(
		attribute.String("round.id", roundID.String()),
		attribute.String("round.crash_point", out.Committed.String()),
	)
	e.log.Info().
		Str("round_id", roundID.String()).
		Str("exposure", total.String()).
		Int("positions", count).
		Str("natural", out.Natural.String()).
		Str("committed", out.Committed.String()).
		Bool("clamped", out.Clamped).
		Str("adjustment", string(out.Adjustment)).
		Bool("degraded", out.Degraded).
		Msg("round flying")

	e.phaseChanged(PhaseFlying)
	return FlightDuration(out.Committed, e.cfg.GrowthRate)
}

// closeBetting takes betting exclusively, commits the outcome against the
// open exposure and moves the round to FLYING. The lock is released on
// every exit, including a panic while generating.
func (e *Engine) closeBetting(ctx context.Context) (roundID uuid.UUID, total decimal.Decimal, count int, out outcome.Outcome) {
	e.betting.Lock()
	defer e.betting.Unlock()

	total, largest, count := e.positions.Exposure()

	e.mu.RLock()
	seeds := outcome.Seeds{
		ServerSeed: e.round.serverSeed,
		ClientSeed: e.round.ClientSeed,
		Nonce:      e.round.Nonce,
	}
	roundID = e.round.ID
	e.mu.RUnlock()

	out = e.gen.Generate(ctx, seeds, outcome.Exposure{Total: total, Largest: largest, Count: count})

	now := e.now()
	e.mu.Lock()
	e.round.Phase = PhaseFlying
	e.round.StartedAt = now
	e.round.FlyingAt = now
	e.round.natural = out.Natural
	e.round.committed = out.Committed
	e.round.adjustment = string(out.Adjustment)
	e.mu.Unlock()
	return roundID, total, count, out
}

// crash reveals the seed, waits out the grace window and settles every
// position still open as a loss.
func (e *Engine) crash(ctx context.Context) {
	_, span := e.tracer.Start(ctx, "round.crashed")
	defer span.End()

	now := e.now()
	e.mu.Lock()
	r := &e.round
	r.Phase = PhaseCrashed
	r.StartedAt = now
	r.CrashedAt = now
	r.CrashPoint = r.committed
	r.ServerSeed = r.serverSeed
	e.history.Push(r.committed)
	e.mu.Unlock()
	e.phaseChanged(PhaseCrashed)

	sleep(ctx, e.cfg.GraceWindow)
	lost := e.positions.SettleRemainingAsLost(e.now())

	rec := e.record()
	if e.metrics != nil {
		e.metrics.RoundsCompleted.Inc()
		e.metrics.CrashPoint.Observe(rec.CrashPoint.InexactFloat64())
		e.metrics.OpenExposure.Set(0)
		e.metrics.CashOuts.WithLabelValues("lost").Add(float64(len(lost)))
	}
	e.log.Info().
		Str("round_id", rec.RoundID.String()).
		Str("crash_point", rec.CrashPoint.String()).
		Int("bets", rec.BetCount).
		Int("lost", len(lost)).
		Str("stake", rec.TotalStake.String()).
		Str("payout", rec.TotalPayout.String()).
		Msg("round crashed")

	if e.archive != nil && !e.archive.Submit(rec) {
		e.log.Warn().Str("round_id", rec.RoundID.String()).Msg("archive queue full, round not archived")
	}
}

// abandon unwinds a round the loop gave up on. A round that never flew is
// voided and its stakes refunded; one that flew keeps its committed outcome
// and its open positions are lost.
func (e *Engine) abandon(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unwind panicked: %v", r)
		}
	}()

	e.betting.Lock()
	defer e.betting.Unlock()

	e.mu.Lock()
	r := &e.round
	phase, id := r.Phase, r.ID
	if phase == PhaseFlying {
		now := e.now()
		r.Phase = PhaseCrashed
		r.StartedAt = now
		r.CrashedAt = now
		r.CrashPoint = r.committed
		r.ServerSeed = r.serverSeed
		e.history.Push(r.committed)
	}
	e.mu.Unlock()

	switch phase {
	case PhaseWaiting:
		if id == uuid.Nil {
			return nil
		}
		e.mu.Lock()
		e.round = Round{Phase: PhaseCrashed}
		e.mu.Unlock()
		var failed error
		for _, p := range e.positions.Void() {
			if _, err := e.coord.RunAtomic(ctx, "refund", func(ctx context.Context, s ledger.Store) error {
				return e.refund(ctx, s, p)
			}); err != nil {
				e.log.Error().Err(err).
					Str("account", p.Account).
					Str("position_id", p.ID.String()).
					Msg("refund of voided stake failed")
				failed = err
			}
		}
		e.log.Warn().Str("round_id", id.String()).Msg("round voided before flight")
		return failed
	case PhaseFlying:
		lost := e.positions.SettleRemainingAsLost(e.now())
		e.phaseChanged(PhaseCrashed)
		e.log.Warn().
			Str("round_id", id.String()).
			Int("lost", len(lost)).
			Msg("round closed at its committed point after a failure")
	}
	return nil
}

// refund returns a voided position's stake out of the reservoir it was
// pooled in.
func (e *Engine) refund(ctx context.Context, s ledger.Store, p positions.Position) error {
	corr := p.ID.String() + ":refund"
	if _, err := e.alloc.SettlePayout(ctx, s, p.Pool, p.Stake, corr); err != nil {
		return err
	}
	_, err := e.ledger.Using(s).Credit(ctx, ledger.Posting{
		Account:        ledger.UserKey(p.Account, ledger.BucketSpendable),
		Amount:         p.Stake,
		Type:           ledger.EntryRefund,
		CorrelationID:  corr,
		IdempotencyKey: corr,
	})
	return err
}

func (e *Engine) record() RoundRecord {
	e.mu.RLock()
	r := e.round
	chainHash := e.chainHash
	e.mu.RUnlock()

	rec := RoundRecord{
		RoundID:      r.ID,
		SeedHash:     r.SeedHash,
		ServerSeed:   r.ServerSeed,
		ClientSeed:   r.ClientSeed,
		Nonce:        r.Nonce,
		NaturalPoint: r.natural,
		CrashPoint:   r.CrashPoint,
		Adjustment:   r.adjustment,
		ChainHash:    chainHash,
		StartedAt:    r.FlyingAt,
		CrashedAt:    r.CrashedAt,
	}
	for _, p := range e.positions.Snapshot() {
		rec.BetCount++
		rec.TotalStake = rec.TotalStake.Add(p.Stake)
		rec.TotalPayout = rec.TotalPayout.Add(p.Payout)
	}
	return rec
}

func (e *Engine) phaseChanged(p Phase) {
	if e.metrics != nil {
		e.metrics.RoundPhase.Set(float64(p))
	}
	e.publish("", "", event.KindRoundState, e.State())
}

func (e *Engine) publish(account, requestID string, kind event.Kind, payload any) {
	if e.out == nil {
		return
	}
	e.out.Publish(event.Outbound{
		Kind:      kind,
		Room:      e.cfg.Room,
		Account:   account,
		RequestID: requestID,
		Payload:   payload,
		SentAt:    e.now().UTC(),
	})
}

// State is the round-state message for the current round.
func (e *Engine) State() event.RoundState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.round
	st := event.RoundState{
		RoundID:    r.ID,
		State:      r.Phase.String(),
		StartTime:  r.StartedAt.UTC(),
		ServerTime: e.now().UTC(),
		History:    e.history.Values(),
		SeedHash:   r.SeedHash,
		Signature:  r.Signature,
		ClientSeed: r.ClientSeed,
		Nonce:      r.Nonce,
		GrowthRate: e.cfg.GrowthRate,
	}
	if r.Phase == PhaseCrashed && r.ID != uuid.Nil {
		cp := r.CrashPoint
		st.CrashPoint = &cp
		st.ServerSeed = r.ServerSeed
	}
	return st
}

// Round returns a copy of the current round.
func (e *Engine) Round() Round {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.round
}

// History returns recent crash points, newest first.
func (e *Engine) History() []decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Values()
}

// Positions returns the current round's positions.
func (e *Engine) Positions() []positions.Position {
	return e.positions.Snapshot()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
