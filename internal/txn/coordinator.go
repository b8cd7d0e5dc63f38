package txn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/observability"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Mode reports how a scope ran.
type Mode int

const (
	// Atomic: fn ran inside a transaction that was committed or rolled back.
	Atomic Mode = iota
	// Demoted: no transaction could be opened; fn ran directly on the base
	// store and any partial writes stand.
	Demoted
)

func (m Mode) String() string {
	if m == Demoted {
		return "demoted"
	}
	return "atomic"
}

// Func is the unit of work run inside a scope. It must do all its writes
// through the given store.
type Func func(ctx context.Context, s ledger.Store) error

// Coordinator runs work all-or-nothing when the store supports it and
// falls back to best-effort sequential execution when it does not.
//
// Only a failure to open the scope demotes. An error returned by fn rolls
// the scope back and is returned unchanged; fn is never retried.
type Coordinator struct {
	base    ledger.Store
	log     zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	warned atomic.Bool
}

func NewCoordinator(base ledger.Store, log zerolog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		base:    base,
		log:     log,
		metrics: metrics,
		tracer:  observability.Tracer("txn"),
	}
}

// Base returns the store used in demoted mode.
func (c *Coordinator) Base() ledger.Store {
	return c.base
}

// RunAtomic executes fn in an atomic scope named op and reports the mode it
// ran in. The scope is released on every exit path, including a panic in
// fn, which is re-raised after rollback.
func (c *Coordinator) RunAtomic(ctx context.Context, op string, fn Func) (mode Mode, err error) {
	ctx, span := c.tracer.Start(ctx, "txn."+op)
	defer func() {
		span.SetAttributes(attribute.String("txn.mode", mode.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.TxnDuration.Observe(time.Since(start).Seconds())
		}
	}()

	tx, err := c.begin(ctx)
	if err != nil {
		if !apperr.IsInfrastructure(err) {
			return Atomic, err
		}
		c.demoted(op, err)
		return Demoted, fn(ctx, c.base)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			c.log.Warn().Err(rbErr).Str("op", op).Msg("rollback failed")
		}
		if c.metrics != nil {
			c.metrics.TxnRollbacks.Inc()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return Atomic, err
	}

	if err := tx.Commit(); err != nil {
		return Atomic, apperr.Wrap(apperr.CodeStoreUnavailable, fmt.Sprintf("commit %s", op), err)
	}
	committed = true
	return Atomic, nil
}

func (c *Coordinator) begin(ctx context.Context) (ledger.TxStore, error) {
	b, ok := c.base.(ledger.Beginner)
	if !ok {
		return nil, apperr.ErrAtomicScopeUnavailable
	}
	return b.Begin(ctx)
}

func (c *Coordinator) demoted(op string, cause error) {
	reason := string(apperr.CodeOf(cause))
	if c.metrics != nil {
		c.metrics.TxnDemotions.WithLabelValues(reason).Inc()
	}
	ev := c.log.Debug()
	if c.warned.CompareAndSwap(false, true) {
		ev = c.log.Warn()
	}
	ev.Err(cause).
		Str("op", op).
		Str("reason", reason).
		Msg("atomic scope unavailable, running sequentially")
}
