package scheduler

import (
	"context"
	"fmt"
	"time"

	"CrashLedger/internal/ledger"
	"CrashLedger/internal/observability"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Auditor reconciles every touched account.
type Auditor interface {
	ReconcileAll(ctx context.Context) ([]ledger.AccountKey, error)
}

// PoolReporter refreshes reservoir gauges.
type PoolReporter interface {
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// FlowPruner drops payouts older than the flow-control window.
type FlowPruner interface {
	Prune() decimal.Decimal
}

// LockSweeper drops expired per-account leases.
type LockSweeper interface {
	Sweep() int
}

// ActiveCounter reports concurrent users.
type ActiveCounter interface {
	Active() int
}

// HealthReporter surfaces a failed audit on the readiness endpoint.
type HealthReporter interface {
	SetDegraded(subsystem, reason string)
}

// Specs are cron expressions with a seconds field.
type Specs struct {
	Reconcile string
	Pools     string
	Flow      string
	Locks     string
}

func DefaultSpecs() Specs {
	return Specs{
		Reconcile: "0 */5 * * * *",
		Pools:     "*/15 * * * * *",
		Flow:      "*/30 * * * * *",
		Locks:     "*/10 * * * * *",
	}
}

// Jobs are the collaborators the scheduler drives; nil ones are skipped.
type Jobs struct {
	Auditor  Auditor
	Pools    PoolReporter
	Flow     FlowPruner
	Locks    []LockSweeper
	Presence ActiveCounter
	Health   HealthReporter
}

// Scheduler manages the background maintenance tasks.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	timeout time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(jobs Jobs, log zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		jobs:    jobs,
		timeout: 30 * time.Second,
		log:     log,
		metrics: metrics,
	}
}

// RegisterAll registers every job whose collaborator is present.
func (s *Scheduler) RegisterAll(specs Specs) error {
	type job struct {
		name string
		spec string
		fn   func()
		on   bool
	}
	jobs := []job{
		{"reconcile", specs.Reconcile, s.Reconcile, s.jobs.Auditor != nil},
		{"pools", specs.Pools, s.ReportPools, s.jobs.Pools != nil},
		{"flow", specs.Flow, s.PruneFlow, s.jobs.Flow != nil},
		{"locks", specs.Locks, s.SweepLocks, len(s.jobs.Locks) > 0 || s.jobs.Presence != nil},
	}
	for _, j := range jobs {
		if !j.on || j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s task: %w", j.name, err)
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Run starts the scheduler and stops it when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

// Reconcile audits the ledger and logs every broken account.
func (s *Scheduler) Reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	broken, err := s.jobs.Auditor.ReconcileAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reconciliation aborted")
		return
	}
	if len(broken) > 0 {
		paths := make([]string, len(broken))
		for i, k := range broken {
			paths[i] = k.AccountPath()
		}
		s.log.Error().Strs("accounts", paths).Msg("reconciliation found inconsistent accounts")
		s.degraded(fmt.Sprintf("%d inconsistent accounts", len(broken)))
		return
	}
	s.degraded("")
	s.log.Debug().Dur("took", time.Since(start)).Msg("reconciliation clean")
}

func (s *Scheduler) degraded(reason string) {
	if s.jobs.Health != nil {
		s.jobs.Health.SetDegraded("ledger", reason)
	}
}

func (s *Scheduler) ReportPools() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.jobs.Pools.Balances(ctx); err != nil {
		s.log.Warn().Err(err).Msg("pool balance refresh failed")
	}
}

func (s *Scheduler) PruneFlow() {
	total := s.jobs.Flow.Prune()
	if s.metrics != nil {
		s.metrics.FlowWindowPayout.Set(total.InexactFloat64())
	}
}

func (s *Scheduler) SweepLocks() {
	swept := 0
	for _, l := range s.jobs.Locks {
		swept += l.Sweep()
	}
	if swept > 0 {
		s.log.Debug().Int("swept", swept).Msg("expired account leases dropped")
	}
	if s.jobs.Presence != nil && s.metrics != nil {
		s.metrics.ActiveUsers.Set(float64(s.jobs.Presence.Active()))
	}
}
