package main

import (
	"context"
	"errors"
	"flag"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"CrashLedger/internal/config"
	"CrashLedger/internal/crash"
	"CrashLedger/internal/decision"
	"CrashLedger/internal/ingestion"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/outcome"
	"CrashLedger/internal/persistence"
	"CrashLedger/internal/pool"
	"CrashLedger/internal/positions"
	"CrashLedger/internal/presence"
	"CrashLedger/internal/query"
	"CrashLedger/internal/referral"
	"CrashLedger/internal/scheduler"
	"CrashLedger/internal/server"
	"CrashLedger/internal/store"
	"CrashLedger/internal/subscription"
	"CrashLedger/internal/txn"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// backend is a ledger store that also resolves referral links.
type backend interface {
	ledger.Store
	referral.UplineResolver
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := observability.NewLogger("main")
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.Log.Level))
	logger.Info().Str("store", cfg.Store.Driver).Bool("nats", cfg.NATS.Enabled).Msg("CrashLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("shutdown with error")
	}
	logger.Info().Msg("CrashLedger stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := observability.SetupTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	// --- Store ---
	var (
		base     backend
		sqlStore *store.SQLStore
	)
	switch cfg.Store.Driver {
	case "memory":
		base = store.NewMemoryStore()
		logger.Warn().Msg("memory store: balances are volatile and every operation runs demoted")
	default:
		dialect, err := store.ParseDialect(cfg.Store.Driver)
		if err != nil {
			return err
		}
		sqlStore, err = store.Open(ctx, dialect, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		if err := persistence.MigrateStore(ctx, sqlStore, component("migrate")); err != nil {
			return err
		}
		base = sqlStore
	}

	// --- Ledger and money flows ---
	ldg := ledger.New(base,
		ledger.WithLogger(component("ledger")),
		ledger.WithMetrics(metrics),
		ledger.WithIdempotencyCapacity(cfg.Ledger.IdempotencyCapacity),
	)
	coord := txn.NewCoordinator(base, component("txn"), metrics)
	tracker := presence.NewTracker(cfg.Round.PresenceTTL, nil)

	poolCfg := cfg.PoolConfig()
	alloc := pool.NewAllocator(ldg, tracker, poolCfg, component("pool"), metrics)
	if cfg.Pools.HouseSeed > 0 {
		if err := alloc.Seed(ctx, pool.HouseReserve, decimal.NewFromFloat(cfg.Pools.HouseSeed), "bootstrap"); err != nil {
			return err
		}
	}
	fanout := referral.NewFanout(ldg, base, cfg.ReferralRates(), cfg.Referral.Funding, component("referral"), metrics)

	// --- Outcome ---
	var bias *outcome.Bias
	if cfg.BiasEnabled() {
		bias = outcome.NewBias(cfg.BiasConfig(), rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
	}
	generator := outcome.NewGenerator(alloc, cfg.SafetyFraction(), bias, component("outcome"), metrics)

	signer := outcome.NewSigner()
	if cfg.Outcome.SignerKey != "" {
		restored, err := outcome.NewSignerFromHex(cfg.Outcome.SignerKey)
		if err != nil {
			return err
		}
		signer = restored
	}
	logger.Info().Str("public_key", signer.PublicKey()).Msg("round commitments signed")

	// --- Archive ---
	var (
		archiver *persistence.RoundArchiver
		archive  query.RoundArchive
		rounds   crash.Archiver
	)
	if sqlStore != nil {
		archiver = persistence.NewRoundArchiver(sqlStore.DB(), sqlStore.Dialect(),
			cfg.Archive.Buffer, cfg.Archive.BatchSize, cfg.Archive.FlushTimeout, component("archive"), metrics)
		archive = archiver
		rounds = archiver
	}

	// --- NATS ---
	var (
		broadcaster crash.Broadcaster
		publisher   *ingestion.OutboundPublisher
		subscriber  *ingestion.NATSSubscriber
		rawChan     chan ingestion.RawEvent
	)
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		publisher = ingestion.NewOutboundPublisher(js, 4096, metrics)
		broadcaster = publisher
		rawChan = make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
	}

	// --- Round engine ---
	registry := positions.NewRegistry(cfg.Round.LockTTL)
	engine := crash.New(cfg.CrashConfig(), crash.Deps{
		Ledger:      ldg,
		Coordinator: coord,
		Allocator:   alloc,
		Fanout:      fanout,
		Generator:   generator,
		Positions:   registry,
		Presence:    tracker,
		Signer:      signer,
		Chain:       outcome.NewCommitmentChain(),
		Broadcaster: broadcaster,
		Archiver:    rounds,
		Log:         component("engine"),
		Metrics:     metrics,
	})

	var (
		game  *decision.Game
		plays ingestion.Plays
	)
	locks := []scheduler.LockSweeper{registry.Locks()}
	if !cfg.Decision.Disabled {
		game = decision.NewGame(cfg.DecisionConfig(), ldg, coord, alloc, fanout, tracker, component("decision"), metrics)
		plays = game
		locks = append(locks, game.Locks())
	}

	subs := subscription.NewService(ldg, coord, fanout, cfg.Plans(), cfg.Subscription.Reserve, component("subscription"), metrics)

	// --- Query / HTTP ---
	fees, err := cfg.FeeSchedule()
	if err != nil {
		return err
	}
	queryService := query.NewQueryService(ldg, engine, archive)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		Admin:         ingestion.NewAdminIngest(ldg, coord, fees),
		Subscriptions: subs,
		HealthChecker: health,
		Metrics:       metrics,
		StartTime:     time.Now(),
	})

	sched := scheduler.New(scheduler.Jobs{
		Auditor:  ldg,
		Pools:    alloc,
		Flow:     alloc.Flow(),
		Locks:    locks,
		Presence: tracker,
		Health:   health,
	}, component("scheduler"), metrics)
	if err := sched.RegisterAll(cfg.ScheduleSpecs()); err != nil {
		return err
	}

	if subscriber != nil {
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.Round.Room)); err != nil {
			return err
		}
		defer subscriber.Stop()
	}

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return quiet(grpcServer.StartGRPC(gctx)) })
	g.Go(func() error { return quiet(grpcServer.StartHTTPGateway(gctx)) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, health, logger) })

	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	if publisher != nil {
		dispatcher := ingestion.NewDispatcher(engine, plays, publisher, component("dispatcher"), metrics)
		g.Go(func() error { return quiet(publisher.Run(gctx)) })
		g.Go(func() error { return quiet(dispatcher.Run(gctx, rawChan)) })
	}

	health.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("all services started")

	err = g.Wait()
	health.SetReady(false)
	return err
}

func serveMetrics(ctx context.Context, addr string, health *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// quiet treats cancellation as a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
