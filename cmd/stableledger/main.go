package main

import (
	"StableLedger/internal/config"
	"StableLedger/internal/core"
	"StableLedger/internal/ingestion"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/oracle"
	"StableLedger/internal/persistence"
	"StableLedger/internal/query"
	"StableLedger/internal/server"
	"StableLedger/internal/token"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

const replayPageSize = 1000

func main() {
	if err := run(); err != nil {
		logger := observability.NewLogger("main")
		logger.Fatal().Err(err).Msg("stableledger exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(os.Stdout, component, level)
	}
	logger := newLogger("main")
	logger.Info().Msg("StableLedger starting")

	assets, err := cfg.AssetRegistry()
	if err != nil {
		return fmt.Errorf("asset registry: %w", err)
	}
	params, err := cfg.RiskParams()
	if err != nil {
		return err
	}

	// --- Signals ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, os.DirFS(cfg.Postgres.MigrationsDir), newLogger("migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddProbe("postgres", db.PingContext)

	// --- Development collaborators ---
	feeds := oracle.NewFeedStore()
	priceOracle := oracle.NewStalenessGuard(feeds, cfg.Oracle.MaxAge)
	_, owner := token.NewMemoryDebtToken()

	vaults := make(map[ledger.AssetID]*token.MemoryVault)
	collateral := make(map[ledger.AssetID]token.CollateralAsset)
	faucets := make(map[string]server.Faucet)
	for _, symbol := range assets.Symbols() {
		asset, _ := assets.Lookup(symbol)
		v := token.NewMemoryVault(symbol)
		vaults[asset.ID] = v
		collateral[asset.ID] = v
		faucets[symbol] = v
	}

	// --- Engine ---
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Core.PublishChanSize)

	dedupDB := persistence.NewPostgresIdempotencyChecker(db)
	engine, err := core.NewEngine(core.Deps{
		Assets:        assets,
		Oracle:        priceOracle,
		Params:        params,
		DebtToken:     owner,
		Vaults:        collateral,
		DedupDB:       dedupDB,
		DedupCapacity: cfg.Core.IdempotencyLRUCapacity,
		Metrics:       metrics,
		Logger:        newLogger("core"),
	}, persistChan, publishChan)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(ctx, engine, snapMgr, dedupDB, cfg.Core.IdempotencyLRUCapacity, metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	seedCustody(engine, vaults)
	if err := engine.Validate(); err != nil {
		return fmt.Errorf("post-recovery invariants: %w", err)
	}
	tip := engine.StateHash()
	logger.Info().Int64("sequence", engine.Sequence()).Str("state_hash", hex.EncodeToString(tip[:])).
		Msg("state recovered")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, newLogger("nats"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, newLogger("nats")); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	// --- Sinks: run until their channels are closed ---
	var sinks sync.WaitGroup
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Core.PersistBatchSize,
		cfg.Core.PersistFlushTimeout, metrics, newLogger("persistence"))
	publisher := ingestion.NewOutboundPublisher(js, publishChan, newLogger("publisher"))

	sinks.Add(2)
	go func() {
		defer sinks.Done()
		if err := persistWorker.Run(sinkCtx); err != nil {
			logger.Error().Err(err).Msg("persistence worker stopped")
		}
	}()
	go func() {
		defer sinks.Done()
		if err := publisher.Run(sinkCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("publisher stopped")
		}
	}()

	// --- Front: everything that can submit commands or read state ---
	var front sync.WaitGroup
	errChan := make(chan error, 8)
	goFront := func(name string, fn func() error) {
		front.Add(1)
		go func() {
			defer front.Done()
			if err := fn(); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	rawChan := make(chan ingestion.RawEvent, cfg.Core.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, newLogger("nats"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	router := ingestion.NewRouter(engine, feeds, metrics, newLogger("router"))
	goFront("router", func() error {
		router.Run(ctx, rawChan)
		return nil
	})

	snapshotter := persistence.NewSnapshotter(engine, snapMgr, cfg.Core.SnapshotInterval, metrics, newLogger("snapshot"))
	goFront("snapshotter", func() error {
		snapshotter.Run(ctx, 10*time.Second)
		return nil
	})

	gateway, err := server.NewGateway(server.GatewayDeps{
		Query:     query.NewService(engine, db, metrics),
		Commands:  engine,
		Snapshots: snapshotter,
		Faucets:   faucetsIf(cfg.Dev.FaucetEnabled, faucets),
		Health:    healthChecker,
		Metrics:   metrics,
		Logger:    newLogger("gateway"),
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, newLogger("grpc"))

	goFront("gateway", func() error { return gateway.Start(ctx, cfg.Server.HTTPAddr) })
	goFront("grpc", func() error { return grpcServer.Start(ctx) })
	goFront("metrics", func() error {
		return server.StartMetrics(ctx, cfg.Server.MetricsAddr, reg, newLogger("metrics"))
	})
	goFront("monitor", func() error {
		runMonitor(ctx, engine, cfg.Core.SolvencyCheckInterval, persistChan, publishChan, rawChan, metrics, newLogger("monitor"))
		return nil
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("StableLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop intake first so nothing sends to the engine's channels once
	// they are closed.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()
	stop()
	front.Wait()

	close(persistChan)
	close(publishChan)
	sinks.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := snapshotter.Take(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if seq > 0 {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("StableLedger shutdown complete")
	return runErr
}

// recoverEngine restores the latest verified snapshot, replays the event
// log after it and reloads the liquidation history.
func recoverEngine(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	dedupDB *persistence.PostgresIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		st, err := snap.State()
		if err != nil {
			return err
		}
		if err := engine.RestoreFromSnapshot(st); err != nil {
			return err
		}
		logger.Info().Int64("sequence", st.Sequence).Int("accounts", len(st.Accounts)).
			Int("token_holders", len(st.TokenBalances)).Msg("snapshot restored")
	} else {
		keys, err := dedupDB.RecentKeys(ctx, lruCapacity)
		if err != nil {
			return fmt.Errorf("warm dedup keys: %w", err)
		}
		engine.WarmIdempotency(keys)
		logger.Info().Int("keys", len(keys)).Msg("no snapshot, cold start from sequence 0")
	}

	replayed := 0
	for {
		records, err := snapMgr.LoadEventsFrom(ctx, engine.Sequence()+1, replayPageSize)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := engine.Replay(rec.Envelope, rec.Batch); err != nil {
				return err
			}
		}
		replayed += len(records)
		if len(records) < replayPageSize {
			break
		}
	}

	if err := engine.ValidateStructure(); err != nil {
		return fmt.Errorf("replayed ledger: %w", err)
	}

	liquidations, err := snapMgr.LoadLiquidations(ctx)
	if err != nil {
		return err
	}
	engine.RestoreLiquidations(liquidations)

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().Int("events", replayed).Int("liquidations", len(liquidations)).
		Dur("elapsed", time.Since(start)).Msg("event log replayed")
	return nil
}

// seedCustody sets each vault's custody to what the recovered ledger holds.
// Token balances come back through the snapshot and replay. Faucet wallets
// are dev-only and start empty.
func seedCustody(engine *core.Engine, vaults map[ledger.AssetID]*token.MemoryVault) {
	for id, v := range vaults {
		v.SeedCustody(engine.Custody(id))
	}
}

// runMonitor refreshes channel gauges and checks protocol solvency every
// interval. Insolvency is logged, not enforced: it blocks new risk at
// command time already.
func runMonitor(
	ctx context.Context,
	engine *core.Engine,
	interval time.Duration,
	persistChan, publishChan chan core.CoreOutput,
	rawChan chan ingestion.RawEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			metrics.SetChannelMetrics("ingest", len(rawChan), cap(rawChan))

			pv, err := engine.Protocol(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("protocol solvency check skipped")
				continue
			}
			if !pv.Solvent {
				logger.Error().Str("ratio_pct", fpmath.FormatPercent(pv.Ratio)).
					Str("debt_supply", pv.DebtSupply.Dec()).Msg("protocol below minimum collateral ratio")
			}
		}
	}
}

func faucetsIf(enabled bool, faucets map[string]server.Faucet) map[string]server.Faucet {
	if !enabled {
		return nil
	}
	return faucets
}
