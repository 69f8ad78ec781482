package main

import (
	"PerpClearing/internal/blob"
	"PerpClearing/internal/cache"
	"PerpClearing/internal/config"
	"PerpClearing/internal/core"
	"PerpClearing/internal/ingestion"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/server"
	"PerpClearing/internal/state"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds the final event log flush on shutdown.
const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpclearing: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, level, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("perpclearing stopped")
	}
	logger.Info().Msg("perpclearing shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, level zerolog.Level, logger zerolog.Logger) error {
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, persistence.MigrationFiles(), componentLogger("migrate"))
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	eventLog := persistence.NewEventLogWriter(db)
	snapshots := persistence.NewSnapshotStore(db)
	keyTable := persistence.NewPostgresIdempotencyChecker(db)

	// --- Clearing house ---
	initial := make(map[string]fpmath.Wad, len(cfg.Markets))
	for _, m := range cfg.Markets {
		initial[m.MarketID] = m.InitialIndexPrice
	}
	feed := ingestion.NewIndexFeed(initial)
	feeds := make(map[string]state.IndexPriceFeed, len(cfg.Markets))
	for _, m := range cfg.Markets {
		feeds[m.MarketID] = feed.Market(m.MarketID)
	}

	persistCh := make(chan core.CoreOutput, cfg.Channels.Persist)
	fanoutCh := make(chan core.CoreOutput, cfg.Channels.Fanout)

	house, err := core.NewClearingHouse(core.Config{
		Markets:         cfg.Markets,
		CollateralToken: cfg.CollateralToken,
		IndexFeeds:      feeds,
		PersistChan:     persistCh,
		FanoutChan:      fanoutCh,
		Metrics:         metrics,
		Logger:          componentLogger("clearing_house"),
	})
	if err != nil {
		return fmt.Errorf("clearing house: %w", err)
	}

	if err := recoverState(ctx, house, snapshots, eventLog, cfg, logger); err != nil {
		return err
	}

	dedup := core.NewIdempotencyChecker(cfg.Idempotency.LRUCapacity, keyTable, metrics, componentLogger("idempotency"))
	if keys, err := keyTable.RecentKeys(ctx, cfg.Idempotency.LRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else if len(keys) > 0 {
		dedup.Warm(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
	}

	history := projection.NewHistory(0)
	if err := projection.Rebuild(ctx, eventLog, history, house.Markets(), componentLogger("projection")); err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}

	// --- Persistence: runs outside the service group so it can drain last ---
	var archive persistence.SnapshotSink
	if cfg.S3.Enabled {
		a, err := blob.New(ctx, blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if err := a.Health(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("snapshot archive unreachable")
		}
		archive = a
	}

	worker := persistence.NewPersistenceWorker(eventLog, persistCh, persistence.WorkerConfig{
		BatchSize:    cfg.Persistence.BatchSize,
		FlushTimeout: cfg.Persistence.FlushTimeout.Duration,
		MaxBackoff:   cfg.Persistence.MaxBackoff.Duration,
	}, metrics, componentLogger("persistence"))
	snapshotter := persistence.NewSnapshotter(house, snapshots, archive, cfg.S3.Prefix,
		cfg.Persistence.SnapshotInterval.Duration, metrics, componentLogger("snapshot"))

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	defer stopSnapshots()
	workerDone := make(chan error, 1)
	snapDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(workerCtx) }()
	go func() { snapDone <- snapshotter.Run(snapCtx) }()

	// --- Service group ---
	g, gctx := errgroup.WithContext(ctx)

	fanout := core.NewFanout(fanoutCh, metrics, componentLogger("fanout"))
	projectionIn := fanout.Subscribe("projection", cfg.Channels.Fanout)
	streamIn := fanout.Subscribe("stream", cfg.Channels.Fanout)

	var summaries *cache.SummaryCache
	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(ctx, cache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		summaries = cache.NewSummaryCache(rdb, cfg.Redis.TTL.Duration)
		cacheIn := fanout.Subscribe("cache", cfg.Channels.Fanout)
		g.Go(func() error {
			return cache.NewSummaryWriter(house, summaries, cacheIn, metrics, componentLogger("cache")).Run(gctx)
		})
	}

	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.IndexSubject, cfg.NATS.FundingSubject); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, cfg.NATS.EventSubjectPrefix); err != nil {
			return err
		}

		dispatcher := ingestion.NewDispatcher(house, feed, dedup, metrics, componentLogger("ingestion"))
		subscriber := ingestion.NewNATSSubscriber(js, dispatcher, componentLogger("ingestion"))
		subjects := ingestion.DefaultSubjects(cfg.NATS.IndexSubject, cfg.NATS.FundingSubject, cfg.NATS.Durable)
		if err := subscriber.Subscribe(ctx, subjects); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			subscriber.Stop()
			return nil
		})

		publishIn := fanout.Subscribe("publisher", cfg.Channels.Fanout)
		publisher := ingestion.NewOutboundPublisher(js, publishIn, cfg.NATS.EventSubjectPrefix, metrics, componentLogger("publisher"))
		g.Go(func() error { return publisher.Run(gctx) })
	}

	g.Go(func() error {
		return projection.NewProjectionWorker(history, projectionIn, componentLogger("projection")).Run(gctx)
	})

	// every consumer is subscribed
	g.Go(func() error { return fanout.Run(gctx) })

	g.Go(func() error {
		return runRiskSweep(gctx, house, summaries, cfg.Risk.SweepInterval.Duration, componentLogger("risk"))
	})

	// --- Servers ---
	hub := server.NewHub(streamIn, metrics, componentLogger("stream"))
	g.Go(func() error { return hub.Run(gctx) })

	api := server.NewAPI(house, history, dedup, metrics, componentLogger("http"))
	handler, err := server.NewHandler(api, hub, health)
	if err != nil {
		return err
	}
	g.Go(func() error { return server.RunHTTP(gctx, "api", cfg.Server.HTTPAddr, handler, componentLogger("http")) })
	g.Go(func() error {
		return server.RunHTTP(gctx, "metrics", cfg.Server.MetricsAddr, server.MetricsHandler(registry), componentLogger("http"))
	})

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, health, componentLogger("grpc"))
	g.Go(func() error { return grpcServer.Run(gctx) })

	health.SetReady(true)
	logger.Info().
		Strs("markets", house.Markets()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("perpclearing ready")

	g.Go(func() error {
		<-gctx.Done()
		health.SetReady(false)
		return nil
	})

	runErr := g.Wait()

	// Commands have stopped: drain the event log, then take the final
	// snapshot so it never runs ahead of the persisted log.
	logger.Info().Msg("draining event log")
	stopWorker()
	select {
	case <-workerDone:
	case <-time.After(drainTimeout):
		logger.Error().Dur("timeout", drainTimeout).Msg("event log drain timed out")
	}
	stopSnapshots()
	<-snapDone

	return runErr
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// recoverState restores the latest snapshot, or seeds the insurance fund on
// a cold start. The event log must not be ahead of the restored state:
// events are outputs, and state after the snapshot cannot be rebuilt from
// them.
func recoverState(
	ctx context.Context,
	house *core.ClearingHouse,
	snapshots *persistence.SnapshotStore,
	eventLog *persistence.EventLogWriter,
	cfg *config.Config,
	logger zerolog.Logger,
) error {
	snap, err := snapshots.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := house.Restore(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info().Msg("state restored from snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
		if cfg.InsuranceSeed != "" {
			seed, err := fpmath.ParseWad(cfg.InsuranceSeed)
			if err != nil {
				return fmt.Errorf("insurance seed: %w", err)
			}
			if seed.IsPositive() {
				if err := house.SeedInsurance(seed); err != nil {
					return fmt.Errorf("seed insurance: %w", err)
				}
			}
		}
	}

	logged, err := eventLog.LastSequences(ctx)
	if err != nil {
		return fmt.Errorf("read event log head: %w", err)
	}
	for partition, logSeq := range logged {
		_, seq, err := house.StateHash(partition)
		if err != nil {
			return fmt.Errorf("partition %s: %w", partition, err)
		}
		switch {
		case logSeq > seq:
			return fmt.Errorf("event log of %s is ahead of the restored state (log %d, state %d)",
				partition, logSeq, seq)
		case logSeq < seq:
			logger.Warn().
				Str("partition", partition).
				Int64("log_sequence", logSeq).
				Int64("state_sequence", seq).
				Msg("event log behind snapshot, chain verification will report a gap")
		}
	}
	return nil
}

// runRiskSweep moves positions between Healthy and Liquidatable on every
// tick and publishes the liquidatable accounts to the cache.
func runRiskSweep(
	ctx context.Context,
	house *core.ClearingHouse,
	summaries *cache.SummaryCache,
	interval time.Duration,
	logger zerolog.Logger,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flagged, err := house.CheckAllMargins()
			if err != nil {
				logger.Error().Err(err).Msg("margin sweep failed")
				continue
			}
			if summaries == nil {
				continue
			}
			for _, id := range house.Markets() {
				if err := summaries.SetLiquidatable(ctx, id, flagged[id]); err != nil {
					logger.Warn().Err(err).Str("market_id", id).Msg("liquidatable set not cached")
				}
			}
		}
	}
}
