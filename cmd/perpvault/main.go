package main

import (
	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	replayPageSize   = 1000
	rawEventChanSize = 4096
	invalidateChan   = 1024
	drainTimeout     = 30 * time.Second
)

func main() {
	log := observability.NewLogger("main")
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("perpvault stopped")
	}
	log.Info().Msg("perpvault shutdown complete")
}

func run(log zerolog.Logger) error {
	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(400)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, persistence.Migrations(), observability.NewLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// The persist channel blocks the core when full; the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	eventChan := make(chan event.Event, cfg.EventChanSize)

	// --- Deterministic core ---
	coreCfg := core.CoreConfig{LRUCapacity: cfg.IdempotencyLRUCapacity}
	if cfg.Vault != nil {
		coreCfg.USDGSymbol = cfg.Vault.USDGSymbol
		coreCfg.AutoLiquidate = cfg.Vault.AutoLiquidate
		coreCfg.FeeReceiver = cfg.Vault.FeeReceiver
	}
	c, err := core.NewDeterministicCore(
		coreCfg,
		oracle.NewFeedOracle(),
		persistCoreChan,
		projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		observability.NewLogger("core"),
	)
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, c, db, snapMgr, metrics, log); err != nil {
		return err
	}

	var bootstrap []event.Event
	if c.GetSequence() == 0 && cfg.Vault != nil {
		bootstrap, err = cfg.Vault.BootstrapEvents(c.PartitionCursor(core.PartitionConfig), time.Now())
		if err != nil {
			return fmt.Errorf("vault bootstrap: %w", err)
		}
		log.Info().Int("events", len(bootstrap)).Str("file", cfg.VaultConfigPath).Msg("cold start, configuring vault")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return fmt.Errorf("ensure inbound streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	subjects := ingestion.DefaultSubjects()
	rawEventChan := make(chan ingestion.RawEvent, rawEventChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, observability.NewLogger("ingestion"))
	if err := natsSubscriber.Subscribe(ctx, subjects); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	dispatcher := ingestion.NewDispatcher(rawEventChan, eventChan, subjects, metrics, observability.NewLogger("dispatcher"))

	// --- Query side ---
	queryService := query.NewQueryService(db, c, metrics, observability.NewLogger("query"))

	var (
		cached        *query.CachedReader
		invalidations chan []string
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		healthChecker.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		cached = query.NewCachedReader(queryService, rdb, cfg.CacheTTL, metrics, observability.NewLogger("cache"))
		invalidations = make(chan []string, invalidateChan)
		log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.CacheTTL).Msg("redis cache enabled")
	}

	hub := server.NewEventHub(func() { metrics.ProjectionDrops.WithLabelValues("ws").Inc() }, observability.NewLogger("ws"))
	ingestService := ingestion.NewGRPCIngestService(eventChan, cfg.IngestRate, cfg.IngestBurst, metrics)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		CachedReader:  cached,
		IngestService: ingestService,
		Views:         c,
		HealthChecker: healthChecker,
		Hub:           hub,
		Gatherer:      prometheus.DefaultGatherer,
		Log:           observability.NewLogger("server"),
	})

	// --- Pipeline: drains core outputs, outlives the signal context ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var pipeline errgroup.Group

	bridge := &outputBridge{
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		publishOut:    publishChan,
		broadcast:     hub.Publish,
		metrics:       metrics,
		log:           observability.NewLogger("bridge"),
	}
	if invalidations != nil {
		bridge.invalidateOut = invalidations
		pipeline.Go(func() error {
			runInvalidations(invalidations, cached, observability.NewLogger("cache"))
			return nil
		})
	}
	pipeline.Go(func() error {
		bridge.run(persistCoreChan, projectionCoreChan)
		return nil
	})

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	pipeline.Go(func() error { return persistWorker.Run(workerCtx) })

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, observability.NewLogger("projection"))
	pipeline.Go(func() error { return projWorker.Run(workerCtx) })

	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
	pipeline.Go(func() error { return publisher.Run(workerCtx) })

	// --- Front: everything that stops on the signal ---
	front, gctx := errgroup.WithContext(ctx)

	front.Go(func() error {
		defer close(persistCoreChan)
		defer close(projectionCoreChan)
		return runCore(gctx, c, bootstrap, eventChan, observability.NewLogger("core"))
	})
	front.Go(func() error { return dispatcher.Run(gctx) })
	front.Go(func() error {
		<-gctx.Done()
		natsSubscriber.Stop()
		return nil
	})
	front.Go(func() error { return hub.Run(gctx) })
	front.Go(func() error { return grpcServer.StartGRPC(gctx) })
	front.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	front.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, log) })

	snaps := newSnapshotter(c, snapMgr, cfg.SnapshotInterval, metrics, observability.NewLogger("snapshot"))
	front.Go(func() error { return snaps.run(gctx, 5*time.Second) })
	front.Go(func() error {
		sampleChannels(gctx, metrics, map[string]func() (int, int){
			"event":      func() (int, int) { return len(eventChan), cap(eventChan) },
			"persist":    func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
			"projection": func() (int, int) { return len(projectionCoreChan), cap(projectionCoreChan) },
			"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		})
		return nil
	})

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", c.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("perpvault ready")

	// --- Shutdown: stop intake, drain the pipeline, then take a final snapshot ---
	frontErr := front.Wait()
	if errors.Is(frontErr, context.Canceled) {
		frontErr = nil
	}
	healthChecker.SetReady(false)
	if frontErr != nil {
		log.Error().Err(frontErr).Msg("component failed, shutting down")
	} else {
		log.Info().Msg("shutting down")
	}

	drainTimer := time.AfterFunc(drainTimeout, func() {
		log.Warn().Dur("timeout", drainTimeout).Msg("pipeline drain timed out")
		cancelWorkers()
	})
	pipeErr := pipeline.Wait()
	drainTimer.Stop()
	if pipeErr != nil {
		log.Error().Err(pipeErr).Msg("pipeline drain failed")
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	if err := snaps.take(finalCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else if n := snaps.unverified(); n > 0 {
		log.Warn().Int("unverified", n).Msg("final snapshot ahead of the event log")
	}

	return errors.Join(frontErr, pipeErr)
}

// recoverCore restores the latest verified snapshot, replays the log tail and
// brings the projections up to the core's sequence.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	db *sql.DB,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	from := int64(0)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot unusable, replaying the full log")
		snap = nil
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap.State); err != nil {
			return fmt.Errorf("restore snapshot at %d: %w", snap.State.Sequence, err)
		}
		if len(snap.State.IdempotencyKeys) == 0 {
			keys, err := persistence.NewPostgresIdempotencyChecker(db).RecentKeys(ctx, 10_000)
			if err != nil {
				return fmt.Errorf("warm idempotency keys: %w", err)
			}
			c.WarmLRU(keys)
		}
		from = snap.State.Sequence + 1
		log.Info().Int64("sequence", snap.State.Sequence).Time("created_at", snap.CreatedAt).Msg("snapshot restored")
	} else {
		log.Info().Msg("no snapshot, replaying from sequence 0")
	}

	replayed, err := snapMgr.ReplayFrom(ctx, c, from, replayPageSize)
	metrics.ReplayEventsTotal.Add(float64(replayed))
	if err != nil {
		return fmt.Errorf("replay from %d: %w", from, err)
	}

	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("read log head: %w", err)
	}
	if head := c.GetSequence() - 1; head != latest {
		return fmt.Errorf("replay stopped at %d, log head is %d", head, latest)
	}
	if replayed > 0 {
		log.Info().Int("events", replayed).Int64("sequence", latest).Msg("log replayed")
	}

	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return fmt.Errorf("read projection watermark: %w", err)
	}
	if watermark < latest {
		seq, view := c.FullView()
		if err := projection.RebuildProjections(ctx, db, seq, view, observability.NewLogger("projection")); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
		log.Info().Int64("from", watermark).Int64("to", seq).Msg("projections rebuilt")
	}
	return nil
}

// runCore feeds the core from a single goroutine: first the bootstrap events,
// then the ingest channel until ctx is done.
func runCore(ctx context.Context, c *core.DeterministicCore, bootstrap []event.Event, events <-chan event.Event, log zerolog.Logger) error {
	for _, evt := range bootstrap {
		if err := c.ProcessEvent(evt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", evt.IdempotencyKey(), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			if err := c.ProcessEvent(evt); err != nil {
				log.Warn().
					Err(err).
					Str("event_type", evt.EventType().String()).
					Str("idempotency_key", evt.IdempotencyKey()).
					Msg("event not admitted")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range chans {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
