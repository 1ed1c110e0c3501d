// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/carscan/internal/api"
	"github.com/JakeFAU/carscan/internal/browser"
	chromedpbrowser "github.com/JakeFAU/carscan/internal/browser/chromedp"
	"github.com/JakeFAU/carscan/internal/captcha"
	"github.com/JakeFAU/carscan/internal/chat"
	"github.com/JakeFAU/carscan/internal/clock/system"
	"github.com/JakeFAU/carscan/internal/config"
	collyfetcher "github.com/JakeFAU/carscan/internal/fetcher/colly"
	"github.com/JakeFAU/carscan/internal/hash/sha256"
	"github.com/JakeFAU/carscan/internal/id/uuid"
	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/pipeline"
	"github.com/JakeFAU/carscan/internal/policy/ratelimit"
	"github.com/JakeFAU/carscan/internal/progress"
	progresssinks "github.com/JakeFAU/carscan/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/carscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/carscan/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/carscan/internal/queue/memory"
	"github.com/JakeFAU/carscan/internal/scheduler"
	"github.com/JakeFAU/carscan/internal/stage"
	gcsstorage "github.com/JakeFAU/carscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/carscan/internal/storage/local"
	memoryStorage "github.com/JakeFAU/carscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/carscan/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/carscan/internal/storage/sqlite"
	"github.com/JakeFAU/carscan/internal/store"
	"github.com/JakeFAU/carscan/internal/vehicle"
	"github.com/JakeFAU/carscan/internal/worker"
)

// CLIRequester is the requester id used by one-shot scans from the command line.
const CLIRequester = "cli"

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       *store.Store
	snapshotter vehicle.Snapshotter
	blobs       vehicle.BlobStore
	publisher   vehicle.Publisher
	solver      *captcha.Client
	launcher    browser.Launcher
	queue       *queueMemory.Queue
	worker      *worker.Worker
	scheduler   *scheduler.Scheduler
	outbox      *chat.Outbox
	bot         *chat.Bot
	apiServer   *api.Server
	progressHub *progress.Hub

	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	sqliteStore     *sqlitestore.Store
	postgresStore   *pgstore.SnapshotStore
	closeLauncher   func()
	restored        bool
}

// Option customizes how New builds the container.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	launcher   browser.Launcher
	httpClient *http.Client
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLauncher replaces the chromedp launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithSolverHTTPClient replaces the HTTP client of the captcha client.
func WithSolverHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// New builds every service from cfg and restores the last snapshot. Close
// must be called even when Run is not.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("snapshot_backend", cfg.Storage.Snapshot),
		zap.String("blob_backend", cfg.Storage.Blobs),
		zap.Int("pool_size", cfg.Scheduler.PoolSize),
	)

	clock := system.New()
	ids := uuid.New()
	a.store = store.New(ids, clock, logger)

	if cfg.UsesGCS() {
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
	}
	if a.snapshotter, err = a.setupSnapshotter(ctx); err != nil {
		return nil, err
	}
	if a.blobs, err = a.setupBlobs(); err != nil {
		return nil, err
	}
	if a.publisher, err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(o.registerer)
	if err != nil {
		return nil, err
	}

	solverOpts := []captcha.Option{
		captcha.WithLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Solver.RPS, DefaultBurst: cfg.Solver.Burst})),
		captcha.WithLogger(logger),
	}
	if o.httpClient != nil {
		solverOpts = append(solverOpts, captcha.WithHTTPClient(o.httpClient))
	}
	a.solver, err = captcha.New(captcha.Config{
		BaseURL:      cfg.Solver.BaseURL,
		APIKey:       cfg.Solver.APIKey,
		PollInterval: cfg.Solver.PollInterval,
		PollTries:    cfg.Solver.PollTries,
		LowBalance:   cfg.Solver.LowBalance,
		HTTPTimeout:  cfg.Solver.HTTPTimeout,
	}, solverOpts...)
	if err != nil {
		return nil, fmt.Errorf("captcha client init failed: %w", err)
	}

	a.launcher = o.launcher
	if a.launcher == nil {
		l, err := chromedpbrowser.New(chromedpbrowser.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("browser launcher init failed: %w", err)
		}
		a.launcher = l
		a.closeLauncher = l.Close
	}

	assets := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   cfg.Browser.AssetTimeout,
	})
	runner := stage.NewRunner(stage.Config{
		AssetPoll:      cfg.Stage.AssetPoll,
		AssetTimeout:   cfg.Stage.AssetTimeout,
		CaptchaRetries: cfg.Stage.CaptchaRetries,
		ElementTimeout: cfg.Stage.ElementTimeout,
		SettleDelay:    cfg.Stage.SettleDelay,
	}, a.solver, assets, logger)
	catalog := stage.Catalog(stage.Sites{
		RegistryBaseURL:  cfg.Sites.RegistryBaseURL,
		TrafficPoliceURL: cfg.Sites.TrafficPoliceURL,
		SiteKey:          cfg.Sites.SiteKey,
		NoDataMarkers:    cfg.Sites.NoDataMarkers,
	}, logger)
	pipe := pipeline.New(pipeline.Config{
		MaxStageAttempts: cfg.Pipeline.MaxStageAttempts,
		LongRunningAfter: cfg.Pipeline.LongRunningAfter,
		RetryBaseDelay:   cfg.Pipeline.RetryBaseDelay,
		RetryMaxDelay:    cfg.Pipeline.RetryMaxDelay,
		BlobPrefix:       cfg.Pipeline.BlobPrefix,
	}, runner, a.blobs, sha256.New(), emitter, logger)

	a.outbox = chat.NewOutbox(cfg.Chat.OutboxLimit, clock, logger)
	a.worker = worker.New(worker.Config{
		RequestTimeout: cfg.Scheduler.RequestTimeout,
		Topic:          cfg.PubSub.Topic,
	}, worker.Deps{
		Store:       a.store,
		Launcher:    a.launcher,
		Pipeline:    pipe,
		Catalog:     catalog,
		Snapshotter: a.snapshotter,
		Publisher:   a.publisher,
		Notifier:    a.outbox,
		Clock:       clock,
		Progress:    emitter,
	}, logger)

	a.queue = queueMemory.NewQueue(cfg.Scheduler.QueueCapacity)
	a.scheduler = scheduler.New(scheduler.Config{
		PoolSize:          cfg.Scheduler.PoolSize,
		HaltOnOutOfCredit: cfg.Scheduler.HaltOnOutOfCredit,
	}, scheduler.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Processor: a.worker,
		IDs:       ids,
		Clock:     clock,
		Notifier:  a.outbox,
	}, logger)

	a.bot = chat.NewBot(a.store, a.scheduler, logger)
	a.apiServer = api.NewServer(api.Config{RequestTimeout: cfg.Server.RequestTimeout}, api.Deps{
		Records:     a.store,
		Scheduler:   a.scheduler,
		Bot:         a.bot,
		Outbox:      a.outbox,
		Solver:      a.solver,
		Snapshotter: a.snapshotter,
	}, logger)

	if err := a.store.Load(ctx, a.snapshotter); err != nil {
		return nil, err
	}
	a.restored = true
	logger.Info("snapshot restored", zap.Int("records", len(a.store.Records())))
	return a, nil
}

func (a *App) setupSnapshotter(ctx context.Context) (vehicle.Snapshotter, error) {
	cfg := a.cfg.Storage
	switch cfg.Snapshot {
	case config.BackendLocal:
		f, err := localstorage.NewSnapshotFile(cfg.Local.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("local snapshot init failed: %w", err)
		}
		a.logger.Info("using local snapshot file", zap.String("path", cfg.Local.SnapshotPath))
		return f, nil
	case config.BackendSQLite:
		s, err := sqlitestore.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite snapshot init failed: %w", err)
		}
		a.sqliteStore = s
		a.logger.Info("using sqlite snapshot store", zap.String("path", cfg.SQLite.Path))
		return s, nil
	case config.BackendPostgres:
		s, err := pgstore.NewSnapshotStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			Migrate:         cfg.Postgres.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres snapshot init failed: %w", err)
		}
		a.postgresStore = s
		a.logger.Info("using postgres snapshot store")
		return s, nil
	case config.BackendGCS:
		s, err := gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket:         cfg.GCS.Bucket,
			SnapshotObject: cfg.GCS.SnapshotObject,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot init failed: %w", err)
		}
		a.logger.Info("using gcs snapshot object", zap.String("bucket", cfg.GCS.Bucket),
			zap.String("object", cfg.GCS.SnapshotObject))
		return s, nil
	default:
		a.logger.Warn("using in-memory snapshots; state is lost on restart")
		return memoryStorage.NewSnapshotter(), nil
	}
}

func (a *App) setupBlobs() (vehicle.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Blobs {
	case config.BackendGCS:
		s, err := gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket:         cfg.GCS.Bucket,
			SnapshotObject: cfg.GCS.SnapshotObject,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using gcs blob store", zap.String("bucket", cfg.GCS.Bucket))
		return s, nil
	case config.BackendLocal:
		s, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("path", cfg.Local.BaseDir))
		return s, nil
	default:
		a.logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (vehicle.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("pubsub disabled, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient, a.logger)
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger,
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store returns the record store.
func (a *App) Store() *store.Store {
	return a.store
}

// Scheduler returns the request scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Publisher returns the resolution event publisher.
func (a *App) Publisher() vehicle.Publisher {
	return a.publisher
}

// Balance reports the solver account balance.
func (a *App) Balance(ctx context.Context) (float64, error) {
	return a.solver.GetBalance(ctx)
}

// Scan resolves number synchronously on behalf of CLIRequester and returns
// the notifications it produced.
func (a *App) Scan(ctx context.Context, number string, report vehicle.ReportType) ([]chat.Message, error) {
	id, err := vehicle.ParseIdentity(number)
	if err != nil {
		return nil, err
	}
	if report == "" {
		report = vehicle.ReportFull
	}
	a.store.Register(CLIRequester)
	if err := a.store.Admit(CLIRequester); err != nil {
		return nil, fmt.Errorf("admit %s: %w", CLIRequester, err)
	}
	itemID, err := uuid.New().NewID()
	if err != nil {
		a.store.Finish(CLIRequester)
		return nil, fmt.Errorf("work item id: %w", err)
	}
	item := vehicle.WorkItem{
		ID:          itemID,
		RequesterID: CLIRequester,
		Raw:         number,
		Identity:    id,
		Report:      report,
		Submitted:   time.Now(),
	}
	err = a.worker.Process(ctx, item)
	return a.outbox.Drain(CLIRequester), err
}

// Run serves the API and drains the work queue until ctx is canceled, then
// shuts both down within the configured grace period.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("scheduler started", zap.Int("pool_size", a.cfg.Scheduler.PoolSize))
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.queue.Close()
		grace := a.cfg.Server.ShutdownGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close writes a final snapshot and releases every service. It is safe to
// call on a partially built App; nothing is saved unless the snapshot was
// restored first.
func (a *App) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.restored {
		if err := a.store.Save(ctx, a.snapshotter); err != nil {
			a.logger.Warn("final snapshot failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite store close failed", zap.Error(err))
		}
	}
	if a.postgresStore != nil {
		a.postgresStore.Close()
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeLauncher != nil {
		a.closeLauncher()
	}
	a.logger.Info("shutdown complete")
}
