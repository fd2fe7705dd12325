// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitewatch/internal/api"
	"github.com/JakeFAU/sitewatch/internal/clock/system"
	"github.com/JakeFAU/sitewatch/internal/config"
	"github.com/JakeFAU/sitewatch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sitewatch/internal/fetcher/colly"
	"github.com/JakeFAU/sitewatch/internal/fetcher/dnsprobe"
	"github.com/JakeFAU/sitewatch/internal/fetcher/headless"
	"github.com/JakeFAU/sitewatch/internal/hash/sha256"
	"github.com/JakeFAU/sitewatch/internal/id/uuid"
	"github.com/JakeFAU/sitewatch/internal/logging"
	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/normalize"
	"github.com/JakeFAU/sitewatch/internal/policy/backoff"
	"github.com/JakeFAU/sitewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/sitewatch/internal/policy/retry"
	"github.com/JakeFAU/sitewatch/internal/progress"
	progresssinks "github.com/JakeFAU/sitewatch/internal/progress/sinks"
	"github.com/JakeFAU/sitewatch/internal/publisher/fanout"
	memorypublisher "github.com/JakeFAU/sitewatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/sitewatch/internal/publisher/webhook"
	"github.com/JakeFAU/sitewatch/internal/publisher/zaplog"
	"github.com/JakeFAU/sitewatch/internal/scheduler"
	"github.com/JakeFAU/sitewatch/internal/snapshot"
	gcsstorage "github.com/JakeFAU/sitewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitewatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitewatch/internal/storage/memory"
	sitestore "github.com/JakeFAU/sitewatch/internal/store/memory"
	pgstore "github.com/JakeFAU/sitewatch/internal/store/postgres"
	sqlitestore "github.com/JakeFAU/sitewatch/internal/store/sqlite"
	"github.com/JakeFAU/sitewatch/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  monitor.Clock

	store      *sitestore.Store
	service    *monitor.Service
	pool       *worker.Pool
	sched      *scheduler.Scheduler
	alerts     *dispatcher.Dispatcher
	apiServer  *api.Server
	progress   *progress.Hub
	renderer   renderer
	registerer prometheus.Registerer

	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	closers      []func() error

	running   atomic.Bool
	closeOnce sync.Once
}

type renderer interface {
	monitor.Renderer
	Close()
}

// Option customises Build.
type Option func(*App)

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithLogger replaces the logger Build would construct from config.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:        cfg,
		clock:      system.New(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.NewWithFile(cfg.Logging.Development, logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("storage", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupStore(ctx); err != nil {
		return err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}
	taker, err := a.setupFetcher(blobs)
	if err != nil {
		return err
	}

	policy := backoff.New(backoff.Config{
		Multiplier: a.cfg.Backoff.Multiplier,
		MaxFactor:  a.cfg.Backoff.MaxFactor,
	})

	a.alerts = dispatcher.New(
		notifier,
		retry.NewExponentialPolicy(retry.Config{
			MaxAttempts: a.cfg.Alerts.MaxAttempts,
			BaseDelay:   config.Millis(a.cfg.Alerts.BackoffInitialMs),
			MaxDelay:    config.Millis(a.cfg.Alerts.BackoffMaxMs),
		}),
		a.clock,
		dispatcher.Config{
			LaneBuffer:      a.cfg.Alerts.LaneBuffer,
			MaxConcurrent:   a.cfg.Alerts.MaxConcurrent,
			DeliveryTimeout: config.Seconds(a.cfg.Alerts.DeliveryTimeoutSeconds),
		},
		dispatcher.WithProgress(emitter),
		dispatcher.WithLogger(a.logger.Named("dispatcher")),
	)

	a.pool = worker.New(
		a.store,
		taker,
		a.alerts,
		policy,
		a.clock,
		worker.Config{
			Concurrency:     a.cfg.Worker.Concurrency,
			QueueDepth:      a.cfg.Worker.QueueDepth,
			CheckTimeout:    config.Seconds(a.cfg.Worker.CheckTimeoutSeconds),
			SlowThresholdMs: a.cfg.HTTP.SlowThresholdMs,
		},
		worker.WithProgress(emitter),
		worker.WithLogger(a.logger.Named("worker")),
	)
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("queue_depth", a.cfg.Worker.QueueDepth),
		zap.Int("check_timeout_seconds", a.cfg.Worker.CheckTimeoutSeconds),
		zap.Int64("slow_threshold_ms", a.cfg.HTTP.SlowThresholdMs),
	)

	a.sched = scheduler.New(a.store, a.pool, a.clock, scheduler.Config{
		Tick: config.Seconds(a.cfg.Scheduler.TickSeconds),
	}, a.logger.Named("scheduler"))

	a.service = monitor.NewService(
		a.store,
		a.clock,
		uuid.New(),
		a.logger.Named("service"),
		monitor.WithSubmitter(a.pool),
		monitor.WithBackoff(policy),
		monitor.WithIntervalRules(monitor.IntervalRules{
			Default: time.Duration(a.cfg.Sites.DefaultIntervalMinutes) * time.Minute,
			Min:     time.Duration(a.cfg.Sites.MinIntervalMinutes) * time.Minute,
		}),
	)

	a.apiServer = api.NewServer(a.service, *a.cfg,
		api.WithLogger(a.logger.Named("api")),
		api.WithReadiness(a.ready),
	)
	return nil
}

// Service exposes the command interface, mainly for tests.
func (a *App) Service() *monitor.Service {
	return a.service
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) ready(context.Context) error {
	if !a.running.Load() {
		return errors.New("scheduler not running")
	}
	return nil
}

// Start launches the worker pool and the scheduler. Both stop when ctx is
// canceled; the returned function waits for them.
func (a *App) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sched.Run(ctx)
	}()
	a.running.Store(true)
	a.logger.Info("monitoring started")
	return func() {
		wg.Wait()
		a.running.Store(false)
	}
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	wait := a.Start(gctx)
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close drains pending alerts and releases every external client. It is
// safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.alerts != nil {
			if cerr := a.alerts.Close(ctx); cerr != nil {
				a.logger.Warn("alert dispatcher close failed", zap.Error(cerr))
				err = errors.Join(err, cerr)
			}
		}
		a.closeInfrastructure(ctx)
		if a.logger != nil {
			a.logger.Info("shutdown complete")
			_ = a.logger.Sync()
		}
	})
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progress != nil {
		if err := a.progress.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) setupStore(ctx context.Context) error {
	opts := []sitestore.Option{sitestore.WithLogger(a.logger.Named("store"))}
	switch a.cfg.Store.Driver {
	case "postgres":
		p, err := pgstore.NewPersister(ctx, pgstore.Config{
			DSN:      a.cfg.Store.DSN,
			Table:    a.cfg.Store.Table,
			MaxConns: int32(a.cfg.Store.MaxConns),
			Migrate:  true,
		})
		if err != nil {
			return fmt.Errorf("postgres persister init failed: %w", err)
		}
		a.closers = append(a.closers, func() error {
			p.Close()
			return nil
		})
		opts = append(opts, sitestore.WithPersister(p))
		a.logger.Info("using postgres site store", zap.String("table", a.cfg.Store.Table))
	case "sqlite":
		p, err := sqlitestore.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("sqlite persister init failed: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		opts = append(opts, sitestore.WithPersister(p))
		a.logger.Info("using sqlite site store", zap.String("path", a.cfg.Store.DSN))
	default:
		a.logger.Warn("using in-memory site store; sites are lost on restart")
	}
	store, err := sitestore.Open(ctx, a.clock.Now(), opts...)
	if err != nil {
		return fmt.Errorf("site store init failed: %w", err)
	}
	a.store = store
	return nil
}

func (a *App) setupStorage(ctx context.Context) (monitor.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobs.Verify(ctx); err != nil {
			return nil, err
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{
			BaseDir:       a.cfg.Storage.BaseDir,
			PublicBaseURL: a.cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupNotifier(ctx context.Context) (monitor.Notifier, error) {
	var targets []fanout.Target
	if a.cfg.Notify.WebhookURL != "" {
		hook, err := webhook.New(nil, webhook.Config{
			URL:     a.cfg.Notify.WebhookURL,
			Format:  a.cfg.Notify.WebhookFormat,
			Timeout: config.Seconds(a.cfg.Alerts.DeliveryTimeoutSeconds),
		})
		if err != nil {
			return nil, fmt.Errorf("webhook notifier init failed: %w", err)
		}
		targets = append(targets, fanout.Target{Name: "webhook", Notifier: hook})
		a.logger.Info("webhook notifier enabled", zap.String("format", a.cfg.Notify.WebhookFormat))
	}
	if a.cfg.Notify.PubSubProject != "" && a.cfg.Notify.PubSubTopic != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		topic := client.Topic(a.cfg.Notify.PubSubTopic)
		topic.EnableMessageOrdering = true
		a.publisher = gcppublisher.New(topic)
		targets = append(targets, fanout.Target{Name: "pubsub", Notifier: a.publisher})
		a.logger.Info("Pub/Sub notifier enabled",
			zap.String("project", a.cfg.Notify.PubSubProject),
			zap.String("topic", a.cfg.Notify.PubSubTopic),
		)
	}
	if a.cfg.Notify.Log {
		targets = append(targets, fanout.Target{Name: "log", Notifier: zaplog.New(a.logger.Named("alerts"))})
	}
	if len(targets) == 0 {
		a.logger.Warn("no alert targets configured, keeping alerts in memory")
		targets = append(targets, fanout.Target{Name: "memory", Notifier: memorypublisher.New(1000)})
	}
	return fanout.New(targets...), nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:   a.cfg.Progress.BufferSize,
		MaxBatchWait: config.Millis(a.cfg.Progress.MaxBatchWaitMs),
		BaseContext:  ctx,
		Logger:       a.logger.Named("progress_hub"),
	}
	a.progress = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progress, nil
}

func (a *App) setupFetcher(blobs monitor.BlobStore) (monitor.SnapshotTaker, error) {
	prober := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      config.Seconds(a.cfg.HTTP.TimeoutSeconds),
		MaxRedirects: a.cfg.HTTP.MaxRedirects,
		MaxBodySize:  a.cfg.HTTP.MaxBodyBytes,
	})
	resolver, err := dnsprobe.NewResolver(dnsprobe.Config{
		Servers: a.cfg.DNS.Servers,
		Timeout: config.Seconds(a.cfg.DNS.TimeoutSeconds),
		Types:   a.cfg.DNS.RecordTypes,
		Reverse: a.cfg.DNS.ReverseLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("dns resolver init failed: %w", err)
	}
	a.logger.Info("dns resolver configured", zap.Strings("servers", resolver.Servers()))

	normalizer, err := normalize.FromConfig(a.cfg.Normalize)
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}

	opts := []snapshot.Option{
		snapshot.WithDNS(resolver),
		snapshot.WithNormalizer(normalizer),
		snapshot.WithLogger(a.logger.Named("snapshot")),
		snapshot.WithLimiter(ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.HTTP.PerHostRPS,
			Burst: a.cfg.HTTP.PerHostBurst,
		})),
	}
	if a.cfg.Headless.Enabled {
		chrome, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: config.Seconds(a.cfg.Headless.NavTimeoutSeconds),
			ViewportWidth:     int64(a.cfg.Headless.ViewportWidth),
			ViewportHeight:    int64(a.cfg.Headless.ViewportHeight),
			Settle:            config.Millis(a.cfg.Headless.SettleMs),
			Quality:           a.cfg.Headless.Quality,
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed; screenshots will be recorded as render errors", zap.Error(err))
			a.renderer = headless.NewNoop()
		} else {
			a.renderer = chrome
			a.logger.Info("headless renderer enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
		opts = append(opts, snapshot.WithCapturer(snapshot.NewCapturer(a.renderer, blobs)))
	}
	return snapshot.New(prober, sha256.New(), a.clock, opts...), nil
}
