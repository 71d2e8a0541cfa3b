// Package server builds the scraper's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/api"
	"github.com/JakeFAU/media-scraper/internal/clock/system"
	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/dispatcher"
	"github.com/JakeFAU/media-scraper/internal/extractor"
	collyfetcher "github.com/JakeFAU/media-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/media-scraper/internal/hash/sha256"
	"github.com/JakeFAU/media-scraper/internal/id/uuid"
	"github.com/JakeFAU/media-scraper/internal/logging"
	"github.com/JakeFAU/media-scraper/internal/metrics"
	"github.com/JakeFAU/media-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/media-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/media-scraper/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/media-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-scraper/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/media-scraper/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/media-scraper/internal/queue/pubsub"
	"github.com/JakeFAU/media-scraper/internal/scraper"
	gcsstorage "github.com/JakeFAU/media-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/media-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-scraper/internal/storage/postgres"
	s3storage "github.com/JakeFAU/media-scraper/internal/storage/s3"
	"github.com/JakeFAU/media-scraper/internal/telemetry"
	"github.com/JakeFAU/media-scraper/internal/worker"
)

const (
	readHeaderTimeout = 5 * time.Second
	closeTimeout      = 10 * time.Second
)

// jobQueue is a scraper.Queue the App can size and shut down.
type jobQueue interface {
	scraper.Queue
	Len() int
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     jobQueue
	fetcher   *collyfetcher.Fetcher

	media     scraper.MediaStore
	jobs      *memorystorage.JobStore
	blobs     scraper.BlobStore
	publisher scraper.Publisher
	hub       *progress.Hub

	pgStore         *pgstore.MediaStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *storage.Client
	tracer          *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Infrastructure failures
// (database, Pub/Sub, object storage) are returned as errors.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	return build(ctx, cfg, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			defer cancel()
			app.closeInfrastructure(closeCtx)
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Scraper.Concurrency),
		zap.String("database_backend", cfg.Database.Backend),
		zap.String("snapshot_backend", cfg.Snapshot.Backend),
	)

	metrics.Init()
	app.tracer, err = telemetry.InitTracerProvider(ctx, logging.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = app.setupSnapshots(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(reg); err != nil {
		return nil, err
	}

	app.jobs = memorystorage.NewJobStore(cfg.Ledger.Capacity)
	if err = app.setupQueue(ctx); err != nil {
		return nil, err
	}

	app.dispatch, err = app.setupDispatcher()
	if err != nil {
		return nil, err
	}

	var ready api.Pinger
	if app.pgStore != nil {
		ready = app.pgStore
	}
	reader, ok := app.media.(scraper.MediaReader)
	if !ok {
		return nil, fmt.Errorf("media store %T cannot serve queries", app.media)
	}
	app.apiServer = api.NewServer(app.dispatch, reader, app.jobs, ready, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger.Named("api"),
	})

	built = true
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.Backend == config.DatabaseMemory {
		a.logger.Warn("using in-memory media store; records are lost on restart")
		a.media = memorystorage.NewMediaStore(nil)
		return nil
	}
	store, err := pgstore.NewMediaStore(ctx, pgstore.MediaStoreConfig{
		DSN:             a.cfg.Database.ConnString(),
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: a.cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("media store init failed: %w", err)
	}
	a.pgStore = store
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("media store unreachable: %w", err)
	}
	if a.cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
		a.logger.Info("schema ready", zap.String("table", a.cfg.Database.Table))
	}
	a.media = store
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	snap := a.cfg.Snapshot
	switch snap.Backend {
	case "", config.SnapshotNone:
		a.logger.Info("page snapshots disabled")
		return nil
	case config.SnapshotMemory:
		a.blobs = memorystorage.NewBlobStore()
	case config.SnapshotLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: snap.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
	case config.SnapshotGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: snap.GCS.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = store
	case config.SnapshotS3:
		store, err := s3storage.New(ctx, s3storage.Config{
			Endpoint:  snap.S3.Endpoint,
			Region:    snap.S3.Region,
			Bucket:    snap.S3.Bucket,
			AccessKey: snap.S3.AccessKey,
			SecretKey: snap.S3.SecretKey,
			UseSSL:    snap.S3.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.blobs = store
	default:
		return fmt.Errorf("snapshot backend %q is not supported", snap.Backend)
	}
	a.logger.Info("page snapshots enabled",
		zap.String("backend", snap.Backend),
		zap.String("prefix", snap.Prefix),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no notification topic configured")
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher",
			zap.String("topic", a.cfg.PubSub.TopicName))
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := a.pubsub(ctx)
	if err != nil {
		return err
	}
	pub, err := gcppublisher.New(client)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubPublisher = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Queue.Backend != config.QueuePubSub {
		a.queue = queuemem.NewQueue(a.cfg.Queue.Depth)
		a.logger.Info("in-process job queue ready",
			zap.Int("depth", a.cfg.Queue.Depth),
			zap.String("broker_addr", a.cfg.Queue.Addr()),
		)
		return nil
	}
	client, err := a.pubsub(ctx)
	if err != nil {
		return err
	}
	q, err := pubsubqueue.New(ctx, client, pubsubqueue.Config{
		Topic:        a.cfg.Queue.PubSub.Topic,
		Subscription: a.cfg.Queue.PubSub.Subscription,
		Buffer:       a.cfg.Scraper.Concurrency,
		Logger:       a.logger.Named("queue"),
	})
	if err != nil {
		return fmt.Errorf("pubsub queue init failed: %w", err)
	}
	a.queue = q
	a.logger.Info("Pub/Sub job queue ready",
		zap.String("topic", a.cfg.Queue.PubSub.Topic),
		zap.String("subscription", a.cfg.Queue.PubSub.Subscription),
	)
	return nil
}

// pubsub returns the shared Pub/Sub client, creating it on first use.
func (a *App) pubsub(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return client, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	pc := a.cfg.Progress
	if !pc.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(pc.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pc.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

func (a *App) setupDispatcher() (*dispatcher.Dispatcher, error) {
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.Scraper.UserAgent,
		Timeout:            a.cfg.FetchTimeout(),
		MaxBodyBytes:       a.cfg.HTTP.MaxBodyBytes,
		InsecureSkipVerify: a.cfg.HTTP.InsecureSkipVerify,
	})
	a.logger.Info("colly fetcher ready",
		zap.String("user_agent", a.cfg.Scraper.UserAgent),
		zap.Duration("timeout", a.cfg.FetchTimeout()),
		zap.Int("max_body_bytes", a.cfg.HTTP.MaxBodyBytes),
	)

	clock := system.New()
	deps := worker.Deps{
		Queue:     a.queue,
		Fetcher:   a.fetcher,
		Extractor: extractor.New(),
		Store:     a.media,
		Jobs:      a.jobs,
		Clock:     clock,
		Progress:  a.hub,
	}
	if a.blobs != nil {
		deps.Blobs = a.blobs
		deps.Hasher = sha256.New()
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	if a.cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	}
	workerCfg := worker.Config{
		SnapshotPrefix: a.cfg.Snapshot.Prefix,
		Topic:          a.cfg.PubSub.TopicName,
	}

	runners := make([]dispatcher.Runner, 0, a.cfg.Scraper.Concurrency)
	for i := 0; i < a.cfg.Scraper.Concurrency; i++ {
		d := deps
		d.Logger = a.logger.Named("worker").With(zap.Int("index", i))
		w, err := worker.New(i, d, workerCfg)
		if err != nil {
			return nil, fmt.Errorf("worker %d init failed: %w", i, err)
		}
		runners = append(runners, w)
	}
	return dispatcher.New(a.queue, runners, a.jobs, uuid.New(), clock, a.logger.Named("dispatcher")), nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and blocks until SIGINT, SIGTERM or ctx
// cancellation, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the worker pool and the HTTP server on ln until ctx ends. On
// shutdown it stops accepting requests, closes the queue, lets workers drain
// it within the shutdown timeout, and then releases every client.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Scraper.Concurrency))
		a.dispatch.Run(runCtx)
	}()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		a.logger.Error("http server error", zap.Error(runErr))
	case <-dispatchDone:
		runErr = a.queueFailure()
		a.logger.Error("workers stopped before shutdown", zap.Error(runErr))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown timeout", zap.Int("queued", a.queue.Len()))
		cancelRun()
		<-dispatchDone
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// queueFailure explains why the workers returned while the App was still
// serving.
func (a *App) queueFailure() error {
	if q, ok := a.queue.(interface{ Err() error }); ok {
		if err := q.Err(); err != nil {
			return fmt.Errorf("job queue failed: %w", err)
		}
	}
	return errors.New("workers stopped before shutdown")
}

// Close releases every client the App owns. It is safe to call after Serve.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}
