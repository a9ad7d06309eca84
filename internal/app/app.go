// Package app wires configuration into long-lived services and exposes the
// job operations shared by the CLI and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/clock/system"
	"github.com/JakeFAU/twostage-crawler/internal/config"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/extractor"
	"github.com/JakeFAU/twostage-crawler/internal/extractor/claude"
	"github.com/JakeFAU/twostage-crawler/internal/extractor/gemini"
	collyfetcher "github.com/JakeFAU/twostage-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/twostage-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/twostage-crawler/internal/fetcher/retry"
	"github.com/JakeFAU/twostage-crawler/internal/hash/sha256"
	"github.com/JakeFAU/twostage-crawler/internal/id/uuid"
	"github.com/JakeFAU/twostage-crawler/internal/metrics"
	"github.com/JakeFAU/twostage-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/twostage-crawler/internal/policy/robots"
	"github.com/JakeFAU/twostage-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/twostage-crawler/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/twostage-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/twostage-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/twostage-crawler/internal/scheduler"
	badgerstore "github.com/JakeFAU/twostage-crawler/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/twostage-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/twostage-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/twostage-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/twostage-crawler/internal/storage/postgres"
	"github.com/JakeFAU/twostage-crawler/internal/template"
	"github.com/JakeFAU/twostage-crawler/internal/worker"
)

// App holds the services built from one Config.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	jobs      crawler.JobStore
	state     crawler.StateStore
	worker    *worker.Worker
	scheduler *scheduler.Scheduler
	ids       crawler.IDGenerator
	clock     crawler.Clock
	hub       *progress.Hub

	badger  *badgerstore.DB
	closers []func(context.Context) error
}

// Option overrides a collaborator Build would otherwise construct.
type Option func(*overrides)

type overrides struct {
	discoverer crawler.Discoverer
	fetcher    crawler.Fetcher
	extractor  crawler.Extractor
	clock      crawler.Clock
	registerer prometheus.Registerer
}

// WithDiscoverer replaces the configured link discoverer.
func WithDiscoverer(d crawler.Discoverer) Option {
	return func(o *overrides) { o.discoverer = d }
}

// WithFetcher replaces the configured content fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *overrides) { o.fetcher = f }
}

// WithExtractor replaces the model-backed extractor.
func WithExtractor(e crawler.Extractor) Option {
	return func(o *overrides) { o.extractor = e }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// WithRegisterer sets where progress collectors register. Defaults to the
// process-wide Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *overrides) { o.registerer = reg }
}

// Build creates the application's dependencies. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.NewUUIDGenerator(),
		clock:  system.New(),
	}
	if o.clock != nil {
		a.clock = o.clock
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	logger.Info("building application dependencies",
		zap.String("state_backend", cfg.State.Backend),
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("export_backend", cfg.Export.Backend),
		zap.String("provider", cfg.Extractor.Provider),
	)

	if a.state, err = a.setupState(); err != nil {
		return nil, err
	}
	if a.jobs, err = a.setupJobs(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.setupExport(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(ctx, o.registerer)
	if err != nil {
		return nil, err
	}
	discoverer, fetcher, err := a.setupFetchers(o)
	if err != nil {
		return nil, err
	}
	extract := o.extractor
	if extract == nil {
		if extract, err = a.setupExtractor(ctx); err != nil {
			return nil, err
		}
	}

	a.worker = worker.New(worker.Deps{
		Jobs:       a.jobs,
		State:      a.state,
		Discoverer: discoverer,
		Fetcher:    fetcher,
		Extractor:  extract,
		Templates:  template.NewLoader(cfg.Templates.Dir),
		BlobStore:  blobs,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Clock:      a.clock,
		Progress:   emitter,
	}, worker.Config{
		MaxStalledBatches: cfg.Worker.MaxStalledBatches,
		Parallelism:       cfg.Worker.Parallelism,
		StrictUnknown:     cfg.Worker.StrictUnknown,
		ExportPrefix:      cfg.Export.Prefix,
		Topic:             cfg.PubSub.Topic,
		BlockedDomains:    cfg.Fetcher.BlockedDomains,
	}, logger.Named("worker"))
	a.scheduler = scheduler.New(a.jobs, a.worker, logger.Named("scheduler"))
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Close releases every opened backend in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openBadger() (*badgerstore.DB, error) {
	if a.badger != nil {
		return a.badger, nil
	}
	db, err := badgerstore.Open(badgerstore.Config{Path: a.cfg.State.BadgerPath})
	if err != nil {
		return nil, fmt.Errorf("badger open failed: %w", err)
	}
	a.badger = db
	a.onClose(func(context.Context) error { return db.Close() })
	return db, nil
}

func (a *App) setupState() (crawler.StateStore, error) {
	switch a.cfg.State.Backend {
	case "badger":
		db, err := a.openBadger()
		if err != nil {
			return nil, err
		}
		a.logger.Info("using badger state store", zap.String("path", a.cfg.State.BadgerPath))
		return badgerstore.NewStateStore(db), nil
	case "memory":
		a.logger.Info("using in-memory state store")
		return memorystorage.NewStateStore(), nil
	default:
		store, err := localstorage.NewStateStore(localstorage.Config{BaseDir: a.cfg.State.Dir})
		if err != nil {
			return nil, fmt.Errorf("local state store init failed: %w", err)
		}
		a.logger.Info("using local state store", zap.String("dir", a.cfg.State.Dir))
		return store, nil
	}
}

func (a *App) setupJobs(ctx context.Context) (crawler.JobStore, error) {
	switch a.cfg.Jobs.Backend {
	case "badger":
		db, err := a.openBadger()
		if err != nil {
			return nil, err
		}
		a.logger.Info("using badger job store")
		return badgerstore.NewJobStore(db), nil
	case "postgres":
		store, err := pgstore.NewJobStore(ctx, a.cfg.Jobs.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.onClose(func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres job store schema: %w", err)
		}
		a.logger.Info("using postgres job store", zap.String("table", a.cfg.Jobs.Postgres.Table))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	default:
		store, err := localstorage.NewJobStore(localstorage.Config{BaseDir: a.cfg.State.Dir})
		if err != nil {
			return nil, fmt.Errorf("local job store init failed: %w", err)
		}
		a.logger.Info("using local job store", zap.String("dir", a.cfg.State.Dir))
		return store, nil
	}
}

func (a *App) setupExport(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Export.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Export.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS export", zap.String("bucket", a.cfg.Export.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.NewBlobStore(localstorage.Config{BaseDir: a.cfg.Export.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local export", zap.String("dir", a.cfg.Export.Dir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory export")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("export disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case "gcp":
		pub, err := gcppublisher.Dial(ctx, gcppublisher.Config{ProjectID: a.cfg.PubSub.ProjectID}, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
		return pub, nil
	case "memory":
		a.logger.Info("using in-memory publisher", zap.String("topic", a.cfg.PubSub.Topic))
		return pubmemory.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	if a.cfg.Metrics.Enabled {
		sink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress metrics sink: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.onClose(a.hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return a.hub, nil
}

func (a *App) setupFetchers(o overrides) (crawler.Discoverer, crawler.Fetcher, error) {
	rl := ratelimit.FromDelay(a.cfg.Fetcher.Delay)
	if a.cfg.Fetcher.Burst > 1 {
		rl.DefaultBurst = a.cfg.Fetcher.Burst
	}
	if len(a.cfg.Fetcher.DomainDelays) > 0 {
		rl.DomainDelays = make(map[string]time.Duration, len(a.cfg.Fetcher.DomainDelays))
		for _, d := range a.cfg.Fetcher.DomainDelays {
			rl.DomainDelays[d.Domain] = d.Delay
		}
	}
	limiter := ratelimit.New(rl)
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetcher.UserAgent,
		RespectRobots: a.cfg.Fetcher.RespectRobots,
		Timeout:       a.cfg.Fetcher.Timeout,
	}, limiter, a.logger.Named("colly"))
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Fetcher.UserAgent),
		zap.Duration("delay", a.cfg.Fetcher.Delay),
	)

	var discoverer crawler.Discoverer = plain
	var fetcher crawler.Fetcher = plain
	if a.cfg.Headless.Enabled && (o.fetcher == nil || o.discoverer == nil) {
		rendered, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			Settle:            a.cfg.Headless.Settle,
		}, a.logger.Named("headless"))
		if err != nil {
			return nil, nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.onClose(func(context.Context) error {
			rendered.Close()
			return nil
		})
		var (
			renderFetch    crawler.Fetcher    = rendered
			renderDiscover crawler.Discoverer = rendered
		)
		// The browser does not read robots.txt on its own.
		if a.cfg.Fetcher.RespectRobots {
			rp := robots.New(a.cfg.Fetcher.UserAgent, &http.Client{Timeout: a.cfg.Fetcher.Timeout}, a.logger.Named("robots"))
			renderFetch = robots.GuardFetcher(rp, rendered)
			renderDiscover = robots.GuardDiscoverer(rp, rendered)
		}
		fetcher = renderFetch
		if a.cfg.Headless.Mode == config.HeadlessAuto {
			fetcher = headless.NewAuto(plain, renderFetch, headless.NewDetector(a.cfg.Headless.Detect), a.logger.Named("auto"))
		}
		if a.cfg.Headless.Discover {
			discoverer = renderDiscover
		}
		a.logger.Info("using headless fetcher",
			zap.String("mode", a.cfg.Headless.Mode),
			zap.Int("max_parallel", a.cfg.Headless.MaxParallel),
			zap.Bool("discover", a.cfg.Headless.Discover),
		)
	}
	if a.cfg.Fetcher.MaxAttempts > 1 {
		policy := retry.DefaultPolicy()
		policy.MaxAttempts = a.cfg.Fetcher.MaxAttempts
		fetcher = retry.New(fetcher, policy, a.logger.Named("retry"))
	}
	if o.discoverer != nil {
		discoverer = o.discoverer
	}
	if o.fetcher != nil {
		fetcher = o.fetcher
	}
	return discoverer, fetcher, nil
}

// setupExtractor builds the configured model client. A missing API key is
// not fatal here: commands that never extract still work, and extraction
// reports the configuration problem per link.
func (a *App) setupExtractor(ctx context.Context) (crawler.Extractor, error) {
	var (
		completer extractor.Completer
		err       error
	)
	switch a.cfg.Extractor.Provider {
	case "gemini":
		completer, err = gemini.New(ctx, a.cfg.Extractor.Gemini, a.logger.Named("gemini"))
	default:
		completer, err = claude.New(a.cfg.Extractor.Claude, a.logger.Named("claude"))
	}
	if errors.Is(err, crawler.ErrConfig) {
		a.logger.Warn("extractor unavailable", zap.String("provider", a.cfg.Extractor.Provider), zap.Error(err))
		return unavailableExtractor{err: err}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s client init failed: %w", a.cfg.Extractor.Provider, err)
	}
	a.logger.Info("using model extractor", zap.String("provider", completer.Name()))
	return extractor.New(completer, a.cfg.Extractor.Options(), a.logger.Named("extractor")), nil
}

type unavailableExtractor struct {
	err error
}

func (u unavailableExtractor) Extract(context.Context, []byte, crawler.Template) (map[string]any, error) {
	return nil, u.err
}
