package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"rimg/internal/access"
	"rimg/internal/derivative/generate"
	"rimg/internal/derivative/pathdecode"
	"rimg/internal/derivative/sweep"
	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/uri"
	"rimg/internal/derivative/urls"
	"rimg/internal/focal"
	"rimg/internal/imagestyle"
	"rimg/internal/lock"
	"rimg/internal/observability"
	"rimg/internal/shared/config"
	"rimg/internal/shared/logging"
	"rimg/internal/storage"
	"rimg/internal/watch"
)

// Foundation holds the components shared by the server and the CLI.
type Foundation struct {
	Config   config.RuntimeConfig
	Logger   logging.Logger
	Degraded *DegradedComponents

	Tracing      *observability.TracerProvider
	Metrics      *observability.MetricsCollector
	Storage      *storage.Manager
	StyleStore   *imagestyle.FileStore
	Styles       *imagestyle.Cache
	Focal        *focal.Static
	Locker       lock.Locker
	Orchestrator *generate.Orchestrator
	Sweeper      *sweep.Sweeper
	URLs         *urls.Builder
	Decoder      *pathdecode.Decoder

	closers []func(context.Context) error
}

// NewFoundation configures logging and builds every component from cfg.
// Tracing, metrics and focal points are optional: when they fail the
// service starts without them.
func NewFoundation(ctx context.Context, cfg config.RuntimeConfig) (*Foundation, error) {
	logging.Configure(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	f := &Foundation{
		Config:   cfg,
		Logger:   logging.NewComponentLogger("bootstrap"),
		Degraded: NewDegradedComponents(),
	}
	stages := []Stage{
		{Name: "tracing", Init: func() error { return f.initTracing(ctx) }},
		{Name: "metrics", Init: f.initMetrics},
		{Name: "storage", Required: true, Init: f.initStorage},
		{Name: "styles", Required: true, Init: f.initStyles},
		{Name: "focal", Init: f.initFocal},
		{Name: "locks", Required: true, Init: func() error { return f.initLocks(ctx) }},
		{Name: "pipeline", Required: true, Init: f.initPipeline},
	}
	if err := RunStages(stages, f.Degraded, f.Logger); err != nil {
		_ = f.Close(context.Background())
		return nil, err
	}
	if !f.Degraded.IsEmpty() {
		f.Logger.Warn("Started with degraded components: %v", f.Degraded.Names())
	}
	return f, nil
}

func (f *Foundation) initTracing(ctx context.Context) error {
	tp, err := observability.NewTracerProvider(ctx, f.Config.Tracing)
	if err != nil {
		return err
	}
	f.Tracing = tp
	f.closers = append(f.closers, tp.Shutdown)
	return nil
}

func (f *Foundation) initMetrics() error {
	collector, err := observability.NewMetricsCollector(f.Config.Metrics)
	if err != nil {
		return err
	}
	f.Metrics = collector
	f.closers = append(f.closers, collector.Shutdown)
	return nil
}

func (f *Foundation) initStorage() error {
	names := make([]string, 0, len(f.Config.Schemes))
	for name := range f.Config.Schemes {
		names = append(names, name)
	}
	sort.Strings(names)

	schemes := make([]storage.Scheme, 0, len(names))
	for _, name := range names {
		sc := f.Config.Schemes[name]
		if err := os.MkdirAll(sc.Root, 0o755); err != nil {
			return fmt.Errorf("create root for scheme %s: %w", name, err)
		}
		schemes = append(schemes, storage.NewLocalScheme(name, sc.Root, sc.Gated))
	}

	var opts []storage.Option
	if reg := f.Metrics.Registerer(); reg != nil {
		observer, err := storage.NewPrometheusObserver("rimg", reg)
		if err != nil {
			return err
		}
		opts = append(opts, storage.WithObserver(observer))
	}
	manager, err := storage.NewManager(schemes, opts...)
	if err != nil {
		return err
	}
	f.Storage = manager
	return nil
}

func (f *Foundation) initStyles() error {
	store, err := imagestyle.NewFileStore(f.Config.StylesFile)
	if err != nil {
		return err
	}
	cache, err := imagestyle.NewCache(store, f.Config.StyleCacheSize, logging.NewComponentLogger("imagestyle"))
	if err != nil {
		return err
	}
	f.StyleStore = store
	f.Styles = cache
	return nil
}

func (f *Foundation) initFocal() error {
	f.Focal = focal.NewStatic(nil)
	points, err := focal.LoadFile(f.Config.FocalFile)
	if err != nil {
		return err
	}
	f.Focal = points
	return nil
}

func (f *Foundation) initLocks(ctx context.Context) error {
	switch f.Config.Lock.Backend {
	case "", "memory":
		f.Locker = lock.NewMemory()
	case "postgres":
		locker, closeFn, err := lock.OpenPostgresAdvisory(ctx, f.Config.Lock.DSN, logging.NewComponentLogger("lock"))
		if err != nil {
			return err
		}
		f.Locker = locker
		f.closers = append(f.closers, func(context.Context) error {
			closeFn()
			return nil
		})
	case "sqlite":
		locker, err := lock.OpenSQLite(f.Config.Lock.Path, f.Config.Lock.TTL)
		if err != nil {
			return err
		}
		f.Locker = locker
		f.closers = append(f.closers, func(context.Context) error { return locker.Close() })
	default:
		return fmt.Errorf("unknown lock backend %q", f.Config.Lock.Backend)
	}
	return nil
}

func (f *Foundation) initPipeline() error {
	builder := uri.NewBuilder(f.Config.DefaultScheme)

	hooks := make(access.Chain, 0, len(f.Config.Access))
	for _, rule := range f.Config.Access {
		hooks = append(hooks, access.PathPolicy{Scheme: rule.Scheme, Allowed: rule.Allowed, Denied: rule.Denied})
	}

	orch, err := generate.New(f.Styles, f.Storage, f.Locker,
		transform.NewTransformer(f.Config.JPEGQuality), builder,
		generate.WithFocalProvider(f.Focal),
		generate.WithAccessHook(hooks),
		generate.WithMetrics(f.Metrics),
		generate.WithTracer(f.Tracing.Tracer()),
		generate.WithRetryAfter(f.Config.RetryAfter),
		generate.WithMaxDimension(f.Config.MaxDimension),
		generate.WithLogger(logging.NewComponentLogger("generate")),
	)
	if err != nil {
		return err
	}
	f.Orchestrator = orch

	f.Sweeper = sweep.New(f.Storage, f.Styles, builder,
		sweep.WithMetrics(f.Metrics),
		sweep.WithTracer(f.Tracing.Tracer()),
		sweep.WithConcurrency(f.Config.Sweep.Concurrency),
		sweep.WithLogger(logging.NewComponentLogger("sweep")),
	)
	f.URLs = &urls.Builder{
		BaseURL:   f.Config.BaseURL,
		PublicDir: f.Config.PublicDir,
		URIs:      builder,
		Styles:    f.Styles,
		Gated:     f.Storage.IsGated,
	}
	f.Decoder = pathdecode.New(f.Config.PublicDir, f.Styles.IsParametric)
	return nil
}

// WatchRoots lists the scheme directories the source watcher follows.
func (f *Foundation) WatchRoots() []watch.Root {
	roots := make([]watch.Root, 0, len(f.Config.Schemes))
	for _, name := range f.Storage.Schemes() {
		if sc, ok := f.Config.Schemes[name]; ok && sc.Root != "" {
			roots = append(roots, watch.Root{Scheme: name, Dir: sc.Root})
		}
	}
	return roots
}

// ReloadStyles re-reads the style catalog and drops cached lookups.
func (f *Foundation) ReloadStyles() error {
	if err := f.StyleStore.Reload(); err != nil {
		return err
	}
	f.Styles.Purge()
	return nil
}

// Close releases resources in reverse creation order.
func (f *Foundation) Close(ctx context.Context) error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	return errors.Join(errs...)
}
