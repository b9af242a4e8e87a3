// Package sweep removes derivatives when their source or style changes.
package sweep

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"rimg/internal/derivative/uri"
	"rimg/internal/imagestyle"
	"rimg/internal/observability"
	"rimg/internal/shared/logging"
)

const defaultConcurrency = 4

// Storage is the part of the storage layer the sweeper needs.
type Storage interface {
	Schemes() []string
	Exists(ctx context.Context, u string) bool
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, u string) error
	DeleteTree(ctx context.Context, u string) error
}

// Styles lists and resolves image styles.
type Styles interface {
	Load(ctx context.Context, id string) (*imagestyle.ImageStyle, error)
	List(ctx context.Context) ([]*imagestyle.ImageStyle, error)
}

// Metrics records sweep results.
type Metrics interface {
	RecordSweep(ctx context.Context, style string, deleted, failed int)
}

// Report summarizes one invalidation.
type Report struct {
	Deleted []string
	Failed  []string
}

func (r *Report) merge(other Report) {
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Failed = append(r.Failed, other.Failed...)
}

// Sweeper deletes derivative files.
type Sweeper struct {
	storage     Storage
	styles      Styles
	builder     uri.Builder
	metrics     Metrics
	tracer      trace.Tracer
	logger      logging.Logger
	concurrency int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Sweeper) { s.logger = logging.OrNop(l) }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sweeper) { s.tracer = t }
}

// WithConcurrency bounds how many styles FlushAll sweeps at once.
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New builds a sweeper.
func New(store Storage, styles Styles, builder uri.Builder, opts ...Option) *Sweeper {
	s := &Sweeper{
		storage:     store,
		styles:      styles,
		builder:     builder,
		tracer:      otel.Tracer("rimg/derivative/sweep"),
		logger:      logging.NewComponentLogger("sweep"),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Flush removes the derivatives of sourceURI produced by styleID. An empty
// sourceURI removes every derivative of the style. Files that cannot be
// removed are logged and reported; they do not stop the sweep.
func (s *Sweeper) Flush(ctx context.Context, styleID, sourceURI string) (Report, error) {
	style, err := s.styles.Load(ctx, styleID)
	if err != nil {
		return Report{}, fmt.Errorf("flush %s: %w", styleID, err)
	}
	return s.flushStyle(ctx, style, sourceURI)
}

// FlushAll runs Flush for every style in the catalog.
func (s *Sweeper) FlushAll(ctx context.Context, sourceURI string) (Report, error) {
	styles, err := s.styles.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list styles: %w", err)
	}

	var (
		mu    sync.Mutex
		total Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, style := range styles {
		g.Go(func() error {
			report, err := s.flushStyle(gctx, style, sourceURI)
			mu.Lock()
			total.merge(report)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return total, err
}

func (s *Sweeper) flushStyle(ctx context.Context, style *imagestyle.ImageStyle, sourceURI string) (report Report, err error) {
	ctx, span := s.tracer.Start(ctx, observability.SpanSweep, trace.WithAttributes(
		attribute.String(observability.AttrStyle, style.ID),
		attribute.String(observability.AttrSourceURI, sourceURI),
	))
	defer func() {
		span.SetAttributes(attribute.Int("rimg.sweep.deleted", len(report.Deleted)))
		span.End()
		if s.metrics != nil {
			s.metrics.RecordSweep(ctx, style.ID, len(report.Deleted), len(report.Failed))
		}
	}()

	if sourceURI == "" {
		return s.flushTree(ctx, style)
	}

	key := s.builder.Key(sourceURI, style.ID, 0, 0, 0)
	if key.RelativePath == "" {
		return Report{}, fmt.Errorf("flush %s: empty source path in %q", style.ID, sourceURI)
	}
	if !style.IsParametric() {
		target := uri.ClassicURI(key.Scheme, style.ID, key.SourceScheme, key.RelativePath)
		if s.storage.Exists(ctx, target) {
			s.remove(ctx, target, &report)
		}
		return report, nil
	}

	dir := uri.StyleDirectory(key.Scheme, style.ID, key.SourceScheme)
	files, err := s.storage.List(ctx, dir)
	if err != nil {
		s.logger.Error("Failed to list %s: %v", dir, err)
		return report, nil
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		derived, ok := uri.Parse(file)
		if !ok || !Matches(key.RelativePath, derived.RelativePath) {
			continue
		}
		s.remove(ctx, file, &report)
	}
	if len(report.Deleted) > 0 {
		s.logger.Info("Flushed %d derivatives of %s for style %s", len(report.Deleted), sourceURI, style.ID)
	}
	return report, nil
}

func (s *Sweeper) flushTree(ctx context.Context, style *imagestyle.ImageStyle) (Report, error) {
	var report Report
	for _, scheme := range s.storage.Schemes() {
		root := uri.StyleRoot(scheme, style.ID)
		files, err := s.storage.List(ctx, root)
		if err != nil {
			s.logger.Error("Failed to list %s: %v", root, err)
			continue
		}
		if len(files) == 0 {
			continue
		}
		if err := s.storage.DeleteTree(ctx, root); err != nil {
			s.logger.Error("Failed to flush %s: %v", root, err)
			report.Failed = append(report.Failed, files...)
			continue
		}
		report.Deleted = append(report.Deleted, files...)
	}
	if len(report.Deleted) > 0 {
		s.logger.Info("Flushed all %d derivatives of style %s", len(report.Deleted), style.ID)
	}
	return report, nil
}

func (s *Sweeper) remove(ctx context.Context, target string, report *Report) {
	if err := s.storage.Delete(ctx, target); err != nil {
		s.logger.Error("Failed to delete derivative %s: %v", target, err)
		report.Failed = append(report.Failed, target)
		return
	}
	report.Deleted = append(report.Deleted, target)
}

// Matches reports whether a derivative's relative path was produced from
// the source at relativePath: either the same path or the path with one
// output extension appended.
func Matches(relativePath, derivedPath string) bool {
	if derivedPath == relativePath {
		return true
	}
	rest, ok := strings.CutPrefix(derivedPath, relativePath)
	if !ok || len(rest) < 2 || rest[0] != '.' {
		return false
	}
	return path.Ext(rest) == rest && !strings.Contains(rest, "/")
}
