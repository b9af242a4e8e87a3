// Package generate serves derivative requests: it validates them, produces
// missing derivatives under a per-derivative lock and prepares delivery.
package generate

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rimg/internal/access"
	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/uri"
	"rimg/internal/focal"
	"rimg/internal/imagestyle"
	"rimg/internal/lock"
	"rimg/internal/observability"
	"rimg/internal/shared/logging"
	"rimg/internal/storage"
)

// DefaultRetryAfter is the hint returned while another request generates.
const DefaultRetryAfter = 3 * time.Second

// DefaultMaxDimension bounds requested widths and heights in pixels.
const DefaultMaxDimension = 5000

const lockPrefix = "image_style_deliver:"

// State is a step of the request lifecycle.
type State string

const (
	StateValidating State = "validating"
	StateFetching   State = "fetching"
	StateLockWait   State = "lock_wait"
	StateGenerating State = "generating"
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
)

// Request is a decoded derivative request.
type Request struct {
	Style  string
	Scheme string
	Width  int
	Height int
	Crop   int
	// File is the source path relative to Scheme, possibly carrying an
	// appended conversion extension.
	File string
}

// SourceURI is the URI of the requested image.
func (r Request) SourceURI() string {
	return uri.Join(r.Scheme, r.File)
}

// Delivery describes a derivative ready to stream.
type Delivery struct {
	URI           string
	SourceURI     string
	Scheme        string
	Style         string
	ContentType   string
	ContentLength int64
	ModTime       time.Time
	// Headers holds the hook headers plus Content-Type and Content-Length.
	Headers http.Header
	// Generated reports whether this request ran the transform.
	Generated bool
	// Gated reports whether the derivative lives on an access-controlled scheme.
	Gated bool
}

// Styles resolves image styles.
type Styles interface {
	Load(ctx context.Context, id string) (*imagestyle.ImageStyle, error)
}

// Storage is the part of the storage layer the orchestrator needs.
type Storage interface {
	IsValidScheme(name string) bool
	IsGated(name string) bool
	Exists(ctx context.Context, u string) bool
	Stat(ctx context.Context, u string) (storage.FileInfo, error)
	Open(ctx context.Context, u string) (afero.File, error)
	WriteAtomic(ctx context.Context, u string, write func(io.Writer) error) (int64, error)
}

// Transformer produces a derivative from a source stream.
type Transformer interface {
	Derive(ctx context.Context, src io.Reader, dst io.Writer, req transform.Request, sourcePath, outputName string) (transform.Result, error)
}

// Metrics records request outcomes and generation runs.
type Metrics interface {
	RecordOutcome(ctx context.Context, style, outcome string)
	RecordGeneration(ctx context.Context, style string, duration time.Duration, sizeBytes int64, err error)
}

// Orchestrator runs the lifecycle for every derivative request.
type Orchestrator struct {
	styles      Styles
	storage     Storage
	locker      lock.Locker
	transformer Transformer
	builder     uri.Builder
	focal       focal.Provider
	gate        access.Hook
	metrics     Metrics
	tracer      trace.Tracer
	logger      logging.Logger
	retryAfter  time.Duration
	maxDim      int
	onState     func(Request, State)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFocalProvider sets where crop focal points come from.
func WithFocalProvider(p focal.Provider) Option {
	return func(o *Orchestrator) { o.focal = p }
}

// WithAccessHook sets the hook consulted before delivering gated derivatives.
func WithAccessHook(h access.Hook) Option {
	return func(o *Orchestrator) { o.gate = h }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithRetryAfter overrides the busy retry hint.
func WithRetryAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retryAfter = d
		}
	}
}

// WithMaxDimension caps the width and height a request may ask for.
func WithMaxDimension(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxDim = n
		}
	}
}

// WithStateHook observes every lifecycle transition.
func WithStateHook(fn func(Request, State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// New builds an orchestrator.
func New(styles Styles, store Storage, locker lock.Locker, transformer Transformer, builder uri.Builder, opts ...Option) (*Orchestrator, error) {
	if styles == nil {
		return nil, errors.New("style store is required")
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if transformer == nil {
		return nil, errors.New("transformer is required")
	}
	o := &Orchestrator{
		styles:      styles,
		storage:     store,
		locker:      locker,
		transformer: transformer,
		builder:     builder,
		gate:        access.Chain{},
		tracer:      otel.Tracer("rimg/derivative/generate"),
		logger:      logging.NewComponentLogger("generate"),
		retryAfter:  DefaultRetryAfter,
		maxDim:      DefaultMaxDimension,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// LockName returns the lock guarding the derivatives of sourceURI in style.
func LockName(styleID, sourceURI string) string {
	sum := sha256.Sum256([]byte(sourceURI))
	return lockPrefix + styleID + ":" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// Deliver validates req, generates the derivative when it is missing and
// returns what to stream. Errors wrap one of the package sentinels.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (*Delivery, error) {
	ctx, span := o.tracer.Start(ctx, observability.SpanDeliver,
		trace.WithAttributes(observability.DerivativeAttrs(req.Style, req.Scheme, req.Width, req.Height, req.Crop)...))
	defer span.End()

	delivery, err := o.deliver(ctx, req)
	outcome := outcomeOf(err)
	span.SetAttributes(attribute.String(observability.AttrOutcome, outcome))
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		span.SetStatus(codes.Error, outcome)
		o.transition(req, terminalState(err))
	} else {
		o.transition(req, StateDelivered)
	}
	if o.metrics != nil {
		o.metrics.RecordOutcome(ctx, req.Style, outcome)
	}
	return delivery, err
}

func (o *Orchestrator) deliver(ctx context.Context, req Request) (*Delivery, error) {
	o.transition(req, StateValidating)
	style, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	imageURI := req.SourceURI()
	derivativeURI := o.builder.Build(imageURI, style.ID, req.Width, req.Height, req.Crop)

	sourceURI, ok := o.resolveSource(ctx, imageURI)
	if !ok {
		o.logger.Info("Source image at %s not found while trying to generate derivative image at %s.", imageURI, derivativeURI)
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, imageURI)
	}

	generated := false
	if o.storage.Exists(ctx, derivativeURI) {
		o.transition(req, StateFetching)
	} else {
		generated, err = o.generateLocked(ctx, req, style, sourceURI, derivativeURI)
		if err != nil {
			return nil, err
		}
	}

	o.transition(req, StateDelivering)
	delivery, err := o.prepare(ctx, req, style, imageURI, derivativeURI)
	if err != nil {
		return nil, err
	}
	delivery.Generated = generated
	return delivery, nil
}

func (o *Orchestrator) validate(ctx context.Context, req Request) (*imagestyle.ImageStyle, error) {
	if req.Style == "" {
		return nil, invalid("missing style")
	}
	style, err := o.styles.Load(ctx, req.Style)
	if err != nil {
		if errors.Is(err, imagestyle.ErrNotFound) {
			return nil, invalid("unknown style %q", req.Style)
		}
		return nil, fmt.Errorf("%w: load style %q: %v", ErrGeneration, req.Style, err)
	}
	if !style.IsParametric() {
		return nil, invalid("style %q does not take dimensions", req.Style)
	}
	if !o.storage.IsValidScheme(req.Scheme) {
		return nil, invalid("unknown scheme %q", req.Scheme)
	}
	if req.Width <= 0 {
		return nil, invalid("width must be positive, got %d", req.Width)
	}
	if req.Height < 0 {
		return nil, invalid("height must not be negative, got %d", req.Height)
	}
	if req.Crop != 0 && req.Crop != 1 {
		return nil, invalid("crop must be 0 or 1, got %d", req.Crop)
	}
	height := req.Height
	if req.Crop == 1 && height == 0 {
		height = transform.Crop(req.Width, style.Ratio()).H
	}
	if req.Width > o.maxDim || height > o.maxDim {
		return nil, invalid("%dx%d exceeds the %dpx limit", req.Width, height, o.maxDim)
	}
	file := strings.Trim(req.File, "/")
	if file == "" {
		return nil, invalid("missing file")
	}
	for _, segment := range strings.Split(file, "/") {
		if segment == ".." {
			return nil, invalid("file %q escapes its scheme", req.File)
		}
	}
	return style, nil
}

// resolveSource finds the source file. A request for a converted derivative
// names the source with the target extension appended, so a missing source is
// retried once with its last extension removed.
func (o *Orchestrator) resolveSource(ctx context.Context, imageURI string) (string, bool) {
	if o.storage.Exists(ctx, imageURI) {
		return imageURI, true
	}
	target := uri.Target(imageURI)
	ext := path.Ext(target)
	base := strings.TrimSuffix(target, ext)
	if ext == "" || base == "" {
		return "", false
	}
	fallback := uri.Join(uri.Scheme(imageURI), base)
	if o.storage.Exists(ctx, fallback) {
		return fallback, true
	}
	return "", false
}

func (o *Orchestrator) generateLocked(ctx context.Context, req Request, style *imagestyle.ImageStyle, sourceURI, derivativeURI string) (bool, error) {
	o.transition(req, StateLockWait)
	name := LockName(style.ID, sourceURI)
	acquired, err := o.locker.TryAcquire(ctx, name)
	if err != nil {
		o.logger.Error("Failed to acquire %s: %v", name, err)
		return false, fmt.Errorf("%w: acquire lock: %v", ErrGeneration, err)
	}
	if !acquired {
		return false, &BusyError{RetryAfter: o.retryAfter}
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), name); err != nil {
			o.logger.Warn("Failed to release %s: %v", name, err)
		}
	}()

	// Another worker may have published while this one waited for the lock.
	if o.storage.Exists(ctx, derivativeURI) {
		return false, nil
	}
	o.transition(req, StateGenerating)
	if err := o.generate(ctx, req, style, sourceURI, derivativeURI); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) generate(ctx context.Context, req Request, style *imagestyle.ImageStyle, sourceURI, derivativeURI string) error {
	ctx, span := o.tracer.Start(ctx, observability.SpanGenerate,
		trace.WithAttributes(attribute.String(observability.AttrSourceURI, sourceURI)))
	defer span.End()

	started := time.Now()
	// Generation runs to completion once started.
	work := context.WithoutCancel(ctx)
	src, err := o.storage.Open(work, sourceURI)
	if err != nil {
		o.recordGeneration(ctx, style.ID, started, 0, err)
		return fmt.Errorf("%w: open source %s: %v", ErrGeneration, sourceURI, err)
	}
	defer src.Close()

	treq := transform.Request{
		Width:  req.Width,
		Height: req.Height,
		Crop:   req.Crop == 1,
		Ratio:  style.Ratio(),
		Limit:  o.maxDim,
	}
	if treq.Crop {
		treq.Focal = focal.Resolve(work, o.focal, sourceURI)
	}

	size, err := o.storage.WriteAtomic(work, derivativeURI, func(w io.Writer) error {
		_, err := o.transformer.Derive(work, src, w, treq, sourceURI, uri.Target(derivativeURI))
		return err
	})
	o.recordGeneration(ctx, style.ID, started, size, err)
	if err != nil {
		span.SetStatus(codes.Error, "generation failed")
		span.SetAttributes(observability.ErrorAttrs(err)...)
		var genErr *transform.GenerationError
		if errors.As(err, &genErr) {
			o.logger.Error("Unable to generate the derived image located at %s: toolkit=%s source=%s mime=%s size=%dx%d: %v",
				derivativeURI, genErr.Toolkit, genErr.Path, genErr.MimeType, genErr.Width, genErr.Height, genErr.Err)
		} else {
			o.logger.Error("Unable to generate the derived image located at %s: %v", derivativeURI, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrGeneration, derivativeURI, err)
	}
	o.logger.Debug("Generated %s (%d bytes) in %s", derivativeURI, size, time.Since(started))
	return nil
}

func (o *Orchestrator) recordGeneration(ctx context.Context, style string, started time.Time, size int64, err error) {
	if o.metrics != nil {
		o.metrics.RecordGeneration(ctx, style, time.Since(started), size, err)
	}
}

func (o *Orchestrator) prepare(ctx context.Context, req Request, style *imagestyle.ImageStyle, imageURI, derivativeURI string) (*Delivery, error) {
	info, err := o.storage.Stat(ctx, derivativeURI)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrGeneration, derivativeURI, err)
	}
	contentType, err := o.sniff(ctx, derivativeURI)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrGeneration, derivativeURI, err)
	}

	gated := o.storage.IsGated(req.Scheme)
	headers := http.Header{}
	if gated {
		granted, err := o.gate.FileDownload(ctx, imageURI)
		if err != nil {
			if errors.Is(err, access.ErrDenied) {
				return nil, fmt.Errorf("%w: %s", ErrDenied, imageURI)
			}
			return nil, fmt.Errorf("%w: access check for %s: %v", ErrGeneration, imageURI, err)
		}
		for k, values := range granted {
			headers[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
		}
	}
	// Hook headers win over the computed ones.
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", contentType)
	}
	if headers.Get("Content-Length") == "" {
		headers.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}

	return &Delivery{
		URI:           derivativeURI,
		SourceURI:     imageURI,
		Scheme:        req.Scheme,
		Style:         style.ID,
		ContentType:   headers.Get("Content-Type"),
		ContentLength: info.Size,
		ModTime:       info.ModTime,
		Headers:       headers,
		Gated:         gated,
	}, nil
}

func (o *Orchestrator) sniff(ctx context.Context, derivativeURI string) (string, error) {
	f, err := o.storage.Open(ctx, derivativeURI)
	if err != nil {
		return "", err
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

func (o *Orchestrator) transition(req Request, s State) {
	if o.onState != nil {
		o.onState(req, s)
	}
}

func terminalState(err error) State {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSourceMissing), errors.Is(err, ErrDenied), errors.Is(err, ErrLockBusy):
		return StateRejected
	default:
		return StateFailed
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrSourceMissing):
		return "missing_source"
	case errors.Is(err, ErrLockBusy):
		return "busy"
	case errors.Is(err, ErrDenied):
		return "denied"
	default:
		return "failed"
	}
}
