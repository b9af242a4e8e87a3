package generate

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimg/internal/access"
	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/uri"
	"rimg/internal/focal"
	"rimg/internal/imagestyle"
	"rimg/internal/lock"
	"rimg/internal/shared/logging"
	"rimg/internal/storage"
)

type countingTransformer struct {
	inner   Transformer
	calls   atomic.Int32
	started chan struct{}
	proceed chan struct{}
	err     error
}

func (c *countingTransformer) Derive(ctx context.Context, src io.Reader, dst io.Writer, req transform.Request, sourcePath, outputName string) (transform.Result, error) {
	c.calls.Add(1)
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.proceed != nil {
		<-c.proceed
	}
	if c.err != nil {
		_, _ = io.WriteString(dst, "partial")
		return transform.Result{}, c.err
	}
	return c.inner.Derive(ctx, src, dst, req, sourcePath, outputName)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(_ Request, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) count(s State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.states {
		if got == s {
			n++
		}
	}
	return n
}

type fixture struct {
	orch        *Orchestrator
	store       *storage.Manager
	locker      *lock.Memory
	transformer *countingTransformer
	states      *stateLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := storage.NewManager([]storage.Scheme{
		{Name: "public", Fs: afero.NewMemMapFs()},
		{Name: "private", Fs: afero.NewMemMapFs(), Gated: true},
	})
	require.NoError(t, err)

	styles := imagestyle.NewMemoryStore(
		imagestyle.New("responsive", "Responsive", imagestyle.Effect{ID: imagestyle.EffectResponsive}),
		imagestyle.New("thumbnail", "Thumbnail", imagestyle.Effect{ID: "image_scale", Data: map[string]any{"width": 100}}),
	)
	for _, u := range []string{"public://photos/a.jpg", "private://media/a.jpg", "private://secret/a.jpg"} {
		writeSource(t, store, u)
	}

	f := &fixture{
		store:       store,
		locker:      lock.NewMemory(),
		transformer: &countingTransformer{inner: transform.NewTransformer(80)},
		states:      &stateLog{},
	}
	base := []Option{WithLogger(logging.Nop()), WithStateHook(f.states.record)}
	f.orch, err = New(styles, store, f.locker, f.transformer, uri.NewBuilder("public"), append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func writeSource(t *testing.T, store *storage.Manager, u string) {
	t.Helper()
	img := imaging.New(400, 300, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	_, err := store.WriteAtomic(context.Background(), u, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.JPEG)
	})
	require.NoError(t, err)
}

func decodedSize(t *testing.T, store *storage.Manager, u string) (int, int) {
	t.Helper()
	f, err := store.Open(context.Background(), u)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestDeliverGeneratesThenServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Style: "responsive", Scheme: "public", Width: 200, File: "photos/a.jpg"}

	d, err := f.orch.Deliver(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Generated)
	assert.False(t, d.Gated)
	assert.Equal(t, "public://styles/responsive/public/200/0/0/photos/a.jpg", d.URI)
	assert.Equal(t, "image/jpeg", d.ContentType)
	assert.Equal(t, "image/jpeg", d.Headers.Get("Content-Type"))
	assert.Positive(t, d.ContentLength)

	w, h := decodedSize(t, f.store, d.URI)
	assert.Equal(t, 200, w)
	assert.Equal(t, 150, h)

	d, err = f.orch.Deliver(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Generated)
	assert.EqualValues(t, 1, f.transformer.calls.Load(), "a cached derivative is never regenerated")
	assert.Equal(t, 1, f.states.count(StateFetching))
	assert.False(t, f.locker.Held(LockName("responsive", "public://photos/a.jpg")))
}

func TestDeliverCropAndNoUpscale(t *testing.T) {
	f := newFixture(t, WithFocalProvider(focal.NewStatic(map[string]focal.Point{
		"public://photos/a.jpg": {X: 10, Y: 90},
	})))
	ctx := context.Background()

	d, err := f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "public", Width: 100, Crop: 1, File: "photos/a.jpg"})
	require.NoError(t, err)
	w, h := decodedSize(t, f.store, d.URI)
	assert.Equal(t, 100, w)
	assert.Equal(t, 56, h)

	d, err = f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "public", Width: 800, File: "photos/a.jpg"})
	require.NoError(t, err)
	w, h = decodedSize(t, f.store, d.URI)
	assert.Equal(t, 400, w)
	assert.Equal(t, 300, h)
}

func TestDeliverFallsBackToUnconvertedSource(t *testing.T) {
	f := newFixture(t)
	d, err := f.orch.Deliver(context.Background(), Request{Style: "responsive", Scheme: "public", Width: 50, File: "photos/a.jpg.png"})
	require.NoError(t, err)
	assert.Equal(t, "public://styles/responsive/public/50/0/0/photos/a.jpg.png", d.URI)
	assert.Equal(t, "image/png", d.ContentType)
}

func TestDeliverMissingSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Deliver(context.Background(), Request{Style: "responsive", Scheme: "public", Width: 50, File: "photos/missing.jpg"})
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.Zero(t, f.transformer.calls.Load())
	assert.Equal(t, 1, f.states.count(StateRejected))
}

func TestDeliverValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Request{
		"unknown style":     {Style: "nope", Scheme: "public", Width: 10, File: "photos/a.jpg"},
		"classic style":     {Style: "thumbnail", Scheme: "public", Width: 10, File: "photos/a.jpg"},
		"unknown scheme":    {Style: "responsive", Scheme: "s3", Width: 10, File: "photos/a.jpg"},
		"zero width":        {Style: "responsive", Scheme: "public", Width: 0, File: "photos/a.jpg"},
		"negative height":   {Style: "responsive", Scheme: "public", Width: 10, Height: -1, File: "photos/a.jpg"},
		"bad crop":          {Style: "responsive", Scheme: "public", Width: 10, Crop: 2, File: "photos/a.jpg"},
		"missing file":      {Style: "responsive", Scheme: "public", Width: 10},
		"traversal in file": {Style: "responsive", Scheme: "public", Width: 10, File: "photos/../../etc/passwd"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orch.Deliver(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Zero(t, f.transformer.calls.Load())
}

func TestDeliverRejectsOversizedDimensions(t *testing.T) {
	f := newFixture(t, WithMaxDimension(1000))
	ctx := context.Background()

	for _, req := range []Request{
		{Style: "responsive", Scheme: "public", Width: 1 << 40, Height: 1 << 40, Crop: 1, File: "photos/a.jpg"},
		{Style: "responsive", Scheme: "public", Width: 1001, File: "photos/a.jpg"},
		{Style: "responsive", Scheme: "public", Width: 500, Height: 1001, Crop: 1, File: "photos/a.jpg"},
	} {
		_, err := f.orch.Deliver(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, "%dx%d", req.Width, req.Height)
	}
	assert.Zero(t, f.transformer.calls.Load())

	d, err := f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "public", Width: 1000, Crop: 1, File: "photos/a.jpg"})
	require.NoError(t, err)
	w, h := decodedSize(t, f.store, d.URI)
	assert.Equal(t, 1000, w)
	assert.Equal(t, 562, h)
}

func TestDeliverBusyWhenLockHeld(t *testing.T) {
	f := newFixture(t, WithRetryAfter(5*time.Second))
	ctx := context.Background()
	ok, err := f.locker.TryAcquire(ctx, LockName("responsive", "public://photos/a.jpg"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "public", Width: 10, File: "photos/a.jpg"})
	require.ErrorIs(t, err, ErrLockBusy)
	retry, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, retry)
	assert.Zero(t, f.transformer.calls.Load())
}

func TestDeliverSingleGeneratorUnderContention(t *testing.T) {
	f := newFixture(t)
	f.transformer.started = make(chan struct{}, 1)
	f.transformer.proceed = make(chan struct{})
	ctx := context.Background()
	req := Request{Style: "responsive", Scheme: "public", Width: 120, Crop: 1, File: "photos/a.jpg"}

	first := make(chan error, 1)
	go func() {
		_, err := f.orch.Deliver(ctx, req)
		first <- err
	}()
	<-f.transformer.started

	const contenders = 16
	var busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Deliver(ctx, req)
			if errors.Is(err, ErrLockBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	close(f.transformer.proceed)
	require.NoError(t, <-first)

	assert.EqualValues(t, contenders, busy.Load())
	assert.EqualValues(t, 1, f.transformer.calls.Load())
	assert.Equal(t, 1, f.states.count(StateGenerating))

	d, err := f.orch.Deliver(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Generated)
}

func TestDeliverFailureReleasesLockAndLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.transformer.err = &transform.GenerationError{Toolkit: transform.Toolkit, Path: "public://photos/a.jpg", Err: errors.New("decode")}
	ctx := context.Background()
	req := Request{Style: "responsive", Scheme: "public", Width: 60, File: "photos/a.jpg"}

	_, err := f.orch.Deliver(ctx, req)
	require.ErrorIs(t, err, ErrGeneration)
	assert.False(t, f.locker.Held(LockName("responsive", "public://photos/a.jpg")))
	assert.False(t, f.store.Exists(ctx, "public://styles/responsive/public/60/0/0/photos/a.jpg"))
	assert.Equal(t, 1, f.states.count(StateFailed))
}

func TestDeliverGatedConsultsHooks(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	_, err := f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "private", Width: 40, File: "media/a.jpg"})
	assert.ErrorIs(t, err, ErrDenied, "no hook opinion denies gated files")
	assert.True(t, f.store.Exists(ctx, "private://styles/responsive/private/40/0/0/media/a.jpg"), "generation precedes the access check")

	f = newFixture(t, WithAccessHook(access.Chain{access.PathPolicy{Scheme: "private", Allowed: []string{"media"}, Denied: []string{"secret"}}}))
	d, err := f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "private", Width: 40, File: "media/a.jpg"})
	require.NoError(t, err)
	assert.True(t, d.Gated)
	assert.Equal(t, "private", d.Headers.Get("Cache-Control"))
	assert.Equal(t, "image/jpeg", d.Headers.Get("Content-Type"))

	_, err = f.orch.Deliver(ctx, Request{Style: "responsive", Scheme: "private", Width: 40, File: "secret/a.jpg"})
	assert.ErrorIs(t, err, ErrDenied)
}

func TestHookHeadersWinOverComputedOnes(t *testing.T) {
	hook := access.HookFunc(func(context.Context, string) (http.Header, error) {
		return http.Header{"content-type": []string{"application/x-custom"}}, nil
	})
	f := newFixture(t, WithAccessHook(hook))
	d, err := f.orch.Deliver(context.Background(), Request{Style: "responsive", Scheme: "private", Width: 40, File: "media/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "application/x-custom", d.Headers.Get("Content-Type"))
}

func TestLockName(t *testing.T) {
	name := LockName("responsive", "public://photos/a.jpg")
	assert.Regexp(t, `^image_style_deliver:responsive:[A-Za-z0-9_-]{43}$`, name)
	assert.NotEqual(t, name, LockName("responsive", "public://photos/b.jpg"))
}
