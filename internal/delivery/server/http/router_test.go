package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimg/internal/access"
	"rimg/internal/derivative/generate"
	"rimg/internal/derivative/pathdecode"
	"rimg/internal/derivative/sweep"
	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/uri"
	"rimg/internal/derivative/urls"
	"rimg/internal/imagestyle"
	"rimg/internal/lock"
	"rimg/internal/shared/logging"
	"rimg/internal/storage"
)

const adminToken = "s3cret"

type stack struct {
	handler http.Handler
	store   *storage.Manager
}

func newStack(t *testing.T, mutate func(*RouterDeps)) *stack {
	t.Helper()
	store, err := storage.NewManager([]storage.Scheme{
		{Name: "public", Fs: afero.NewMemMapFs()},
		{Name: "private", Fs: afero.NewMemMapFs(), Gated: true},
	})
	require.NoError(t, err)
	for _, u := range []string{"public://photos/a.jpg", "private://media/a.jpg", "private://secret/a.jpg"} {
		img := imaging.New(400, 300, color.NRGBA{R: 10, G: 120, B: 200, A: 255})
		_, err := store.WriteAtomic(context.Background(), u, func(w io.Writer) error {
			return imaging.Encode(w, img, imaging.JPEG)
		})
		require.NoError(t, err)
	}

	styles, err := imagestyle.NewCache(imagestyle.NewMemoryStore(
		imagestyle.New("responsive", "Responsive", imagestyle.Effect{ID: imagestyle.EffectResponsive}),
		imagestyle.New("thumbnail", "Thumbnail", imagestyle.Effect{ID: "image_scale"}),
	), 16, logging.Nop())
	require.NoError(t, err)

	builder := uri.NewBuilder("public")
	orch, err := generate.New(styles, store, lock.NewMemory(), transform.NewTransformer(80), builder,
		generate.WithLogger(logging.Nop()),
		generate.WithAccessHook(access.Chain{access.PathPolicy{Scheme: "private", Allowed: []string{"media"}}}),
	)
	require.NoError(t, err)

	deps := RouterDeps{
		Deliverer: orch,
		Files:     store,
		Flusher:   sweep.New(store, styles, builder, sweep.WithLogger(logging.Nop())),
		URLs: &urls.Builder{
			PublicDir: "files",
			URIs:      builder,
			Styles:    styles,
			Gated:     store.IsGated,
		},
		Decoder: pathdecode.New("files", styles.IsParametric),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "rimg_up 1\n")
		}),
		Logger: logging.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	handler := NewRouter(deps, RouterConfig{
		PublicDir:   "files",
		CacheMaxAge: time.Hour,
		AdminToken:  adminToken,
	})
	return &stack{handler: handler, store: store}
}

func (s *stack) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestPublicDerivativeIsGeneratedAndCached(t *testing.T) {
	s := newStack(t, nil)

	rec := s.do(t, http.MethodGet, "/files/styles/responsive/public/200/150/0/photos/a.jpg", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	etag := rec.Header().Get("ETag")
	assert.Regexp(t, `^"[0-9a-f]{64}"$`, etag)
	assert.NotEmpty(t, rec.Header().Get("X-Log-Id"))

	img, err := imaging.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 150, img.Bounds().Dy())
	assert.True(t, s.store.Exists(context.Background(), "public://styles/responsive/public/200/150/0/photos/a.jpg"))

	rec = s.do(t, http.MethodGet, "/files/styles/responsive/public/200/150/0/photos/a.jpg", nil,
		map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = s.do(t, http.MethodHead, "/files/styles/responsive/public/200/150/0/photos/a.jpg", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestGatedDerivativeUsesHookHeaders(t *testing.T) {
	s := newStack(t, nil)

	rec := s.do(t, http.MethodGet, "/system/files/styles/responsive/private/100/0/0/media/a.jpg", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "private", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("ETag"))

	rec = s.do(t, http.MethodGet, "/system/files/styles/responsive/private/100/0/0/secret/a.jpg", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDerivativeErrorStatuses(t *testing.T) {
	s := newStack(t, nil)
	cases := map[string]int{
		"/files/styles/responsive/public/200/150/0/photos/missing.jpg": http.StatusNotFound,
		"/files/styles/responsive/s3/200/150/0/photos/a.jpg":          http.StatusNotFound,
		"/files/styles/responsive/public/0/150/0/photos/a.jpg":        http.StatusNotFound,
		"/files/styles/responsive/public/abc/150/0/photos/a.jpg":      http.StatusNotFound,
		"/files/styles/responsive/public/200/150/2/photos/a.jpg":      http.StatusNotFound,
		"/files/styles/thumbnail/public/photos/a.jpg":                 http.StatusNotFound,
		"/files/styles/unknown/public/200/150/0/photos/a.jpg":         http.StatusNotFound,
	}
	for target, status := range cases {
		t.Run(target, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, target, nil, nil)
			assert.Equal(t, status, rec.Code)
		})
	}
}

type stubDeliverer struct{ err error }

func (s stubDeliverer) Deliver(context.Context, generate.Request) (*generate.Delivery, error) {
	return nil, s.err
}

func TestBusyAndFailureMapping(t *testing.T) {
	busy := newStack(t, func(d *RouterDeps) {
		d.Deliverer = stubDeliverer{err: fmt.Errorf("deliver: %w", &generate.BusyError{RetryAfter: 3 * time.Second})}
	})
	rec := busy.do(t, http.MethodGet, "/files/styles/responsive/public/200/150/0/photos/a.jpg", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Image generation in progress. Try again shortly.", rec.Body.String())

	failed := newStack(t, func(d *RouterDeps) {
		d.Deliverer = stubDeliverer{err: fmt.Errorf("%w: disk full", generate.ErrGeneration)}
	})
	rec = failed.do(t, http.MethodGet, "/files/styles/responsive/public/200/150/0/photos/a.jpg", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestMapDerivativeError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{generate.ErrValidation, http.StatusNotFound},
		{generate.ErrSourceMissing, http.StatusNotFound},
		{generate.ErrDenied, http.StatusForbidden},
		{&generate.BusyError{RetryAfter: time.Second}, http.StatusServiceUnavailable},
		{generate.ErrGeneration, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, msg := mapDerivativeError(fmt.Errorf("wrapped: %w", tc.err))
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.NotEmpty(t, msg)
	}
	assert.Equal(t, 1, retrySeconds(200*time.Millisecond))
	assert.Equal(t, 3, retrySeconds(2500*time.Millisecond))
}

func TestAdminFlush(t *testing.T) {
	s := newStack(t, nil)
	rec := s.do(t, http.MethodGet, "/files/styles/responsive/public/120/0/0/photos/a.jpg", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := `{"uri":"public://photos/a.jpg"}`
	rec = s.do(t, http.MethodPost, "/admin/flush", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	auth := map[string]string{"Authorization": "Bearer " + adminToken, "Content-Type": "application/json"}
	rec = s.do(t, http.MethodPost, "/admin/flush", strings.NewReader(body), auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp flushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"public://styles/responsive/public/120/0/0/photos/a.jpg"}, resp.Deleted)
	assert.Empty(t, resp.Failed)
	assert.True(t, s.store.Exists(context.Background(), "public://photos/a.jpg"))

	rec = s.do(t, http.MethodPost, "/admin/flush", strings.NewReader(`{"uri":"public://photos/a.jpg","style":"nope"}`), auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/admin/flush", strings.NewReader(`{}`), auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	handler := NewRouter(RouterDeps{Flusher: sweep.New(nil, nil, uri.Builder{}), Logger: logging.Nop()}, RouterConfig{PublicDir: "files"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/flush", strings.NewReader(`{"uri":"public://a.jpg"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestURLAndSrcsetAPI(t *testing.T) {
	s := newStack(t, nil)

	rec := s.do(t, http.MethodGet, "/api/url?uri=public://photos/a.jpg&w=200", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var urlResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &urlResp))
	assert.Equal(t, "/files/styles/responsive/public/200/200/0/photos/a.jpg", urlResp["url"])

	rec = s.do(t, http.MethodGet, "/api/url?uri=private://media/a.jpg&w=100&h=50&c=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &urlResp))
	assert.Equal(t, "/system/files/styles/responsive/private/100/50/1/media/a.jpg", urlResp["url"])

	rec = s.do(t, http.MethodGet, "/api/srcset?uri=public://photos/a.jpg&widths=100,200&ratio=0.5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var srcsetResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &srcsetResp))
	assert.Equal(t,
		"/files/styles/responsive/public/100/50/1/photos/a.jpg 100w, /files/styles/responsive/public/200/100/1/photos/a.jpg 200w",
		srcsetResp["srcset"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/url?uri=public://a.jpg", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/srcset?uri=public://a.jpg&widths=x", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/url?uri=public://a.jpg&w=10&style=nope", nil, nil).Code)
}

func TestLogIDAndHealth(t *testing.T) {
	s := newStack(t, nil)
	rec := s.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-Id": "req-42"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Log-Id"))

	rec = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rimg_up")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/elsewhere", nil, nil).Code)
}
