package http

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"rimg/internal/derivative/generate"
	"rimg/internal/derivative/pathdecode"
	"rimg/internal/derivative/sweep"
	"rimg/internal/derivative/transform"
	"rimg/internal/shared/logging"
)

// Deliverer resolves a decoded derivative request to a file ready to stream.
type Deliverer interface {
	Deliver(ctx context.Context, req generate.Request) (*generate.Delivery, error)
}

// FileOpener opens derivatives by URI.
type FileOpener interface {
	Open(ctx context.Context, u string) (afero.File, error)
}

// Flusher removes derivatives of a source.
type Flusher interface {
	Flush(ctx context.Context, styleID, sourceURI string) (sweep.Report, error)
	FlushAll(ctx context.Context, sourceURI string) (sweep.Report, error)
}

// URLBuilder renders derivative URLs.
type URLBuilder interface {
	URL(ctx context.Context, sourceURI string, p transform.Params, styleID string) (string, error)
	Srcset(ctx context.Context, sourceURI string, sizes []transform.Params, styleID string) (string, error)
}

// RouterDeps holds the collaborators the routes dispatch to.
type RouterDeps struct {
	Deliverer Deliverer
	Files     FileOpener
	Flusher   Flusher
	URLs      URLBuilder
	Decoder   *pathdecode.Decoder
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  logging.Logger
}

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	PublicDir      string
	CacheMaxAge    time.Duration
	AllowedOrigins []string
	// AdminToken guards /admin routes; empty disables them.
	AdminToken string
	Debug      bool
}
