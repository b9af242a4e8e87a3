// Package access decides whether gated files may be delivered.
package access

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"rimg/internal/derivative/uri"
)

// ErrDenied is returned by a hook that forbids delivery.
var ErrDenied = errors.New("access denied")

// Hook inspects a source URI. It returns headers to add to the response,
// nil when it has no opinion, or ErrDenied.
type Hook interface {
	FileDownload(ctx context.Context, sourceURI string) (http.Header, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, sourceURI string) (http.Header, error)

func (f HookFunc) FileDownload(ctx context.Context, sourceURI string) (http.Header, error) {
	return f(ctx, sourceURI)
}

// Chain runs every hook. Delivery is denied when any hook denies or when no
// hook contributed a header.
type Chain []Hook

func (c Chain) FileDownload(ctx context.Context, sourceURI string) (http.Header, error) {
	merged := http.Header{}
	for _, hook := range c {
		if hook == nil {
			continue
		}
		headers, err := hook.FileDownload(ctx, sourceURI)
		if err != nil {
			return nil, err
		}
		for k, values := range headers {
			for _, v := range values {
				merged.Add(k, v)
			}
		}
	}
	if len(merged) == 0 {
		return nil, ErrDenied
	}
	return merged, nil
}

// PathPolicy grants files under the allowed directories of a scheme and
// marks them as privately cacheable. Everything else gets no opinion.
type PathPolicy struct {
	Scheme  string
	Allowed []string
	Denied  []string
}

func (p PathPolicy) FileDownload(_ context.Context, sourceURI string) (http.Header, error) {
	if uri.Scheme(sourceURI) != p.Scheme {
		return nil, nil
	}
	target := path.Clean("/" + uri.Target(sourceURI))
	for _, dir := range p.Denied {
		if within(target, dir) {
			return nil, ErrDenied
		}
	}
	for _, dir := range p.Allowed {
		if within(target, dir) {
			return http.Header{"Cache-Control": []string{"private"}}, nil
		}
	}
	return nil, nil
}

func within(target, dir string) bool {
	dir = path.Clean("/" + strings.Trim(dir, "/"))
	if dir == "/" {
		return true
	}
	return target == dir || strings.HasPrefix(target, dir+"/")
}
