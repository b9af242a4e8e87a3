// Package urls renders public URLs and srcset strings for derivatives.
package urls

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/uri"
	"rimg/internal/imagestyle"
)

// DefaultStyle is used when no style id is given.
const DefaultStyle = "responsive"

const gatedFilesPath = "/system/files/"

// Styles resolves image styles.
type Styles interface {
	Load(ctx context.Context, id string) (*imagestyle.ImageStyle, error)
}

// Builder maps source URIs and parameters to derivative URLs.
type Builder struct {
	// BaseURL is prepended to every URL; empty yields root-relative URLs.
	BaseURL   string
	PublicDir string
	URIs      uri.Builder
	Styles    Styles
	// Gated reports whether a scheme is served through the gated route.
	Gated func(scheme string) bool
}

// URL returns the URL of the derivative of sourceURI for p. A missing height
// defaults to the width.
func (b *Builder) URL(ctx context.Context, sourceURI string, p transform.Params, styleID string) (string, error) {
	if p.W <= 0 {
		return "", fmt.Errorf("width must be positive, got %d", p.W)
	}
	if p.H < 0 {
		return "", fmt.Errorf("height must not be negative, got %d", p.H)
	}
	if styleID == "" {
		styleID = DefaultStyle
	}
	if b.Styles == nil {
		return "", errors.New("no style catalog configured")
	}
	style, err := b.Styles.Load(ctx, styleID)
	if err != nil {
		return "", err
	}

	height := p.H
	if height == 0 {
		height = p.W
	}
	crop := 0
	if p.C {
		crop = 1
	}
	key := b.URIs.Key(sourceURI, style.ID, p.W, height, crop)
	if key.RelativePath == "" {
		return "", fmt.Errorf("source %q has no path", sourceURI)
	}
	if ext := style.Extension(); ext != "" && !strings.HasSuffix(strings.ToLower(key.RelativePath), "."+ext) {
		key.RelativePath += "." + ext
	}
	return b.external(key.String()), nil
}

// Srcset renders "<url> <width>w" for every size, joined by ", " in input
// order.
func (b *Builder) Srcset(ctx context.Context, sourceURI string, sizes []transform.Params, styleID string) (string, error) {
	parts := make([]string, 0, len(sizes))
	for _, size := range sizes {
		u, err := b.URL(ctx, sourceURI, size, styleID)
		if err != nil {
			return "", err
		}
		parts = append(parts, u+" "+strconv.Itoa(size.W)+"w")
	}
	return strings.Join(parts, ", "), nil
}

// Widths turns bare widths into uncropped sizes.
func Widths(widths ...int) []transform.Params {
	out := make([]transform.Params, 0, len(widths))
	for _, w := range widths {
		out = append(out, transform.Params{W: w})
	}
	return out
}

func (b *Builder) external(derivativeURI string) string {
	scheme := uri.Scheme(derivativeURI)
	var prefix string
	if b.Gated != nil && b.Gated(scheme) {
		prefix = gatedFilesPath
	} else {
		prefix = "/" + strings.Trim(b.PublicDir, "/") + "/"
	}
	return strings.TrimRight(b.BaseURL, "/") + prefix + escapePath(uri.Target(derivativeURI))
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
