// Package uri maps derivative keys to their canonical storage URIs and back.
//
// The grammar is fixed:
//
//	<scheme>://styles/<styleId>/<sourceScheme>/<width>/<height>/<crop>/<relativePath>
//
// Every caller that needs a derivative location goes through Build; the
// string doubles as the storage key and the cache key.
package uri

import (
	"strconv"
	"strings"
)

const schemeSeparator = "://"

// Scheme returns the scheme of u, or "" when u carries none.
func Scheme(u string) string {
	idx := strings.Index(u, schemeSeparator)
	if idx <= 0 {
		return ""
	}
	return u[:idx]
}

// Target returns the part of u after "<scheme>://". Without a scheme the
// whole string is the target.
func Target(u string) string {
	idx := strings.Index(u, schemeSeparator)
	if idx <= 0 {
		return u
	}
	return strings.Trim(u[idx+len(schemeSeparator):], "/")
}

// Join builds "<scheme>://<target>".
func Join(scheme, target string) string {
	return scheme + schemeSeparator + strings.TrimLeft(target, "/")
}

// Key is the full identity of a derivative.
type Key struct {
	Scheme       string
	StyleID      string
	SourceScheme string
	Width        int
	Height       int
	Crop         int
	RelativePath string
}

// String renders the canonical derivative URI for k.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.Scheme) + len(k.StyleID) + len(k.SourceScheme) + len(k.RelativePath) + 32)
	b.WriteString(k.Scheme)
	b.WriteString(schemeSeparator)
	b.WriteString("styles/")
	b.WriteString(k.StyleID)
	b.WriteByte('/')
	b.WriteString(k.SourceScheme)
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.Width))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.Height))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.Crop))
	b.WriteByte('/')
	b.WriteString(k.RelativePath)
	return b.String()
}

// SourceURI returns the URI of the source image the derivative came from.
func (k Key) SourceURI() string {
	return Join(k.SourceScheme, k.RelativePath)
}

// Builder produces derivative URIs. DefaultScheme is substituted when a
// source URI has no scheme.
type Builder struct {
	DefaultScheme string
}

// NewBuilder returns a Builder with the given default scheme.
func NewBuilder(defaultScheme string) Builder {
	return Builder{DefaultScheme: defaultScheme}
}

// Key splits sourceURI and assembles the derivative key.
func (b Builder) Key(sourceURI, styleID string, width, height, crop int) Key {
	scheme := Scheme(sourceURI)
	path := Target(sourceURI)
	if scheme == "" {
		path = sourceURI
		scheme = b.DefaultScheme
	}
	return Key{
		Scheme:       scheme,
		StyleID:      styleID,
		SourceScheme: scheme,
		Width:        width,
		Height:       height,
		Crop:         crop,
		RelativePath: path,
	}
}

// Build returns the canonical derivative URI. It never touches storage.
func (b Builder) Build(sourceURI, styleID string, width, height, crop int) string {
	return b.Key(sourceURI, styleID, width, height, crop).String()
}

// StyleDirectory returns the directory holding every derivative a style
// produced from sources of sourceScheme.
func StyleDirectory(scheme, styleID, sourceScheme string) string {
	return scheme + schemeSeparator + "styles/" + styleID + "/" + sourceScheme + "/"
}

// StyleRoot returns the directory holding every derivative of a style.
func StyleRoot(scheme, styleID string) string {
	return scheme + schemeSeparator + "styles/" + styleID + "/"
}

// ClassicURI is the derivative location used by styles whose dimensions come
// from configuration rather than from the URL.
func ClassicURI(scheme, styleID, sourceScheme, relativePath string) string {
	return StyleDirectory(scheme, styleID, sourceScheme) + relativePath
}

// Parse reverses the derivative grammar. It reports false for anything that
// is not a parametric derivative URI.
func Parse(derivativeURI string) (Key, bool) {
	scheme := Scheme(derivativeURI)
	if scheme == "" {
		return Key{}, false
	}
	rest := derivativeURI[len(scheme)+len(schemeSeparator):]
	parts := strings.SplitN(rest, "/", 7)
	if len(parts) != 7 || parts[0] != "styles" {
		return Key{}, false
	}
	width, err := strconv.Atoi(parts[3])
	if err != nil {
		return Key{}, false
	}
	height, err := strconv.Atoi(parts[4])
	if err != nil {
		return Key{}, false
	}
	crop, err := strconv.Atoi(parts[5])
	if err != nil || (crop != 0 && crop != 1) {
		return Key{}, false
	}
	if parts[1] == "" || parts[2] == "" || parts[6] == "" {
		return Key{}, false
	}
	return Key{
		Scheme:       scheme,
		StyleID:      parts[1],
		SourceScheme: parts[2],
		Width:        width,
		Height:       height,
		Crop:         crop,
		RelativePath: parts[6],
	}, true
}

// OriginalPath maps a styles URI back to the source URI it was generated
// from. Non-derivative URIs are returned unchanged.
func OriginalPath(derivativeURI string) string {
	if key, ok := Parse(derivativeURI); ok {
		return key.SourceURI()
	}
	return derivativeURI
}
