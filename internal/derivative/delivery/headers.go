// Package delivery sets the caching headers of public derivative responses.
package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Route identifies which derivative route served a response.
type Route string

const (
	RoutePublic Route = "image.style_public"
	RouteGated  Route = "image.style_private"
)

// Policy annotates file responses served on the public route from Scheme.
type Policy struct {
	MaxAge time.Duration
	Scheme string
}

// NewPolicy returns a policy for the public scheme.
func NewPolicy(maxAge time.Duration) Policy {
	return Policy{MaxAge: maxAge, Scheme: "public"}
}

// Applies reports whether responses on route for scheme get annotated.
func (p Policy) Applies(route Route, scheme string) bool {
	return route == RoutePublic && scheme == p.Scheme
}

// CacheControl renders the Cache-Control value.
func (p Policy) CacheControl() string {
	seconds := int64(p.MaxAge / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return "public, max-age=" + strconv.FormatInt(seconds, 10)
}

// Annotate sets Cache-Control and ETag when the policy applies and rewinds
// content to its start. It reports whether headers were set.
func (p Policy) Annotate(h http.Header, route Route, scheme string, content io.ReadSeeker) (bool, error) {
	if !p.Applies(route, scheme) || content == nil {
		return false, nil
	}
	tag, err := ETag(content)
	if err != nil {
		return false, err
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind derivative: %w", err)
	}
	h.Set("Cache-Control", p.CacheControl())
	h.Set("ETag", tag)
	return true, nil
}

// ETag returns a strong entity tag over the SHA-256 of r.
func ETag(r io.Reader) (string, error) {
	sum := sha256.New()
	if _, err := io.Copy(sum, r); err != nil {
		return "", fmt.Errorf("hash derivative: %w", err)
	}
	return `"` + hex.EncodeToString(sum.Sum(nil)) + `"`, nil
}
