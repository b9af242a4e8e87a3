// Package pathdecode rewrites inbound image style paths.
//
// Routers cannot match an arbitrary number of trailing segments, so the file
// path is moved out of the URL path into the "file" query parameter. Two
// prefixes are handled:
//
//   - /<public-dir>/styles/ for public derivatives, which the web server
//     serves directly once they exist, and
//   - /system/files/styles/ for gated derivatives.
//
// Anything that does not match the grammar passes through unchanged so the
// host's normal 404 handling applies.
package pathdecode

import (
	"net/http"
	"strconv"
	"strings"
)

// FileParam is the query parameter carrying the source file path.
const FileParam = "file"

// GatedPrefix is the path prefix of gated derivatives.
const GatedPrefix = "/system/files/styles/"

// ParametricLookup reports whether a style takes its dimensions from the URL.
type ParametricLookup func(styleID string) bool

// Request is a fully decoded parametric derivative request.
type Request struct {
	Prefix string
	Style  string
	Scheme string
	Width  int
	Height int
	Crop   int
	File   string
}

// Gated reports whether the request came in through the gated prefix.
func (r Request) Gated() bool {
	return r.Prefix == GatedPrefix
}

// StylePath is the externally visible path once the file has been moved to
// the side channel.
func (r Request) StylePath() string {
	return r.Prefix + r.Style + "/" + r.Scheme + "/" +
		strconv.Itoa(r.Width) + "/" + strconv.Itoa(r.Height) + "/" + strconv.Itoa(r.Crop)
}

// SourceURI is the URI of the requested source image.
func (r Request) SourceURI() string {
	return r.Scheme + "://" + r.File
}

// Result describes what the decoder did with a path.
type Result struct {
	// Path is the rewritten path, or the input when nothing matched.
	Path string
	// File is the side-channel file value; empty when not set.
	File string
	// Request is set only for decoded parametric paths.
	Request *Request
}

// Decoder recognizes derivative paths.
type Decoder struct {
	publicPrefix string
	parametric   ParametricLookup
}

// New returns a decoder for the given public files directory, e.g.
// "sites/default/files".
func New(publicDir string, parametric ParametricLookup) *Decoder {
	publicDir = strings.Trim(publicDir, "/")
	if parametric == nil {
		parametric = func(string) bool { return false }
	}
	return &Decoder{
		publicPrefix: "/" + publicDir + "/styles/",
		parametric:   parametric,
	}
}

// PublicPrefix returns "/<public-dir>/styles/".
func (d *Decoder) PublicPrefix() string {
	return d.publicPrefix
}

// Decode never fails: unknown or malformed paths come back unchanged.
func (d *Decoder) Decode(path string) Result {
	var prefix string
	switch {
	case strings.HasPrefix(path, d.publicPrefix):
		prefix = d.publicPrefix
	case strings.Contains(path, GatedPrefix):
		prefix = GatedPrefix
		path = path[strings.Index(path, GatedPrefix):]
	default:
		return Result{Path: path}
	}

	rest := strings.TrimPrefix(path, prefix)
	if strings.Count(rest, "/") < 3 {
		return Result{Path: path}
	}

	parts := strings.SplitN(rest, "/", 3)
	style, scheme, filePath := parts[0], parts[1], parts[2]

	if !d.parametric(style) {
		return Result{Path: prefix + style + "/" + scheme, File: filePath}
	}

	dims := strings.SplitN(filePath, "/", 4)
	if len(dims) != 4 || dims[3] == "" {
		return Result{Path: path}
	}
	width, ok := parseDimension(dims[0])
	if !ok {
		return Result{Path: path}
	}
	height, ok := parseDimension(dims[1])
	if !ok {
		return Result{Path: path}
	}
	var crop int
	switch dims[2] {
	case "0":
		crop = 0
	case "1":
		crop = 1
	default:
		return Result{Path: path}
	}

	req := &Request{
		Prefix: prefix,
		Style:  style,
		Scheme: scheme,
		Width:  width,
		Height: height,
		Crop:   crop,
		File:   dims[3],
	}
	return Result{Path: req.StylePath(), File: req.File, Request: req}
}

// Encode renders the inbound path for req. Decode(Encode(req)) yields req.
func (d *Decoder) Encode(req Request) string {
	prefix := req.Prefix
	if prefix == "" {
		prefix = d.publicPrefix
	}
	req.Prefix = prefix
	return req.StylePath() + "/" + strings.TrimLeft(req.File, "/")
}

// Rewrite applies Decode to r in place and returns the decoded request, if
// any. The original path is kept in the X-Original-Path header for logging.
func (d *Decoder) Rewrite(r *http.Request) *Request {
	original := r.URL.Path
	result := d.Decode(original)
	if result.Path == original && result.File == "" {
		return nil
	}
	r.Header.Set("X-Original-Path", original)
	r.URL.Path = result.Path
	r.URL.RawPath = ""
	if result.File != "" {
		query := r.URL.Query()
		query.Set(FileParam, result.File)
		r.URL.RawQuery = query.Encode()
	}
	return result.Request
}

// Middleware rewrites requests before they reach next.
func (d *Decoder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.Rewrite(r)
		next.ServeHTTP(w, r)
	})
}

// parseDimension accepts only the canonical decimal spelling, so "+300" and
// "0300" never alias the derivative stored under "300".
func parseDimension(segment string) (int, bool) {
	n, err := strconv.Atoi(segment)
	if err != nil || strconv.Itoa(n) != segment {
		return 0, false
	}
	return n, true
}
