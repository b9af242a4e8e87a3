package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// Toolkit names the image library in failure reports.
const Toolkit = "imaging"

// GenerationError reports a failed resample with the context needed to
// diagnose it.
type GenerationError struct {
	Toolkit  string
	Path     string
	MimeType string
	Width    int
	Height   int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("responsive image generation failed using the %s toolkit on %s (%s, %dx%d): %v",
		e.Toolkit, e.Path, e.MimeType, e.Width, e.Height, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Transformer resamples source images. JPEGQuality is used for JPEG output.
type Transformer struct {
	JPEGQuality int
}

// NewTransformer returns a transformer with the given JPEG quality.
func NewTransformer(jpegQuality int) *Transformer {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 85
	}
	return &Transformer{JPEGQuality: jpegQuality}
}

// Result describes what Derive produced.
type Result struct {
	Plan   Plan
	Source Size
}

// Derive reads the source from src, applies req and writes the encoded
// derivative to dst. outputName selects the encoding by extension; sourcePath
// only feeds error reports.
func (t *Transformer) Derive(ctx context.Context, src io.Reader, dst io.Writer, req Request, sourcePath, outputName string) (res Result, err error) {
	mime := "application/octet-stream"
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, &GenerationError{Toolkit: Toolkit, Path: sourcePath, MimeType: mime, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	data, err := io.ReadAll(src)
	if err != nil {
		return Result{}, &GenerationError{Toolkit: Toolkit, Path: sourcePath, MimeType: mime, Err: err}
	}
	mime = mimetype.Detect(data).String()
	fail := func(size Size, err error) (Result, error) {
		return Result{Source: size}, &GenerationError{
			Toolkit:  Toolkit,
			Path:     sourcePath,
			MimeType: mime,
			Width:    size.Width,
			Height:   size.Height,
			Err:      err,
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(Size{}, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fail(Size{}, err)
	}
	bounds := img.Bounds()
	natural := Size{Width: bounds.Dx(), Height: bounds.Dy()}

	format, err := FormatFor(outputName)
	if err != nil {
		return fail(natural, err)
	}

	plan, err := Decide(req, func() (Size, error) { return natural, nil })
	if err != nil {
		return fail(natural, err)
	}

	var out image.Image
	switch {
	case plan.Crop:
		window := SourceWindow(natural, Size{Width: plan.Width, Height: plan.Height}, plan.Focal)
		out = imaging.Resize(imaging.Crop(img, window), plan.Width, plan.Height, imaging.Lanczos)
	case plan.Unchanged:
		out = img
	default:
		out = imaging.Resize(img, plan.Width, plan.Height, imaging.Lanczos)
	}

	if err := imaging.Encode(dst, out, format, imaging.JPEGQuality(t.JPEGQuality)); err != nil {
		return fail(natural, err)
	}
	return Result{Plan: plan, Source: natural}, nil
}

// FormatFor maps a file name to an output encoding.
func FormatFor(name string) (imaging.Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return imaging.JPEG, nil
	}
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return 0, fmt.Errorf("unsupported output format %q: %w", ext, err)
	}
	return format, nil
}
