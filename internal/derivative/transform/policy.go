// Package transform decides derivative geometry and performs the resample.
package transform

import (
	"errors"
	"fmt"
	"image"
	"math"

	"rimg/internal/focal"
)

// Size is a pixel width and height.
type Size struct {
	Width  int
	Height int
}

// Request is what the URL asked for.
type Request struct {
	Width  int
	Height int // 0 derives the height from the aspect ratio
	Crop   bool
	// Ratio is height/width, used for crops without a height.
	Ratio float64
	Focal focal.Point
	// Limit caps both output dimensions, 0 for no cap.
	Limit int
}

// Plan is the decided output geometry.
type Plan struct {
	Width  int
	Height int
	Crop   bool
	Focal  focal.Point
	// Unchanged means the source is re-encoded at its natural size.
	Unchanged bool
}

var errNoDimensions = errors.New("source dimensions unknown")

// ErrTooLarge means the requested output exceeds Request.Limit.
var ErrTooLarge = errors.New("requested derivative is too large")

// Decide applies the policy. natural is called only when the source size is
// needed, i.e. for scale-only requests.
func Decide(req Request, natural func() (Size, error)) (Plan, error) {
	if req.Width <= 0 {
		return Plan{}, errors.New("width must be positive")
	}
	if req.Crop {
		height := req.Height
		if height <= 0 {
			ratio := req.Ratio
			if ratio <= 0 {
				ratio = 9.0 / 16.0
			}
			height = int(math.Floor(float64(req.Width) * ratio))
		}
		if height < 1 {
			height = 1
		}
		if req.Limit > 0 && (req.Width > req.Limit || height > req.Limit) {
			return Plan{}, fmt.Errorf("%w: %dx%d over %dpx", ErrTooLarge, req.Width, height, req.Limit)
		}
		point := req.Focal
		if point == (focal.Point{}) {
			point = focal.Center
		}
		return Plan{Width: req.Width, Height: height, Crop: true, Focal: point.Clamp()}, nil
	}

	src, err := natural()
	if err != nil {
		return Plan{}, err
	}
	if src.Width <= 0 || src.Height <= 0 {
		return Plan{}, errNoDimensions
	}
	if src.Width < req.Width {
		return Plan{Width: src.Width, Height: src.Height, Unchanged: true}, nil
	}
	width, height, ok := ScaleDimensions(src, req.Width, req.Height)
	if !ok {
		return Plan{Width: src.Width, Height: src.Height, Unchanged: true}, nil
	}
	return Plan{Width: width, Height: height}, nil
}

// ScaleDimensions fits src inside width x height keeping the aspect ratio.
// A zero target dimension is derived from the other. It reports false when
// the result would not be smaller than the source, in which case the source
// size should be kept.
func ScaleDimensions(src Size, width, height int) (int, int, bool) {
	if src.Width <= 0 || src.Height <= 0 || (width <= 0 && height <= 0) {
		return src.Width, src.Height, false
	}
	aspect := float64(src.Height) / float64(src.Width)
	if (width > 0 && height <= 0) || (width > 0 && height > 0 && aspect < float64(height)/float64(width)) {
		height = int(math.Round(float64(width) * aspect))
	} else {
		width = int(math.Round(float64(height) / aspect))
	}
	if width >= src.Width || height >= src.Height {
		return src.Width, src.Height, false
	}
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height, true
}

// CropWindow returns the size src is scaled to so that it covers target, and
// the target-sized rectangle inside the scaled image nearest the focal point.
func CropWindow(src, target Size, point focal.Point) (Size, image.Rectangle) {
	scale := math.Max(float64(target.Width)/float64(src.Width), float64(target.Height)/float64(src.Height))
	scaled := Size{
		Width:  maxInt(target.Width, int(math.Round(float64(src.Width)*scale))),
		Height: maxInt(target.Height, int(math.Round(float64(src.Height)*scale))),
	}
	point = point.Clamp()
	cx := point.X / 100 * float64(scaled.Width)
	cy := point.Y / 100 * float64(scaled.Height)
	x0 := clampInt(int(math.Round(cx-float64(target.Width)/2)), 0, scaled.Width-target.Width)
	y0 := clampInt(int(math.Round(cy-float64(target.Height)/2)), 0, scaled.Height-target.Height)
	return scaled, image.Rect(x0, y0, x0+target.Width, y0+target.Height)
}

// SourceWindow maps the CropWindow rectangle back onto src, so a crop can
// be cut before resampling and never materializes the scaled image.
func SourceWindow(src, target Size, point focal.Point) image.Rectangle {
	scaled, rect := CropWindow(src, target, point)
	sx := float64(src.Width) / float64(scaled.Width)
	sy := float64(src.Height) / float64(scaled.Height)
	x0 := clampInt(int(math.Floor(float64(rect.Min.X)*sx)), 0, src.Width-1)
	y0 := clampInt(int(math.Floor(float64(rect.Min.Y)*sy)), 0, src.Height-1)
	x1 := clampInt(int(math.Ceil(float64(rect.Max.X)*sx)), x0+1, src.Width)
	y1 := clampInt(int(math.Ceil(float64(rect.Max.Y)*sy)), y0+1, src.Height)
	return image.Rect(x0, y0, x1, y1)
}

// Params is a URL parameter set: width, height and crop.
type Params struct {
	W int
	H int
	C bool
}

// Crop returns the parameters for a crop of width at the given height/width
// ratio.
func Crop(width int, ratio float64) Params {
	return Params{W: width, H: int(math.Floor(float64(width) * ratio)), C: true}
}

// CropAll applies Crop to every width, keeping order.
func CropAll(widths []int, ratio float64) []Params {
	out := make([]Params, 0, len(widths))
	for _, w := range widths {
		out = append(out, Crop(w, ratio))
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
