// Package imagestyle models image styles and the catalog they are loaded from.
package imagestyle

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

const (
	// EffectResponsive marks a style whose dimensions come from the request URL.
	EffectResponsive = "image_responsive"
	// EffectConvert changes the output format of a derivative.
	EffectConvert = "image_convert"

	// DefaultRatio is the height/width ratio used for crops without a height.
	DefaultRatio = 9.0 / 16.0
)

// ErrNotFound is returned when a style id is unknown to the catalog.
var ErrNotFound = errors.New("image style not found")

// Effect is one step of a style pipeline.
type Effect struct {
	ID     string         `yaml:"id"`
	Weight int            `yaml:"weight"`
	Data   map[string]any `yaml:"data"`
}

// ImageStyle is a named, ordered list of effects.
type ImageStyle struct {
	ID      string   `yaml:"id"`
	Label   string   `yaml:"label"`
	Effects []Effect `yaml:"effects"`

	parametric bool
}

// New returns a style with the parametric flag computed from its effects.
func New(id, label string, effects ...Effect) *ImageStyle {
	style := &ImageStyle{ID: id, Label: label, Effects: effects}
	style.init()
	return style
}

func (s *ImageStyle) init() {
	s.parametric = false
	for _, effect := range s.Effects {
		if effect.ID == EffectResponsive {
			s.parametric = true
			return
		}
	}
}

// IsParametric reports whether the style takes width, height and crop from
// the request path.
func (s *ImageStyle) IsParametric() bool {
	return s != nil && s.parametric
}

// Ratio returns the crop ratio configured on the responsive effect.
func (s *ImageStyle) Ratio() float64 {
	if effect, ok := s.effect(EffectResponsive); ok {
		if ratio, ok := floatValue(effect.Data["ratio"]); ok && ratio > 0 {
			return ratio
		}
	}
	return DefaultRatio
}

// Extension returns the output extension forced by a convert effect, or "".
func (s *ImageStyle) Extension() string {
	if effect, ok := s.effect(EffectConvert); ok {
		if ext, ok := effect.Data["extension"].(string); ok {
			return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		}
	}
	return ""
}

func (s *ImageStyle) effect(id string) (Effect, bool) {
	if s == nil {
		return Effect{}, false
	}
	for _, effect := range s.Effects {
		if effect.ID == id {
			return effect, true
		}
	}
	return Effect{}, false
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if num, den, ok := strings.Cut(n, "/"); ok {
			a, errA := strconv.ParseFloat(strings.TrimSpace(num), 64)
			b, errB := strconv.ParseFloat(strings.TrimSpace(den), 64)
			if errA != nil || errB != nil || b == 0 {
				return 0, false
			}
			return a / b, true
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Store loads styles from their persistent home.
type Store interface {
	Load(ctx context.Context, id string) (*ImageStyle, error)
	List(ctx context.Context) ([]*ImageStyle, error)
}
