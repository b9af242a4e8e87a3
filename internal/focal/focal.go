// Package focal resolves the focal point of a source image.
package focal

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Point is a position expressed in percent of the image width and height.
type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Center is used when no focal point is known.
var Center = Point{X: 50, Y: 50}

// Clamp keeps p inside the image.
func (p Point) Clamp() Point {
	return Point{X: clamp(p.X), Y: clamp(p.Y)}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Provider looks up the focal point stored for a source URI.
type Provider interface {
	Lookup(ctx context.Context, sourceURI string) (Point, bool)
}

// Resolve returns the provider's point for sourceURI, or Center.
func Resolve(ctx context.Context, p Provider, sourceURI string) Point {
	if p == nil {
		return Center
	}
	if point, ok := p.Lookup(ctx, sourceURI); ok {
		return point.Clamp()
	}
	return Center
}

// Static serves focal points from an in-memory table.
type Static struct {
	mu     sync.RWMutex
	points map[string]Point
}

// NewStatic copies points into a new provider.
func NewStatic(points map[string]Point) *Static {
	s := &Static{points: make(map[string]Point, len(points))}
	for k, v := range points {
		s.points[k] = v
	}
	return s
}

type focalFile struct {
	FocalPoints map[string]Point `yaml:"focal_points"`
}

// LoadFile reads the focal_points section of a YAML document. A missing
// section yields an empty provider.
func LoadFile(path string) (*Static, error) {
	if path == "" {
		return NewStatic(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read focal points %s: %w", path, err)
	}
	var file focalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse focal points %s: %w", path, err)
	}
	return NewStatic(file.FocalPoints), nil
}

func (s *Static) Lookup(_ context.Context, sourceURI string) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[sourceURI]
	return p, ok
}

// Set records a focal point for sourceURI.
func (s *Static) Set(sourceURI string, p Point) {
	s.mu.Lock()
	s.points[sourceURI] = p
	s.mu.Unlock()
}
