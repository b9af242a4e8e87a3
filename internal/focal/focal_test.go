package focal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()
	p := NewStatic(map[string]Point{
		"public://a.jpg": {X: 10, Y: 90},
		"public://b.jpg": {X: -5, Y: 140},
	})

	assert.Equal(t, Point{X: 10, Y: 90}, Resolve(ctx, p, "public://a.jpg"))
	assert.Equal(t, Point{X: 0, Y: 100}, Resolve(ctx, p, "public://b.jpg"))
	assert.Equal(t, Center, Resolve(ctx, p, "public://c.jpg"))
	assert.Equal(t, Center, Resolve(ctx, nil, "public://a.jpg"))

	p.Set("public://c.jpg", Point{X: 30, Y: 30})
	assert.Equal(t, Point{X: 30, Y: 30}, Resolve(ctx, p, "public://c.jpg"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "focal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
focal_points:
  "public://photos/a.jpg": {x: 25, y: 75}
`), 0o644))

	p, err := LoadFile(path)
	require.NoError(t, err)
	point, ok := p.Lookup(context.Background(), "public://photos/a.jpg")
	require.True(t, ok)
	assert.Equal(t, Point{X: 25, Y: 75}, point)

	empty, err := LoadFile("")
	require.NoError(t, err)
	_, ok = empty.Lookup(context.Background(), "public://photos/a.jpg")
	assert.False(t, ok)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
