package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimg/internal/derivative/sweep"
	"rimg/internal/shared/logging"
)

type chanFlusher chan string

func (c chanFlusher) FlushAll(_ context.Context, sourceURI string) (sweep.Report, error) {
	c <- sourceURI
	return sweep.Report{Deleted: []string{"x"}}, nil
}

func startWatcher(t *testing.T, root string) chanFlusher {
	t.Helper()
	flushed := make(chanFlusher, 16)
	w, err := New([]Root{{Scheme: "public", Dir: root}}, flushed,
		WithDebounce(20*time.Millisecond), WithLogger(logging.Nop()))
	require.NoError(t, err)

	ready := make(chan struct{})
	w.ready = func() { close(ready) }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return flushed
}

func TestWatcherFlushesChangedSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "photos"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "styles", "r"), 0o755))
	source := filepath.Join(root, "photos", "a.jpg")
	require.NoError(t, os.WriteFile(source, []byte("v1"), 0o644))

	flushed := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "styles", "r", "d.jpg"), []byte("derivative"), 0o644))
	require.NoError(t, os.WriteFile(source, []byte("v2"), 0o644))

	select {
	case got := <-flushed:
		assert.Equal(t, "public://photos/a.jpg", got)
	case <-time.After(5 * time.Second):
		t.Fatal("no flush after source write")
	}

	select {
	case got := <-flushed:
		assert.Equal(t, "public://photos/a.jpg", got, "derivative writes never trigger a flush")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherFlushesSourceReplacedByRename(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "photos"), 0o755))
	source := filepath.Join(root, "photos", "a.jpg")
	staged := filepath.Join(root, "photos", "upload.tmp")
	require.NoError(t, os.WriteFile(source, []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(staged, []byte("v2"), 0o644))

	flushed := startWatcher(t, root)
	require.NoError(t, os.Rename(staged, source))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-flushed:
			if got == "public://photos/a.jpg" {
				return
			}
		case <-deadline:
			t.Fatal("replacing a source by rename did not flush its derivatives")
		}
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	flushed := startWatcher(t, root)

	dir := filepath.Join(root, "new")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	source := filepath.Join(dir, "b.png")

	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, os.WriteFile(source, []byte("x"), 0o644))
		select {
		case got := <-flushed:
			assert.Equal(t, "public://new/b.png", got)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no flush for file in a new directory")
		}
	}
}

func TestIsDerivativeDir(t *testing.T) {
	w, err := New([]Root{{Scheme: "public", Dir: "/srv/files"}}, make(chanFlusher))
	require.NoError(t, err)
	assert.True(t, w.isDerivativeDir("/srv/files/styles"))
	assert.True(t, w.isDerivativeDir("/srv/files/styles/r/public/1/0/0/a.jpg"))
	assert.False(t, w.isDerivativeDir("/srv/files/stylesheet.css"))

	root, ok := w.rootFor("/srv/files/photos/a.jpg")
	assert.True(t, ok)
	assert.Equal(t, "public", root.Scheme)
	_, ok = w.rootFor("/srv/other/a.jpg")
	assert.False(t, ok)
}
