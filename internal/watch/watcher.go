// Package watch flushes derivatives when source files change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rimg/internal/async"
	"rimg/internal/derivative/sweep"
	"rimg/internal/derivative/uri"
	"rimg/internal/shared/logging"
)

const defaultDebounce = 500 * time.Millisecond

// stylesDir holds derivatives inside every scheme root and is never watched.
const stylesDir = "styles"

// Flusher invalidates the derivatives of a source.
type Flusher interface {
	FlushAll(ctx context.Context, sourceURI string) (sweep.Report, error)
}

// Root is a local scheme directory to watch.
type Root struct {
	Scheme string
	Dir    string
}

// Watcher turns source writes, removals and renames into flushes.
type Watcher struct {
	roots    []Root
	flusher  Flusher
	logger   logging.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
	ready   func()
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a path must stay quiet before it is flushed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) { w.logger = logging.OrNop(logger) }
}

// New builds a watcher over roots.
func New(roots []Root, flusher Flusher, opts ...Option) (*Watcher, error) {
	if flusher == nil {
		return nil, errors.New("watch: flusher required")
	}
	w := &Watcher{
		flusher:  flusher,
		logger:   logging.NewComponentLogger("watch"),
		debounce: defaultDebounce,
		pending:  map[string]*time.Timer{},
	}
	for _, root := range roots {
		dir, err := filepath.Abs(root.Dir)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %s: %w", root.Dir, err)
		}
		w.roots = append(w.roots, Root{Scheme: root.Scheme, Dir: filepath.Clean(dir)})
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		w.mu.Lock()
		for path, timer := range w.pending {
			if timer.Stop() {
				w.wg.Done()
			}
			delete(w.pending, path)
		}
		w.mu.Unlock()
		_ = fsWatcher.Close()
		w.wg.Wait()
	}()

	for _, root := range w.roots {
		if err := w.addTree(fsWatcher, root.Dir); err != nil {
			return err
		}
	}
	w.logger.Info("Watching %d source roots", len(w.roots))
	if w.ready != nil {
		w.ready()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fsWatcher, event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Source watcher error: %v", err)
		}
	}
}

func (w *Watcher) addTree(fsWatcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.isDerivativeDir(path) {
			return filepath.SkipDir
		}
		if err := fsWatcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, fsWatcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	name := filepath.Clean(event.Name)
	root, ok := w.rootFor(name)
	if !ok || w.isDerivativeDir(name) || strings.HasPrefix(filepath.Base(name), ".") {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.addTree(fsWatcher, name); err != nil {
				w.logger.Warn("Failed to watch %s: %v", name, err)
			}
			return
		}
		// A file moved over an existing source only shows up as a Create.
	} else if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(root.Dir, name)
	if err != nil {
		return
	}
	w.schedule(ctx, uri.Join(root.Scheme, filepath.ToSlash(rel)))
}

func (w *Watcher) schedule(ctx context.Context, sourceURI string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[sourceURI]; ok && timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending[sourceURI] = time.AfterFunc(w.debounce, func() {
		async.Go(w.logger, "watch.flush", func() {
			defer w.wg.Done()
			w.mu.Lock()
			delete(w.pending, sourceURI)
			w.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			report, err := w.flusher.FlushAll(ctx, sourceURI)
			if err != nil {
				w.logger.Warn("Flush of %s failed: %v", sourceURI, err)
				return
			}
			if len(report.Deleted) > 0 {
				w.logger.Info("Source %s changed, removed %d derivatives", sourceURI, len(report.Deleted))
			}
		})
	})
}

func (w *Watcher) rootFor(name string) (Root, bool) {
	for _, root := range w.roots {
		if name == root.Dir {
			continue
		}
		if strings.HasPrefix(name, root.Dir+string(filepath.Separator)) {
			return root, true
		}
	}
	return Root{}, false
}

func (w *Watcher) isDerivativeDir(path string) bool {
	for _, root := range w.roots {
		styles := filepath.Join(root.Dir, stylesDir)
		if path == styles || strings.HasPrefix(path, styles+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
