// Package storage resolves scheme URIs ("public://a/b.jpg") to files on
// per-scheme afero filesystems.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"rimg/internal/derivative/uri"
)

const tempPrefix = ".rimg-tmp-"

// ErrUnknownScheme is returned for URIs whose scheme is not registered.
var ErrUnknownScheme = errors.New("unknown storage scheme")

// Scheme is a registered storage root.
type Scheme struct {
	Name string
	Fs   afero.Fs
	// Gated schemes are served only after the access hooks approve.
	Gated bool
	// Root is the local directory behind Fs, empty for in-memory schemes.
	Root string
}

// FileInfo is the metadata the delivery layer needs.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Manager dispatches URI operations to the scheme filesystems.
type Manager struct {
	schemes  map[string]Scheme
	observer Observer
}

// Option customizes a Manager.
type Option func(*Manager)

// WithObserver attaches an operation observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager registers schemes.
func NewManager(schemes []Scheme, opts ...Option) (*Manager, error) {
	m := &Manager{schemes: make(map[string]Scheme, len(schemes)), observer: nopObserver{}}
	for _, s := range schemes {
		if s.Name == "" || s.Fs == nil {
			return nil, fmt.Errorf("storage: scheme %q needs a name and filesystem", s.Name)
		}
		if _, dup := m.schemes[s.Name]; dup {
			return nil, fmt.Errorf("storage: duplicate scheme %q", s.Name)
		}
		m.schemes[s.Name] = s
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewLocalScheme returns a scheme rooted at a directory on disk.
func NewLocalScheme(name, root string, gated bool) Scheme {
	return Scheme{Name: name, Fs: afero.NewBasePathFs(afero.NewOsFs(), root), Gated: gated, Root: root}
}

// IsValidScheme reports whether name is registered.
func (m *Manager) IsValidScheme(name string) bool {
	_, ok := m.schemes[name]
	return ok
}

// IsGated reports whether the scheme requires access hooks.
func (m *Manager) IsGated(name string) bool {
	s, ok := m.schemes[name]
	return ok && s.Gated
}

// Schemes lists registered scheme names in order.
func (m *Manager) Schemes() []string {
	names := make([]string, 0, len(m.schemes))
	for name := range m.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) resolve(u string) (Scheme, string, error) {
	scheme := uri.Scheme(u)
	s, ok := m.schemes[scheme]
	if !ok {
		return Scheme{}, "", fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return s, path.Clean("/" + uri.Target(u)), nil
}

// Exists reports whether u is an existing regular file.
func (m *Manager) Exists(_ context.Context, u string) bool {
	s, rel, err := m.resolve(u)
	if err != nil || rel == "/" {
		return false
	}
	info, err := s.Fs.Stat(rel)
	return err == nil && info.Mode().IsRegular()
}

// Stat returns size and modification time of u.
func (m *Manager) Stat(_ context.Context, u string) (FileInfo, error) {
	s, rel, err := m.resolve(u)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := s.Fs.Stat(rel)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Open opens u for reading.
func (m *Manager) Open(_ context.Context, u string) (afero.File, error) {
	s, rel, err := m.resolve(u)
	if err != nil {
		return nil, err
	}
	return s.Fs.Open(rel)
}

// WriteAtomic streams write's output into a temporary file next to u and
// renames it into place on success, so readers see either the complete file
// or nothing.
func (m *Manager) WriteAtomic(_ context.Context, u string, write func(io.Writer) error) (size int64, err error) {
	start := time.Now()
	defer func() { m.observer.RecordWrite(time.Since(start), size, err) }()

	s, rel, err := m.resolve(u)
	if err != nil {
		return 0, err
	}
	if rel == "/" {
		return 0, fmt.Errorf("storage: empty target in %q", u)
	}
	dir := path.Dir(rel)
	if err := s.Fs.MkdirAll(dir, 0o775); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", u, err)
	}
	tmp := path.Join(dir, tempPrefix+uuid.NewString())
	f, err := s.Fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o664)
	if err != nil {
		return 0, fmt.Errorf("create temporary file for %s: %w", u, err)
	}
	published, closed := false, false
	defer func() {
		if !closed {
			_ = f.Close()
		}
		if !published {
			_ = s.Fs.Remove(tmp)
		}
	}()

	counter := &countingWriter{w: f}
	if err := write(counter); err != nil {
		return 0, err
	}
	closed = true
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close temporary file for %s: %w", u, err)
	}
	if err := s.Fs.Rename(tmp, rel); err != nil {
		return 0, fmt.Errorf("publish %s: %w", u, err)
	}
	published = true
	return counter.n, nil
}

// Delete removes a single file. A missing file is not an error.
func (m *Manager) Delete(_ context.Context, u string) (err error) {
	start := time.Now()
	defer func() { m.observer.RecordDelete(time.Since(start), err) }()

	s, rel, err := m.resolve(u)
	if err != nil {
		return err
	}
	if err := s.Fs.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteTree removes a directory and everything below it.
func (m *Manager) DeleteTree(_ context.Context, u string) (err error) {
	start := time.Now()
	defer func() { m.observer.RecordDelete(time.Since(start), err) }()

	s, rel, err := m.resolve(u)
	if err != nil {
		return err
	}
	if rel == "/" {
		return fmt.Errorf("storage: refusing to delete scheme root %q", u)
	}
	return s.Fs.RemoveAll(rel)
}

// List returns the URIs of every file below prefix. A missing directory
// yields an empty list.
func (m *Manager) List(_ context.Context, prefix string) (out []string, err error) {
	start := time.Now()
	defer func() { m.observer.RecordList(time.Since(start), err) }()

	s, rel, err := m.resolve(prefix)
	if err != nil {
		return nil, err
	}
	walkErr := afero.Walk(s.Fs, rel, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		out = append(out, uri.Join(s.Name, filepath.ToSlash(p)))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(out)
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
