package imagestyle

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Styles []*ImageStyle `yaml:"styles"`
}

// FileStore serves styles declared in a YAML catalog file.
type FileStore struct {
	path     string
	readFile func(string) ([]byte, error)

	mu     sync.RWMutex
	styles map[string]*ImageStyle
}

// NewFileStore reads path immediately so configuration errors surface at
// startup.
func NewFileStore(path string) (*FileStore, error) {
	store := &FileStore{path: path, readFile: os.ReadFile}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewMemoryStore returns a store over the given styles.
func NewMemoryStore(styles ...*ImageStyle) *FileStore {
	store := &FileStore{styles: make(map[string]*ImageStyle, len(styles))}
	for _, style := range styles {
		style.init()
		store.styles[style.ID] = style
	}
	return store
}

// Reload re-reads the catalog file.
func (s *FileStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := s.readFile(s.path)
	if err != nil {
		return fmt.Errorf("read style catalog %s: %w", s.path, err)
	}
	styles, err := ParseCatalog(data)
	if err != nil {
		return fmt.Errorf("parse style catalog %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.styles = styles
	s.mu.Unlock()
	return nil
}

// ParseCatalog decodes the YAML catalog document.
func ParseCatalog(data []byte) (map[string]*ImageStyle, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	styles := make(map[string]*ImageStyle, len(file.Styles))
	for _, style := range file.Styles {
		if style == nil {
			continue
		}
		style.ID = strings.TrimSpace(style.ID)
		if style.ID == "" {
			return nil, fmt.Errorf("style without id")
		}
		if strings.Contains(style.ID, "/") {
			return nil, fmt.Errorf("style id %q must not contain '/'", style.ID)
		}
		if _, dup := styles[style.ID]; dup {
			return nil, fmt.Errorf("duplicate style %q", style.ID)
		}
		sort.SliceStable(style.Effects, func(i, j int) bool {
			return style.Effects[i].Weight < style.Effects[j].Weight
		})
		style.init()
		styles[style.ID] = style
	}
	return styles, nil
}

func (s *FileStore) Load(_ context.Context, id string) (*ImageStyle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	style, ok := s.styles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return style, nil
}

func (s *FileStore) List(_ context.Context) ([]*ImageStyle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ImageStyle, 0, len(s.styles))
	for _, style := range s.styles {
		out = append(out, style)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*FileStore)(nil)
