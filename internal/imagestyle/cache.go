package imagestyle

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"rimg/internal/shared/logging"
)

const defaultCacheSize = 256

// Cache memoizes style lookups so the parametric check is computed once per
// style id rather than on every request.
type Cache struct {
	store  Store
	cache  *lru.Cache[string, *ImageStyle]
	group  singleflight.Group
	logger logging.Logger
}

// NewCache wraps store with an LRU of the given size.
func NewCache(store Store, size int, logger logging.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("imagestyle: cache requires a store")
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *ImageStyle](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, cache: cache, logger: logging.OrNop(logger)}, nil
}

// Load returns the style, hitting the store at most once per id for
// concurrent callers.
func (c *Cache) Load(ctx context.Context, id string) (*ImageStyle, error) {
	if style, ok := c.cache.Get(id); ok {
		return style, nil
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		style, err := c.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, style)
		return style, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ImageStyle), nil
}

// List passes through to the store.
func (c *Cache) List(ctx context.Context) ([]*ImageStyle, error) {
	return c.store.List(ctx)
}

// IsParametric is the boolean lookup used by the path decoder. Unknown
// styles and store failures are reported as not parametric.
func (c *Cache) IsParametric(id string) bool {
	style, err := c.Load(context.Background(), id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("style lookup %s failed: %v", id, err)
		}
		return false
	}
	return style.IsParametric()
}

// Purge drops every cached style, e.g. after the catalog was reloaded.
func (c *Cache) Purge() {
	c.cache.Purge()
}

var _ Store = (*Cache)(nil)
