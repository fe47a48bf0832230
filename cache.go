package magnav

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMapCacheSize is the default number of maps kept by a MapCache.
	DefaultMapCacheSize = 32
	// DefaultInterpolationCacheSize is the default number of values kept by an InterpolationCache.
	DefaultInterpolationCacheSize = 1024
)

// CacheMetrics are the counters of a cache.
type CacheMetrics struct {
	Insertions uint64 `json:"insertions"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

func cacheMetrics(m ttlcache.Metrics) CacheMetrics {
	return CacheMetrics{Insertions: m.Insertions, Hits: m.Hits, Misses: m.Misses, Evictions: m.Evictions}
}

type cacheConfig struct {
	logger  *slog.Logger
	loaders map[string]Loader
}

// CacheOption configures a cache.
type CacheOption func(*cacheConfig)

// WithCacheLogger sets the logger used to report evictions.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLoader registers (or replaces) the loader of a format. MapCache only.
func WithLoader(format string, l Loader) CacheOption {
	return func(c *cacheConfig) {
		c.loaders[strings.ToLower(format)] = l
	}
}

func newCacheConfig(opts []CacheOption) *cacheConfig {
	cfg := &cacheConfig{
		logger:  slog.New(slog.DiscardHandler),
		loaders: DefaultLoaders(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// MapCache memoizes loaded maps by (path, format, options) with LRU eviction.
// Concurrent loads of the same key are collapsed into one.
type MapCache struct {
	cache   *ttlcache.Cache[string, *Map]
	group   singleflight.Group
	loaders map[string]Loader
	logger  *slog.Logger
}

// NewMapCache returns a MapCache holding at most capacity maps.
func NewMapCache(capacity uint64, opts ...CacheOption) *MapCache {
	if capacity == 0 {
		capacity = DefaultMapCacheSize
	}
	cfg := newCacheConfig(opts)
	cache := ttlcache.New(
		ttlcache.WithCapacity[string, *Map](capacity),
		ttlcache.WithDisableTouchOnHit[string, *Map](),
	)
	cache.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, *Map]) {
		cfg.logger.Debug("map evicted", "key", i.Key(), "map", i.Value().ID(), "reason", er)
	})
	return &MapCache{
		cache:   cache,
		loaders: cfg.loaders,
		logger:  cfg.logger,
	}
}

// Load returns the map at path, loading it on a miss. An empty format is
// detected from the file extension. Load errors are not cached.
func (c *MapCache) Load(ctx context.Context, path, format string, opts LoadOptions) (*Map, error) {
	if format == "" {
		var err error
		if format, err = DetectFormat(path); err != nil {
			return nil, err
		}
	}
	format = strings.ToLower(format)
	loader, ok := c.loaders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	key := path + "|" + format + "|" + opts.canonical()
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if item := c.cache.Get(key); item != nil {
			return item.Value(), nil
		}
		m, err := loader.Load(path, opts)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, m, ttlcache.NoTTL)
		c.logger.Debug("map loaded", "path", path, "format", format, "map", m.ID())
		return m, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("load %s: %w", path, res.Err)
		}
		return res.Val.(*Map), nil
	}
}

// Len returns the number of cached maps.
func (c *MapCache) Len() int { return c.cache.Len() }

// Metrics returns the cache counters.
func (c *MapCache) Metrics() CacheMetrics { return cacheMetrics(c.cache.Metrics()) }

type interpolationKey struct {
	mapID    uint64
	lat, lon float64
	method   Method
}

// InterpolationCache memoizes interpolated values by (map identity, lat, lon, method).
// Coordinates are compared exactly: it is a point cache, not a spatial one.
type InterpolationCache struct {
	cache  *ttlcache.Cache[interpolationKey, float64]
	logger *slog.Logger
}

// NewInterpolationCache returns an InterpolationCache holding at most capacity values.
func NewInterpolationCache(capacity uint64, opts ...CacheOption) *InterpolationCache {
	if capacity == 0 {
		capacity = DefaultInterpolationCacheSize
	}
	cfg := newCacheConfig(opts)
	cache := ttlcache.New(
		ttlcache.WithCapacity[interpolationKey, float64](capacity),
		ttlcache.WithDisableTouchOnHit[interpolationKey, float64](),
	)
	cache.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[interpolationKey, float64]) {
		k := i.Key()
		cfg.logger.Debug("interpolation evicted", "map", k.mapID, "lat", k.lat, "lon", k.lon, "method", k.method)
	})
	return &InterpolationCache{cache: cache, logger: cfg.logger}
}

// Interpolate is Map.Interpolate through the cache. Errors are not cached.
func (c *InterpolationCache) Interpolate(m *Map, lat, lon float64, method Method) (float64, error) {
	if !method.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}
	key := interpolationKey{mapID: m.ID(), lat: lat, lon: lon, method: method}
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err := m.Interpolate(lat, lon, method)
	if err != nil {
		return 0, err
	}
	c.cache.Set(key, v, ttlcache.NoTTL)
	return v, nil
}

// Field returns a FieldFunc over m backed by the cache.
func (c *InterpolationCache) Field(m *Map, method Method) FieldFunc {
	return func(lat, lon float64) (float64, error) {
		return c.Interpolate(m, lat, lon, method)
	}
}

// Len returns the number of cached values.
func (c *InterpolationCache) Len() int { return c.cache.Len() }

// Metrics returns the cache counters.
func (c *InterpolationCache) Metrics() CacheMetrics { return cacheMetrics(c.cache.Metrics()) }
