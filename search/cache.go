package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pminervini/open-deep-research/internal/cache"
	"go.uber.org/zap"
)

// ResultCache stores rendered result lists. *cache.Manager implements it.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

var _ ResultCache = (*cache.Manager)(nil)

// CacheObserver counts cache lookups.
type CacheObserver interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// CachedProvider memoizes non-empty answers of the wrapped provider. Cache
// failures degrade to uncached queries.
type CachedProvider struct {
	inner  Provider
	cache  ResultCache
	ttl      time.Duration
	observer CacheObserver
	logger   *zap.Logger
}

func NewCachedProvider(inner Provider, c ResultCache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "search_cache")),
	}
}

// WithObserver attaches a hit/miss observer.
func (c *CachedProvider) WithObserver(o CacheObserver) *CachedProvider {
	c.observer = o
	return c
}

func (c *CachedProvider) Name() string { return c.inner.Name() }

func (c *CachedProvider) record(hit bool) {
	if c.observer == nil {
		return
	}
	if hit {
		c.observer.RecordCacheHit("search")
	} else {
		c.observer.RecordCacheMiss("search")
	}
}

func (c *CachedProvider) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	key := cacheKey(c.inner.Name(), query, opts)

	var cached []Result
	err := c.cache.GetJSON(ctx, key, &cached)
	switch {
	case err == nil:
		c.logger.Debug("search cache hit", zap.String("query", query))
		c.record(true)
		return cached, nil
	case !cache.IsCacheMiss(err):
		c.logger.Warn("search cache read failed", zap.Error(err))
	}
	c.record(false)

	results, err := c.inner.Search(ctx, query, opts)
	if err != nil || len(results) == 0 {
		return results, err
	}
	if err := c.cache.SetJSON(ctx, key, results, c.ttl); err != nil {
		c.logger.Warn("search cache write failed", zap.Error(err))
	}
	return results, nil
}

func cacheKey(provider, query string, opts Options) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d",
		strings.ToLower(strings.TrimSpace(query)), opts.limit(), opts.FilterYear)))
	return "search:" + provider + ":" + hex.EncodeToString(sum[:12])
}
