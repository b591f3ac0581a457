// ABOUTME: TTL cache in front of a web searcher, backed by ristretto
// ABOUTME: Repeated questions inside the TTL skip the external search call
package websearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/harper/concierge/internal/models"
)

// Searcher is anything that can run a web search
type Searcher interface {
	Search(ctx context.Context, query string) (*models.WebSummary, error)
}

// CachedSearcher memoizes non-empty summaries per normalized query
type CachedSearcher struct {
	next  Searcher
	cache *ristretto.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedSearcher wraps next with a cache holding up to maxEntries queries
func NewCachedSearcher(next Searcher, ttl time.Duration, maxEntries int64, log zerolog.Logger) (*CachedSearcher, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create search cache: %w", err)
	}
	return &CachedSearcher{next: next, cache: cache, ttl: ttl, log: log}, nil
}

// Search returns a cached summary or asks the wrapped searcher.
// Errors and empty results are never cached.
func (c *CachedSearcher) Search(ctx context.Context, query string) (*models.WebSummary, error) {
	key := cacheKey(query)
	if v, ok := c.cache.Get(key); ok {
		if summary, ok := v.(*models.WebSummary); ok {
			c.log.Debug().Str("query", query).Msg("web search cache hit")
			return summary, nil
		}
	}

	summary, err := c.next.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if !summary.Empty() && c.ttl > 0 {
		c.cache.SetWithTTL(key, summary, 1, c.ttl)
	}
	return summary, nil
}

// Wait blocks until buffered cache writes are applied (tests)
func (c *CachedSearcher) Wait() {
	c.cache.Wait()
}

// Close releases the cache goroutines
func (c *CachedSearcher) Close() {
	c.cache.Close()
}

func cacheKey(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
