// ABOUTME: Tests for the ristretto-backed web search cache
// ABOUTME: Verifies hits skip the wrapped searcher and failures are not cached
package websearch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/models"
)

type countingSearcher struct {
	calls   atomic.Int32
	summary *models.WebSummary
	err     error
}

func (s *countingSearcher) Search(_ context.Context, query string) (*models.WebSummary, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.summary, nil
}

func TestCachedSearcher_HitSkipsSearch(t *testing.T) {
	next := &countingSearcher{summary: &models.WebSummary{Sources: []models.WebSource{{URL: "https://a.example"}}}}
	c, err := NewCachedSearcher(next, time.Minute, 10, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Search(context.Background(), "Sữa Cho Bé")
	require.NoError(t, err)
	c.Wait()

	got, err := c.Search(context.Background(), "  sữa   cho bé ")
	require.NoError(t, err)
	assert.Len(t, got.Sources, 1)
	assert.Equal(t, int32(1), next.calls.Load(), "normalized query hits the cache")
}

func TestCachedSearcher_DoesNotCacheFailures(t *testing.T) {
	tests := []struct {
		name string
		next *countingSearcher
	}{
		{name: "error", next: &countingSearcher{err: errors.New("quota")}},
		{name: "empty", next: &countingSearcher{summary: &models.WebSummary{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCachedSearcher(tt.next, time.Minute, 10, logging.Nop())
			require.NoError(t, err)
			defer c.Close()

			_, _ = c.Search(context.Background(), "q")
			c.Wait()
			_, _ = c.Search(context.Background(), "q")
			assert.Equal(t, int32(2), tt.next.calls.Load())
		})
	}
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "a b", cacheKey("  A\tB "))
}
