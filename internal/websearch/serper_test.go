// ABOUTME: Tests for the Serper client against an httptest server
// ABOUTME: Covers result parsing, the three-source cap, retries, and permanent failures
package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/concierge/internal/logging"
)

const organicBody = `{
  "searchParameters": {"q": "sữa cho bé"},
  "organic": [
    {"title": "One", "link": "https://one.example", "snippet": "first"},
    {"title": "Two", "link": "https://two.example", "snippet": "second"},
    {"title": "Dup", "link": "https://one.example", "snippet": "duplicate"},
    {"title": "Three", "link": "https://three.example", "snippet": "third"},
    {"title": "Four", "link": "https://four.example", "snippet": "fourth"}
  ]
}`

func newTestClient(t *testing.T, url string) *SerperClient {
	t.Helper()
	c, err := NewSerperClient(Config{
		APIKey:     "test-key",
		Endpoint:   url,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Logger:     logging.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestNewSerperClient_RequiresKey(t *testing.T) {
	_, err := NewSerperClient(Config{})
	assert.Error(t, err)
}

func TestSearch_ParsesOrganicResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))

		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sữa cho bé", req.Q)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(organicBody))
	}))
	defer srv.Close()

	summary, err := newTestClient(t, srv.URL).Search(context.Background(), "  sữa cho bé ")
	require.NoError(t, err)
	require.Len(t, summary.Sources, MaxSources)
	assert.Equal(t, "sữa cho bé", summary.Query)
	assert.Equal(t, "https://one.example", summary.Sources[0].URL)
	assert.Equal(t, "https://two.example", summary.Sources[1].URL)
	assert.Equal(t, "https://three.example", summary.Sources[2].URL, "duplicate links are skipped")
}

func TestSearch_EmptyQuery(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	summary, err := c.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.True(t, summary.Empty())
}

func TestSearch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(organicBody))
	}))
	defer srv.Close()

	summary, err := newTestClient(t, srv.URL).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, summary.Sources, MaxSources)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "Unauthorized."}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized.")
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseResults(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantURLs  []string
		wantFirst string
	}{
		{
			name:     "no results",
			body:     `{"organic": []}`,
			wantURLs: nil,
		},
		{
			name:     "malformed body",
			body:     `not json`,
			wantURLs: nil,
		},
		{
			name:      "answer box first",
			body:      `{"answerBox": {"title": "Box", "link": "https://box.example", "answer": "42"}, "organic": [{"title": "A", "link": "https://a.example", "snippet": "a"}]}`,
			wantURLs:  []string{"https://box.example", "https://a.example"},
			wantFirst: "42",
		},
		{
			name:     "results without links are dropped",
			body:     `{"organic": [{"title": "A", "snippet": "a"}, {"title": "B", "link": "https://b.example"}]}`,
			wantURLs: []string{"https://b.example"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := ParseResults("q", []byte(tt.body))
			var urls []string
			for _, s := range summary.Sources {
				urls = append(urls, s.URL)
			}
			assert.Equal(t, tt.wantURLs, urls)
			if tt.wantFirst != "" {
				assert.Equal(t, tt.wantFirst, summary.Sources[0].Summary)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ừừ…", truncateRunes("ừừừừ", 2))
}
