// ABOUTME: Web search fallback client for the Serper Google search API
// ABOUTME: Parses organic results with gjson and keeps at most three sources
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/util"
)

const (
	// DefaultEndpoint is Serper's search endpoint
	DefaultEndpoint = "https://google.serper.dev/search"

	// MaxSources bounds the sources returned per query
	MaxSources = 3

	maxSummaryRunes = 300
)

// Config configures a SerperClient
type Config struct {
	APIKey     string
	Endpoint   string
	Country    string
	Language   string
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// SerperClient searches the web through Serper
type SerperClient struct {
	apiKey     string
	endpoint   string
	country    string
	language   string
	maxRetries int
	retryDelay time.Duration
	http       *http.Client
	log        zerolog.Logger
}

// NewSerperClient validates cfg and builds a client
func NewSerperClient(cfg Config) (*SerperClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("SERPER_API_KEY is required for web search")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &SerperClient{
		apiKey:     cfg.APIKey,
		endpoint:   cfg.Endpoint,
		country:    cfg.Country,
		language:   cfg.Language,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		http:       cfg.HTTPClient,
		log:        cfg.Logger,
	}, nil
}

type searchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
	GL  string `json:"gl,omitempty"`
	HL  string `json:"hl,omitempty"`
}

// Search returns up to three summarized sources for query
func (c *SerperClient) Search(ctx context.Context, query string) (*models.WebSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &models.WebSummary{}, nil
	}

	payload, err := json.Marshal(searchRequest{Q: query, Num: MaxSources + 2, GL: c.country, HL: c.language})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	var body []byte
	err = util.Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		body, err = c.post(ctx, payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	summary := ParseResults(query, body)
	c.log.Debug().Str("query", query).Int("sources", len(summary.Sources)).Msg("web search complete")
	return summary, nil
}

func (c *SerperClient) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, util.Permanent(err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("serper returned status %d", resp.StatusCode)
	default:
		msg := gjson.GetBytes(body, "message").String()
		return nil, util.Permanent(fmt.Errorf("serper returned status %d: %s", resp.StatusCode, msg))
	}
}

// ParseResults extracts sources from a Serper response body.
// The answer box, when present, becomes the first source.
func ParseResults(query string, body []byte) *models.WebSummary {
	summary := &models.WebSummary{Query: query}
	seen := make(map[string]bool)

	add := func(title, link, snippet string) bool {
		link = strings.TrimSpace(link)
		if link == "" || seen[link] {
			return len(summary.Sources) < MaxSources
		}
		seen[link] = true
		summary.Sources = append(summary.Sources, models.WebSource{
			Title:   strings.TrimSpace(title),
			URL:     link,
			Summary: truncateRunes(strings.TrimSpace(snippet), maxSummaryRunes),
		})
		return len(summary.Sources) < MaxSources
	}

	if box := gjson.GetBytes(body, "answerBox"); box.Exists() {
		snippet := box.Get("answer").String()
		if snippet == "" {
			snippet = box.Get("snippet").String()
		}
		add(box.Get("title").String(), box.Get("link").String(), snippet)
	}

	if len(summary.Sources) < MaxSources {
		gjson.GetBytes(body, "organic").ForEach(func(_, item gjson.Result) bool {
			return add(item.Get("title").String(), item.Get("link").String(), item.Get("snippet").String())
		})
	}

	return summary
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
