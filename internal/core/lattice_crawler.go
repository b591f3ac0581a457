// ABOUTME: LatticeCrawler grounds a turn: retrieval first, then web fallback, then a no-grounding marker
// ABOUTME: Each adapter call runs under its own timeout and failures degrade instead of failing the turn
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/rs/zerolog"
)

// Grounding outcomes
const (
	GroundingRetrieval = "retrieval"
	GroundingWeb       = "web"
	GroundingNone      = "none"
)

// Grounding is the factual context gathered for one turn
type Grounding struct {
	Passages        []models.RetrievedPassage
	Web             *models.WebSummary
	UsedRetrieval   bool
	UsedWebFallback bool
	// NoGrounding marks that nothing usable was found; the reply must state an assumption
	NoGrounding bool
	Outcome     string
}

// Citations returns the locators of everything injected into the prompt
func (g *Grounding) Citations() []string {
	if g == nil {
		return nil
	}
	var out []string
	for _, p := range g.Passages {
		out = append(out, p.ChunkID)
	}
	if g.Web != nil {
		for _, s := range g.Web.Sources {
			out = append(out, s.URL)
		}
	}
	return out
}

// LatticeCrawler retrieves grounding passages with graceful fallback
type LatticeCrawler struct {
	retriever        Retriever
	web              WebSearcher
	retrievalTimeout time.Duration
	webTimeout       time.Duration
	log              zerolog.Logger
	metrics          *metrics.Metrics
}

// NewLatticeCrawler creates a crawler. Either adapter may be nil.
func NewLatticeCrawler(retriever Retriever, web WebSearcher, retrievalTimeout, webTimeout time.Duration, log zerolog.Logger, m *metrics.Metrics) *LatticeCrawler {
	return &LatticeCrawler{
		retriever:        retriever,
		web:              web,
		retrievalTimeout: retrievalTimeout,
		webTimeout:       webTimeout,
		log:              log,
		metrics:          m,
	}
}

// Ground runs retrieval, filters by the similarity threshold, and falls back to web search
func (lc *LatticeCrawler) Ground(ctx context.Context, query string, p *policy.Policy) *Grounding {
	g := &Grounding{}

	passages, err := lc.retrieve(ctx, query, p)
	if err != nil {
		lc.log.Warn().Err(err).Msg("retrieval failed, trying web fallback")
	}
	if len(passages) > 0 {
		g.Passages = passages
		g.UsedRetrieval = true
		g.Outcome = GroundingRetrieval
		lc.count(g.Outcome)
		return g
	}

	summary, err := lc.searchWeb(ctx, query)
	if err != nil {
		lc.log.Warn().Err(err).Msg("web fallback failed, continuing without grounding")
	}
	if !summary.Empty() {
		if len(summary.Sources) > 3 {
			summary.Sources = summary.Sources[:3]
		}
		g.Web = summary
		g.UsedWebFallback = true
		g.Outcome = GroundingWeb
		lc.count(g.Outcome)
		return g
	}

	g.NoGrounding = true
	g.Outcome = GroundingNone
	lc.count(g.Outcome)
	return g
}

// retrieve returns passages at or above the threshold, best first, at most top-k
func (lc *LatticeCrawler) retrieve(ctx context.Context, query string, p *policy.Policy) ([]models.RetrievedPassage, error) {
	if lc.retriever == nil {
		return nil, ErrRetrievalUnavailable
	}

	rctx, cancel := withOptionalTimeout(ctx, lc.retrievalTimeout)
	defer cancel()

	results, err := lc.retriever.Search(rctx, query, p.Routing.RetrievalTopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
	}

	passages := make([]models.RetrievedPassage, 0, len(results))
	for _, r := range results {
		if r.Score >= p.Routing.SimilarityThreshold {
			passages = append(passages, r)
		}
	}
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	if k := p.Routing.RetrievalTopK; k > 0 && len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}

func (lc *LatticeCrawler) searchWeb(ctx context.Context, query string) (*models.WebSummary, error) {
	if lc.web == nil {
		return nil, ErrWebFallbackUnavailable
	}

	wctx, cancel := withOptionalTimeout(ctx, lc.webTimeout)
	defer cancel()

	summary, err := lc.web.Search(wctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWebFallbackUnavailable, lc.webTimeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrWebFallbackUnavailable, err)
	}
	return summary, nil
}

func (lc *LatticeCrawler) count(outcome string) {
	if lc.metrics != nil {
		lc.metrics.GroundingTotal.WithLabelValues(outcome).Inc()
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
