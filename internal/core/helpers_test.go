// ABOUTME: Shared test fixtures for the core package: policy loading and adapter fakes
// ABOUTME: Fakes are safe for concurrent use and record every call they receive

package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/harper/concierge/internal/llm"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
)

// loadTestPolicy loads the bundled policy with pacing shortened for tests
func loadTestPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.Load("../../policy")
	if err != nil {
		t.Fatalf("policy.Load() error = %v", err)
	}
	return p
}

// fastPacing makes deliveries complete in a few milliseconds
func fastPacing(p *policy.Policy) {
	p.Pacing.MinDelayMs = 1
	p.Pacing.MaxDelayMs = 5
	p.Pacing.CharsPerMinute = 6_000_000
}

// modelReply builds the JSON payload the model is instructed to return
func modelReply(reply string, signals ...map[string]any) string {
	if signals == nil {
		signals = []map[string]any{}
	}
	b, _ := json.Marshal(map[string]any{"reply": reply, "signals": signals})
	return string(b)
}

// fakeModel answers each call with the next scripted response
type fakeModel struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []llm.Request
	// respond overrides responses when set
	respond func(req llm.Request) (string, error)
}

func (f *fakeModel) Generate(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	// respond may block, so it runs unlocked
	if respond != nil {
		text, err := respond(req)
		if err != nil {
			return nil, err
		}
		return &llm.Completion{Text: text, Model: string(req.Tier), TokensUsed: 10}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("fake model has no scripted response")
	}
	text := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &llm.Completion{Text: text, Model: string(req.Tier), TokensUsed: 10}, nil
}

func (f *fakeModel) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

type fakeRetriever struct {
	mu       sync.Mutex
	passages []models.RetrievedPassage
	err      error
	queries  []string
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int) ([]models.RetrievedPassage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.RetrievedPassage(nil), f.passages...), nil
}

func (f *fakeRetriever) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeWeb struct {
	mu      sync.Mutex
	summary *models.WebSummary
	err     error
	block   bool
	queries []string
}

func (f *fakeWeb) Search(ctx context.Context, query string) (*models.WebSummary, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	block, summary, err := f.block, f.summary, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return summary, err
}

func (f *fakeWeb) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// recordingSink collects delivered parts per conversation
type recordingSink struct {
	mu    sync.Mutex
	parts map[string][]models.DeliveryPart
	// onDeliver runs after each part is recorded
	onDeliver func(conversationID string, part models.DeliveryPart)
}

func newRecordingSink() *recordingSink {
	return &recordingSink{parts: make(map[string][]models.DeliveryPart)}
}

func (s *recordingSink) Deliver(ctx context.Context, conversationID string, part models.DeliveryPart) error {
	s.mu.Lock()
	s.parts[conversationID] = append(s.parts[conversationID], part)
	hook := s.onDeliver
	s.mu.Unlock()
	if hook != nil {
		hook(conversationID, part)
	}
	return nil
}

func (s *recordingSink) delivered(conversationID string) []models.DeliveryPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DeliveryPart(nil), s.parts[conversationID]...)
}
