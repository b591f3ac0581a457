// ABOUTME: Pacer splits replies into timed parts and delivers them like a human typing
// ABOUTME: One pending delivery per conversation; cancellation is decided under the delivery's lock
package core

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/harper/concierge/internal/util"
	"github.com/rs/zerolog"
)

// Plan splits a reply into one part, or two to three parts aligned to the response structure:
// empathy and first point, remaining points, then calls to action with any trailing notices.
func Plan(reply string, p *policy.Policy) []models.DeliveryPart {
	text := strings.TrimSpace(reply)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= p.Pacing.SinglePartMaxChars {
		return withDelays([]string{text}, p.Pacing)
	}

	paras := splitParagraphs(text)
	notices := noticeTexts(p)

	tailStart := len(paras)
	for tailStart > 0 && isNotice(paras[tailStart-1], notices) {
		tailStart--
	}
	body := paras[:tailStart]
	tail := paras[tailStart:]
	if len(body) == 0 {
		body, tail = tail, nil
	}

	var groups [][]string
	switch n := len(body); {
	case n >= 4:
		groups = [][]string{
			{body[0], body[1]},
			append([]string(nil), body[2:n-1]...),
			append([]string{body[n-1]}, tail...),
		}
	case n == 3:
		groups = [][]string{
			{body[0], body[1]},
			append([]string{body[2]}, tail...),
		}
	case n == 2:
		groups = [][]string{
			{body[0]},
			append([]string{body[1]}, tail...),
		}
	default:
		groups = splitSingleParagraph(body[0], tail)
	}

	texts := make([]string, 0, len(groups))
	for _, g := range groups {
		if len(g) > 0 {
			texts = append(texts, strings.Join(g, "\n\n"))
		}
	}
	return withDelays(texts, p.Pacing)
}

// splitSingleParagraph splits one long paragraph at sentences, then words, then runes.
// Trailing notices go to the last part whole.
func splitSingleParagraph(para string, tail []string) [][]string {
	if sentences := splitSentences(para); len(sentences) >= 2 {
		a, b := splitHalves(sentences)
		return [][]string{
			{strings.Join(a, " ")},
			append([]string{strings.Join(b, " ")}, tail...),
		}
	}
	if len(tail) > 0 {
		return [][]string{{para}, tail}
	}
	if words := strings.Fields(para); len(words) >= 2 {
		a, b := splitHalves(words)
		return [][]string{{strings.Join(a, " ")}, {strings.Join(b, " ")}}
	}
	a, b := splitRunes(para)
	return [][]string{{a}, {b}}
}

// withDelays attaches a typing delay to each part from the characters-per-minute model
func withDelays(texts []string, pacing policy.Pacing) []models.DeliveryPart {
	parts := make([]models.DeliveryPart, len(texts))
	for i, t := range texts {
		parts[i] = models.DeliveryPart{
			Index:   i,
			Text:    t,
			DelayMs: TypingDelay(t, pacing),
		}
	}
	return parts
}

// TypingDelay estimates how long a human would take to type text, clamped to the policy bounds
func TypingDelay(text string, pacing policy.Pacing) int64 {
	if pacing.CharsPerMinute <= 0 {
		return pacing.MinDelayMs
	}
	ms := int64(utf8.RuneCountInString(text)) * 60000 / int64(pacing.CharsPerMinute)
	if ms < pacing.MinDelayMs {
		ms = pacing.MinDelayMs
	}
	if pacing.MaxDelayMs > 0 && ms > pacing.MaxDelayMs {
		ms = pacing.MaxDelayMs
	}
	return ms
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func noticeTexts(p *policy.Policy) []string {
	notices := []string{p.Guardrails.AssumptionNotice, p.Guardrails.HandoffNotice, p.Guardrails.WarningNotice}
	for _, d := range p.Guardrails.Disclaimers {
		notices = append(notices, d)
	}
	return notices
}

func isNotice(para string, notices []string) bool {
	for _, n := range notices {
		if n != "" && strings.Contains(para, n) {
			return true
		}
	}
	return false
}

// pendingDelivery is the in-flight, cancellable set of parts for one conversation
type pendingDelivery struct {
	id             uint64
	conversationID string
	parts          []models.DeliveryPart
	cancel         context.CancelFunc

	mu        sync.Mutex
	delivered int
	cancelled bool
}

// stop marks the delivery cancelled and reports whether parts were still undelivered
func (d *pendingDelivery) stop() bool {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return false
	}
	d.cancelled = true
	remaining := d.delivered < len(d.parts)
	d.mu.Unlock()
	d.cancel()
	return remaining
}

// Pacer schedules paced deliveries, at most one per conversation
type Pacer struct {
	mu      sync.Mutex
	pending map[string]*pendingDelivery
	nextID  uint64
	wg      sync.WaitGroup
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewPacer creates a new Pacer
func NewPacer(log zerolog.Logger, m *metrics.Metrics) *Pacer {
	return &Pacer{
		pending: make(map[string]*pendingDelivery),
		log:     log,
		metrics: m,
	}
}

// Schedule starts delivering parts to sink, replacing any pending delivery of the conversation
func (pc *Pacer) Schedule(conversationID string, parts []models.DeliveryPart, sink DeliverySink) uint64 {
	ctx, cancel := context.WithCancel(context.Background())

	pc.mu.Lock()
	pc.nextID++
	d := &pendingDelivery{
		id:             pc.nextID,
		conversationID: conversationID,
		parts:          parts,
		cancel:         cancel,
	}
	prev := pc.pending[conversationID]
	pc.pending[conversationID] = d
	pc.wg.Add(1)
	pc.mu.Unlock()

	if prev != nil && prev.stop() {
		pc.countCancel()
	}

	go pc.run(ctx, d, sink)
	return d.id
}

// Cancel discards the undelivered parts of a conversation's pending delivery.
// It returns true when parts were still undelivered. Once Cancel returns, no part of
// that delivery reaches the sink.
func (pc *Pacer) Cancel(conversationID string) bool {
	pc.mu.Lock()
	d := pc.pending[conversationID]
	delete(pc.pending, conversationID)
	pc.mu.Unlock()

	if d == nil {
		return false
	}
	interrupted := d.stop()
	if interrupted {
		pc.countCancel()
		pc.log.Debug().Str("conversation_id", conversationID).Uint64("delivery", d.id).Msg("pending delivery cancelled")
	}
	return interrupted
}

// Pending reports whether a delivery is in flight for the conversation
func (pc *Pacer) Pending(conversationID string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	_, ok := pc.pending[conversationID]
	return ok
}

// Close cancels every pending delivery and waits for the delivery goroutines
func (pc *Pacer) Close() {
	pc.mu.Lock()
	all := make([]*pendingDelivery, 0, len(pc.pending))
	for id, d := range pc.pending {
		all = append(all, d)
		delete(pc.pending, id)
	}
	pc.mu.Unlock()

	for _, d := range all {
		d.stop()
	}
	pc.wg.Wait()
}

// Wait blocks until all started deliveries have finished or been cancelled
func (pc *Pacer) Wait() {
	pc.wg.Wait()
}

func (pc *Pacer) run(ctx context.Context, d *pendingDelivery, sink DeliverySink) {
	defer pc.wg.Done()
	defer pc.finish(d)

	for _, part := range d.parts {
		if err := util.Sleep(ctx, msDuration(part.DelayMs)); err != nil {
			return
		}

		// The delivered/undelivered boundary is decided here, under the delivery lock
		d.mu.Lock()
		if d.cancelled {
			d.mu.Unlock()
			return
		}
		if err := sink.Deliver(ctx, d.conversationID, part); err != nil {
			pc.log.Warn().Err(err).Str("conversation_id", d.conversationID).Int("part", part.Index).Msg("delivery sink failed")
		}
		d.delivered++
		d.mu.Unlock()

		if pc.metrics != nil {
			pc.metrics.PartsDelivered.Inc()
		}
	}
}

func (pc *Pacer) finish(d *pendingDelivery) {
	pc.mu.Lock()
	if pc.pending[d.conversationID] == d {
		delete(pc.pending, d.conversationID)
	}
	pc.mu.Unlock()
	d.cancel()
}

func (pc *Pacer) countCancel() {
	if pc.metrics != nil {
		pc.metrics.DeliveriesCanceled.Inc()
	}
}
