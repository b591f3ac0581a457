// ABOUTME: Transient values produced per turn: grounding passages, web sources, delivery parts
// ABOUTME: None of these are persisted except citations recorded on the assistant turn
package models

// RetrievedPassage is one scored chunk returned by the retrieval service
type RetrievedPassage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"`
}

// WebSource is one summarized web search hit
type WebSource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// WebSummary is the web fallback result for a query (at most 3 sources)
type WebSummary struct {
	Query   string      `json:"query"`
	Sources []WebSource `json:"sources"`
}

// Empty reports whether no usable sources were found
func (w *WebSummary) Empty() bool {
	return w == nil || len(w.Sources) == 0
}

// DeliveryPart is one timed piece of a paced reply
type DeliveryPart struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	DelayMs int64  `json:"delay_ms"`
}
