// ABOUTME: Document retrieval over an embedded chromem-go vector collection
// ABOUTME: Documents are split with langchaingo's recursive splitter and searched by cosine similarity
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/harper/concierge/internal/models"
)

const (
	collectionName = "documents"

	// DefaultChunkSize and DefaultChunkOverlap are in characters
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// EmbedFunc turns text into a vector. llm.OpenAIClient.Embed satisfies it.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Options configures a Retriever
type Options struct {
	// Dir persists the index on disk; empty keeps it in memory
	Dir          string
	Embed        EmbedFunc
	ChunkSize    int
	ChunkOverlap int
	Logger       zerolog.Logger
}

// Retriever indexes document chunks and answers similarity searches
type Retriever struct {
	db       *chromem.DB
	col      *chromem.Collection
	splitter textsplitter.RecursiveCharacter
	log      zerolog.Logger
}

// New opens (or creates) the document index
func New(opts Options) (*Retriever, error) {
	if opts.Embed == nil {
		return nil, errors.New("retrieval: embed func is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = DefaultChunkOverlap
	}

	var (
		db  *chromem.DB
		err error
	)
	if opts.Dir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(opts.Dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector index at %s: %w", opts.Dir, err)
		}
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, chromem.EmbeddingFunc(opts.Embed))
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}

	return &Retriever{
		db:  db,
		col: col,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(opts.ChunkSize),
			textsplitter.WithChunkOverlap(opts.ChunkOverlap),
		),
		log: opts.Logger,
	}, nil
}

// Ingest splits text into chunks and indexes them under docID.
// Re-ingesting a document replaces its previous chunks.
func (r *Retriever) Ingest(ctx context.Context, docID, source, text string) (int, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return 0, errors.New("document id is required")
	}
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("document %s is empty", docID)
	}

	chunks, err := r.splitter.SplitText(text)
	if err != nil {
		return 0, fmt.Errorf("failed to split document %s: %w", docID, err)
	}

	if err := r.Delete(ctx, docID); err != nil {
		return 0, err
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:      ChunkID(docID, i),
			Content: chunk,
			Metadata: map[string]string{
				"document_id": docID,
				"source":      source,
				"index":       strconv.Itoa(i),
			},
		})
	}
	if len(docs) == 0 {
		return 0, nil
	}

	if err := r.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return 0, fmt.Errorf("failed to index document %s: %w", docID, err)
	}

	r.log.Info().Str("document_id", docID).Int("chunks", len(docs)).Msg("document indexed")
	return len(docs), nil
}

// Delete removes every chunk of docID
func (r *Retriever) Delete(ctx context.Context, docID string) error {
	if r.col.Count() == 0 {
		return nil
	}
	if err := r.col.Delete(ctx, map[string]string{"document_id": docID}, nil); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}
	return nil
}

// Search returns up to topK chunks ordered best match first
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]models.RetrievedPassage, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}

	// chromem-go rejects nResults above the collection size
	n := min(topK, r.col.Count())
	if n == 0 {
		return nil, nil
	}

	results, err := r.col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	passages := make([]models.RetrievedPassage, 0, len(results))
	for _, res := range results {
		passages = append(passages, models.RetrievedPassage{
			ChunkID:    res.ID,
			DocumentID: res.Metadata["document_id"],
			Text:       res.Content,
			Score:      float64(res.Similarity),
			Source:     res.Metadata["source"],
		})
	}

	r.log.Debug().Int("results", len(passages)).Msg("vector search complete")
	return passages, nil
}

// Count returns the number of indexed chunks
func (r *Retriever) Count() int {
	return r.col.Count()
}

// ChunkID names the i-th chunk of a document
func ChunkID(docID string, i int) string {
	return docID + "#" + strconv.Itoa(i)
}
