// ABOUTME: Interfaces the pipeline consumes: persistence, model, retrieval, web search, delivery
// ABOUTME: Concrete adapters live in storage/sqlite, llm, retrieval, websearch, and delivery
package core

import (
	"context"
	"time"

	"github.com/harper/concierge/internal/llm"
	"github.com/harper/concierge/internal/models"
)

// Store is the persistence the pipeline needs. *sqlite.Storage satisfies it.
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	IdleConversations(ctx context.Context, states []models.ConversationState, cutoff time.Time, limit int) ([]*models.Conversation, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]*models.Turn, error)

	ListFacts(ctx context.Context, userID string) ([]*models.MemoryFact, error)
	SaveFacts(ctx context.Context, upserts []*models.MemoryFact, deletes []string) error
	MaxFactSeq(ctx context.Context) (int64, error)
	ResetUserFacts(ctx context.Context, userID string) (int64, error)
	DeleteExpiredFacts(ctx context.Context, now time.Time) (int64, error)

	GetTimer(ctx context.Context, id string) (*models.Timer, error)
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.Timer, error)
	PendingTimers(ctx context.Context, conversationID string) ([]*models.Timer, error)
	SetTimerStatus(ctx context.Context, id string, status models.TimerStatus) error

	// CommitTurn writes everything a turn produced in one transaction
	CommitTurn(ctx context.Context, commit *models.TurnCommit) error
}

// ModelService generates text for a prompt on a model tier
type ModelService interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// Retriever searches document chunks, best match first
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]models.RetrievedPassage, error)
}

// WebSearcher returns up to three summarized web sources
type WebSearcher interface {
	Search(ctx context.Context, query string) (*models.WebSummary, error)
}

// DeliverySink receives paced reply parts as they become due
type DeliverySink interface {
	Deliver(ctx context.Context, conversationID string, part models.DeliveryPart) error
}
