// ABOUTME: Unified Storage layer that wraps all SQLite stores
// ABOUTME: Provides the repositories and the atomic per-turn commit used by the pipeline
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harper/concierge/internal/models"
)

// Storage manages all persistent conversation data using SQLite
type Storage struct {
	db            *DB
	conversations *ConversationStore
	turns         *TurnStore
	facts         *FactStore
	timers        *TimerStore
}

// NewStorageWithPath initializes storage with a database file
func NewStorageWithPath(dbPath string) (*Storage, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStorage(db), nil
}

// NewStorageInMemory creates an in-memory storage (for testing)
func NewStorageInMemory() (*Storage, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return newStorage(db), nil
}

func newStorage(db *DB) *Storage {
	return &Storage{
		db:            db,
		conversations: NewConversationStore(db),
		turns:         NewTurnStore(db),
		facts:         NewFactStore(db),
		timers:        NewTimerStore(db),
	}
}

// Close closes the underlying database
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database
func (s *Storage) DB() *DB {
	return s.db
}

// GetConversation returns a conversation or nil when absent
func (s *Storage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.conversations.Get(ctx, id)
}

// SaveConversation upserts a conversation outside of a turn (admin actions)
func (s *Storage) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	return s.conversations.Save(ctx, conv)
}

// ListConversations returns a user's conversations
func (s *Storage) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	return s.conversations.ListByUser(ctx, userID)
}

// IdleConversations returns conversations in states that have been idle since before cutoff
func (s *Storage) IdleConversations(ctx context.Context, states []models.ConversationState, cutoff time.Time, limit int) ([]*models.Conversation, error) {
	return s.conversations.ListIdle(ctx, states, cutoff, limit)
}

// RecentTurns returns the last limit turns in chronological order
func (s *Storage) RecentTurns(ctx context.Context, conversationID string, limit int) ([]*models.Turn, error) {
	return s.turns.Recent(ctx, conversationID, limit)
}

// ListFacts returns all fact rows of a user
func (s *Storage) ListFacts(ctx context.Context, userID string) ([]*models.MemoryFact, error) {
	return s.facts.ListByUser(ctx, userID)
}

// SaveFacts writes fact rows in one transaction
func (s *Storage) SaveFacts(ctx context.Context, upserts []*models.MemoryFact, deletes []string) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		facts := &FactStore{q: tx}
		for _, id := range deletes {
			if err := facts.DeleteByID(ctx, id); err != nil {
				return fmt.Errorf("delete fact %s: %w", id, err)
			}
		}
		for _, f := range upserts {
			if err := facts.Save(ctx, f); err != nil {
				return fmt.Errorf("save fact %s: %w", f.Key, err)
			}
		}
		return nil
	})
}

// MaxFactSeq returns the highest resolver sequence stored
func (s *Storage) MaxFactSeq(ctx context.Context) (int64, error) {
	return s.facts.MaxSeq(ctx)
}

// ResetUserFacts deletes every fact of a user
func (s *Storage) ResetUserFacts(ctx context.Context, userID string) (int64, error) {
	return s.facts.DeleteByUser(ctx, userID)
}

// DeleteExpiredFacts removes facts whose expiry is at or before now
func (s *Storage) DeleteExpiredFacts(ctx context.Context, now time.Time) (int64, error) {
	expiring, err := s.facts.ListExpiring(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		facts := &FactStore{q: tx}
		for _, f := range expiring {
			if !f.Expired(now) {
				continue
			}
			if err := facts.DeleteByID(ctx, f.FactID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetTimer returns a timer or nil when absent
func (s *Storage) GetTimer(ctx context.Context, id string) (*models.Timer, error) {
	return s.timers.Get(ctx, id)
}

// DueTimers returns pending timers due at or before now
func (s *Storage) DueTimers(ctx context.Context, now time.Time, limit int) ([]*models.Timer, error) {
	return s.timers.Due(ctx, now, limit)
}

// PendingTimers returns the pending timers of a conversation
func (s *Storage) PendingTimers(ctx context.Context, conversationID string) ([]*models.Timer, error) {
	return s.timers.ListPendingByConversation(ctx, conversationID)
}

// SetTimerStatus settles a pending timer
func (s *Storage) SetTimerStatus(ctx context.Context, id string, status models.TimerStatus) error {
	return s.timers.SetStatus(ctx, id, status)
}

// CommitTurn writes a turn's conversation, turns, fact changes, and timers atomically
func (s *Storage) CommitTurn(ctx context.Context, commit *models.TurnCommit) error {
	if commit == nil || commit.Empty() {
		return nil
	}

	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		convs := &ConversationStore{q: tx}
		turns := &TurnStore{q: tx}
		facts := &FactStore{q: tx}
		timers := &TimerStore{q: tx}

		if commit.Conversation != nil {
			if err := convs.Save(ctx, commit.Conversation); err != nil {
				return fmt.Errorf("save conversation: %w", err)
			}
		}
		for _, t := range commit.Turns {
			if err := turns.Append(ctx, t); err != nil {
				return err
			}
		}
		for _, id := range commit.FactDeletes {
			if err := facts.DeleteByID(ctx, id); err != nil {
				return fmt.Errorf("delete fact %s: %w", id, err)
			}
		}
		for _, f := range commit.FactUpserts {
			if err := facts.Save(ctx, f); err != nil {
				return fmt.Errorf("save fact %s: %w", f.Key, err)
			}
		}
		for _, t := range commit.Timers {
			if err := timers.Save(ctx, t); err != nil {
				return fmt.Errorf("save timer: %w", err)
			}
		}
		for id, status := range commit.TimerUpdates {
			if err := timers.SetStatus(ctx, id, status); err != nil {
				return fmt.Errorf("settle timer: %w", err)
			}
		}
		return nil
	})
}
