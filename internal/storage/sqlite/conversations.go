// ABOUTME: Conversation storage operations for SQLite
// ABOUTME: Upserts lifecycle state and looks conversations up by id or user
package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/harper/concierge/internal/models"
)

// ConversationStore handles conversation persistence
type ConversationStore struct {
	q queryer
}

// NewConversationStore creates a new ConversationStore
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{q: db.conn}
}

// Save inserts or updates a conversation
func (s *ConversationStore) Save(ctx context.Context, conv *models.Conversation) error {
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	lastActivity := conv.LastActivityAt
	if lastActivity.IsZero() {
		lastActivity = createdAt
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, state, warning_count, summary, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			warning_count = excluded.warning_count,
			summary = excluded.summary,
			last_activity_at = excluded.last_activity_at
	`, conv.ID, conv.UserID, string(conv.State), conv.WarningCount, conv.Summary,
		lastActivity.UTC(), createdAt.UTC())

	return err
}

// Get retrieves a conversation by id. Returns nil, nil when absent.
func (s *ConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var (
		conv  models.Conversation
		state string
	)

	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, state, warning_count, summary, last_activity_at, created_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &conv.UserID, &state, &conv.WarningCount, &conv.Summary,
		&conv.LastActivityAt, &conv.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	conv.State = models.ConversationState(state)
	return &conv, nil
}

// ListByUser returns a user's conversations, most recently active first
func (s *ConversationStore) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, state, warning_count, summary, last_activity_at, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY last_activity_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*models.Conversation
	for rows.Next() {
		var (
			conv  models.Conversation
			state string
		)
		if err := rows.Scan(&conv.ID, &conv.UserID, &state, &conv.WarningCount, &conv.Summary,
			&conv.LastActivityAt, &conv.CreatedAt); err != nil {
			return nil, err
		}
		conv.State = models.ConversationState(state)
		convs = append(convs, &conv)
	}

	return convs, rows.Err()
}

// ListIdle returns conversations in one of states whose last activity is before cutoff,
// least recently active first
func (s *ConversationStore) ListIdle(ctx context.Context, states []models.ConversationState, cutoff time.Time, limit int) ([]*models.Conversation, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(states)-1) + "?"
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, state, warning_count, summary, last_activity_at, created_at
		FROM conversations
		WHERE state IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var idle []*models.Conversation
	for rows.Next() {
		var (
			conv  models.Conversation
			state string
		)
		if err := rows.Scan(&conv.ID, &conv.UserID, &state, &conv.WarningCount, &conv.Summary,
			&conv.LastActivityAt, &conv.CreatedAt); err != nil {
			return nil, err
		}
		conv.State = models.ConversationState(state)
		// Compare in Go like TimerStore.Due
		if conv.LastActivityAt.Before(cutoff) {
			idle = append(idle, &conv)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(idle, func(i, j int) bool { return idle[i].LastActivityAt.Before(idle[j].LastActivityAt) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	return idle, nil
}
