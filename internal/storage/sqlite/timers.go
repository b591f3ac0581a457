// ABOUTME: Timer storage operations for SQLite
// ABOUTME: Stores scheduled follow-ups and their status transitions
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harper/concierge/internal/models"
)

// TimerStore handles timer persistence
type TimerStore struct {
	q queryer
}

// NewTimerStore creates a new TimerStore
func NewTimerStore(db *DB) *TimerStore {
	return &TimerStore{q: db.conn}
}

const timerColumns = `id, conversation_id, user_id, kind, reason, due_at, status, created_at`

// Save inserts or updates a timer
func (s *TimerStore) Save(ctx context.Context, timer *models.Timer) error {
	createdAt := timer.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO timers (`+timerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			due_at = excluded.due_at,
			status = excluded.status,
			reason = excluded.reason
	`, timer.TimerID, timer.ConversationID, timer.UserID, timer.Kind, timer.Reason,
		timer.DueAt.UTC(), string(timer.Status), createdAt.UTC())

	return err
}

// Get retrieves a timer by id. Returns nil, nil when absent.
func (s *TimerStore) Get(ctx context.Context, id string) (*models.Timer, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	timers, err := scanTimers(rows)
	if err != nil || len(timers) == 0 {
		return nil, err
	}
	return timers[0], nil
}

// Due returns pending timers due at or before now, oldest first
func (s *TimerStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.Timer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+timerColumns+`
		FROM timers
		WHERE status = ?
		ORDER BY due_at ASC
	`, string(models.TimerPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	pending, err := scanTimers(rows)
	if err != nil {
		return nil, err
	}

	// Compare in Go; stored DATETIME text does not order reliably across formats
	var due []*models.Timer
	for _, t := range pending {
		if t.DueAt.After(now) {
			continue
		}
		due = append(due, t)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

// ListPendingByConversation returns pending timers for a conversation
func (s *TimerStore) ListPendingByConversation(ctx context.Context, conversationID string) ([]*models.Timer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+timerColumns+`
		FROM timers
		WHERE conversation_id = ? AND status = ?
	`, conversationID, string(models.TimerPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTimers(rows)
}

// SetStatus settles a pending timer. A timer that is missing or already settled
// yields models.ErrTimerNotPending, so a timer fires at most once.
func (s *TimerStore) SetStatus(ctx context.Context, id string, status models.TimerStatus) error {
	result, err := s.q.ExecContext(ctx, `UPDATE timers SET status = ? WHERE id = ? AND status = ?`,
		string(status), id, string(models.TimerPending))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("timer %s: %w", id, models.ErrTimerNotPending)
	}
	return nil
}

func scanTimers(rows *sql.Rows) ([]*models.Timer, error) {
	var timers []*models.Timer

	for rows.Next() {
		var (
			timer  models.Timer
			reason sql.NullString
			status string
		)
		if err := rows.Scan(&timer.TimerID, &timer.ConversationID, &timer.UserID, &timer.Kind,
			&reason, &timer.DueAt, &status, &timer.CreatedAt); err != nil {
			return nil, err
		}
		timer.Reason = reason.String
		timer.Status = models.TimerStatus(status)
		timers = append(timers, &timer)
	}

	return timers, rows.Err()
}
