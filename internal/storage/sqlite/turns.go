// ABOUTME: Turn storage operations for SQLite
// ABOUTME: Turns are append-only; there is no update path
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harper/concierge/internal/models"
)

// TurnStore handles turn persistence
type TurnStore struct {
	q queryer
}

// NewTurnStore creates a new TurnStore
func NewTurnStore(db *DB) *TurnStore {
	return &TurnStore{q: db.conn}
}

// Append inserts a turn. Re-inserting an existing turn id is an error.
func (s *TurnStore) Append(ctx context.Context, turn *models.Turn) error {
	var citations sql.NullString
	if len(turn.Citations) > 0 {
		data, err := json.Marshal(turn.Citations)
		if err != nil {
			return err
		}
		citations = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, text, agent, tier, used_retrieval, used_web_fallback, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.TurnID, turn.ConversationID, string(turn.Role), turn.Text,
		nullString(string(turn.Agent)), nullString(string(turn.Tier)),
		boolToInt(turn.UsedRetrieval), boolToInt(turn.UsedWebFallback),
		citations, turn.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append turn %s: %w", turn.TurnID, err)
	}
	return nil
}

// Recent returns the last limit turns of a conversation in chronological order.
// A limit <= 0 returns every turn.
func (s *TurnStore) Recent(ctx context.Context, conversationID string, limit int) ([]*models.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, conversation_id, role, text, agent, tier, used_retrieval, used_web_fallback, citations, created_at
		FROM (
			SELECT * FROM turns
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTurns(rows)
}

// Count returns how many turns a conversation has
func (s *TurnStore) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// scanTurns scans rows into a slice of Turn
func scanTurns(rows *sql.Rows) ([]*models.Turn, error) {
	var turns []*models.Turn

	for rows.Next() {
		var (
			turn           models.Turn
			role           string
			agent, tier    sql.NullString
			retrieval, web int
			citations      sql.NullString
		)

		if err := rows.Scan(&turn.TurnID, &turn.ConversationID, &role, &turn.Text, &agent, &tier,
			&retrieval, &web, &citations, &turn.Timestamp); err != nil {
			return nil, err
		}

		turn.Role = models.Role(role)
		turn.Agent = models.Agent(agent.String)
		turn.Tier = models.ModelTier(tier.String)
		turn.UsedRetrieval = retrieval != 0
		turn.UsedWebFallback = web != 0
		if citations.Valid && citations.String != "" {
			if err := json.Unmarshal([]byte(citations.String), &turn.Citations); err != nil {
				return nil, fmt.Errorf("decode citations for %s: %w", turn.TurnID, err)
			}
		}

		turns = append(turns, &turn)
	}

	return turns, rows.Err()
}

// nullString converts an empty string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
