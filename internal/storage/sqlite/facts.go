// ABOUTME: Memory fact storage operations for SQLite
// ABOUTME: Plain row storage; merge and key uniqueness live in the resolver
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/harper/concierge/internal/models"
)

// FactStore handles memory fact persistence
type FactStore struct {
	q queryer
}

// NewFactStore creates a new FactStore
func NewFactStore(db *DB) *FactStore {
	return &FactStore{q: db.conn}
}

const factColumns = `id, user_id, key, value, confidence, weight, source, needs_confirmation,
	corroborations, seq, expires_at, created_at, updated_at`

// Save inserts or updates a fact row
func (s *FactStore) Save(ctx context.Context, fact *models.MemoryFact) error {
	createdAt := fact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := fact.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	var expires sql.NullTime
	if fact.ExpiresAt != nil {
		expires = sql.NullTime{Time: fact.ExpiresAt.UTC(), Valid: true}
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO memory_facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			weight = excluded.weight,
			source = excluded.source,
			needs_confirmation = excluded.needs_confirmation,
			corroborations = excluded.corroborations,
			seq = excluded.seq,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, fact.FactID, fact.UserID, fact.Key, string(fact.Value), fact.Confidence, fact.Weight,
		fact.Source, boolToInt(fact.NeedsConfirmation), fact.Corroborations, fact.Seq,
		expires, createdAt.UTC(), updatedAt.UTC())

	return err
}

// GetByID retrieves a fact by its ID. Returns nil, nil when absent.
func (s *FactStore) GetByID(ctx context.Context, factID string) (*models.MemoryFact, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+factColumns+` FROM memory_facts WHERE id = ?`, factID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	facts, err := scanFacts(rows)
	if err != nil || len(facts) == 0 {
		return nil, err
	}
	return facts[0], nil
}

// ListByUser returns every fact row for a user, confirmed rows first within a key
func (s *FactStore) ListByUser(ctx context.Context, userID string) ([]*models.MemoryFact, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+factColumns+`
		FROM memory_facts
		WHERE user_id = ?
		ORDER BY key ASC, needs_confirmation ASC, seq DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanFacts(rows)
}

// ListExpiring returns facts that carry an expiry
func (s *FactStore) ListExpiring(ctx context.Context) ([]*models.MemoryFact, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+factColumns+`
		FROM memory_facts
		WHERE expires_at IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanFacts(rows)
}

// MaxSeq returns the highest resolver sequence number stored
func (s *FactStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM memory_facts`).Scan(&seq)
	return seq, err
}

// DeleteByID deletes a fact by its ID
func (s *FactStore) DeleteByID(ctx context.Context, factID string) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM memory_facts WHERE id = ?", factID)
	return err
}

// DeleteByUser deletes all facts of a user (explicit reset)
func (s *FactStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.q.ExecContext(ctx, "DELETE FROM memory_facts WHERE user_id = ?", userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanFacts scans rows into a slice of MemoryFact
func scanFacts(rows *sql.Rows) ([]*models.MemoryFact, error) {
	var facts []*models.MemoryFact

	for rows.Next() {
		var (
			fact    models.MemoryFact
			value   string
			pending int
			expires sql.NullTime
		)

		err := rows.Scan(&fact.FactID, &fact.UserID, &fact.Key, &value, &fact.Confidence, &fact.Weight,
			&fact.Source, &pending, &fact.Corroborations, &fact.Seq, &expires, &fact.CreatedAt, &fact.UpdatedAt)
		if err != nil {
			return nil, err
		}

		fact.Value = []byte(value)
		fact.NeedsConfirmation = pending != 0
		if expires.Valid {
			t := expires.Time
			fact.ExpiresAt = &t
		}

		facts = append(facts, &fact)
	}

	return facts, rows.Err()
}
