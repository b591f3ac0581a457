// ABOUTME: Scribe is the memory resolver that merges extracted signals into a user's facts
// ABOUTME: Resolves conflicts by weight then resolver sequence, and serializes commits per user
package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/rs/zerolog"
)

// FactChanges are the rows a resolution writes
type FactChanges struct {
	Upserts []*models.MemoryFact
	Deletes []string
}

// Empty reports whether nothing changes
func (c FactChanges) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// Scribe owns every write to memory facts
type Scribe struct {
	store   Store
	seq     atomic.Int64
	users   *keyedMutex
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewScribe creates a resolver whose sequence continues from the highest stored one
func NewScribe(ctx context.Context, store Store, log zerolog.Logger, m *metrics.Metrics) (*Scribe, error) {
	maxSeq, err := store.MaxFactSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read fact sequence: %w", err)
	}

	s := &Scribe{
		store:   store,
		users:   newKeyedMutex(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
	s.seq.Store(maxSeq)
	return s, nil
}

func (s *Scribe) nextSeq() int64 {
	return s.seq.Add(1)
}

// LoadProfile returns the live key -> fact mapping of a user
func (s *Scribe) LoadProfile(ctx context.Context, userID string) (models.Profile, error) {
	facts, err := s.store.ListFacts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	return BuildProfile(facts, s.now()), nil
}

// BuildProfile prefers the confirmed fact of each key and falls back to the pending one.
// Expired facts are ignored.
func BuildProfile(facts []*models.MemoryFact, now time.Time) models.Profile {
	profile := make(models.Profile)
	for _, f := range facts {
		if f.Expired(now) {
			continue
		}
		cur, ok := profile[f.Key]
		switch {
		case !ok:
			profile[f.Key] = f
		case cur.NeedsConfirmation && !f.NeedsConfirmation:
			profile[f.Key] = f
		case cur.NeedsConfirmation == f.NeedsConfirmation && f.Seq > cur.Seq:
			profile[f.Key] = f
		}
	}
	return profile
}

// Merge resolves a collision between an existing fact and an incoming one.
// Higher weight wins; on equal weight the higher sequence wins, so the incoming fact
// supersedes. The result keeps the existing row identity.
func Merge(existing, incoming *models.MemoryFact, mem policy.Memory) *models.MemoryFact {
	if existing == nil {
		out := *incoming
		if out.Confidence < mem.LowConfidence {
			out.NeedsConfirmation = true
		}
		return &out
	}

	winner := existing
	if incoming.Weight > existing.Weight || (incoming.Weight == existing.Weight && incoming.Seq >= existing.Seq) {
		winner = incoming
	}

	out := *winner
	out.FactID = existing.FactID
	out.CreatedAt = existing.CreatedAt
	out.Weight = max(existing.Weight, incoming.Weight)
	out.Seq = max(existing.Seq, incoming.Seq)
	out.UpdatedAt = incoming.UpdatedAt

	if existing.SameValue(incoming) {
		out.Corroborations = existing.Corroborations + 1
	}
	if incoming.Confidence < mem.LowConfidence {
		out.NeedsConfirmation = true
	}
	return &out
}

// slots holds the confirmed and pending facts of one key
type slots struct {
	confirmed *models.MemoryFact
	pending   *models.MemoryFact
}

// Plan merges signals into the user's current facts and returns the rows to write.
// Callers must hold the user's lock (see Apply).
func (s *Scribe) Plan(ctx context.Context, userID string, signals []Signal, p *policy.Policy) (FactChanges, error) {
	if len(signals) == 0 {
		return FactChanges{}, nil
	}

	facts, err := s.store.ListFacts(ctx, userID)
	if err != nil {
		return FactChanges{}, fmt.Errorf("failed to load facts: %w", err)
	}

	byKey := make(map[string]*slots)
	for _, f := range facts {
		sl := byKey[f.Key]
		if sl == nil {
			sl = &slots{}
			byKey[f.Key] = sl
		}
		if f.NeedsConfirmation {
			sl.pending = f
		} else {
			sl.confirmed = f
		}
	}

	mem := p.Memory
	upserts := make(map[string]*models.MemoryFact)
	var order []string
	deletes := make(map[string]bool)

	write := func(f *models.MemoryFact) {
		if _, ok := upserts[f.FactID]; !ok {
			order = append(order, f.FactID)
		}
		upserts[f.FactID] = f
		delete(deletes, f.FactID)
	}

	for _, sig := range signals {
		sig.Key = normalizeKey(sig.Key)
		weight := mem.DefaultWeight
		if sig.Weight != nil {
			weight = *sig.Weight
		}
		low := sig.Confidence < mem.LowConfidence
		if low {
			weight *= mem.LowConfidenceWeightFactor
		}

		incoming, err := models.NewMemoryFact(userID, sig.Key, sig.Value, sig.Confidence, weight, sig.Source)
		if err != nil {
			s.log.Warn().Err(err).Str("key", sig.Key).Msg("dropping invalid signal")
			s.countMerge("invalid")
			continue
		}
		incoming.Seq = s.nextSeq()

		sl := byKey[sig.Key]
		if sl == nil {
			sl = &slots{}
			byKey[sig.Key] = sl
		}

		if low {
			// Low confidence never touches the confirmed fact
			merged := Merge(sl.pending, incoming, mem)
			sl.pending = merged
			write(merged)
			s.countMerge("pending")
			continue
		}

		if sl.confirmed != nil && !sl.confirmed.SameValue(incoming) {
			s.log.Debug().Str("user_id", userID).Str("key", sig.Key).Msg("memory conflict resolved by weight")
			s.countMerge("conflict")
		} else {
			s.countMerge("confirmed")
		}

		merged := Merge(sl.confirmed, incoming, mem)
		sl.confirmed = merged
		write(merged)

		// A pending guess that now has a confirmed twin is redundant
		if sl.pending != nil && sl.pending.SameValue(merged) {
			deletes[sl.pending.FactID] = true
			delete(upserts, sl.pending.FactID)
			sl.pending = nil
		}
	}

	var changes FactChanges
	for _, id := range order {
		if f, ok := upserts[id]; ok {
			changes.Upserts = append(changes.Upserts, f)
		}
	}
	for id := range deletes {
		changes.Deletes = append(changes.Deletes, id)
	}
	return changes, nil
}

// Apply plans the merge of signals and passes the result to commit while holding the user's lock.
// commit must persist the changes before returning.
func (s *Scribe) Apply(ctx context.Context, userID string, signals []Signal, p *policy.Policy, commit func(FactChanges) error) error {
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	changes, err := s.Plan(ctx, userID, signals, p)
	if err != nil {
		return err
	}
	return commit(changes)
}

// Resolve merges signals into the user's stored facts outside of a turn and returns what changed
func (s *Scribe) Resolve(ctx context.Context, userID string, signals []Signal, p *policy.Policy) (FactChanges, error) {
	var applied FactChanges
	err := s.Apply(ctx, userID, signals, p, func(changes FactChanges) error {
		if changes.Empty() {
			return nil
		}
		if err := s.store.SaveFacts(ctx, changes.Upserts, changes.Deletes); err != nil {
			return fmt.Errorf("failed to save facts: %w", err)
		}
		applied = changes
		return nil
	})
	return applied, err
}

// ConfirmFact promotes the pending fact of key to confirmed, boosting confidence and weight
func (s *Scribe) ConfirmFact(ctx context.Context, userID, key string, p *policy.Policy) (*models.MemoryFact, error) {
	key = normalizeKey(key)
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	facts, err := s.store.ListFacts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}

	var pending, confirmed *models.MemoryFact
	for _, f := range facts {
		if f.Key != key {
			continue
		}
		if f.NeedsConfirmation {
			pending = f
		} else {
			confirmed = f
		}
	}
	if pending == nil {
		if confirmed != nil {
			return confirmed, nil
		}
		return nil, fmt.Errorf("%w: %q for user %s", ErrFactNotFound, key, userID)
	}

	promoted := *pending
	promoted.NeedsConfirmation = false
	promoted.Source = models.SourceExplicit
	promoted.Confidence = min(1, promoted.Confidence+p.Memory.ConfirmBoost)
	promoted.Weight = min(1, promoted.Weight+p.Memory.ConfirmBoost)
	promoted.Seq = s.nextSeq()
	promoted.UpdatedAt = s.now().UTC()

	var deletes []string
	if confirmed != nil {
		// The user's confirmation replaces the previous confirmed value
		promoted.FactID = confirmed.FactID
		promoted.CreatedAt = confirmed.CreatedAt
		deletes = append(deletes, pending.FactID)
	}

	if err := s.store.SaveFacts(ctx, []*models.MemoryFact{&promoted}, deletes); err != nil {
		return nil, fmt.Errorf("failed to confirm fact: %w", err)
	}
	s.countMerge("user_confirmed")
	s.log.Info().Str("user_id", userID).Str("key", key).Msg("fact confirmed")
	return &promoted, nil
}

// ResetUser deletes every fact of a user
func (s *Scribe) ResetUser(ctx context.Context, userID string) (int64, error) {
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := s.store.ResetUserFacts(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset memory: %w", err)
	}
	s.log.Info().Str("user_id", userID).Int64("deleted", n).Msg("user memory reset")
	return n, nil
}

// SweepExpired deletes facts whose expiry has passed
func (s *Scribe) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.DeleteExpiredFacts(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired facts: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("expired facts swept")
	}
	return n, nil
}

func (s *Scribe) countMerge(outcome string) {
	if s.metrics != nil {
		s.metrics.FactsMerged.WithLabelValues(outcome).Inc()
	}
}
