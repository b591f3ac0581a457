// ABOUTME: MemoryFact represents a persisted user attribute with confidence and weight
// ABOUTME: Mutated only by the memory resolver, keyed by (user, key)
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fact sources
const (
	SourceConversation = "conversation"
	SourceExplicit     = "explicit"
)

// MemoryFact is a single remembered signal about a user
type MemoryFact struct {
	FactID            string          `json:"fact_id"`
	UserID            string          `json:"user_id"`
	Key               string          `json:"key"`
	Value             json.RawMessage `json:"value"`
	Confidence        float64         `json:"confidence"`
	Weight            float64         `json:"weight"`
	Source            string          `json:"source"`
	NeedsConfirmation bool            `json:"needs_confirmation"`
	Corroborations    int             `json:"corroborations"`
	Seq               int64           `json:"seq"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewMemoryFact creates a fact with validated ranges
func NewMemoryFact(userID, key string, value json.RawMessage, confidence, weight float64, source string) (*MemoryFact, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("userID cannot be empty")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("key cannot be empty")
	}
	if len(value) == 0 || !json.Valid(value) {
		return nil, errors.New("value must be valid JSON")
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence must be between 0 and 1, got %f", confidence)
	}
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("weight must be between 0 and 1, got %f", weight)
	}
	if source == "" {
		source = SourceConversation
	}
	now := time.Now().UTC()
	return &MemoryFact{
		FactID:     "fact_" + uuid.New().String(),
		UserID:     userID,
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Weight:     weight,
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Expired reports whether the fact has an expiry at or before now
func (f *MemoryFact) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

// SameValue reports whether two facts carry the same JSON value
func (f *MemoryFact) SameValue(other *MemoryFact) bool {
	if other == nil {
		return false
	}
	return compactJSON(f.Value) == compactJSON(other.Value)
}

// DisplayValue renders the value for prompts and CLI output
func (f *MemoryFact) DisplayValue() string {
	var s string
	if err := json.Unmarshal(f.Value, &s); err == nil {
		return s
	}
	return compactJSON(f.Value)
}

func compactJSON(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Profile is the resolved key to fact mapping for one user
type Profile map[string]*MemoryFact

// ConfirmedCount counts facts that do not need confirmation
func (p Profile) ConfirmedCount() int {
	n := 0
	for _, f := range p {
		if !f.NeedsConfirmation {
			n++
		}
	}
	return n
}

// GatingCount counts facts usable for routing: confirmed ones plus pending
// ones corroborated at least minCorroborations times
func (p Profile) GatingCount(minCorroborations int) int {
	n := 0
	for _, f := range p {
		if !f.NeedsConfirmation || (minCorroborations > 0 && f.Corroborations >= minCorroborations) {
			n++
		}
	}
	return n
}

// Bool reads a boolean fact, returning false when absent or not a bool
func (p Profile) Bool(key string) bool {
	f, ok := p[key]
	if !ok || f == nil {
		return false
	}
	var b bool
	if err := json.Unmarshal(f.Value, &b); err != nil {
		return false
	}
	return b
}
