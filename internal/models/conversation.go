// ABOUTME: Conversation represents a chat thread between one user and the agents
// ABOUTME: Tracks lifecycle state and abuse warnings for routing decisions
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationState is the lifecycle state of a conversation
type ConversationState string

const (
	// ConversationActive - automated agents handle turns
	ConversationActive ConversationState = "active"

	// ConversationHandoff - a human operator owns the conversation
	ConversationHandoff ConversationState = "handoff"

	// ConversationCompleted - closed normally
	ConversationCompleted ConversationState = "completed"

	// ConversationArchived - retained only for history
	ConversationArchived ConversationState = "archived"
)

// Valid reports whether s is a known lifecycle state
func (s ConversationState) Valid() bool {
	switch s {
	case ConversationActive, ConversationHandoff, ConversationCompleted, ConversationArchived:
		return true
	}
	return false
}

// Conversation is a thread of turns owned by a single user
type Conversation struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	State          ConversationState `json:"state"`
	WarningCount   int               `json:"warning_count"`
	Summary        string            `json:"summary,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewConversation creates an active conversation. An empty id gets a generated one.
func NewConversation(id, userID string) (*Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("userID cannot be empty")
	}
	if id == "" {
		id = "conv_" + uuid.New().String()
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:             id,
		UserID:         userID,
		State:          ConversationActive,
		LastActivityAt: now,
		CreatedAt:      now,
	}, nil
}

// IsAutomated reports whether agents may still reply in this conversation
func (c *Conversation) IsAutomated() bool {
	return c.State == ConversationActive
}
