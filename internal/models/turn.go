// ABOUTME: Turn represents a single immutable message in a conversation
// ABOUTME: Records which agent and model tier produced it and what grounding was used
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one append-only entry of a conversation
type Turn struct {
	TurnID          string    `json:"turn_id"`
	ConversationID  string    `json:"conversation_id"`
	Role            Role      `json:"role"`
	Text            string    `json:"text"`
	Agent           Agent     `json:"agent,omitempty"`
	Tier            ModelTier `json:"tier,omitempty"`
	UsedRetrieval   bool      `json:"used_retrieval"`
	UsedWebFallback bool      `json:"used_web_fallback"`
	Citations       []string  `json:"citations,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewUserTurn creates a user-authored turn
func NewUserTurn(conversationID, text string) (*Turn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversationID cannot be empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}
	return &Turn{
		TurnID:         generateTurnID(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// NewAssistantTurn creates an agent-authored turn
func NewAssistantTurn(conversationID, text string, agent Agent, tier ModelTier) (*Turn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversationID cannot be empty")
	}
	if !agent.Valid() {
		return nil, fmt.Errorf("invalid agent %q", agent)
	}
	return &Turn{
		TurnID:         generateTurnID(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Text:           text,
		Agent:          agent,
		Tier:           tier,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// generateTurnID generates a unique turn identifier
func generateTurnID() string {
	return fmt.Sprintf("turn_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8])
}
