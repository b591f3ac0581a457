// ABOUTME: Timer represents a scheduled follow-up for a conversation
// ABOUTME: Created in the same transaction as the turn that schedules it
package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TimerStatus is the lifecycle of a scheduled timer
type TimerStatus string

const (
	TimerPending   TimerStatus = "pending"
	TimerCompleted TimerStatus = "completed"
	TimerCancelled TimerStatus = "cancelled"
)

// ErrTimerNotPending is returned when a timer transition finds the timer already settled
var ErrTimerNotPending = errors.New("timer is not pending")

// Timer is a scheduled trigger that invokes the follow-up path
type Timer struct {
	TimerID        string      `json:"timer_id"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Kind           string      `json:"kind"`
	Reason         string      `json:"reason"`
	DueAt          time.Time   `json:"due_at"`
	Status         TimerStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewFollowupTimer creates a pending follow-up timer due after delay
func NewFollowupTimer(conversationID, userID, reason string, delay time.Duration) (*Timer, error) {
	if conversationID == "" || userID == "" {
		return nil, errors.New("conversationID and userID are required")
	}
	now := time.Now().UTC()
	return &Timer{
		TimerID:        "timer_" + uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Kind:           "followup",
		Reason:         reason,
		DueAt:          now.Add(delay),
		Status:         TimerPending,
		CreatedAt:      now,
	}, nil
}
