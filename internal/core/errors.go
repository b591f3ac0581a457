// ABOUTME: Error taxonomy of the turn pipeline
// ABOUTME: Only model failures and bad requests reach callers; the rest are recovered locally
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/harper/concierge/internal/models"
)

var (
	// ErrModelCallFailed means the primary model call failed and the turn committed nothing
	ErrModelCallFailed = errors.New("model call failed")

	// ErrRetrievalUnavailable is recovered by falling back to web search
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrWebFallbackUnavailable is recovered by proceeding without supplemental context
	ErrWebFallbackUnavailable = errors.New("web fallback unavailable")

	// ErrConversationNotFound is returned by admin and follow-up operations on unknown conversations
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrTimerNotFound is returned when a follow-up payload names an unknown timer
	ErrTimerNotFound = errors.New("timer not found")

	// ErrFactNotFound is returned when confirming a key the user has no fact for
	ErrFactNotFound = errors.New("fact not found")

	// ErrInvalidTurn is returned for requests missing a user or text
	ErrInvalidTurn = errors.New("invalid turn request")

	// ErrConversationOwner is returned when a conversation belongs to another user
	ErrConversationOwner = errors.New("conversation belongs to another user")

	// ErrConversationBusy is returned when a turn kept losing the race to commit.
	// Nothing was persisted and the caller may resubmit.
	ErrConversationBusy = errors.New("conversation busy, turn not committed")
)

// ModelCallError wraps a failed model call with the tier that was used
type ModelCallError struct {
	Tier models.ModelTier
	Err  error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("%s: tier %s: %v", ErrModelCallFailed, e.Tier, e.Err)
}

// Unwrap exposes both the sentinel and the provider error
func (e *ModelCallError) Unwrap() []error {
	return []error{ErrModelCallFailed, e.Err}
}

// Retryable reports whether the caller may resubmit the turn.
// Nothing was persisted, so only a caller-side cancellation is final.
func (e *ModelCallError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}
