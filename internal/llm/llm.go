// ABOUTME: Provider-neutral request and completion types for the model service
// ABOUTME: Both the OpenAI and Anthropic clients map model tiers to concrete models
package llm

import (
	"errors"
	"fmt"

	"github.com/harper/concierge/internal/models"
)

// ErrEmptyCompletion is returned when the provider answers without text
var ErrEmptyCompletion = errors.New("model returned no completion text")

// Request is one generation call
type Request struct {
	System string
	Prompt string
	Tier   models.ModelTier
	// JSON asks the provider for a JSON object response
	JSON      bool
	MaxTokens int
}

// Completion is the generated text plus accounting
type Completion struct {
	Text       string
	Model      string
	TokensUsed int
}

// Tiers maps model tiers to provider model names
type Tiers struct {
	Fast string
	Pro  string
}

// Model returns the model name for tier
func (t Tiers) Model(tier models.ModelTier) (string, error) {
	switch tier {
	case models.TierFast, "":
		if t.Fast == "" {
			return "", fmt.Errorf("no model configured for tier %q", models.TierFast)
		}
		return t.Fast, nil
	case models.TierPro:
		if t.Pro == "" {
			return "", fmt.Errorf("no model configured for tier %q", models.TierPro)
		}
		return t.Pro, nil
	default:
		return "", fmt.Errorf("unknown model tier %q", tier)
	}
}

// permanentStatus reports whether an HTTP status means retrying cannot help
func permanentStatus(code int) bool {
	switch code {
	case 400, 401, 403, 404, 422:
		return true
	}
	return false
}
