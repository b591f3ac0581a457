// ABOUTME: Anthropic client for tiered reply generation via the Messages API
// ABOUTME: Alternative model provider selected with CONCIERGE_PROVIDER=anthropic
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harper/concierge/internal/util"
)

const (
	// DefaultAnthropicFastModel is the default model for the fast tier
	DefaultAnthropicFastModel = "claude-3-5-haiku-latest"
	// DefaultAnthropicProModel is the default model for the pro tier
	DefaultAnthropicProModel = "claude-sonnet-4-5"

	defaultMaxTokens = 1024
)

// AnthropicConfig holds configuration for the Anthropic client
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Tiers      Tiers
	MaxRetries int
	RetryDelay time.Duration
}

// AnthropicClient generates replies with Claude models
type AnthropicClient struct {
	client     anthropic.Client
	tiers      Tiers
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicClient creates a client from cfg
func NewAnthropicClient(cfg *AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// util.Retry owns retries
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	tiers := cfg.Tiers
	if tiers.Fast == "" {
		tiers.Fast = DefaultAnthropicFastModel
	}
	if tiers.Pro == "" {
		tiers.Pro = DefaultAnthropicProModel
	}

	return &AnthropicClient{
		client:     anthropic.NewClient(opts...),
		tiers:      tiers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Generate runs one Messages call on the model selected by req.Tier
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Completion, error) {
	model, err := c.tiers.Model(req.Tier)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	var completion *Completion
	err = util.Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) && permanentStatus(apiErr.StatusCode) {
				return util.Permanent(err)
			}
			return err
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return ErrEmptyCompletion
		}

		completion = &Completion{
			Text:       sb.String(),
			Model:      string(resp.Model),
			TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic %s message: %w", model, err)
	}

	return completion, nil
}
