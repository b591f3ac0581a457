// ABOUTME: OpenAI client for tiered reply generation and embeddings
// ABOUTME: Uses gpt-4o-mini for the fast tier, gpt-4o for the pro tier, text-embedding-3-small for retrieval
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harper/concierge/internal/util"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultFastModel is the default model for the fast tier
	DefaultFastModel = "gpt-4o-mini"
	// DefaultProModel is the default model for the pro tier
	DefaultProModel = "gpt-4o"
	// DefaultEmbeddingModel is the default model for embeddings
	DefaultEmbeddingModel = openai.SmallEmbedding3
)

// ClientConfig holds configuration for the OpenAI client
type ClientConfig struct {
	APIKey         string
	BaseURL        string
	Tiers          Tiers
	EmbeddingModel openai.EmbeddingModel
	MaxRetries     int
	RetryDelay     time.Duration
}

// DefaultConfig returns the default client configuration
func DefaultConfig(apiKey string) *ClientConfig {
	return &ClientConfig{
		APIKey:         apiKey,
		Tiers:          Tiers{Fast: DefaultFastModel, Pro: DefaultProModel},
		EmbeddingModel: DefaultEmbeddingModel,
		MaxRetries:     3,
		RetryDelay:     time.Second * 2,
	}
}

// OpenAIClient wraps the OpenAI API client with retry logic
type OpenAIClient struct {
	client         *openai.Client
	tiers          Tiers
	embeddingModel openai.EmbeddingModel
	maxRetries     int
	retryDelay     time.Duration
}

// NewOpenAIClient creates a new OpenAI client with the given API key using default configuration
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	return NewOpenAIClientWithConfig(DefaultConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a new OpenAI client with custom configuration
func NewOpenAIClientWithConfig(config *ClientConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	oaiConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		oaiConfig.BaseURL = config.BaseURL
	}

	embeddingModel := config.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(oaiConfig),
		tiers:          config.Tiers,
		embeddingModel: embeddingModel,
		maxRetries:     config.MaxRetries,
		retryDelay:     config.RetryDelay,
	}, nil
}

// Generate runs one chat completion on the model selected by req.Tier
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Completion, error) {
	model, err := c.tiers.Model(req.Tier)
	if err != nil {
		return nil, err
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.4,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var completion *Completion
	err = util.Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return ErrEmptyCompletion
		}
		completion = &Completion{
			Text:       resp.Choices[0].Message.Content,
			Model:      resp.Model,
			TokensUsed: resp.Usage.TotalTokens,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai %s completion: %w", model, err)
	}

	return completion, nil
}

// Embed generates an embedding vector using text-embedding-3-small.
// The signature matches chromem-go's EmbeddingFunc.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32
	err := util.Retry(ctx, c.maxRetries, c.retryDelay, func(ctx context.Context) error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: []string{text},
			Model: c.embeddingModel,
		})
		if err != nil {
			return classifyOpenAIError(err)
		}
		if len(resp.Data) == 0 {
			return errors.New("no embeddings returned")
		}
		embedding = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	return embedding, nil
}

// classifyOpenAIError marks client errors as permanent so they are not retried
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && permanentStatus(apiErr.HTTPStatusCode) {
		return util.Permanent(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && permanentStatus(reqErr.HTTPStatusCode) {
		return util.Permanent(err)
	}
	return err
}
