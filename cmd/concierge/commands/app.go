// ABOUTME: Builds the pipeline and its adapters from configuration for CLI commands
// ABOUTME: Optional adapters (retrieval, web search) are skipped when their keys are missing
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/harper/concierge/internal/config"
	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/llm"
	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/metrics"
	"github.com/harper/concierge/internal/policy"
	"github.com/harper/concierge/internal/retrieval"
	"github.com/harper/concierge/internal/storage/sqlite"
	"github.com/harper/concierge/internal/websearch"
)

// app is everything a command needs to run turns
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *sqlite.Storage
	policies  *policy.Store
	metrics   *metrics.Metrics
	retriever *retrieval.Retriever
	web       *websearch.CachedSearcher
	orch      *core.Orchestrator
}

// loadConfig reads .env (if present) and the environment
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && verbose {
		fmt.Fprintf(os.Stderr, "No .env file found (this is okay for production): %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.LogLevel
	switch {
	case verbose:
		level = "debug"
	case quiet:
		level = "error"
	}
	logging.Init(logging.Config{Level: level, Pretty: cfg.LogPretty})
	return cfg, nil
}

// openStorage opens the SQLite database at the configured path
func openStorage(cfg *config.Config) (*sqlite.Storage, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := sqlite.NewStorageWithPath(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

// newOpenAIClient builds the OpenAI client used for chat and embeddings
func newOpenAIClient(cfg *config.Config) (*llm.OpenAIClient, error) {
	oc := llm.DefaultConfig(cfg.OpenAIKey)
	oc.Tiers = llm.Tiers{Fast: cfg.FastModel, Pro: cfg.ProModel}
	oc.EmbeddingModel = openai.EmbeddingModel(cfg.EmbeddingModel)
	oc.MaxRetries = cfg.MaxRetries
	oc.RetryDelay = cfg.RetryDelay
	return llm.NewOpenAIClientWithConfig(oc)
}

// newModelService builds the client for the configured provider
func newModelService(cfg *config.Config) (core.ModelService, *llm.OpenAIClient, error) {
	var openaiClient *llm.OpenAIClient
	if cfg.OpenAIKey != "" {
		client, err := newOpenAIClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		openaiClient = client
	}

	switch cfg.Provider {
	case "anthropic":
		// The config defaults name OpenAI models; only explicit overrides apply here
		client, err := llm.NewAnthropicClient(&llm.AnthropicConfig{
			APIKey:     cfg.ModelKey(),
			Tiers:      llm.Tiers{Fast: os.Getenv("CONCIERGE_FAST_MODEL"), Pro: os.Getenv("CONCIERGE_PRO_MODEL")},
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, openaiClient, nil
	default:
		if openaiClient == nil {
			return nil, nil, fmt.Errorf("OPENAI_API_KEY is required for provider openai")
		}
		return openaiClient, openaiClient, nil
	}
}

// openRetriever opens the document index; it needs OpenAI embeddings
func openRetriever(cfg *config.Config, embedder *llm.OpenAIClient) (*retrieval.Retriever, error) {
	if embedder == nil {
		return nil, nil
	}
	return retrieval.New(retrieval.Options{
		Dir:    cfg.VectorDir,
		Embed:  embedder.Embed,
		Logger: logging.Component("retrieval"),
	})
}

// newApp wires the whole pipeline; sink receives paced parts
func newApp(ctx context.Context, sink core.DeliverySink) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.Component("cli")

	policies, err := policy.Open(cfg.PolicyDir)
	if err != nil {
		return nil, err
	}

	model, embedder, err := newModelService(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: store, policies: policies, metrics: metrics.New()}

	opts := core.Options{
		Store:            store,
		Model:            model,
		Sink:             sink,
		Policies:         policies,
		Metrics:          a.metrics,
		Logger:           logging.Component("pipeline"),
		ModelTimeout:     cfg.ModelTimeout,
		RetrievalTimeout: cfg.RetrievalTimeout,
		WebTimeout:       cfg.WebTimeout,
		Workers:          cfg.Workers,
	}

	a.retriever, err = openRetriever(cfg, embedder)
	if err != nil {
		log.Warn().Err(err).Msg("retrieval disabled")
	} else if a.retriever != nil {
		opts.Retriever = a.retriever
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set - document retrieval disabled")
	}

	if cfg.SerperKey != "" {
		serper, err := websearch.NewSerperClient(websearch.Config{
			APIKey:     cfg.SerperKey,
			Language:   "vi",
			Country:    "vn",
			MaxRetries: 1,
			Logger:     logging.Component("websearch"),
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.web, err = websearch.NewCachedSearcher(serper, cfg.WebCacheTTL, 1000, logging.Component("websearch"))
		if err != nil {
			store.Close()
			return nil, err
		}
		opts.Web = a.web
	} else {
		log.Warn().Msg("SERPER_API_KEY not set - web fallback disabled")
	}

	a.orch, err = core.New(ctx, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close waits for paced parts already scheduled, then releases everything
func (a *app) Close() {
	if a.orch != nil {
		a.orch.WaitDeliveries()
		a.orch.Close()
	}
	if a.web != nil {
		a.web.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("error closing storage")
	}
}
