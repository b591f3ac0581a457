// ABOUTME: Centralized configuration for the concierge pipeline and its adapters
// ABOUTME: Loads from environment variables with validation and defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration for the concierge service
type Config struct {
	// Storage settings
	DBPath    string
	VectorDir string
	PolicyDir string

	// Model service settings
	Provider       string
	OpenAIKey      string
	AnthropicKey   string
	FastModel      string
	ProModel       string
	EmbeddingModel string
	ModelTimeout   time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	// Grounding settings
	RetrievalTimeout time.Duration
	WebTimeout       time.Duration
	SerperKey        string
	WebCacheTTL      time.Duration

	// Service settings
	HTTPAddr  string
	LogLevel  string
	LogPretty bool
	Workers   int
	// AdminToken guards the admin HTTP routes; empty disables them
	AdminToken string
}

// DefaultDataDir returns the XDG data directory for concierge
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = xdg.DataHome
	}
	return filepath.Join(dataHome, "concierge")
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	dataDir := DefaultDataDir()

	cfg := &Config{
		DBPath:           getEnv("CONCIERGE_DB_PATH", filepath.Join(dataDir, "concierge.db")),
		VectorDir:        getEnv("CONCIERGE_VECTOR_DIR", filepath.Join(dataDir, "vectors")),
		PolicyDir:        getEnv("CONCIERGE_POLICY_DIR", "policy"),
		Provider:         getEnv("CONCIERGE_PROVIDER", "openai"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		FastModel:        getEnv("CONCIERGE_FAST_MODEL", "gpt-4o-mini"),
		ProModel:         getEnv("CONCIERGE_PRO_MODEL", "gpt-4o"),
		EmbeddingModel:   getEnv("CONCIERGE_EMBEDDING_MODEL", "text-embedding-3-small"),
		ModelTimeout:     getEnvDuration("CONCIERGE_MODEL_TIMEOUT", 30*time.Second),
		MaxRetries:       getEnvInt("OPENAI_MAX_RETRIES", 3),
		RetryDelay:       getEnvDuration("OPENAI_RETRY_DELAY", 2*time.Second),
		RetrievalTimeout: getEnvDuration("CONCIERGE_RETRIEVAL_TIMEOUT", 3*time.Second),
		WebTimeout:       getEnvDuration("CONCIERGE_WEB_TIMEOUT", 5*time.Second),
		SerperKey:        os.Getenv("SERPER_API_KEY"),
		WebCacheTTL:      getEnvDuration("CONCIERGE_WEB_CACHE_TTL", 15*time.Minute),
		HTTPAddr:         getEnv("CONCIERGE_HTTP_ADDR", ":8080"),
		LogLevel:         getEnv("CONCIERGE_LOG_LEVEL", "info"),
		LogPretty:        getEnvBool("CONCIERGE_LOG_PRETTY", false),
		Workers:          getEnvInt("CONCIERGE_WORKERS", 4),
		AdminToken:       os.Getenv("CONCIERGE_ADMIN_TOKEN"),
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("CONCIERGE_PROVIDER must be openai or anthropic, got %q", c.Provider)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("OPENAI_MAX_RETRIES must be 0-10, got %d", c.MaxRetries)
	}
	if c.ModelTimeout <= 0 || c.RetrievalTimeout <= 0 || c.WebTimeout <= 0 {
		return fmt.Errorf("adapter timeouts must be positive")
	}
	if c.Workers < 1 || c.Workers > 256 {
		return fmt.Errorf("CONCIERGE_WORKERS must be 1-256, got %d", c.Workers)
	}
	if c.AdminToken != "" && len(c.AdminToken) < 16 {
		return fmt.Errorf("CONCIERGE_ADMIN_TOKEN must be at least 16 characters")
	}
	return nil
}

// ModelKey returns the API key for the configured provider
func (c *Config) ModelKey() string {
	if c.Provider == "anthropic" {
		return c.AnthropicKey
	}
	return c.OpenAIKey
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
