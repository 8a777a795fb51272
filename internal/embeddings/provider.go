package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure. Matching
	// recovers from it by falling back to keyword scoring.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates vectors for text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder that owns resources.
type Provider interface {
	Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is "tei", "openai" or "fastembed".
	Provider string `koanf:"provider"`

	Model string `koanf:"model"`

	// BaseURL is the TEI or OpenAI-compatible endpoint.
	BaseURL string `koanf:"base_url"`

	// APIKey is only used by the openai provider.
	APIKey string `koanf:"api_key"`

	// CacheDir is the model cache directory (only used for FastEmbed)
	CacheDir string `koanf:"cache_dir"`

	// Timeout bounds each request-path embedding call.
	Timeout time.Duration `koanf:"timeout"`

	// CacheTTL is how long query vectors are reused. Zero disables caching.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "tei", "":
		return NewTEIClient(TEIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}, logger)
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, APIKey: cfg.APIKey}, logger)
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}
