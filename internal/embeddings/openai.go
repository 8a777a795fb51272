package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the langchaingo-backed provider. BaseURL may point
// at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// OpenAIProvider embeds through langchaingo's OpenAI client.
type OpenAIProvider struct {
	embedder  *lcembeddings.EmbedderImpl
	model     string
	metrics   *Metrics
	dimension int
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for keyless compatible servers.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAIProvider{
		embedder:  embedder,
		model:     cfg.Model,
		metrics:   NewMetrics("openai", logger),
		dimension: detectDimensionFromModel(cfg.Model),
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	defer func(start time.Time) {
		p.metrics.Observe(ctx, PurposeTrigger, start, len(texts), err)
	}(time.Now())

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err = p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	defer func(start time.Time) {
		p.metrics.Observe(ctx, PurposeMessage, start, 1, err)
	}(time.Now())

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err = p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

// Dimension returns the embedding dimension for the configured model.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op; the client holds no resources.
func (p *OpenAIProvider) Close() error {
	return nil
}
