package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// TEIConfig configures a Text Embeddings Inference client.
type TEIConfig struct {
	BaseURL string
	Model   string

	// HTTPClient overrides the instrumented default.
	HTTPClient *http.Client
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// TEIClient calls the TEI /embed endpoint.
type TEIClient struct {
	config    TEIConfig
	client    *http.Client
	metrics   *Metrics
	dimension int
}

// NewTEIClient creates a TEI client. The default HTTP transport is traced
// with otelhttp.
func NewTEIClient(cfg TEIConfig, logger *zap.Logger) (*TEIClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &TEIClient{
		config:    cfg,
		client:    client,
		metrics:   NewMetrics("tei", logger),
		dimension: detectDimensionFromModel(cfg.Model),
	}, nil
}

// teiRequest is the request body for TEI embed endpoint.
type teiRequest struct {
	Inputs   any  `json:"inputs"`
	Truncate bool `json:"truncate"`
}

func (c *TEIClient) embed(ctx context.Context, inputs any) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (c *TEIClient) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	defer func(start time.Time) {
		c.metrics.Observe(ctx, PurposeTrigger, start, len(texts), err)
	}(time.Now())

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err = c.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	defer func(start time.Time) {
		c.metrics.Observe(ctx, PurposeMessage, start, 1, err)
	}(time.Now())

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := c.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrEmbeddingFailed)
	}
	return vectors[0], nil
}

// Dimension returns the embedding dimension based on the configured model.
func (c *TEIClient) Dimension() int {
	return c.dimension
}

// Close is a no-op for TEI since it uses HTTP.
func (c *TEIClient) Close() error {
	return nil
}
