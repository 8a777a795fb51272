package embeddings

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds request-path embedding calls.
const DefaultTimeout = 2 * time.Second

// TimeoutEmbedder bounds every call to the wrapped embedder.
type TimeoutEmbedder struct {
	next    Embedder
	timeout time.Duration
}

// NewTimeoutEmbedder wraps next. A non-positive timeout uses DefaultTimeout.
func NewTimeoutEmbedder(next Embedder, timeout time.Duration) *TimeoutEmbedder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TimeoutEmbedder{next: next, timeout: timeout}
}

func (t *TimeoutEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	vec, err := t.next.EmbedQuery(ctx, text)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, ctx.Err())
	}
	return vec, err
}

func (t *TimeoutEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	vecs, err := t.next.EmbedDocuments(ctx, texts)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, ctx.Err())
	}
	return vecs, err
}
