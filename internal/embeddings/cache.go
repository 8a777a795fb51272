package embeddings

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedEmbedder reuses query vectors for repeated questions.
type CachedEmbedder struct {
	next  Embedder
	cache *cache.Cache
}

// NewCachedEmbedder wraps next with a TTL cache keyed by normalized text.
func NewCachedEmbedder(next Embedder, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func cacheKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// EmbedQuery returns a cached vector or asks the wrapped embedder.
// Failures are not cached.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := c.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, vec)
	return vec, nil
}

// EmbedDocuments is not cached; documents are embedded once at learn time.
func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedDocuments(ctx, texts)
}

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.ItemCount()
}
