// Package vectorindex keeps active pattern embeddings in an in-process
// chromem-go collection for nearest-neighbour lookup.
//
// The index is a cache. The pattern store stays authoritative, so callers
// must join results against the current active set.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const collectionName = "patterns"

var tracer = otel.Tracer("patternd.vectorindex")

// ErrDimensionMismatch is returned when a vector does not match the
// dimension of vectors already indexed.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Hit is one nearest-neighbour result.
type Hit struct {
	PatternID  string
	Similarity float64
}

// Index wraps a chromem collection keyed by pattern ID.
type Index struct {
	mu      sync.RWMutex
	col     *chromem.Collection
	indexed map[string]struct{}
	dim     int
	logger  *zap.Logger
}

// New creates an empty index. The embedder is only consulted for documents
// added without a vector, which Upsert never does.
func New(embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", collectionName, err)
	}
	return &Index{col: col, indexed: make(map[string]struct{}), logger: logger}, nil
}

func embeddingFunc(e embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if e == nil {
			return nil, fmt.Errorf("%w: no embedder configured", embeddings.ErrEmbeddingFailed)
		}
		return e.EmbedQuery(ctx, text)
	}
}

// Upsert indexes p if it is active and carries an embedding, and removes it
// otherwise.
func (ix *Index) Upsert(ctx context.Context, p *pattern.Pattern) error {
	if !p.IsActive() || len(p.Embedding) == 0 {
		return ix.Remove(ctx, p.ID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dim != 0 && len(p.Embedding) != ix.dim {
		return fmt.Errorf("%w: pattern %s has %d, index has %d", ErrDimensionMismatch, p.ID, len(p.Embedding), ix.dim)
	}
	doc := chromem.Document{
		ID:        p.ID,
		Content:   p.TriggerText,
		Embedding: append([]float32(nil), p.Embedding...),
		Metadata:  map[string]string{"type": string(p.Type)},
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("indexing pattern %s: %w", p.ID, err)
	}
	ix.indexed[p.ID] = struct{}{}
	ix.dim = len(p.Embedding)
	return nil
}

// Remove drops id from the index. Removing an unknown id is not an error.
func (ix *Index) Remove(ctx context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.indexed[id]; !ok {
		return nil
	}
	if err := ix.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("removing pattern %s: %w", id, err)
	}
	delete(ix.indexed, id)
	if len(ix.indexed) == 0 {
		ix.dim = 0
	}
	return nil
}

// Sync rebuilds the index from the given active set. Patterns whose
// embedding cannot be indexed are logged and skipped.
func (ix *Index) Sync(ctx context.Context, patterns []*pattern.Pattern) error {
	keep := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if p.IsActive() && len(p.Embedding) > 0 {
			keep[p.ID] = true
		}
	}

	ix.mu.RLock()
	var stale []string
	for id := range ix.indexed {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	ix.mu.RUnlock()

	for _, id := range stale {
		if err := ix.Remove(ctx, id); err != nil {
			return err
		}
	}
	for _, p := range patterns {
		if err := ix.Upsert(ctx, p); err != nil {
			if errors.Is(err, ErrDimensionMismatch) {
				ix.logger.Warn("skipping pattern with mismatched embedding", zap.String("pattern_id", p.ID), zap.Error(err))
				continue
			}
			return err
		}
	}
	ix.logger.Debug("vector index synced", zap.Int("indexed", ix.Len()), zap.Int("removed", len(stale)))
	return nil
}

// Contains reports whether id is indexed.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.indexed[id]
	return ok
}

// Query returns up to n nearest patterns to vec, most similar first.
func (ix *Index) Query(ctx context.Context, vec []float32, n int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "Index.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("n", n))

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	count := ix.col.Count()
	if n <= 0 || count == 0 {
		return nil, nil
	}
	if len(vec) != ix.dim {
		err := fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), ix.dim)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	// chromem requires nResults <= doc count.
	if n > count {
		n = count
	}
	res, err := ix.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying vector index: %w", err)
	}
	hits := make([]Hit, len(res))
	for i, r := range res {
		hits[i] = Hit{PatternID: r.ID, Similarity: float64(r.Similarity)}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Len reports the number of indexed patterns.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.indexed)
}
