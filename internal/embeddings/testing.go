package embeddings

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StaticEmbedder returns fixed vectors per text. It lets tests control
// similarity exactly. Unknown texts get Fallback, or ErrEmbeddingFailed if
// Fallback is nil.
type StaticEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	Fallback []float32
	calls    int
}

// NewStaticEmbedder creates a StaticEmbedder. Keys are matched
// case-insensitively with surrounding space trimmed.
func NewStaticEmbedder(vectors map[string][]float32) *StaticEmbedder {
	s := &StaticEmbedder{vectors: make(map[string][]float32, len(vectors))}
	for k, v := range vectors {
		s.vectors[cacheKey(k)] = v
	}
	return s
}

// Set adds or replaces the vector for text.
func (s *StaticEmbedder) Set(text string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[cacheKey(text)] = vec
}

// Calls reports how many texts have been embedded.
func (s *StaticEmbedder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StaticEmbedder) lookup(text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if v, ok := s.vectors[cacheKey(text)]; ok {
		return append([]float32(nil), v...), nil
	}
	if s.Fallback != nil {
		return append([]float32(nil), s.Fallback...), nil
	}
	return nil, fmt.Errorf("%w: no vector for %q", ErrEmbeddingFailed, strings.TrimSpace(text))
}

func (s *StaticEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return s.lookup(text)
}

func (s *StaticEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := s.lookup(t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FailingEmbedder always fails, simulating an embedding outage.
type FailingEmbedder struct {
	Err error
}

func (f FailingEmbedder) err() error {
	if f.Err != nil {
		return f.Err
	}
	return fmt.Errorf("%w: service unavailable", ErrEmbeddingFailed)
}

func (f FailingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, f.err()
}

func (f FailingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, f.err()
}
