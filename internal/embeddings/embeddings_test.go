package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTEIServer(t *testing.T, status int) (*httptest.Server, *[]teiRequest) {
	t.Helper()
	var seen []teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req teiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)

		if status != http.StatusOK {
			http.Error(w, "model loading", status)
			return
		}
		n := 1
		if list, ok := req.Inputs.([]any); ok {
			n = len(list)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{float32(i), 0.5, 1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestTEIClient(t *testing.T) {
	ctx := context.Background()

	t.Run("embed query", func(t *testing.T) {
		srv, seen := newTEIServer(t, http.StatusOK)
		c, err := NewTEIClient(TEIConfig{BaseURL: srv.URL, Model: "BAAI/bge-small-en-v1.5"}, zap.NewNop())
		require.NoError(t, err)

		vec, err := c.EmbedQuery(ctx, "do you sell gift cards")
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0.5, 1}, vec)
		require.Len(t, *seen, 1)
		assert.Equal(t, "do you sell gift cards", (*seen)[0].Inputs)
		assert.True(t, (*seen)[0].Truncate)
		assert.Equal(t, 384, c.Dimension())
	})

	t.Run("embed documents", func(t *testing.T) {
		srv, _ := newTEIServer(t, http.StatusOK)
		c, err := NewTEIClient(TEIConfig{BaseURL: srv.URL}, nil)
		require.NoError(t, err)

		vecs, err := c.EmbedDocuments(ctx, []string{"a", "b"})
		require.NoError(t, err)
		assert.Len(t, vecs, 2)
	})

	t.Run("server error", func(t *testing.T) {
		srv, _ := newTEIServer(t, http.StatusServiceUnavailable)
		c, err := NewTEIClient(TEIConfig{BaseURL: srv.URL}, nil)
		require.NoError(t, err)

		_, err = c.EmbedQuery(ctx, "hello")
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("empty input", func(t *testing.T) {
		c, err := NewTEIClient(TEIConfig{BaseURL: "http://127.0.0.1:1"}, nil)
		require.NoError(t, err)
		_, err = c.EmbedQuery(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyInput)
		_, err = c.EmbedDocuments(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("missing base url", func(t *testing.T) {
		_, err := NewTEIClient(TEIConfig{}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr error
	}{
		{"tei", ProviderConfig{Provider: "tei", BaseURL: "http://localhost:8080"}, nil},
		{"openai", ProviderConfig{Provider: "openai", APIKey: "sk-test"}, nil},
		{"unknown", ProviderConfig{Provider: "word2vec"}, ErrInvalidConfig},
		{"tei without url", ProviderConfig{Provider: "tei"}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
			assert.NoError(t, p.Close())
		})
	}
}

func TestDetectDimensionFromModel(t *testing.T) {
	assert.Equal(t, 768, detectDimensionFromModel("BAAI/bge-base-en-v1.5"))
	assert.Equal(t, 1536, detectDimensionFromModel("text-embedding-3-small"))
	assert.Equal(t, 1024, detectDimensionFromModel("acme-large-v2"))
	assert.Equal(t, 384, detectDimensionFromModel("mystery"))
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := NewStaticEmbedder(map[string][]float32{"gift cards?": {1, 0}})
	c := NewCachedEmbedder(inner, time.Minute)

	v1, err := c.EmbedQuery(ctx, "Gift  cards?")
	require.NoError(t, err)
	v2, err := c.EmbedQuery(ctx, "gift cards?")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.Calls())
	assert.Equal(t, 1, c.Len())

	_, err = c.EmbedQuery(ctx, "unknown")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, 1, c.Len(), "failures are not cached")
}

type slowEmbedder struct{}

func (slowEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowEmbedder) EmbedDocuments(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutEmbedder(t *testing.T) {
	e := NewTimeoutEmbedder(slowEmbedder{}, 20*time.Millisecond)
	_, err := e.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = e.EmbedDocuments(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	assert.Equal(t, DefaultTimeout, NewTimeoutEmbedder(slowEmbedder{}, 0).timeout)
}

func TestFailingEmbedder(t *testing.T) {
	_, err := FailingEmbedder{}.EmbedQuery(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	boom := errors.New("boom")
	_, err = FailingEmbedder{Err: boom}.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, boom)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", FailureReason(nil))
	assert.Equal(t, ReasonTimeout, FailureReason(fmt.Errorf("%w: %w", ErrEmbeddingFailed, context.DeadlineExceeded)))
	assert.Equal(t, ReasonCanceled, FailureReason(context.Canceled))
	assert.Equal(t, ReasonEmptyInput, FailureReason(fmt.Errorf("%w: blank", ErrEmptyInput)))
	assert.Equal(t, ReasonProviderError, FailureReason(ErrEmbeddingFailed))
}

func TestMetricsObserve(t *testing.T) {
	m := NewMetrics("tei", nil)
	start := time.Now()
	assert.NotPanics(t, func() {
		m.Observe(context.Background(), PurposeMessage, start, 1, nil)
		m.Observe(context.Background(), PurposeTrigger, start, 3, context.DeadlineExceeded)
		var nilMetrics *Metrics
		nilMetrics.Observe(context.Background(), PurposeMessage, start, 1, nil)
	})
}
