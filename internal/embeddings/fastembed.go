//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

const (
	defaultFastEmbedModel = "BAAI/bge-small-en-v1.5"

	// Triggers and customer messages are short; 128 tokens covers them.
	defaultFastEmbedMaxLength = 128
	defaultFastEmbedBatch     = 64
)

// FastEmbedConfig configures the in-process ONNX provider.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int

	// BatchSize bounds triggers per ONNX run during bulk indexing.
	BatchSize int
}

type fastembedModel struct {
	id  fastembed.EmbeddingModel
	dim int
}

// fastembedModels is keyed by the Hugging Face name. fastembed's own model
// IDs are accepted too.
var fastembedModels = map[string]fastembedModel{
	"BAAI/bge-small-en-v1.5":                 {fastembed.BGESmallENV15, 384},
	"BAAI/bge-small-en":                      {fastembed.BGESmallEN, 384},
	"BAAI/bge-base-en-v1.5":                  {fastembed.BGEBaseENV15, 768},
	"BAAI/bge-base-en":                       {fastembed.BGEBaseEN, 768},
	"sentence-transformers/all-MiniLM-L6-v2": {fastembed.AllMiniLML6V2, 384},
}

func lookupFastEmbedModel(name string) (fastembedModel, bool) {
	if m, ok := fastembedModels[name]; ok {
		return m, true
	}
	for _, m := range fastembedModels {
		if string(m.id) == name {
			return m, true
		}
	}
	return fastembedModel{}, false
}

// FastEmbedProvider embeds text locally. Triggers use the passage encoder
// and inbound messages the query encoder, which is how the BGE models are
// trained to be compared.
type FastEmbedProvider struct {
	// mu guards model against Close during a run.
	mu    sync.RWMutex
	model *fastembed.FlagEmbedding

	name    string
	dim     int
	batch   int
	metrics *Metrics
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig, logger *zap.Logger) (*FastEmbedProvider, error) {
	if cfg.Model == "" {
		cfg.Model = defaultFastEmbedModel
	}
	m, ok := lookupFastEmbedModel(cfg.Model)
	if !ok {
		known := make([]string, 0, len(fastembedModels))
		for name := range fastembedModels {
			known = append(known, name)
		}
		return nil, fmt.Errorf("%w: unsupported fastembed model %q (known: %s)", ErrInvalidConfig, cfg.Model, strings.Join(known, ", "))
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "model_cache"
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultFastEmbedMaxLength
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultFastEmbedBatch
	}

	quiet := false
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                m.id,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("loading fastembed model %s: %w", cfg.Model, err)
	}
	return &FastEmbedProvider{
		model:   model,
		name:    cfg.Model,
		dim:     m.dim,
		batch:   cfg.BatchSize,
		metrics: NewMetrics("fastembed", logger),
	}, nil
}

// EmbedDocuments embeds trigger texts.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	defer func(start time.Time) { p.metrics.Observe(ctx, PurposeTrigger, start, len(texts), err) }(time.Now())
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no triggers", ErrEmptyInput)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: trigger %d is blank", ErrEmptyInput, i)
		}
	}

	err = p.run(ctx, func(m *fastembed.FlagEmbedding) error {
		var runErr error
		vecs, runErr = m.PassageEmbed(texts, p.batch)
		return runErr
	})
	return vecs, err
}

// EmbedQuery embeds one inbound message.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) (vec []float32, err error) {
	defer func(start time.Time) { p.metrics.Observe(ctx, PurposeMessage, start, 1, err) }(time.Now())
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: blank message", ErrEmptyInput)
	}

	err = p.run(ctx, func(m *fastembed.FlagEmbedding) error {
		var runErr error
		vec, runErr = m.QueryEmbed(text)
		return runErr
	})
	return vec, err
}

// run executes fn unless ctx is already done. ONNX runs cannot be
// interrupted, so the deadline is only checked before starting.
func (p *FastEmbedProvider) run(ctx context.Context, fn func(*fastembed.FlagEmbedding) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	if err := fn(p.model); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEmbeddingFailed, p.name, err)
	}
	return nil
}

func (p *FastEmbedProvider) Dimension() int { return p.dim }

// Close unloads the model. Later calls fail with ErrEmbeddingFailed.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
