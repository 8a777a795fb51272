package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const (
	DefaultTimeout     = 5 * time.Second
	defaultModel       = "gpt-4o-mini"
	defaultRatePerSec  = 5.0
	defaultBurst       = 5
	defaultMaxRetries  = 2
	defaultBaseBackoff = 200 * time.Millisecond
)

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config configures the LLM adapter.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	// Timeout bounds one Adapt call including retries.
	Timeout time.Duration `koanf:"timeout"`

	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
	MaxRetries    int           `koanf:"max_retries"`
	BaseBackoff   time.Duration `koanf:"base_backoff"`
}

// DefaultConfig returns reasoning disabled with production tuning.
func DefaultConfig() Config {
	c := Config{MaxRetries: defaultMaxRetries}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
}

// langchainCompleter calls an llms.Model with a single prompt.
type langchainCompleter struct {
	llm llms.Model
}

func (l langchainCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, l.llm, prompt, llms.WithTemperature(0))
}

// NewOpenAICompleter builds a Completer over an OpenAI-compatible chat API.
func NewOpenAICompleter(cfg Config) (Completer, error) {
	cfg.applyDefaults()
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	} else {
		opts = append(opts, openai.WithToken("placeholder"))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return langchainCompleter{llm: llm}, nil
}

// NewAdapter returns an LLMAdapter when cfg is enabled and a NopAdapter
// otherwise.
func NewAdapter(cfg Config, logger *zap.Logger) (Adapter, error) {
	if !cfg.Enabled {
		return NopAdapter{}, nil
	}
	c, err := NewOpenAICompleter(cfg)
	if err != nil {
		return nil, err
	}
	return NewLLMAdapter(c, cfg, logger), nil
}

// LLMAdapter validates patterns with a language model.
type LLMAdapter struct {
	completer Completer
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewLLMAdapter wraps completer with rate limiting, retries and a timeout.
func NewLLMAdapter(completer Completer, cfg Config, logger *zap.Logger) *LLMAdapter {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMAdapter{
		completer: completer,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:    logger,
	}
}

// Adapt asks the model about p. Every failure is wrapped in
// ErrReasoningFailed.
func (a *LLMAdapter) Adapt(ctx context.Context, p *pattern.Pattern, message string, conversation []string) (*Result, error) {
	ctx, span := otel.Tracer("patternd.reasoning").Start(ctx, "reasoning.adapt")
	defer span.End()
	span.SetAttributes(attribute.String("pattern.id", p.ID))

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	res, err := a.adapt(ctx, p, message, conversation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Warn("reasoning failed",
			zap.String("pattern_id", p.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrReasoningFailed, err)
	}
	span.SetAttributes(attribute.Bool("reasoning.applicable", res.Applicable))
	return res, nil
}

func (a *LLMAdapter) adapt(ctx context.Context, p *pattern.Pattern, message string, conversation []string) (*Result, error) {
	prompt := buildPrompt(p, message, conversation)

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		raw, err := a.completer.Complete(ctx, prompt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, fmt.Errorf("completion: %w", ctx.Err())
			}
			a.logger.Debug("completion failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		// Malformed output is not retried; the model answered.
		return parseOutput(raw, p.Template)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// IsSchemaError reports whether err came from output validation.
func IsSchemaError(err error) bool {
	return errors.Is(err, errSchema)
}
