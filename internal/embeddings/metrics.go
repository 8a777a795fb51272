package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/patternd/internal/embeddings"

// Purpose says what a vector is for.
type Purpose string

const (
	// PurposeMessage is an inbound customer message on the decision path.
	PurposeMessage Purpose = "message"

	// PurposeTrigger is a learned trigger embedded at learn or index time.
	PurposeTrigger Purpose = "trigger"
)

// Failure reasons reported by FailureReason.
const (
	ReasonTimeout       = "timeout"
	ReasonCanceled      = "canceled"
	ReasonEmptyInput    = "empty_input"
	ReasonEmptyVector   = "empty_vector"
	ReasonProviderError = "provider_error"
)

// FailureReason classifies an embedding error. It returns "" for nil.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrEmptyInput):
		return ReasonEmptyInput
	default:
		return ReasonProviderError
	}
}

// Metrics records embedding calls per provider and purpose.
type Metrics struct {
	provider string
	latency  metric.Float64Histogram
	texts    metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetrics creates the instruments for provider. Instrument creation
// failures are logged and leave that instrument unrecorded.
func NewMetrics(provider string, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{provider: provider}

	var err error
	m.latency, err = meter.Float64Histogram(
		"patternd.embedding.latency",
		metric.WithDescription("Embedding call latency by provider, purpose and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5),
	)
	if err != nil {
		logger.Warn("creating embedding latency histogram", zap.Error(err))
	}
	m.texts, err = meter.Int64Counter(
		"patternd.embedding.texts",
		metric.WithDescription("Texts sent for embedding."),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		logger.Warn("creating embedding texts counter", zap.Error(err))
	}
	m.failures, err = meter.Int64Counter(
		"patternd.embedding.failures",
		metric.WithDescription("Failed embedding calls by reason."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("creating embedding failures counter", zap.Error(err))
	}
	return m
}

// Observe records one call that started at started and embedded n texts.
func (m *Metrics) Observe(ctx context.Context, purpose Purpose, started time.Time, n int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = FailureReason(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", m.provider),
		attribute.String("purpose", string(purpose)),
		attribute.String("outcome", outcome),
	)
	if m.latency != nil {
		m.latency.Record(ctx, time.Since(started).Seconds(), attrs)
	}
	if m.texts != nil && n > 0 {
		m.texts.Add(ctx, int64(n), attrs)
	}
	if m.failures != nil && err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}
