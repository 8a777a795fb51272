package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	enabled := DefaultConfig()
	enabled.Enabled = true
	require.NoError(t, enabled.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no endpoint", func(c *Config) { c.Endpoint = "" }},
		{"no service", func(c *Config) { c.ServiceName = "" }},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }},
		{"insecure remote", func(c *Config) { c.Endpoint = "collector.example.com:4317" }},
		{"sample rate", func(c *Config) { c.SampleRate = 1.5 }},
		{"metrics interval", func(c *Config) { c.MetricsInterval = 0 }},
		{"shutdown timeout", func(c *Config) { c.ShutdownTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabled
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	for _, ep := range []string{"localhost:4317", "127.0.0.1:4317", "[::1]:4317", "http://localhost:4318", "127.0.0.2"} {
		assert.True(t, isLocalEndpoint(ep), ep)
	}
	for _, ep := range []string{"otel.example.com:4317", "10.0.0.1:4317", "https://collector:4318"} {
		assert.False(t, isLocalEndpoint(ep), ep)
	}
}

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewEnabled(t *testing.T) {
	for _, protocol := range []string{"grpc", "http/protobuf"} {
		t.Run(protocol, func(t *testing.T) {
			prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
			t.Cleanup(func() {
				otel.SetTracerProvider(prevTP)
				otel.SetMeterProvider(prevMP)
			})

			cfg := DefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol
			cfg.ShutdownTimeout = 100 * time.Millisecond

			tel, err := New(context.Background(), cfg, nil)
			require.NoError(t, err)
			assert.True(t, tel.Enabled())
			assert.False(t, tel.Degraded())
			// Nothing listens on the collector port; shutdown may report the
			// failed export but must return.
			_ = tel.Shutdown(context.Background())
		})
	}
}

func TestNewInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = -1
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestTestTelemetry(t *testing.T) {
	tel := NewTestTelemetry(t)
	ctx := context.Background()

	_, span := otel.Tracer("test").Start(ctx, "Engine.Process")
	span.End()
	tel.AssertSpanExists(t, "Engine.Process")
	assert.Nil(t, tel.SpanByName("missing"))

	counter, err := otel.Meter("test").Int64Counter("decisions")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	rm, err := tel.Collect(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "decisions", rm.ScopeMetrics[0].Metrics[0].Name)
}
