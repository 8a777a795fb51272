package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config controls OTLP export of traces and metrics.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	Protocol       string `koanf:"protocol"` // grpc or http/protobuf
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	// Insecure disables TLS. Only local endpoints may be insecure.
	Insecure      bool `koanf:"insecure"`
	TLSSkipVerify bool `koanf:"tls_skip_verify"`

	SampleRate      float64       `koanf:"sample_rate"`
	MetricsInterval time.Duration `koanf:"metrics_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns telemetry disabled, pointed at a local collector.
func DefaultConfig() Config {
	return Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		ServiceName:     "patternd",
		ServiceVersion:  "dev",
		Insecure:        true,
		SampleRate:      1.0,
		MetricsInterval: 15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the config. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Endpoint == "":
		return errors.New("endpoint is required when telemetry is enabled")
	case c.ServiceName == "":
		return errors.New("service_name is required when telemetry is enabled")
	case c.Protocol != "" && c.Protocol != "grpc" && c.Protocol != "http/protobuf":
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	case c.Insecure && !isLocalEndpoint(c.Endpoint):
		return errors.New("insecure connections are only allowed to local endpoints")
	case c.SampleRate < 0 || c.SampleRate > 1:
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	case c.MetricsInterval <= 0:
		return errors.New("metrics_interval must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
