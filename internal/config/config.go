// Package config loads patternd's configuration: defaults, then an optional
// YAML file, then PATTERND_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/reasoning"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/secrets"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/telemetry"
)

const (
	// EnvPrefix marks environment overrides.
	EnvPrefix = "PATTERND_"

	maxConfigFileSize = 1024 * 1024
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Store      store.Config              `koanf:"store"`
	Embeddings embeddings.ProviderConfig `koanf:"embeddings"`
	Reasoning  reasoning.Config          `koanf:"reasoning"`
	Matcher    matcher.Config            `koanf:"matcher"`
	Safety     safety.Config             `koanf:"safety"`
	Staging    StagingConfig             `koanf:"staging"`
	Secrets    secrets.Config            `koanf:"secrets"`
	Events     events.Config             `koanf:"events"`
	Telemetry  telemetry.Config          `koanf:"telemetry"`
	Logging    logging.Config            `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// AdminToken, when set, is required as a bearer token on every route
	// except health and metrics.
	AdminToken Secret `koanf:"admin_token"`

	// SafetyFile is a YAML file of safety settings watched for changes.
	SafetyFile string `koanf:"safety_file"`
}

// StagingConfig schedules the staging sweep.
type StagingConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: store.Config{Driver: store.DriverSQLite, DSN: "patternd.db"},
		Embeddings: embeddings.ProviderConfig{
			Provider: "tei",
			BaseURL:  "http://localhost:8081",
			Model:    "BAAI/bge-small-en-v1.5",
			Timeout:  embeddings.DefaultTimeout,
			CacheTTL: 10 * time.Minute,
		},
		Reasoning: reasoning.DefaultConfig(),
		Matcher:   matcher.DefaultConfig(),
		Safety:    safety.DefaultConfig(),
		Staging:   StagingConfig{SweepInterval: 5 * time.Minute},
		Secrets:   secrets.DefaultConfig(),
		Events:    events.Config{SubjectPrefix: events.DefaultSubjectPrefix},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
	}
}

// Load builds the configuration. An empty path skips the file.
//
// Environment variables override the file. The first underscore after the
// prefix separates the section; a double underscore descends further:
//
//	PATTERND_SERVER_ADDR               -> server.addr
//	PATTERND_REASONING_API_KEY         -> reasoning.api_key
//	PATTERND_SAFETY_RATE_LIMIT__BURST  -> safety.rate_limit.burst
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", ".")
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// readConfigFile reads path through one descriptor so the checks and the
// read see the same file.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o022 != 0 {
		return nil, fmt.Errorf("insecure config file permissions %v: must not be group or world writable", info.Mode().Perm())
	}
	return io.ReadAll(io.LimitReader(f, maxConfigFileSize))
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}
	if c.Store.Driver == store.DriverPostgres && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for postgres"))
	}
	if c.Reasoning.Enabled && c.Reasoning.APIKey == "" && c.Reasoning.BaseURL == "" {
		errs = append(errs, errors.New("reasoning needs api_key or base_url when enabled"))
	}
	if c.Staging.SweepInterval <= 0 {
		errs = append(errs, errors.New("staging.sweep_interval must be positive"))
	}
	if err := c.Safety.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	return errors.Join(errs...)
}
