package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/store"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patternd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.True(t, cfg.Safety.ShadowMode)
	assert.Equal(t, 5*time.Minute, cfg.Staging.SweepInterval)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  admin_token: s3cret
store:
  driver: memory
matcher:
  top_k: 3
safety:
  shadow_mode: false
  rate_limit:
    burst: 5
  staging:
    idle_expiry: 72h
reasoning:
  enabled: true
  api_key: sk-test
  timeout: 3s
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken.Value())
	assert.Equal(t, store.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Matcher.TopK)
	assert.Equal(t, 0.75, cfg.Matcher.SemanticWeight, "unset keys keep defaults")
	assert.False(t, cfg.Safety.ShadowMode)
	assert.Equal(t, 5, cfg.Safety.RateLimit.Burst)
	assert.Equal(t, 6.0, cfg.Safety.RateLimit.AutoExecutePerMinute)
	assert.Equal(t, 72*time.Hour, cfg.Safety.Staging.IdleExpiry)
	assert.True(t, cfg.Reasoning.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Reasoning.Timeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n", 0o600)
	t.Setenv("PATTERND_SERVER_ADDR", ":7000")
	t.Setenv("PATTERND_STORE_DRIVER", "memory")
	t.Setenv("PATTERND_SAFETY_SHADOW_MODE", "false")
	t.Setenv("PATTERND_SAFETY_RATE_LIMIT__BURST", "9")
	t.Setenv("PATTERND_STAGING_SWEEP_INTERVAL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, store.DriverMemory, cfg.Store.Driver)
	assert.False(t, cfg.Safety.ShadowMode)
	assert.Equal(t, 9, cfg.Safety.RateLimit.Burst)
	assert.Equal(t, time.Minute, cfg.Staging.SweepInterval)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PATTERND_SERVER_ADDR":              "server.addr",
		"PATTERND_REASONING_API_KEY":        "reasoning.api_key",
		"PATTERND_SAFETY_RATE_LIMIT__BURST": "safety.rate_limit.burst",
		"PATTERND_DEBUG":                    "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		want    string
	}{
		{"world writable", "server:\n  addr: \":1\"\n", 0o666, "permissions"},
		{"bad yaml", "server: [", 0o600, "parsing"},
		{"invalid thresholds", "safety:\n  min_confidence_to_act: 0.5\n", 0o600, "validation"},
		{"unknown driver", "store:\n  driver: mongo\n", 0o600, "store.driver"},
		{"zero sweep", "staging:\n  sweep_interval: 0s\n", 0o600, "sweep_interval"},
		{"reasoning without credentials", "reasoning:\n  enabled: true\n", 0o600, "reasoning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content, tt.perm))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		big := make([]byte, maxConfigFileSize+1)
		for i := range big {
			big[i] = '#'
		}
		_, err := Load(writeConfig(t, string(big), 0o600))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestSecret(t *testing.T) {
	s := Secret("sk-live")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprint(s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-live", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())

	out, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(out))
}
