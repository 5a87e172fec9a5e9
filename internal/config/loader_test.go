package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "avaroute.yaml")

	content := `
routing:
  strategy: adaptive
healthCheck:
  interval: 10s
backends:
  - address: 10.0.0.1:8080
    weight: 3
  - address: 10.0.0.2:8080
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, StrategyAdaptive, cfg.Routing.Strategy)
	assert.Equal(t, 10*time.Second, cfg.HealthCheck.Interval.Duration())
	// Omitted keys keep defaults.
	assert.Equal(t, 5*time.Second, cfg.HealthCheck.Timeout.Duration())
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, 3, cfg.Backends[0].Weight)
	assert.Equal(t, 1, cfg.Backends[1].Weight)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/avaroute.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigFromReader_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromReader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed yaml", content: "routing: [unclosed"},
		{name: "unknown field", content: "routing:\n  strategi: sticky\n"},
		{name: "bad duration", content: "healthCheck:\n  interval: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfigFromReader(strings.NewReader(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to parse YAML")
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVAROUTE_TEST_REDIS", "redis.internal:6379")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "set variable", input: "${AVAROUTE_TEST_REDIS}", expected: "redis.internal:6379"},
		{name: "default ignored when set", input: "${AVAROUTE_TEST_REDIS:-x:1}", expected: "redis.internal:6379"},
		{name: "default used", input: "${AVAROUTE_TEST_MISSING:-localhost:6379}", expected: "localhost:6379"},
		{name: "missing without default", input: "a${AVAROUTE_TEST_MISSING}b", expected: "ab"},
		{name: "escaped dollar", input: "$$HOME", expected: "$HOME"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, substituteEnvVars(tt.input))
		})
	}
}

func TestLoadConfigFromReader_EnvSubstitution(t *testing.T) {
	t.Setenv("AVAROUTE_TEST_STRATEGY", "sticky")

	cfg, err := LoadConfigFromReader(strings.NewReader("routing:\n  strategy: ${AVAROUTE_TEST_STRATEGY}\n"))
	require.NoError(t, err)
	assert.Equal(t, StrategySticky, cfg.Routing.Strategy)
}

func TestResolveConfigPath(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "avaroute.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0o644))

	resolved, err := ResolveConfigPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, resolved)

	_, err = ResolveConfigPath(filepath.Join(tmpDir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ExampleFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "avaroute.yaml"))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, StrategyAdaptive, cfg.Routing.Strategy)
	assert.Equal(t, []string{"-addr", "{addr}"}, cfg.Cluster.Args)
	assert.Equal(t, 16, cfg.Cluster.MaxWorkers)
	assert.Equal(t, "avaroute:circuit:", cfg.CircuitBreaker.Store.Redis.Prefix)
}
