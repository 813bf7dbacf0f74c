package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analyst.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/analyst
llm:
  model: claude-sonnet-4-5
  temperature: 0.2
pipeline:
  reasoning_timeout: 1m
  max_concurrent_queries: 8
safety:
  row_limit: 1000
  query_timeout: 45s
store:
  kind: file
`), 0o644))

	t.Setenv("ANALYST_ROW_LIMIT", "500")
	t.Setenv("ANALYST_AUTO_APPROVE", "true")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/analyst", cfg.DataDir)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, time.Minute, cfg.Pipeline.ReasoningTimeout)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrentQueries)
	assert.True(t, cfg.Pipeline.AutoApprove)
	assert.Equal(t, 500, cfg.Safety.RowLimit)
	assert.Equal(t, 45*time.Second, cfg.Safety.QueryTimeout)
	assert.Equal(t, StoreFile, cfg.Store.Kind)
	assert.Equal(t, "/var/lib/analyst/runs", cfg.Store.Dir)
	assert.Equal(t, "/var/lib/analyst/catalog", cfg.CatalogDir())
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.True(t, cfg.S3.IsZero())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, DefaultReadHeaderTimeout, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"temperature above one", func(c *Config) { c.LLM.Temperature = 1.5 }},
		{"unknown store", func(c *Config) { c.Store.Kind = "redis" }},
		{"postgres without url", func(c *Config) { c.Store.Kind = StorePostgres }},
		{"malformed base url", func(c *Config) { c.LLM.BaseURL = "not a url" }},
		{"negative row limit", func(c *Config) { c.Safety.RowLimit = -1 }},
		{"threshold above one", func(c *Config) { c.Pipeline.ConfidenceThreshold = 1.1 }},
		{"too many workers", func(c *Config) { c.Pipeline.MaxConcurrentQueries = 1000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), "invalid configuration")
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"ANALYST_STORE":         "postgres",
		"ANALYST_POSTGRES_URL":  "postgres://analyst@localhost:5432/analyst",
		"ANALYST_QUERY_TIMEOUT": "10s",
		"ANALYST_MAX_TOKENS":    "2048",
		"ANALYST_METRICS_ADDR":  "",
	}))
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Kind)
	assert.Equal(t, "postgres://analyst@localhost:5432/analyst", cfg.Store.PostgresURL)
	assert.Equal(t, 10*time.Second, cfg.Safety.QueryTimeout)
	assert.EqualValues(t, 2048, cfg.LLM.MaxTokens)
	assert.Empty(t, cfg.Server.MetricsAddr)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_Malformed(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"ANALYST_AUTO_APPROVE":  "maybe",
		"ANALYST_QUERY_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANALYST_AUTO_APPROVE")
	assert.NotContains(t, err.Error(), "ANALYST_QUERY_TIMEOUT")
}
