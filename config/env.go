package config

import (
	"fmt"
	"strconv"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides file settings with the environment.
func (cfg *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.setBool("ANALYST_VERBOSE", &cfg.Verbose)
	e.setString("ANALYST_DATA_DIR", &cfg.DataDir)
	e.setString("ANALYST_DATABASE", &cfg.Database)

	e.setString("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
	e.setString("ANTHROPIC_BASE_URL", &cfg.LLM.BaseURL)
	e.setString("ANALYST_MODEL", &cfg.LLM.Model)
	e.setInt64("ANALYST_MAX_TOKENS", &cfg.LLM.MaxTokens)

	e.setBool("ANALYST_AUTO_APPROVE", &cfg.Pipeline.AutoApprove)
	e.setDuration("ANALYST_REASONING_TIMEOUT", &cfg.Pipeline.ReasoningTimeout)
	e.setInt("ANALYST_MAX_CONCURRENT_QUERIES", &cfg.Pipeline.MaxConcurrentQueries)
	e.setInt("ANALYST_MAX_ROWS_RETURNED", &cfg.Pipeline.MaxRowsReturned)

	e.setInt("ANALYST_ROW_LIMIT", &cfg.Safety.RowLimit)
	e.setDuration("ANALYST_QUERY_TIMEOUT", &cfg.Safety.QueryTimeout)

	e.setString("ANALYST_STORE", &cfg.Store.Kind)
	e.setString("ANALYST_STORE_DIR", &cfg.Store.Dir)
	e.setString("ANALYST_POSTGRES_URL", &cfg.Store.PostgresURL)

	e.setString("ANALYST_LISTEN_ADDR", &cfg.Server.ListenAddr)
	e.setString("ANALYST_METRICS_ADDR", &cfg.Server.MetricsAddr)

	return e.err
}

// envReader records the first malformed value and ignores the rest.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) value(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, value string, err error) {
	e.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.value(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt64(key string, dst *int64) {
	if v, ok := e.value(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.value(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
