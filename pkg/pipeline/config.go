package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/pkg/safety"
)

const (
	DefaultMaxAttempts          = 2
	DefaultRetryInitialInterval = 250 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
)

// QueryValidator re-checks queries supplied when a plan is modified at the
// approval gate.
type QueryValidator interface {
	Validate(query string) safety.Verdict
}

type Config struct {
	Logger    *slog.Logger
	Stages    []Stage
	Rules     []Rule
	Store     Store
	Validator QueryValidator
	Clock     clockwork.Clock

	// Entry is the first stage of every run.
	Entry StageName
	// MaxAttempts applies to stages whose descriptor does not set one.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// AutoApprove passes the approval gate without suspending the run.
	AutoApprove bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Validator == nil {
		return errors.New("query validator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Entry == "" {
		cfg.Entry = StageInterpreter
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxAttempts < 0 {
		return errors.New("max attempts must be positive")
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval == 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if cfg.RetryInitialInterval < 0 || cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		return errors.New("retry intervals must be positive with max >= initial")
	}
	return nil
}
