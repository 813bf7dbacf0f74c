package querier

import (
	"fmt"
	"log/slog"

	"github.com/malbeclabs/analyst/pkg/duck"
)

const DefaultMaxRows = 10000

type Config struct {
	Logger *slog.Logger
	DB     duck.DB
	// MaxRows caps the rows read back from a single query; the rest are
	// dropped and the response is marked truncated.
	MaxRows int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DB == nil {
		return fmt.Errorf("database is required")
	}
	if cfg.MaxRows == 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxRows < 0 {
		return fmt.Errorf("max rows must be positive")
	}
	return nil
}
