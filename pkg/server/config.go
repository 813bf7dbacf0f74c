package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	// A run is driven inside the request until it suspends or ends, which
	// includes every reasoning call.
	DefaultWriteTimeout = 5 * time.Minute
	maxBodyBytes        = 1 << 20
)

type Engine interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Package, error)
	Get(ctx context.Context, requestID string) (*pipeline.Package, error)
	Resume(ctx context.Context, requestID string, d pipeline.Decision) (*pipeline.Package, error)
	Continue(ctx context.Context, requestID string) (*pipeline.Package, error)
}

type Catalog interface {
	Register(ctx context.Context, name, source string) (catalog.Dataset, error)
	List(ctx context.Context) ([]catalog.Dataset, error)
	Get(ctx context.Context, name string) (catalog.Dataset, error)
}

type Config struct {
	Logger   *slog.Logger
	Listener net.Listener
	Engine   Engine
	Catalog  Catalog
	// Ready reports whether the server can take work. Nil is always ready.
	Ready func(ctx context.Context) error

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Listener == nil {
		return errors.New("listener is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
