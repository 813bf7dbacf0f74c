// Package cli implements the analyst command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/malbeclabs/analyst/config"
	"github.com/malbeclabs/analyst/internal/app"
	"github.com/malbeclabs/analyst/pkg/logger"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Options lets tests replace the terminal and the reasoning client.
type Options struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
	App app.Options
}

func Run() ExitCode {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := NewRootCmd(Options{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

type env struct {
	opts Options

	configPath string
	verbose    bool
	dataDir    string
	json       bool
}

func NewRootCmd(opts Options) *cobra.Command {
	e := &env{opts: opts}

	rootCmd := &cobra.Command{
		Use:           "analyst",
		Short:         "Answer questions about tabular datasets with planned, approved SQL.",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetIn(opts.In)
	rootCmd.SetOut(opts.Out)
	rootCmd.SetErr(opts.Err)

	rootCmd.PersistentFlags().StringVarP(&e.configPath, "config", "c", os.Getenv("ANALYST_CONFIG"), "path to a YAML config file (or set ANALYST_CONFIG env var)")
	rootCmd.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().StringVar(&e.dataDir, "data-dir", "", "directory for the catalog and saved runs (default .analyst)")
	rootCmd.PersistentFlags().BoolVar(&e.json, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		newAskCmd(e),
		newResumeCmd(e),
		newStatusCmd(e),
		newDatasetsCmd(e),
	)
	return rootCmd
}

// loadConfig applies the global flags on top of the loaded configuration.
// Runs always go to a persistent store so that later invocations can resume
// them.
func (e *env) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, err
	}
	if e.verbose {
		cfg.Verbose = true
	}
	if e.dataDir != "" && e.dataDir != cfg.DataDir {
		if cfg.Store.Dir == filepath.Join(cfg.DataDir, "runs") {
			cfg.Store.Dir = ""
		}
		cfg.DataDir = e.dataDir
	}
	if cfg.Store.Kind == config.StoreMemory {
		cfg.Store.Kind = config.StoreFile
		cfg.Store.Dir = ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *env) open(ctx context.Context, mutate ...func(*config.Config)) (*app.App, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(cfg)
	}

	// Command output goes to stdout; keep the log quiet unless asked.
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := logger.NewWithLevel(e.opts.Err, level)

	a, err := app.New(ctx, cfg, log, e.opts.App)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize analyst: %w", err)
	}
	return a, nil
}
