package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/analyst/config"
	"github.com/malbeclabs/analyst/internal/app"
	"github.com/malbeclabs/analyst/pkg/logger"
	"github.com/malbeclabs/analyst/pkg/metrics"
	"github.com/malbeclabs/analyst/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to a YAML config file (or set ANALYST_CONFIG env var)")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", config.DefaultListenAddr, "HTTP API listen address")
	metricsAddrFlag := flag.String("metrics-addr", config.DefaultMetricsAddr, "Address to listen on for prometheus metrics (set to empty string to disable)")
	autoApproveFlag := flag.Bool("auto-approve", false, "execute generated queries without waiting for approval")
	versionFlag := flag.Bool("version", false, "print the version and exit")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("analyst-server %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	if envConfig := os.Getenv("ANALYST_CONFIG"); envConfig != "" && !flag.CommandLine.Changed("config") {
		*configFlag = envConfig
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}

	// Flags win over the file and the environment when set explicitly.
	if flag.CommandLine.Changed("verbose") {
		cfg.Verbose = *verboseFlag
	}
	if flag.CommandLine.Changed("listen-addr") {
		cfg.Server.ListenAddr = *listenAddrFlag
	}
	if flag.CommandLine.Changed("metrics-addr") || cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = *metricsAddrFlag
	}
	if flag.CommandLine.Changed("auto-approve") {
		cfg.Pipeline.AutoApprove = *autoApproveFlag
	}

	log := logger.New(cfg.Verbose)

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	var metricsServerErrCh = make(chan error, 1)
	if cfg.Server.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.Server.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize analyst: %w", err)
	}
	defer a.Close()
	log.Info("analyst initialized", "store", cfg.Store.Kind, "dataDir", cfg.DataDir, "autoApprove", cfg.Pipeline.AutoApprove)

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer listener.Close()

	srv, err := server.New(server.Config{
		Logger:            log,
		Listener:          listener,
		Engine:            a.Engine,
		Catalog:           a.Catalog,
		Ready:             a.Ready,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		// Let Run finish draining in-flight requests.
		return <-serverErrCh
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
