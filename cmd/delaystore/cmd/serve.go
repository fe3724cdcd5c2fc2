// =============================================================================
// SERVE COMMAND - RUN THE STORE
// =============================================================================
//
// STARTUP ORDER:
//   1. Config: defaults → --config file → DELAYSTORE_* env → validate
//   2. Metrics registry (when enabled)
//   3. Pebble commit log
//   4. Delay service: recover logs, load the wheel, start background tasks
//   5. HTTP admin API and gRPC health listeners, sharing one TLS config
//
// SHUTDOWN ORDER (SIGINT / SIGTERM):
//   listeners stop first so probes report not-ready, then the service flushes
//   and checkpoints, then the commit log closes.
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WuJingLearn/rocketmq/internal/api"
	"github.com/WuJingLearn/rocketmq/internal/commitlog"
	"github.com/WuJingLearn/rocketmq/internal/config"
	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/grpc"
	"github.com/WuJingLearn/rocketmq/internal/metrics"
)

var shutdownTimeoutFlag time.Duration

// serveStarted is called once every listener is up. Tests replace it.
var serveStarted = func() {}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delay store",
	Long: `Run the delay store with its HTTP admin API and gRPC health service.

Configuration is read from --config and then overridden by DELAYSTORE_*
environment variables, for example:

  DELAYSTORE_STORE_BASE_DIR=/var/lib/delaystore
  DELAYSTORE_SERVER_HTTP_ADDR=:8080
  DELAYSTORE_LOG_FORMAT=json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeoutFlag, "shutdown-timeout", 30*time.Second,
		"How long to wait for in-flight work on shutdown")
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		mc := metrics.DefaultConfig()
		mc.Namespace = cfg.Metrics.Namespace
		reg = metrics.Init(mc)
	}

	store, err := commitlog.OpenPebble(commitlog.PebbleOptions{
		Dir:    cfg.CommitLogDir(),
		Fsync:  cfg.CommitLog.Fsync,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("commit log close failed", "error", err)
		}
	}()

	svc, err := delay.NewService(cfg.ToDelayConfig(logger, reg), store, store)
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.Server.TLS.NewTLSConfig(logger)
	if err != nil {
		return fmt.Errorf("server TLS: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start delay service: %w", err)
	}

	var httpServer *api.Server
	if cfg.Server.HTTPAddr != "" {
		hc := api.DefaultServerConfig()
		hc.Addr = cfg.Server.HTTPAddr
		hc.Store = store
		hc.Metrics = reg
		hc.Logger = logger
		hc.TLS = tlsConfig
		httpServer = api.NewServer(svc, hc)
		if err := httpServer.Start(); err != nil {
			svc.Shutdown(context.Background())
			return err
		}
	}

	grpcErr := make(chan error, 1)
	var grpcServer *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		gc := grpc.DefaultServerConfig()
		gc.Address = cfg.Server.GRPCAddr
		gc.Logger = logger
		gc.TLS = tlsConfig
		grpcServer = grpc.NewServer(svc, gc)
		go func() { grpcErr <- grpcServer.Start() }()
	}

	serveStarted()
	logger.Info("delay store running",
		"http", cfg.Server.HTTPAddr,
		"grpc", cfg.Server.GRPCAddr,
		"base_dir", cfg.Store.BaseDir,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-grpcErr:
		if err != nil {
			runErr = fmt.Errorf("gRPC server: %w", err)
			logger.Error("gRPC server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutFlag)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if httpServer != nil {
		httpServer.Health().SetLive(false)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", "error", err)
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown delay service: %w", err))
	}
	logger.Info("shutdown complete")
	return runErr
}
