package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/logs"
	"github.com/onemcp/onemcp-go/internal/runtime"
	"github.com/onemcp/onemcp-go/internal/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy (the default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  serveRunE(info),
	}
}

func serveRunE(info BuildInfo) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), info)
	}
}

// runServe is the proxy main loop: settings, logger, runtime, HTTP front,
// then block until a signal. A nil return means clean shutdown (exit 0);
// any initialization failure bubbles up for exit 1.
func runServe(parent context.Context, info BuildInfo) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logger, err := logs.SetupLogger(settings.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting onemcp",
		zap.String("version", info.Version),
		zap.String("listen", settings.Listen),
		zap.String("config", settings.ConfigPath),
		zap.String("data_dir", settings.DataDir))

	rt, err := runtime.New(logger, settings, info.Version)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	proxy := server.New(logger, rt)
	front := server.NewHTTP(logger, rt, proxy)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := rt.Start(ctx); err != nil {
		stopRuntime(rt, logger)
		return fmt.Errorf("start: %w", err)
	}
	if err := front.Start(); err != nil {
		stopRuntime(rt, logger)
		return fmt.Errorf("listen on %s: %w", settings.Listen, err)
	}
	logger.Info("ready", zap.String("addr", front.Addr()))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := front.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		logger.Warn("runtime stop", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

// stopRuntime releases runtime resources after a failed start so bolt and
// the tracing exporter do not leak.
func stopRuntime(rt *runtime.Runtime, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		logger.Debug("cleanup after failed start", zap.Error(err))
	}
}
