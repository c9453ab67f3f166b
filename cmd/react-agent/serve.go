package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/react-agent/internal/api"
	"github.com/nugget/react-agent/internal/buildinfo"
	"github.com/nugget/react-agent/internal/health"
)

// janitorInterval is how often idle sessions are pruned.
const janitorInterval = time.Minute

// runServe handles the "serve" subcommand: it wires the agent, starts
// the API server and blocks until SIGINT, SIGTERM or ctx cancellation.
//
// The shutdown sequence is:
//  1. The signal cancels the serve context
//  2. The HTTP server drains in-flight requests for up to 10 seconds
//  3. Provider health watchers stop
//  4. The usage ledger is closed via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	build := buildinfo.Info()
	logger.Info("starting react-agent",
		"version", build.Version,
		"commit", build.GitCommit,
		"branch", build.GitBranch,
		"built", build.BuildTime,
	)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Model.Name)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor := health.NewMonitor(a.bus, logger)
	a.watchProviders(ctx, monitor)
	defer monitor.Stop()

	go a.host.Janitor(ctx, janitorInterval)

	opts := []api.Option{api.WithEventBus(a.bus), api.WithHealth(monitor)}
	if a.usage != nil {
		opts = append(opts, api.WithUsage(a.usage))
	}
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.host, a.registry, logger, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
