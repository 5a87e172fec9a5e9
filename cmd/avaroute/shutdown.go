package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/health"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// run starts the application and blocks until a shutdown signal or a
// listener failure, then shuts everything down.
func run(app *application, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	app.serve(errCh)
	watcher := startConfigWatcher(ctx, app, configPath)

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("received shutdown signal")
	case runErr = <-errCh:
		app.logger.Error("listener failed, shutting down", observability.Error(runErr))
	}

	app.shutdown(watcher)
	return runErr
}

// shutdown stops intake first, then background loops, then workers.
func (app *application) shutdown(watcher *config.Watcher) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.proxyServer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to stop proxy listener gracefully", observability.Error(err))
	}
	if err := app.adminServer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to stop admin listener gracefully", observability.Error(err))
	}

	if app.scaler != nil {
		app.scaler.Stop()
	}
	app.checker.Stop()

	if app.cluster != nil {
		if err := app.cluster.Stop(); err != nil {
			app.logger.Error("failed to stop workers", observability.Error(err))
		}
	}

	if gp, ok := app.prober.(*health.GRPCProber); ok {
		_ = gp.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", observability.Error(err))
		}
	}
	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.logger.Info("avaroute stopped")
}
