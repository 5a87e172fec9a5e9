package main

import (
	"context"

	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// startConfigWatcher hot-reloads configPath. It returns nil when no file is
// configured or the watcher could not start; the router keeps running on the
// startup configuration in that case.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, app.applyConfig, config.WithLogger(app.logger))
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// applyConfig applies the settings that can change at runtime: the default
// strategy, session and override settings, and autoscaler thresholds.
// Listeners, the circuit store and the cluster launcher need a restart.
func (app *application) applyConfig(newCfg *config.Config) {
	prev := app.config

	if err := app.balancer.SetStrategy(newCfg.Routing.Strategy); err != nil {
		app.logger.Error("failed to apply routing strategy", observability.Error(err))
	} else if prev.Routing.Strategy != newCfg.Routing.Strategy {
		app.logger.Info("routing strategy changed",
			observability.String("from", prev.Routing.Strategy),
			observability.String("to", newCfg.Routing.Strategy),
		)
	}

	app.router.SetConfig(routerConfig(newCfg))

	if app.scaler != nil {
		app.scaler.SetThresholds(thresholds(newCfg))
	}

	if restartRequired(prev, newCfg) {
		app.logger.Warn("configuration change requires a restart to take full effect")
	}

	app.config = newCfg
}

// restartRequired reports whether next changes settings that are only read
// at startup.
func restartRequired(prev, next *config.Config) bool {
	return prev.Listen != next.Listen ||
		prev.CircuitBreaker.Store.Type != next.CircuitBreaker.Store.Type ||
		prev.CircuitBreaker.Store.Redis.Address != next.CircuitBreaker.Store.Redis.Address ||
		prev.Cluster.Enabled != next.Cluster.Enabled ||
		prev.Cluster.Launcher != next.Cluster.Launcher ||
		prev.HealthCheck.Protocol != next.HealthCheck.Protocol ||
		len(prev.Backends) != len(next.Backends)
}
