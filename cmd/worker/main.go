// Package main is the entry point for a routed worker process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/worker"
)

const (
	readHeaderTimeout = 5 * time.Second
	drainTimeout      = 10 * time.Second
)

func main() {
	addr := flag.String("addr", getEnvOrDefault("AVAROUTE_WORKER_ADDR", "127.0.0.1:8081"), "Listen address")
	id := flag.String("id", getEnvOrDefault("AVAROUTE_WORKER_ID", ""), "Worker identifier (random when empty)")
	capacity := flag.Int64("capacity", worker.DefaultCapacity, "In-flight requests that count as full CPU")
	logLevel := flag.String("log-level", getEnvOrDefault("AVAROUTE_LOG_LEVEL", "info"), "Log level")
	logFormat := flag.String("log-format", getEnvOrDefault("AVAROUTE_LOG_FORMAT", "json"), "Log format (json, console)")
	flag.Parse()

	logger, err := observability.NewLogger(observability.LogConfig{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *id == "" {
		*id = uuid.NewString()
	}
	logger = logger.With(observability.String("worker", *id))

	if err := serve(*addr, worker.NewServer(*id, worker.WithCapacity(*capacity), worker.WithLogger(logger)), logger); err != nil {
		logger.Fatal("worker failed", observability.Error(err))
	}
}

// serve runs the worker until SIGINT or SIGTERM. On a signal it reports
// draining to health probes and finishes in-flight requests.
func serve(addr string, srv *worker.Server, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening", observability.String("address", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
