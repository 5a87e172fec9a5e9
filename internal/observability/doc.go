// Package observability provides logging, metrics, and tracing
// functionality for the routing subsystem.
//
// # Logging
//
// The Logger interface wraps zap with typed field constructors:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("backend registered",
//	    observability.BackendID(id),
//	    observability.String("address", addr),
//	)
//
// # Metrics
//
// Metrics owns a private Prometheus registry. A nil *Metrics is accepted
// everywhere and records nothing:
//
//	metrics := observability.NewMetrics("avaroute")
//	mux.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// Tracer wraps an OpenTelemetry provider exporting over OTLP/gRPC when enabled.
package observability
