// Package health probes backends and serves the router's own liveness and
// readiness endpoints.
//
// The Checker probes every registered backend on a fixed interval with a
// bounded fan-out. Each probe has its own deadline; a timeout, a transport
// error, a malformed reply or a status other than "ok" marks the backend
// unhealthy and is never propagated:
//
//	checker := health.NewChecker(registry, health.NewHTTPProber("/health"), health.DefaultConfig(),
//	    health.WithLogger(logger),
//	)
//	checker.Start(ctx)
//	defer checker.Stop()
//
// Probers are pluggable: HTTPProber reads a JSON reply, GRPCProber uses the
// standard grpc.health.v1 service, SimulatedProber reports random load, and
// FakeProber replays scripted outcomes.
package health
