// Package util provides shared error types, HTTP helpers, and validation
// functions for the routing subsystem.
//
// # Error Types
//
// The routing error taxonomy:
//
//   - ErrNoHealthyBackends: selection found no healthy backend.
//   - ErrCircuitOpen / *CircuitOpenError: a breaker refused the call
//     without contacting the backend.
//   - *UpstreamError: the backend call itself failed.
//   - *ProbeError: a health probe failed; recorded, never propagated.
//
// # HTTP Utilities
//
// StatusCapturingResponseWriter records the status written by a handler:
//
//	w := util.NewStatusCapturingResponseWriter(responseWriter)
//	handler.ServeHTTP(w, r)
//	statusCode := w.StatusCode
package util
