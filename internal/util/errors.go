// Package util provides utility functions and types for the routing subsystem.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoHealthyBackends.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., CircuitOpenError, UpstreamError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNoHealthyBackends = errors.New("no healthy backends available")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrUnknownStrategy   = errors.New("unknown routing strategy")
	ErrBackendNotFound   = errors.New("backend not found")
	ErrProbeFailed       = errors.New("health probe failed")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// CircuitOpenError is returned when a breaker refuses a call.
type CircuitOpenError struct {
	BackendID  string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker open for backend %s (retry after %s)",
			e.BackendID, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker open for backend %s", e.BackendID)
}

// Is reports whether target is ErrCircuitOpen or another *CircuitOpenError.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(backendID string, retryAfter time.Duration) *CircuitOpenError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CircuitOpenError{BackendID: backendID, RetryAfter: retryAfter}
}

// UpstreamError represents a failure returned by the backend call itself.
type UpstreamError struct {
	BackendID  string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	switch {
	case e.Cause != nil && e.StatusCode != 0:
		return fmt.Sprintf("upstream error from backend %s: status %d: %v", e.BackendID, e.StatusCode, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("upstream error from backend %s: %v", e.BackendID, e.Cause)
	default:
		return fmt.Sprintf("upstream error from backend %s: status %d", e.BackendID, e.StatusCode)
	}
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	_, ok := target.(*UpstreamError)
	return ok
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(backendID string, statusCode int, cause error) *UpstreamError {
	return &UpstreamError{BackendID: backendID, StatusCode: statusCode, Cause: cause}
}

// ProbeError describes a failed health probe. It never leaves the health
// checker; it exists so the failure reason can be logged with context.
type ProbeError struct {
	BackendID string
	Reason    string
	Cause     error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("probe of backend %s failed: %s: %v", e.BackendID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("probe of backend %s failed: %s", e.BackendID, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrProbeFailed or another *ProbeError.
func (e *ProbeError) Is(target error) bool {
	if target == ErrProbeFailed {
		return true
	}
	_, ok := target.(*ProbeError)
	return ok
}

// NewProbeError creates a new ProbeError.
func NewProbeError(backendID, reason string, cause error) *ProbeError {
	return &ProbeError{BackendID: backendID, Reason: reason, Cause: cause}
}
