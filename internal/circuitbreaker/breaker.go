package circuitbreaker

import (
	"context"
	"errors"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates a single probe call is testing the backend.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return errors.New("unknown circuit state: " + string(b))
	}
	return nil
}

// Record is the persisted circuit state of one backend.
type Record struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
	// NextAttempt is when an open circuit admits its probe. While half-open
	// it is the probe deadline, after which a new probe may be admitted.
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
	// ProbeInFlight marks that the half-open probe has been admitted.
	ProbeInFlight bool `json:"probeInFlight,omitempty"`
}

// Config holds circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration

	// ResetOnSuccess resets the failure count on a success while closed.
	// When false, only a successful half-open probe clears failures.
	ResetOnSuccess bool

	// IsFailure decides whether a call error counts against the backend.
	// If nil, every error except caller cancellation is a failure.
	IsFailure func(err error) bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		ResetOnSuccess:   true,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureThreshold < 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

func (c Config) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if c.IsFailure != nil {
		return c.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// admit gates a call. It returns the updated record, whether the call may
// proceed and whether the record must be written back.
func (c Config) admit(rec Record, now time.Time) (next Record, allowed, persist bool) {
	switch rec.State {
	case StateOpen:
		if now.Before(rec.NextAttempt) {
			return rec, false, false
		}
		return c.startProbe(rec, now), true, true

	case StateHalfOpen:
		if rec.ProbeInFlight && now.Before(rec.NextAttempt) {
			return rec, false, false
		}
		// The previous probe never reported back.
		return c.startProbe(rec, now), true, true

	default:
		return rec, true, false
	}
}

func (c Config) startProbe(rec Record, now time.Time) Record {
	rec.State = StateHalfOpen
	rec.ProbeInFlight = true
	rec.NextAttempt = now.Add(c.OpenTimeout)
	return rec
}

// onSuccess applies a successful call.
func (c Config) onSuccess(rec Record) (next Record, persist bool) {
	switch rec.State {
	case StateHalfOpen:
		return Record{State: StateClosed}, true
	case StateOpen:
		// A call admitted before the circuit opened finished late.
		return rec, false
	default:
		if c.ResetOnSuccess && rec.Failures > 0 {
			rec.Failures = 0
			return rec, true
		}
		return rec, false
	}
}

// onFailure applies a failed call.
func (c Config) onFailure(rec Record, now time.Time) Record {
	rec.Failures++
	rec.LastFailure = now

	switch rec.State {
	case StateHalfOpen:
		rec.State = StateOpen
		rec.ProbeInFlight = false
		rec.NextAttempt = now.Add(c.OpenTimeout)
	case StateClosed:
		if rec.Failures >= c.FailureThreshold {
			rec.State = StateOpen
			rec.NextAttempt = now.Add(c.OpenTimeout)
		}
	}
	return rec
}

// onAbandon releases a half-open probe whose outcome says nothing about
// the backend, so the next caller may probe instead.
func (c Config) onAbandon(rec Record) (next Record, persist bool) {
	if rec.State == StateHalfOpen && rec.ProbeInFlight {
		rec.ProbeInFlight = false
		return rec, true
	}
	return rec, false
}
