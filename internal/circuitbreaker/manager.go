package circuitbreaker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// StateChangeFunc is called after a committed state transition.
type StateChangeFunc func(backendID string, from, to State)

// Manager gates calls per backend using records kept in a Store. When the
// store fails, the manager admits calls and logs instead of failing the
// request path.
type Manager struct {
	config        Config
	store         Store
	logger        observability.Logger
	metrics       *observability.Metrics
	onStateChange StateChangeFunc
	now           func() time.Time
}

// Option is a functional option for configuring the manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink for the manager.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithStateChangeCallback sets a callback for state transitions.
func WithStateChangeCallback(fn StateChangeFunc) Option {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a circuit breaker manager.
func NewManager(cfg Config, store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		config: cfg.normalized(),
		store:  store,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Allow gates a call to backendID. It returns a *util.CircuitOpenError when
// the circuit is open or its half-open probe is already in flight.
func (m *Manager) Allow(ctx context.Context, backendID string) error {
	now := m.now()
	var allowed bool

	prev, next, err := m.store.Update(ctx, backendID, func(rec Record, _ bool) (Record, bool) {
		var (
			updated Record
			persist bool
		)
		updated, allowed, persist = m.config.admit(rec, now)
		return updated, persist
	})
	if err != nil {
		m.logger.Warn("circuit store unavailable, admitting call",
			observability.BackendID(backendID),
			observability.Error(err),
		)
		return nil
	}

	m.transitioned(ctx, backendID, prev, next)

	if !allowed {
		m.metrics.RecordCircuitRejection(backendID)
		return util.NewCircuitOpenError(backendID, next.NextAttempt.Sub(now))
	}
	return nil
}

// RecordSuccess records a successful call.
func (m *Manager) RecordSuccess(ctx context.Context, backendID string) {
	m.update(ctx, backendID, "success", func(rec Record, exists bool) (Record, bool) {
		if !exists {
			return rec, false
		}
		return m.config.onSuccess(rec)
	})
}

// RecordFailure records a failed call. The record is created here on the
// first failure.
func (m *Manager) RecordFailure(ctx context.Context, backendID string) {
	now := m.now()
	m.update(ctx, backendID, "failure", func(rec Record, _ bool) (Record, bool) {
		return m.config.onFailure(rec, now), true
	})
}

// Abandon releases an admitted half-open probe without judging the backend.
func (m *Manager) Abandon(ctx context.Context, backendID string) {
	m.update(ctx, backendID, "abandon", func(rec Record, exists bool) (Record, bool) {
		if !exists {
			return rec, false
		}
		return m.config.onAbandon(rec)
	})
}

// Record classifies err with the configured IsFailure and records it.
// Errors that are not failures release a half-open probe.
func (m *Manager) Record(ctx context.Context, backendID string, err error) {
	switch {
	case err == nil:
		m.RecordSuccess(ctx, backendID)
	case m.config.isFailure(err):
		m.RecordFailure(ctx, backendID)
	default:
		m.Abandon(ctx, backendID)
	}
}

// Execute runs fn if the circuit admits the call and records its outcome.
// Errors from fn are returned unchanged.
func (m *Manager) Execute(ctx context.Context, backendID string, fn func(context.Context) error) error {
	if err := m.Allow(ctx, backendID); err != nil {
		return err
	}

	err := fn(ctx)
	// Recording must survive a canceled request context.
	m.Record(context.WithoutCancel(ctx), backendID, err)
	return err
}

// State returns the current state for backendID. Backends without a record
// are closed.
func (m *Manager) State(ctx context.Context, backendID string) State {
	rec, exists, err := m.store.Get(ctx, backendID)
	if err != nil || !exists {
		return StateClosed
	}
	return rec.State
}

// Remove deletes the record for a retired backend.
func (m *Manager) Remove(ctx context.Context, backendID string) {
	if err := m.store.Delete(ctx, backendID); err != nil {
		m.logger.Warn("failed to delete circuit record",
			observability.BackendID(backendID),
			observability.Error(err),
		)
	}
}

// Snapshot returns all stored records.
func (m *Manager) Snapshot(ctx context.Context) map[string]Record {
	records, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("failed to list circuit records", observability.Error(err))
		return map[string]Record{}
	}
	return records
}

func (m *Manager) update(ctx context.Context, backendID, outcome string, fn UpdateFunc) {
	prev, next, err := m.store.Update(ctx, backendID, fn)
	if err != nil {
		m.logger.Warn("failed to record circuit outcome",
			observability.BackendID(backendID),
			observability.String("outcome", outcome),
			observability.Error(err),
		)
		return
	}
	m.transitioned(ctx, backendID, prev, next)
}

func (m *Manager) transitioned(ctx context.Context, backendID string, prev, next Record) {
	if prev.State == next.State {
		return
	}

	m.logger.Info("circuit breaker state changed",
		observability.BackendID(backendID),
		observability.String("from", prev.State.String()),
		observability.String("to", next.State.String()),
		observability.Int("failures", next.Failures),
	)

	m.metrics.RecordCircuitTransition(backendID, prev.State.String(), next.State.String(), int(next.State))

	observability.AddSpanEvent(ctx, "circuitbreaker.state_change",
		attribute.String("circuitbreaker.backend", backendID),
		attribute.String("circuitbreaker.from", prev.State.String()),
		attribute.String("circuitbreaker.to", next.State.String()),
	)

	if m.onStateChange != nil {
		m.onStateChange(backendID, prev.State, next.State)
	}
}
