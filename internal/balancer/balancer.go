// Package balancer combines backend selection, circuit breaking, connection
// accounting and outcome recording into a single routing call.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/stats"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// CallFunc performs the call to the selected backend.
type CallFunc func(ctx context.Context, b backend.Backend) error

// Balancer routes calls to backends.
type Balancer struct {
	registry *backend.Registry
	selector *backend.Selector
	breaker  *circuitbreaker.Manager
	stats    *stats.Aggregator
	logger   observability.Logger
	metrics  *observability.Metrics

	mu       sync.RWMutex
	strategy string
}

// Option is a functional option for configuring the balancer.
type Option func(*Balancer)

// WithLogger sets the logger for the balancer.
func WithLogger(logger observability.Logger) Option {
	return func(b *Balancer) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink for the balancer.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Balancer) {
		b.metrics = metrics
	}
}

// WithStats records outcomes into agg.
func WithStats(agg *stats.Aggregator) Option {
	return func(b *Balancer) {
		b.stats = agg
	}
}

// WithStrategy sets the default strategy.
func WithStrategy(name string) Option {
	return func(b *Balancer) {
		b.strategy = name
	}
}

// New creates a balancer. Removing a backend from registry also deletes its
// circuit record, stats counters and metric series.
func New(registry *backend.Registry, breaker *circuitbreaker.Manager, opts ...Option) (*Balancer, error) {
	b := &Balancer{
		registry: registry,
		selector: backend.NewSelector(registry),
		breaker:  breaker,
		logger:   observability.NopLogger(),
		strategy: config.StrategyRoundRobin,
	}
	for _, opt := range opts {
		opt(b)
	}
	if !config.IsValidStrategy(b.strategy) {
		return nil, fmt.Errorf("%w: %q", util.ErrUnknownStrategy, b.strategy)
	}

	registry.OnRemove(b.forget)
	return b, nil
}

func (b *Balancer) forget(be backend.Backend) {
	if b.breaker != nil {
		b.breaker.Remove(context.Background(), be.ID)
	}
	if b.stats != nil {
		b.stats.Forget(be.ID)
	}
	b.metrics.ForgetBackend(be.ID)
}

// Strategy returns the default strategy.
func (b *Balancer) Strategy() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strategy
}

// SetStrategy replaces the default strategy.
func (b *Balancer) SetStrategy(name string) error {
	if !config.IsValidStrategy(name) {
		return fmt.Errorf("%w: %q", util.ErrUnknownStrategy, name)
	}

	b.mu.Lock()
	prev := b.strategy
	b.strategy = name
	b.mu.Unlock()

	if prev != name {
		b.logger.Info("routing strategy changed",
			observability.String("from", prev),
			observability.String("to", name),
		)
	}
	return nil
}

// Select picks a backend. An empty strategy uses the default.
func (b *Balancer) Select(strategy string, rc backend.RoutingContext) (backend.Backend, error) {
	if strategy == "" {
		strategy = b.Strategy()
	}

	be, err := b.selector.Select(strategy, rc)
	if err != nil {
		reason := "error"
		switch {
		case errors.Is(err, util.ErrNoHealthyBackends):
			reason = "no_healthy_backends"
		case errors.Is(err, util.ErrUnknownStrategy):
			reason = "unknown_strategy"
		}
		b.metrics.RecordSelectionError(strategy, reason)
		return backend.Backend{}, err
	}

	b.metrics.RecordSelection(strategy, be.ID)
	return be, nil
}

// Execute runs fn against be through its circuit breaker while holding a
// connection lease. It returns a *util.CircuitOpenError without calling fn
// when the circuit is open, and fn's error otherwise.
func (b *Balancer) Execute(ctx context.Context, be backend.Backend, fn CallFunc) error {
	if b.breaker != nil {
		if err := b.breaker.Allow(ctx, be.ID); err != nil {
			b.record(be.ID, stats.OutcomeRejected, 0, err)
			return err
		}
	}

	lease, err := b.registry.Acquire(be.ID)
	if err != nil {
		if b.breaker != nil {
			b.breaker.Abandon(context.WithoutCancel(ctx), be.ID)
		}
		return err
	}
	defer lease.Release()

	callErr := fn(ctx, be)
	elapsed := lease.Elapsed()
	lease.Release()

	outcome := classify(ctx, callErr)
	if outcome != stats.OutcomeCanceled {
		b.registry.ObserveLatency(be.ID, float64(elapsed.Microseconds())/1000)
	}
	if b.breaker != nil {
		b.breaker.Record(context.WithoutCancel(ctx), be.ID, callErr)
	}
	b.record(be.ID, outcome, elapsed, callErr)

	if outcome == stats.OutcomeFailure {
		b.logger.WithContext(ctx).Debug("backend call failed",
			observability.BackendID(be.ID),
			observability.Duration("elapsed", elapsed),
			observability.Error(callErr),
		)
	}
	return callErr
}

// Do selects a backend and executes fn against it. When the chosen
// backend's circuit is open, Do selects once more with that backend
// excluded; if nothing else is available the rejection is returned.
func (b *Balancer) Do(ctx context.Context, strategy string, rc backend.RoutingContext, fn CallFunc) (backend.Backend, error) {
	be, err := b.Select(strategy, rc)
	if err != nil {
		b.record("", stats.OutcomeRejected, 0, err)
		return backend.Backend{}, err
	}

	err = b.Execute(ctx, be, fn)
	if !errors.Is(err, util.ErrCircuitOpen) {
		return be, err
	}

	rc.Exclude = append(slices.Clone(rc.Exclude), be.ID)
	alt, selErr := b.Select(strategy, rc)
	if selErr != nil {
		return be, err
	}
	return alt, b.Execute(ctx, alt, fn)
}

func (b *Balancer) record(id string, outcome stats.Outcome, elapsed time.Duration, err error) {
	if b.stats != nil {
		b.stats.Record(id, outcome, elapsed, err)
	}
	if id != "" {
		b.metrics.RecordRequest(id, string(outcome), elapsed)
	}
}

func classify(ctx context.Context, err error) stats.Outcome {
	switch {
	case err == nil:
		return stats.OutcomeSuccess
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return stats.OutcomeCanceled
	default:
		return stats.OutcomeFailure
	}
}
