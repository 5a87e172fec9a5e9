// Package stats aggregates routed request outcomes into point-in-time
// snapshots for the stats endpoint.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaroute/internal/autoscaler"
	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/circuitbreaker"
)

// maxRecentErrors bounds the error history kept for snapshots.
const maxRecentErrors = 10

// Outcome classifies a routed request.
type Outcome string

// Request outcomes.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
	// OutcomeCanceled is a request abandoned by its caller.
	OutcomeCanceled Outcome = "canceled"
)

// CircuitSource lists circuit records.
type CircuitSource interface {
	Snapshot(ctx context.Context) map[string]circuitbreaker.Record
}

// ScalingSource exposes autoscaler state.
type ScalingSource interface {
	Window() []autoscaler.Sample
	LastDecision() (autoscaler.Decision, bool)
}

// WorkerCounter reports the supervised pool size.
type WorkerCounter interface {
	Workers() int
}

// Snapshot is the JSON body of the stats endpoint.
type Snapshot struct {
	Timestamp        time.Time               `json:"timestamp"`
	TotalBackends    int                     `json:"totalBackends"`
	HealthyBackends  int                     `json:"healthyBackends"`
	TotalRequests    int64                   `json:"totalRequests"`
	FailedRequests   int64                   `json:"failedRequests"`
	RejectedRequests int64                   `json:"rejectedRequests"`
	ErrorRate        float64                 `json:"errorRate"`
	AvgResponseTime  float64                 `json:"avgResponseTime"`
	Backends         []BackendStats          `json:"backends"`
	Circuits         map[string]CircuitStats `json:"circuits"`
	RecentErrors     []ErrorEvent            `json:"recentErrors"`
	Scaling          *ScalingStats           `json:"scaling,omitempty"`
}

// BackendStats is one backend's registry state plus request counters.
type BackendStats struct {
	backend.Backend
	Requests int64  `json:"requests"`
	Failures int64  `json:"failures"`
	Circuit  string `json:"circuit"`
}

// CircuitStats is the public view of a circuit record.
type CircuitStats struct {
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	NextAttempt *time.Time `json:"nextAttempt,omitempty"`
}

// ErrorEvent is one failed request.
type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	BackendID string    `json:"backendId,omitempty"`
	Message   string    `json:"message"`
}

// ScalingStats is the autoscaler's recent view.
type ScalingStats struct {
	Workers      int                  `json:"workers"`
	Window       []autoscaler.Sample  `json:"window"`
	LastDecision *autoscaler.Decision `json:"lastDecision,omitempty"`
}

type counters struct {
	requests int64
	failures int64
}

// Aggregator records request outcomes and builds snapshots.
type Aggregator struct {
	registry *backend.Registry
	circuits CircuitSource
	scaling  ScalingSource
	workers  WorkerCounter

	mu             sync.RWMutex
	total          int64
	failed         int64
	rejected       int64
	totalLatencyMs float64
	timed          int64
	perBackend     map[string]*counters
	recentErrors   []ErrorEvent
}

// Option is a functional option for configuring the aggregator.
type Option func(*Aggregator)

// WithCircuits adds circuit states to snapshots.
func WithCircuits(src CircuitSource) Option {
	return func(a *Aggregator) {
		a.circuits = src
	}
}

// WithScaling adds the autoscaler window and pool size to snapshots.
func WithScaling(src ScalingSource, workers WorkerCounter) Option {
	return func(a *Aggregator) {
		a.scaling = src
		a.workers = workers
	}
}

// NewAggregator creates an aggregator reading backends from registry.
func NewAggregator(registry *backend.Registry, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry:   registry,
		perBackend: make(map[string]*counters),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record records one routed request. Only successes and failures carry a
// latency.
func (a *Aggregator) Record(backendID string, outcome Outcome, latency time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++

	switch outcome {
	case OutcomeRejected:
		a.rejected++
	case OutcomeFailure:
		a.failed++
	}

	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		a.totalLatencyMs += float64(latency.Microseconds()) / 1000
		a.timed++
	}

	if backendID != "" && outcome != OutcomeRejected {
		c, ok := a.perBackend[backendID]
		if !ok {
			c = &counters{}
			a.perBackend[backendID] = c
		}
		c.requests++
		if outcome == OutcomeFailure {
			c.failures++
		}
	}

	if err != nil && (outcome == OutcomeFailure || outcome == OutcomeRejected) {
		a.recentErrors = append(a.recentErrors, ErrorEvent{
			Timestamp: time.Now().UTC(),
			BackendID: backendID,
			Message:   err.Error(),
		})
		if len(a.recentErrors) > maxRecentErrors {
			a.recentErrors = a.recentErrors[len(a.recentErrors)-maxRecentErrors:]
		}
	}
}

// Forget drops the counters of a retired backend.
func (a *Aggregator) Forget(backendID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.perBackend, backendID)
}

// Snapshot builds the current stats.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	backends := a.registry.List()

	var records map[string]circuitbreaker.Record
	if a.circuits != nil {
		records = a.circuits.Snapshot(ctx)
	}

	snap := Snapshot{
		Timestamp:     time.Now().UTC(),
		TotalBackends: len(backends),
		Backends:      make([]BackendStats, 0, len(backends)),
		Circuits:      make(map[string]CircuitStats, len(records)),
	}

	live := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		live[b.ID] = struct{}{}
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		if _, ok := live[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Circuits[id] = circuitStats(records[id])
	}

	a.mu.RLock()
	snap.TotalRequests = a.total
	snap.FailedRequests = a.failed
	snap.RejectedRequests = a.rejected
	if a.total > 0 {
		snap.ErrorRate = float64(a.failed+a.rejected) / float64(a.total)
	}
	if a.timed > 0 {
		snap.AvgResponseTime = a.totalLatencyMs / float64(a.timed)
	}
	snap.RecentErrors = append([]ErrorEvent{}, a.recentErrors...)
	for _, b := range backends {
		bs := BackendStats{Backend: b, Circuit: circuitbreaker.StateClosed.String()}
		if c, ok := a.perBackend[b.ID]; ok {
			bs.Requests = c.requests
			bs.Failures = c.failures
		}
		if rec, ok := records[b.ID]; ok {
			bs.Circuit = rec.State.String()
		}
		if b.Healthy {
			snap.HealthyBackends++
		}
		snap.Backends = append(snap.Backends, bs)
	}
	a.mu.RUnlock()

	if a.scaling != nil {
		sc := &ScalingStats{Window: a.scaling.Window()}
		if a.workers != nil {
			sc.Workers = a.workers.Workers()
		}
		if d, ok := a.scaling.LastDecision(); ok {
			sc.LastDecision = &d
		}
		snap.Scaling = sc
	}

	return snap
}

func circuitStats(rec circuitbreaker.Record) CircuitStats {
	cs := CircuitStats{State: rec.State.String(), Failures: rec.Failures}
	if !rec.NextAttempt.IsZero() {
		next := rec.NextAttempt
		cs.NextAttempt = &next
	}
	return cs
}
