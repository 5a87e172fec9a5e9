package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// EWMAAlpha is the smoothing factor applied to response time samples.
const EWMAAlpha = 0.1

// Backend is a point-in-time view of one backend worker.
type Backend struct {
	ID                string    `json:"id"`
	Address           string    `json:"address"`
	Healthy           bool      `json:"healthy"`
	Weight            int       `json:"weight"`
	ActiveConnections int64     `json:"activeConnections"`
	AvgResponseTime   float64   `json:"avgResponseTime"`
	CPUUsage          float64   `json:"cpuUsage"`
	MemoryUsage       float64   `json:"memoryUsage"`
	LastHealthCheck   time.Time `json:"lastHealthCheck"`
}

// New creates a backend with a fresh identifier. Backends start healthy so
// that a newly spawned worker is routable before its first probe; a failed
// probe removes it from the healthy view.
func New(address string, weight int) Backend {
	if weight < 1 {
		weight = 1
	}
	return Backend{
		ID:      uuid.NewString(),
		Address: address,
		Healthy: true,
		Weight:  weight,
	}
}

// NewStatic creates a backend for a fixed address. Its identifier is derived
// from the address, so every router process sharing a circuit store agrees
// on it.
func NewStatic(address string, weight int) Backend {
	b := New(address, weight)
	b.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(b.URL())).String()
	return b
}

// URL returns the backend base URL (HTTP).
func (b Backend) URL() string {
	return "http://" + b.Address
}

// EWMA folds sample into avg. A zero average takes the sample as-is.
func EWMA(avg, sample float64) float64 {
	if avg == 0 {
		return sample
	}
	return avg*(1-EWMAAlpha) + sample*EWMAAlpha
}

// MetricsUpdate is a partial update applied by Registry.Update. Nil fields
// are left unchanged.
type MetricsUpdate struct {
	Healthy     *bool
	CPUUsage    *float64
	MemoryUsage *float64
	Weight      *int
	// ResponseTimeSample is folded into AvgResponseTime via EWMA.
	ResponseTimeSample *float64
	// CheckedAt sets LastHealthCheck when non-zero.
	CheckedAt time.Time
}

// Registry is the authoritative table of backends in registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []*Backend
	byID     map[string]*Backend
	onRemove []func(Backend)
	logger   observability.Logger
}

// NewRegistry creates a new backend registry.
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		byID:   make(map[string]*Backend),
		logger: logger,
	}
}

// OnRemove registers a hook run after a backend is removed. Hooks run
// outside the registry lock.
func (r *Registry) OnRemove(fn func(Backend)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Register adds a backend at the end of the registry order.
func (r *Registry) Register(b Backend) error {
	if b.ID == "" {
		return errors.New("backend id is required")
	}
	if err := util.ValidateAddress(b.Address); err != nil {
		return err
	}
	if b.Weight < 1 {
		b.Weight = 1
	}
	if b.ActiveConnections < 0 {
		b.ActiveConnections = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[b.ID]; exists {
		return fmt.Errorf("backend already registered: %s", b.ID)
	}

	entry := b
	r.order = append(r.order, &entry)
	r.byID[b.ID] = &entry

	r.logger.Info("registered backend",
		observability.BackendID(b.ID),
		observability.String("address", b.Address),
		observability.Int("weight", b.Weight),
	)

	return nil
}

// Remove deletes a backend and runs the OnRemove hooks.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	entry, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", util.ErrBackendNotFound, id)
	}

	delete(r.byID, id)
	for i, b := range r.order {
		if b == entry {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	removed := *entry
	hooks := slices.Clone(r.onRemove)
	r.mu.Unlock()

	r.logger.Info("removed backend",
		observability.BackendID(id),
		observability.String("address", removed.Address),
	)

	for _, fn := range hooks {
		fn(removed)
	}

	return nil
}

// Get returns a snapshot of one backend.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.byID[id]
	if !exists {
		return Backend{}, false
	}
	return *entry, true
}

// List returns a snapshot of all backends in registry order.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, len(r.order))
	for i, b := range r.order {
		out[i] = *b
	}
	return out
}

// Healthy returns a snapshot of the healthy backends in registry order.
func (r *Registry) Healthy() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.order))
	for _, b := range r.order {
		if b.Healthy {
			out = append(out, *b)
		}
	}
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Update applies a partial metrics update.
func (r *Registry) Update(id string, u MetricsUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.byID[id]
	if !exists {
		return fmt.Errorf("%w: %s", util.ErrBackendNotFound, id)
	}

	if u.Healthy != nil {
		b.Healthy = *u.Healthy
	}
	if u.CPUUsage != nil {
		b.CPUUsage = clampFraction(*u.CPUUsage)
	}
	if u.MemoryUsage != nil {
		b.MemoryUsage = clampFraction(*u.MemoryUsage)
	}
	if u.Weight != nil && *u.Weight >= 1 {
		b.Weight = *u.Weight
	}
	if u.ResponseTimeSample != nil && *u.ResponseTimeSample >= 0 {
		b.AvgResponseTime = EWMA(b.AvgResponseTime, *u.ResponseTimeSample)
	}
	if !u.CheckedAt.IsZero() {
		b.LastHealthCheck = u.CheckedAt
	}

	return nil
}

// ObserveLatency folds a request latency in milliseconds into the backend's
// average response time.
func (r *Registry) ObserveLatency(id string, ms float64) {
	if ms < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.byID[id]; exists {
		b.AvgResponseTime = EWMA(b.AvgResponseTime, ms)
	}
}

// Lease tracks one in-flight request against a backend.
type Lease struct {
	registry *Registry
	id       string
	acquired time.Time
	released atomic.Bool
}

// Acquire increments the backend's active connections and returns a lease
// that must be released exactly once.
func (r *Registry) Acquire(id string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.byID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", util.ErrBackendNotFound, id)
	}
	b.ActiveConnections++

	return &Lease{registry: r, id: id, acquired: time.Now()}, nil
}

// BackendID returns the leased backend's identifier.
func (l *Lease) BackendID() string {
	return l.id
}

// Elapsed returns the time since the lease was acquired.
func (l *Lease) Elapsed() time.Duration {
	return time.Since(l.acquired)
}

// Release decrements the backend's active connections. Calls after the
// first are no-ops, as are releases for a backend removed meanwhile.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}

	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.byID[l.id]; exists && b.ActiveConnections > 0 {
		b.ActiveConnections--
	}
}

func clampFraction(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
