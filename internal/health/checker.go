package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// Health check defaults.
const (
	DefaultInterval           = 30 * time.Second
	DefaultTimeout            = 5 * time.Second
	DefaultConcurrency        = 16
	DefaultHealthyThreshold   = 1
	DefaultUnhealthyThreshold = 1
)

// Config holds health checker settings.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	// HealthyThreshold is the consecutive successes that mark an unhealthy
	// backend healthy again.
	HealthyThreshold int
	// UnhealthyThreshold is the consecutive failures that mark a healthy
	// backend unhealthy.
	UnhealthyThreshold int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Interval:           DefaultInterval,
		Timeout:            DefaultTimeout,
		Concurrency:        DefaultConcurrency,
		HealthyThreshold:   DefaultHealthyThreshold,
		UnhealthyThreshold: DefaultUnhealthyThreshold,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.HealthyThreshold < 1 {
		c.HealthyThreshold = d.HealthyThreshold
	}
	if c.UnhealthyThreshold < 1 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	return c
}

// StatusChangeFunc is called when a backend's health flips.
type StatusChangeFunc func(backendID string, healthy bool)

type streak struct {
	successes int
	failures  int
}

// Checker periodically probes every registered backend.
type Checker struct {
	registry       *backend.Registry
	prober         Prober
	config         Config
	logger         observability.Logger
	metrics        *observability.Metrics
	onStatusChange StatusChangeFunc

	streakMu sync.Mutex
	streaks  map[string]*streak

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the checker.
type Option func(*Checker)

// WithLogger sets the logger for the checker.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink for the checker.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Checker) {
		c.metrics = metrics
	}
}

// WithStatusChangeCallback sets a callback for health flips.
func WithStatusChangeCallback(fn StatusChangeFunc) Option {
	return func(c *Checker) {
		c.onStatusChange = fn
	}
}

// NewChecker creates a health checker over registry.
func NewChecker(registry *backend.Registry, prober Prober, cfg Config, opts ...Option) *Checker {
	c := &Checker{
		registry: registry,
		prober:   prober,
		config:   cfg.normalized(),
		logger:   observability.NopLogger(),
		streaks:  make(map[string]*streak),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs an immediate round of probes and then one per interval until
// Stop is called or ctx ends.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})

	go c.run(ctx, c.stopCh, c.stoppedCh)
}

// Stop stops the checker and waits for the loop to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (c *Checker) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered backend once and waits for all probes.
func (c *Checker) CheckAll(ctx context.Context) {
	backends := c.registry.List()
	c.pruneStreaks(backends)

	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)

	for _, b := range backends {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.check(ctx, b)
			return nil
		})
	}

	_ = g.Wait()
}

func (c *Checker) check(ctx context.Context, b backend.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	report, err := c.probe(probeCtx, b)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		// Shutdown, not a verdict on the backend.
		return
	}

	c.metrics.RecordHealthCheck(b.ID, err == nil, elapsed)

	if err != nil {
		c.logger.Warn("backend health probe failed",
			observability.BackendID(b.ID),
			observability.String("address", b.Address),
			observability.Duration("elapsed", elapsed),
			observability.Error(err),
		)
		c.apply(b, false, backend.MetricsUpdate{CheckedAt: time.Now()})
		return
	}

	latency := float64(elapsed.Microseconds()) / 1000
	update := backend.MetricsUpdate{
		ResponseTimeSample: &latency,
		CheckedAt:          time.Now(),
	}
	if report.Metrics != nil {
		update.CPUUsage = &report.Metrics.CPU
		update.MemoryUsage = &report.Metrics.Memory
	}
	c.apply(b, true, update)
}

func (c *Checker) probe(ctx context.Context, b backend.Backend) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return c.prober.Probe(ctx, b)
}

// apply records the probe outcome and flips health once the matching
// threshold is reached.
func (c *Checker) apply(b backend.Backend, success bool, update backend.MetricsUpdate) {
	c.streakMu.Lock()
	s, ok := c.streaks[b.ID]
	if !ok {
		s = &streak{}
		c.streaks[b.ID] = s
	}
	if success {
		s.successes++
		s.failures = 0
	} else {
		s.failures++
		s.successes = 0
	}
	flipUp := success && !b.Healthy && s.successes >= c.config.HealthyThreshold
	flipDown := !success && b.Healthy && s.failures >= c.config.UnhealthyThreshold
	c.streakMu.Unlock()

	if flipUp || flipDown {
		healthy := flipUp
		update.Healthy = &healthy
	}

	if err := c.registry.Update(b.ID, update); err != nil {
		// Removed while being probed.
		c.logger.Debug("skipping health update", observability.BackendID(b.ID), observability.Error(err))
		return
	}

	if flipUp || flipDown {
		c.logger.Info("backend health changed",
			observability.BackendID(b.ID),
			observability.Bool("healthy", flipUp),
		)
		if c.onStatusChange != nil {
			c.onStatusChange(b.ID, flipUp)
		}
	}
}

func (c *Checker) pruneStreaks(backends []backend.Backend) {
	live := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		live[b.ID] = struct{}{}
	}

	c.streakMu.Lock()
	defer c.streakMu.Unlock()
	for id := range c.streaks {
		if _, ok := live[id]; !ok {
			delete(c.streaks, id)
		}
	}
}
