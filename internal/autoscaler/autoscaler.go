package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// Autoscaler defaults.
const (
	DefaultInterval             = 2 * time.Minute
	DefaultScaleUpCPU           = 0.8
	DefaultScaleUpMemory        = 0.85
	DefaultScaleUpConnections   = 8000
	DefaultScaleDownCPU         = 0.3
	DefaultScaleDownMemory      = 0.5
	DefaultScaleDownConnections = 2000
	DefaultMinWorkers           = 2
)

// Action is the outcome of one evaluation.
type Action string

// Scaling actions.
const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Scaler changes the size of the worker pool one worker at a time.
type Scaler interface {
	ScaleUp(ctx context.Context) error
	ScaleDown(ctx context.Context) error
	Workers() int
}

// Thresholds decide when to scale. Scale-up fires when any Up value is
// exceeded; scale-down only when every Down value is undercut.
type Thresholds struct {
	UpCPU           float64
	UpMemory        float64
	UpConnections   int64
	DownCPU         float64
	DownMemory      float64
	DownConnections int64
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UpCPU:           DefaultScaleUpCPU,
		UpMemory:        DefaultScaleUpMemory,
		UpConnections:   DefaultScaleUpConnections,
		DownCPU:         DefaultScaleDownCPU,
		DownMemory:      DefaultScaleDownMemory,
		DownConnections: DefaultScaleDownConnections,
	}
}

// Config holds autoscaler settings.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	// MinWorkers is the floor scale-down never crosses.
	MinWorkers int
	// MaxWorkers caps scale-up; 0 means unbounded.
	MaxWorkers int
	// Cooldown suppresses further actions after a successful one; 0 disables.
	Cooldown time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Interval:   DefaultInterval,
		Thresholds: DefaultThresholds(),
		MinWorkers: DefaultMinWorkers,
	}
}

// Decision describes one evaluation.
type Decision struct {
	Action         Action    `json:"action"`
	Reason         string    `json:"reason"`
	Sample         Sample    `json:"sample"`
	Workers        int       `json:"workers"`
	CooldownActive bool      `json:"cooldownActive,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Decide maps a sample and the current pool size to an action.
func Decide(s Sample, workers int, cfg Config) (Action, string) {
	t := cfg.Thresholds

	if s.Backends == 0 {
		return ActionNone, "no backends registered"
	}

	if s.CPU > t.UpCPU || s.Memory > t.UpMemory || s.Connections > t.UpConnections {
		if cfg.MaxWorkers > 0 && workers >= cfg.MaxWorkers {
			return ActionNone, fmt.Sprintf("load high but pool at ceiling %d", cfg.MaxWorkers)
		}
		return ActionScaleUp, fmt.Sprintf("cpu=%.2f memory=%.2f connections=%d above scale-up thresholds",
			s.CPU, s.Memory, s.Connections)
	}

	if s.CPU < t.DownCPU && s.Memory < t.DownMemory && s.Connections < t.DownConnections {
		if workers <= cfg.MinWorkers {
			return ActionNone, fmt.Sprintf("load low but pool at floor %d", cfg.MinWorkers)
		}
		return ActionScaleDown, fmt.Sprintf("cpu=%.2f memory=%.2f connections=%d below scale-down thresholds",
			s.CPU, s.Memory, s.Connections)
	}

	return ActionNone, "load within thresholds"
}

// AutoScaler evaluates pool load on a timer.
type AutoScaler struct {
	sampler Sampler
	scaler  Scaler
	window  *Window
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	cfgMu     sync.RWMutex
	config    Config
	lastScale time.Time
	last      *Decision

	evalMu sync.Mutex

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the autoscaler.
type Option func(*AutoScaler)

// WithLogger sets the logger for the autoscaler.
func WithLogger(logger observability.Logger) Option {
	return func(a *AutoScaler) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics sink for the autoscaler.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *AutoScaler) {
		a.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *AutoScaler) {
		a.now = now
	}
}

// New creates an autoscaler.
func New(sampler Sampler, scaler Scaler, cfg Config, opts ...Option) *AutoScaler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = DefaultMinWorkers
	}
	a := &AutoScaler{
		sampler: sampler,
		scaler:  scaler,
		window:  NewWindow(),
		logger:  observability.NopLogger(),
		now:     time.Now,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetThresholds replaces the thresholds used by subsequent evaluations.
func (a *AutoScaler) SetThresholds(t Thresholds) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.config.Thresholds = t
	a.logger.Info("autoscaler thresholds updated",
		observability.Float64("up_cpu", t.UpCPU),
		observability.Float64("up_memory", t.UpMemory),
		observability.Int64("up_connections", t.UpConnections),
		observability.Float64("down_cpu", t.DownCPU),
		observability.Float64("down_memory", t.DownMemory),
		observability.Int64("down_connections", t.DownConnections),
	)
}

// Config returns the current configuration.
func (a *AutoScaler) Config() Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.config
}

// Window returns the retained samples, oldest first.
func (a *AutoScaler) Window() []Sample {
	return a.window.Samples()
}

// LastDecision returns the most recent decision, if any.
func (a *AutoScaler) LastDecision() (Decision, bool) {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	if a.last == nil {
		return Decision{}, false
	}
	return *a.last, true
}

// Evaluate samples the pool once and performs at most one scaling action.
// The returned error is the scaler's; the decision is returned either way.
func (a *AutoScaler) Evaluate(ctx context.Context) (Decision, error) {
	a.evalMu.Lock()
	defer a.evalMu.Unlock()

	sample := a.sampler.Sample()
	now := a.now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	a.window.Add(sample)

	cfg := a.Config()
	workers := a.scaler.Workers()
	action, reason := Decide(sample, workers, cfg)

	d := Decision{
		Action:    action,
		Reason:    reason,
		Sample:    sample,
		Workers:   workers,
		Timestamp: now,
	}

	a.cfgMu.RLock()
	lastScale := a.lastScale
	a.cfgMu.RUnlock()

	if action != ActionNone && cfg.Cooldown > 0 && !lastScale.IsZero() && now.Sub(lastScale) < cfg.Cooldown {
		d.Action = ActionNone
		d.CooldownActive = true
		d.Reason = fmt.Sprintf("%s suppressed by cooldown: %s", action, reason)
	}

	var err error
	switch d.Action {
	case ActionScaleUp:
		err = a.scaler.ScaleUp(ctx)
	case ActionScaleDown:
		err = a.scaler.ScaleDown(ctx)
	}

	a.cfgMu.Lock()
	if err == nil && d.Action != ActionNone {
		a.lastScale = now
	}
	a.last = &d
	a.cfgMu.Unlock()

	a.record(d, err)
	return d, err
}

func (a *AutoScaler) record(d Decision, err error) {
	fields := []observability.Field{
		observability.String("action", string(d.Action)),
		observability.String("reason", d.Reason),
		observability.Float64("cpu", d.Sample.CPU),
		observability.Float64("memory", d.Sample.Memory),
		observability.Int64("connections", d.Sample.Connections),
		observability.Int("workers", d.Workers),
	}

	switch {
	case err != nil:
		a.metrics.RecordScalingDecision(string(d.Action) + "_failed")
		a.logger.Error("scaling action failed", append(fields, observability.Error(err))...)
	case d.Action == ActionNone:
		a.metrics.RecordScalingDecision(string(ActionNone))
		a.logger.Debug("autoscaler evaluated", fields...)
	default:
		a.metrics.RecordScalingDecision(string(d.Action))
		a.logger.Info("scaling action applied", fields...)
	}
}

// Start runs Evaluate every interval until Stop is called or ctx ends. The
// first evaluation happens one interval after Start.
func (a *AutoScaler) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.stoppedCh = make(chan struct{})

	go a.run(ctx, a.stopCh, a.stoppedCh)
}

// Stop stops the loop and waits for it to exit.
func (a *AutoScaler) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stopCh, stoppedCh := a.stopCh, a.stoppedCh
	a.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (a *AutoScaler) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
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

	ticker := time.NewTicker(a.Config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are logged by Evaluate; the loop keeps going.
			_, _ = a.Evaluate(ctx)
		}
	}
}
