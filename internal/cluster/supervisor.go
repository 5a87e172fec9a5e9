package cluster

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// Supervisor defaults.
const (
	DefaultMinWorkers  = 2
	DefaultStopTimeout = 10 * time.Second
)

// Scaling errors.
var (
	// ErrBelowFloor is returned when scaling down would leave fewer than
	// MinWorkers workers.
	ErrBelowFloor = errors.New("cluster: worker count at floor")

	// ErrAtCeiling is returned when scaling up would exceed MaxWorkers.
	ErrAtCeiling = errors.New("cluster: worker count at ceiling")

	// ErrNotRunning is returned by scaling calls before Start or after Stop.
	ErrNotRunning = errors.New("cluster: supervisor not running")
)

// Config holds supervisor settings.
type Config struct {
	// Workers is the initial pool size; 0 means runtime.NumCPU().
	Workers    int
	MinWorkers int
	// MaxWorkers caps the pool; 0 means unbounded.
	MaxWorkers  int
	Weight      int
	StopTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = DefaultMinWorkers
	}
	if c.Workers < c.MinWorkers {
		c.Workers = c.MinWorkers
	}
	if c.MaxWorkers > 0 && c.Workers > c.MaxWorkers {
		c.Workers = c.MaxWorkers
	}
	if c.Weight < 1 {
		c.Weight = 1
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Supervisor keeps a pool of workers registered as backends.
type Supervisor struct {
	launcher Launcher
	registry *backend.Registry
	config   Config
	logger   observability.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	tree    *suture.Supervisor
	slots   []slotHandle
	nextID  int
	running bool
	cancel  context.CancelFunc
	errCh   <-chan error
}

type slotHandle struct {
	token suture.ServiceToken
	slot  *slot
}

// Option is a functional option for configuring the supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger for the supervisor.
func WithLogger(logger observability.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink for the supervisor.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = metrics
	}
}

// NewSupervisor creates a supervisor that registers workers in registry.
func NewSupervisor(launcher Launcher, registry *backend.Registry, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher: launcher,
		registry: registry,
		config:   cfg.normalized(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the initial pool. Workers register asynchronously as they
// become ready.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.tree = suture.New("avaroute-workers", suture.Spec{
		EventHook: s.onEvent,
		Timeout:   s.config.StopTimeout + time.Second,
	})

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.errCh = s.tree.ServeBackground(ctx)
	s.running = true

	for range s.config.Workers {
		s.addSlotLocked()
	}

	s.logger.Info("cluster supervisor started",
		observability.Int("workers", s.config.Workers),
		observability.Int("min_workers", s.config.MinWorkers),
		observability.Int("max_workers", s.config.MaxWorkers),
	)
	return nil
}

// Stop terminates every worker and deregisters it.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, errCh := s.cancel, s.errCh
	s.slots = nil
	s.mu.Unlock()

	cancel()
	err := <-errCh
	s.metrics.SetWorkers(0)
	s.logger.Info("cluster supervisor stopped")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return err
	}
	return nil
}

// ScaleUp adds one worker slot.
func (s *Supervisor) ScaleUp(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	if s.config.MaxWorkers > 0 && len(s.slots) >= s.config.MaxWorkers {
		return ErrAtCeiling
	}

	s.addSlotLocked()
	s.logger.Info("scaled up", observability.Int("workers", len(s.slots)))
	return nil
}

// ScaleDown terminates the newest worker and deregisters it.
func (s *Supervisor) ScaleDown(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if len(s.slots) <= s.config.MinWorkers {
		s.mu.Unlock()
		return ErrBelowFloor
	}

	last := s.slots[len(s.slots)-1]
	s.slots = s.slots[:len(s.slots)-1]
	tree := s.tree
	workers := len(s.slots)
	s.mu.Unlock()

	s.metrics.SetWorkers(workers)

	if err := tree.RemoveAndWait(last.token, s.config.StopTimeout+time.Second); err != nil {
		return fmt.Errorf("remove %s: %w", last.slot, err)
	}

	s.logger.Info("scaled down", observability.Int("workers", workers))
	return nil
}

// Workers returns the number of worker slots.
func (s *Supervisor) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// BackendIDs returns the backend currently served by each slot, oldest slot
// first. Slots between workers are omitted.
func (s *Supervisor) BackendIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.slots))
	for _, h := range s.slots {
		if id := h.slot.backendID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Supervisor) addSlotLocked() {
	s.nextID++
	sl := &slot{id: s.nextID, sup: s}
	token := s.tree.Add(sl)
	s.slots = append(s.slots, slotHandle{token: token, slot: sl})
	s.metrics.SetWorkers(len(s.slots))
}

func (s *Supervisor) onEvent(e suture.Event) {
	switch ev := e.(type) {
	case suture.EventServicePanic:
		s.logger.Error("worker slot panicked",
			observability.String("slot", ev.ServiceName),
			observability.String("panic", ev.PanicMsg),
		)
	case suture.EventServiceTerminate:
		s.logger.Warn("worker slot terminated",
			observability.String("slot", ev.ServiceName),
			observability.Bool("restarting", ev.Restarting),
			observability.Any("error", ev.Err),
		)
	case suture.EventBackoff:
		s.logger.Warn("worker slots failing repeatedly, backing off")
	default:
		s.logger.Debug("supervisor event", observability.String("event", e.String()))
	}
}

// slot runs one worker at a time and reports its exit to suture.
type slot struct {
	id  int
	sup *Supervisor

	mu      sync.Mutex
	current string
}

func (sl *slot) String() string {
	return "worker-slot-" + strconv.Itoa(sl.id)
}

func (sl *slot) backendID() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.current
}

func (sl *slot) setBackendID(id string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.current = id
}

// Serve implements suture.Service.
func (sl *slot) Serve(ctx context.Context) error {
	s := sl.sup

	w, err := s.launcher.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return suture.ErrDoNotRestart
		}
		return fmt.Errorf("launch worker: %w", err)
	}

	b := backend.New(w.Address(), s.config.Weight)
	if err := s.registry.Register(b); err != nil {
		s.stopWorker(w)
		return fmt.Errorf("register worker: %w", err)
	}
	sl.setBackendID(b.ID)

	defer func() {
		sl.setBackendID("")
		if err := s.registry.Remove(b.ID); err != nil {
			s.logger.Warn("failed to deregister worker",
				observability.BackendID(b.ID),
				observability.Error(err),
			)
		}
	}()

	select {
	case <-ctx.Done():
		s.stopWorker(w)
		return suture.ErrDoNotRestart
	case <-w.Done():
		s.metrics.RecordWorkerRestart()
		s.logger.Warn("worker exited unexpectedly, respawning",
			observability.String("slot", sl.String()),
			observability.BackendID(b.ID),
			observability.String("address", b.Address),
			observability.Error(w.Err()),
		)
		return fmt.Errorf("worker %s exited: %w", b.ID, w.Err())
	}
}

func (s *Supervisor) stopWorker(w Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		s.logger.Warn("worker did not stop cleanly",
			observability.String("address", w.Address()),
			observability.Error(err),
		)
	}
}
