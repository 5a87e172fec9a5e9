package autoscaler

import (
	"container/ring"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaroute/internal/backend"
)

// WindowSize is the number of samples kept for inspection.
const WindowSize = 3

// Sample is the aggregate load of the pool at one evaluation.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPU         float64   `json:"cpu"`
	Memory      float64   `json:"memory"`
	Connections int64     `json:"connections"`
	Backends    int       `json:"backends"`
}

// Sampler produces the current aggregate load.
type Sampler interface {
	Sample() Sample
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() Sample

// Sample implements Sampler.
func (f SamplerFunc) Sample() Sample {
	return f()
}

// RegistrySampler aggregates over every registered backend, healthy or not.
func RegistrySampler(registry *backend.Registry) Sampler {
	return SamplerFunc(func() Sample {
		return Aggregate(registry.List())
	})
}

// Aggregate computes mean CPU, mean memory and total connections.
func Aggregate(backends []backend.Backend) Sample {
	s := Sample{Timestamp: time.Now(), Backends: len(backends)}
	if len(backends) == 0 {
		return s
	}

	var cpu, mem float64
	for _, b := range backends {
		cpu += b.CPUUsage
		mem += b.MemoryUsage
		s.Connections += b.ActiveConnections
	}
	s.CPU = cpu / float64(len(backends))
	s.Memory = mem / float64(len(backends))
	return s
}

// Window keeps the last WindowSize samples.
type Window struct {
	mu   sync.RWMutex
	r    *ring.Ring
	size int
}

// NewWindow creates an empty window.
func NewWindow() *Window {
	return &Window{r: ring.New(WindowSize)}
}

// Add appends a sample, evicting the oldest once full.
func (w *Window) Add(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.r.Value = s
	w.r = w.r.Next()
	if w.size < WindowSize {
		w.size++
	}
}

// Samples returns the stored samples, oldest first.
func (w *Window) Samples() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Sample, 0, w.size)
	// w.r points at the slot to be written next, which is the oldest sample
	// once the ring is full.
	start := w.r
	if w.size < WindowSize {
		start = w.r.Move(-w.size)
	}
	start.Do(func(v any) {
		if s, ok := v.(Sample); ok && len(out) < w.size {
			out = append(out, s)
		}
	})
	return out
}

// Len returns the number of stored samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}
