// Package worker implements the demo backend served by supervised workers.
//
// A worker answers GET /health with the probe reply the router expects and
// echoes every other request with its identity, so routing decisions are
// visible end to end.
package worker

import (
	"encoding/json"
	"math"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// DefaultCapacity is the in-flight request count reported as full load.
const DefaultCapacity = 256

// HealthReply is the body of GET /health.
type HealthReply struct {
	Status  string        `json:"status"`
	Metrics HealthMetrics `json:"metrics"`
}

// HealthMetrics is the load a worker reports about itself.
type HealthMetrics struct {
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	Connections int64   `json:"connections"`
}

// EchoReply is the body of every non-health request.
type EchoReply struct {
	Worker string `json:"worker"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Server is the worker HTTP handler.
type Server struct {
	id       string
	capacity int64
	inFlight atomic.Int64
	mux      *http.ServeMux
	logger   observability.Logger
	draining atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithCapacity sets the in-flight count reported as cpu=1.
func WithCapacity(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a worker handler identified by id.
func NewServer(id string, opts ...Option) *Server {
	s := &Server{
		id:       id,
		capacity: DefaultCapacity,
		mux:      http.NewServeMux(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("/", s.echo)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
	}
	s.mux.ServeHTTP(w, r)
}

// Drain makes subsequent health probes report "draining".
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Snapshot returns the current self-reported load.
func (s *Server) Snapshot() HealthMetrics {
	inFlight := s.inFlight.Load()
	return HealthMetrics{
		CPU:         math.Min(float64(inFlight)/float64(s.capacity), 1),
		Memory:      memoryFraction(),
		Connections: inFlight,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.draining.Load() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, HealthReply{Status: status, Metrics: s.Snapshot()})
}

func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("serving request",
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
	)
	w.Header().Set("X-Worker-ID", s.id)
	writeJSON(w, http.StatusOK, EchoReply{Worker: s.id, Method: r.Method, Path: r.URL.Path})
}

// memoryFraction is heap in use over the soft memory limit, or over memory
// obtained from the OS when no limit is set.
func memoryFraction() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := debug.SetMemoryLimit(-1)
	denominator := float64(ms.Sys)
	if limit > 0 && limit < math.MaxInt64 {
		denominator = float64(limit)
	}
	if denominator <= 0 {
		return 0
	}
	return math.Min(float64(ms.HeapInuse)/denominator, 1)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
