// Package admin serves the operator-facing API of the router: stats,
// manual scaling commands, probes and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avaroute/internal/autoscaler"
	"github.com/vyrodovalexey/avaroute/internal/cluster"
	"github.com/vyrodovalexey/avaroute/internal/health"
	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/stats"
)

// Admin API defaults.
const (
	DefaultScaleCommandsPerMinute = 6
	DefaultStreamInterval         = time.Second
)

// StatsSource produces stats snapshots.
type StatsSource interface {
	Snapshot(ctx context.Context) stats.Snapshot
}

// Config holds admin API settings.
type Config struct {
	// ScaleCommandsPerMinute throttles manual scale commands. Zero or less
	// disables throttling.
	ScaleCommandsPerMinute float64
	StreamInterval         time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ScaleCommandsPerMinute: DefaultScaleCommandsPerMinute,
		StreamInterval:         DefaultStreamInterval,
	}
}

// ScaleResponse is the JSON body of a successful scale command.
type ScaleResponse struct {
	Action  autoscaler.Action `json:"action"`
	Workers int               `json:"workers"`
}

// ErrorResponse is the JSON body of a failed admin request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Server is the admin API.
type Server struct {
	engine   *gin.Engine
	stats    StatsSource
	scaler   autoscaler.Scaler
	health   *health.Handler
	metrics  *observability.Metrics
	logger   observability.Logger
	limiter  *rate.Limiter
	retry    time.Duration
	interval time.Duration
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics exposes metrics on /metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithScaler enables the scale commands.
func WithScaler(scaler autoscaler.Scaler) Option {
	return func(s *Server) {
		s.scaler = scaler
	}
}

// NewServer creates the admin API.
func NewServer(src StatsSource, cfg Config, opts ...Option) *Server {
	s := &Server{
		stats:    src,
		logger:   observability.NopLogger(),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		interval: cfg.StreamInterval,
	}
	if s.interval <= 0 {
		s.interval = DefaultStreamInterval
	}
	if cfg.ScaleCommandsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ScaleCommandsPerMinute/60), 1)
		s.retry = time.Duration(float64(time.Minute) / cfg.ScaleCommandsPerMinute)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/stats/stream", s.handleStream)

	scale := s.engine.Group("/admin/scale")
	scale.POST("/up", s.handleScale(autoscaler.ActionScaleUp))
	scale.POST("/down", s.handleScale(autoscaler.ActionScaleDown))

	if s.health != nil {
		s.health.RegisterRoutes(s.engine)
	}
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler returns the HTTP handler of the admin API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot(c.Request.Context()))
}

func (s *Server) handleScale(action autoscaler.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.scaler == nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "cluster disabled"})
			return
		}
		if !s.limiter.Allow() {
			secs := int(math.Ceil(s.retry.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many scale commands"})
			return
		}

		ctx := c.Request.Context()
		var err error
		if action == autoscaler.ActionScaleUp {
			err = s.scaler.ScaleUp(ctx)
		} else {
			err = s.scaler.ScaleDown(ctx)
		}

		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, cluster.ErrBelowFloor), errors.Is(err, cluster.ErrAtCeiling):
				status = http.StatusConflict
			case errors.Is(err, cluster.ErrNotRunning):
				status = http.StatusServiceUnavailable
			}
			s.logger.Warn("manual scale command failed",
				observability.String("action", string(action)),
				observability.Error(err),
			)
			c.JSON(status, ErrorResponse{Error: "scale command failed", Message: err.Error()})
			return
		}

		workers := s.scaler.Workers()
		s.logger.Info("manual scale command applied",
			observability.String("action", string(action)),
			observability.Int("workers", workers),
		)
		c.JSON(http.StatusOK, ScaleResponse{Action: action, Workers: workers})
	}
}
