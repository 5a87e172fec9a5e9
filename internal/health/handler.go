package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// DefaultReadinessProbeTimeout bounds all readiness checks together.
const DefaultReadinessProbeTimeout = 5 * time.Second

// Status is the JSON body of the liveness and readiness endpoints.
type Status struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Handler serves /healthz and /readyz for the router process.
type Handler struct {
	mu        sync.RWMutex
	checks    []HealthCheck
	logger    observability.Logger
	timeout   time.Duration
	startTime time.Time
}

// NewHandler creates a handler with the given readiness checks.
func NewHandler(logger observability.Logger, checks ...HealthCheck) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		checks:    checks,
		logger:    logger,
		timeout:   DefaultReadinessProbeTimeout,
		startTime: time.Now(),
	}
}

// AddCheck adds a readiness check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// LivenessHandler reports that the process is running.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Status{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler runs every check and answers 503 if any fails.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		status := h.runChecks(ctx)

		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

func (h *Handler) runChecks(ctx context.Context) *Status {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := &Status{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := check.Check(ctx)
			result := &CheckResult{Status: "ok", Duration: time.Since(start).String()}

			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
				h.logger.Warn("readiness check failed",
					observability.String("check", check.Name()),
					observability.Error(err),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[check.Name()] = result
			if err != nil {
				status.Status = "error"
			}
		}()
	}
	wg.Wait()

	return status
}

// RegisterRoutes registers /healthz and /readyz.
func (h *Handler) RegisterRoutes(routes gin.IRoutes) {
	routes.GET("/healthz", h.LivenessHandler())
	routes.GET("/readyz", h.ReadinessHandler())
}
