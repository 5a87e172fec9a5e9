package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avaroute/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Unwrap lets errors.Is match util.ErrConfigInvalid.
func (e *ValidationError) Unwrap() error {
	return util.ErrConfigInvalid
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap lets errors.Is match util.ErrConfigInvalid.
func (e ValidationErrors) Unwrap() error {
	if len(e) == 0 {
		return nil
	}
	return util.ErrConfigInvalid
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates routing configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a configuration.
func ValidateConfig(config *Config) error {
	v := NewValidator()
	return v.Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateListen(&config.Listen)
	v.validateLogging(&config.Logging)
	v.validateRouting(&config.Routing)
	v.validateHealthCheck(&config.HealthCheck)
	v.validateCircuitBreaker(&config.CircuitBreaker)
	v.validateAutoScaler(&config.AutoScaler)
	v.validateCluster(&config.Cluster)
	v.validateBackends(config.Backends)
	v.validateAdmin(&config.Admin)
	v.validateTracing(&config.Tracing)

	if !config.Cluster.Enabled && len(config.Backends) == 0 {
		v.addError("backends", "at least one backend is required when the cluster is disabled")
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateListen(cfg *ListenConfig) {
	if err := util.ValidateAddress(cfg.Address); err != nil {
		v.addError("listen.address", err.Error())
	}
	if err := util.ValidateAddress(cfg.AdminAddress); err != nil {
		v.addError("listen.adminAddress", err.Error())
	}
	if cfg.Address == cfg.AdminAddress {
		v.addError("listen.adminAddress", "must differ from listen.address")
	}
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unsupported level %q", cfg.Level))
	}
	switch cfg.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unsupported format %q", cfg.Format))
	}
}

// IsValidStrategy reports whether name is a known routing strategy.
func IsValidStrategy(name string) bool {
	switch name {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections,
		StrategyResponseTime, StrategyAdaptive, StrategySticky:
		return true
	}
	return false
}

func (v *Validator) validateRouting(cfg *RoutingConfig) {
	if !IsValidStrategy(cfg.Strategy) {
		v.addError("routing.strategy", fmt.Sprintf("unknown strategy %q", cfg.Strategy))
	}
	if cfg.Strategy == StrategySticky && cfg.SessionHeader == "" && cfg.SessionCookie == "" {
		v.addError("routing", "sticky strategy requires sessionHeader or sessionCookie")
	}
}

func (v *Validator) validateHealthCheck(cfg *HealthCheckConfig) {
	if err := util.ValidatePositiveDuration(cfg.Interval.Duration()); err != nil {
		v.addError("healthCheck.interval", err.Error())
	}
	if err := util.ValidatePositiveDuration(cfg.Timeout.Duration()); err != nil {
		v.addError("healthCheck.timeout", err.Error())
	}
	if cfg.Timeout > cfg.Interval {
		v.addError("healthCheck.timeout", "must not exceed interval")
	}

	switch cfg.Protocol {
	case ProbeHTTP:
		if !strings.HasPrefix(cfg.Path, "/") {
			v.addError("healthCheck.path", "must start with '/'")
		}
	case ProbeGRPC, ProbeSimulated:
	default:
		v.addError("healthCheck.protocol", fmt.Sprintf("unsupported protocol %q", cfg.Protocol))
	}

	if cfg.Concurrency < 1 {
		v.addError("healthCheck.concurrency", "must be at least 1")
	}
	if cfg.HealthyThreshold < 1 {
		v.addError("healthCheck.healthyThreshold", "must be at least 1")
	}
	if cfg.UnhealthyThreshold < 1 {
		v.addError("healthCheck.unhealthyThreshold", "must be at least 1")
	}
}

func (v *Validator) validateCircuitBreaker(cfg *CircuitBreakerConfig) {
	if cfg.FailureThreshold < 1 {
		v.addError("circuitBreaker.failureThreshold", "must be at least 1")
	}
	if err := util.ValidatePositiveDuration(cfg.OpenTimeout.Duration()); err != nil {
		v.addError("circuitBreaker.openTimeout", err.Error())
	}

	switch cfg.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if err := util.ValidateAddress(cfg.Store.Redis.Address); err != nil {
			v.addError("circuitBreaker.store.redis.address", err.Error())
		}
		if cfg.Store.Redis.DB < 0 {
			v.addError("circuitBreaker.store.redis.db", "must be non-negative")
		}
		if err := util.ValidatePositiveDuration(cfg.Store.Redis.Timeout.Duration()); err != nil {
			v.addError("circuitBreaker.store.redis.timeout", err.Error())
		}
	default:
		v.addError("circuitBreaker.store.type", fmt.Sprintf("unsupported store %q", cfg.Store.Type))
	}
}

func (v *Validator) validateAutoScaler(cfg *AutoScalerConfig) {
	if !cfg.Enabled {
		return
	}
	if err := util.ValidatePositiveDuration(cfg.Interval.Duration()); err != nil {
		v.addError("autoScaler.interval", err.Error())
	}

	fractions := map[string]float64{
		"autoScaler.scaleUpCPU":      cfg.ScaleUpCPU,
		"autoScaler.scaleUpMemory":   cfg.ScaleUpMemory,
		"autoScaler.scaleDownCPU":    cfg.ScaleDownCPU,
		"autoScaler.scaleDownMemory": cfg.ScaleDownMemory,
	}
	for path, value := range fractions {
		if err := util.ValidateFraction(value); err != nil {
			v.addError(path, err.Error())
		}
	}

	if cfg.ScaleDownCPU >= cfg.ScaleUpCPU {
		v.addError("autoScaler.scaleDownCPU", "must be below scaleUpCPU")
	}
	if cfg.ScaleDownMemory >= cfg.ScaleUpMemory {
		v.addError("autoScaler.scaleDownMemory", "must be below scaleUpMemory")
	}
	if cfg.ScaleDownConnections < 0 || cfg.ScaleDownConnections >= cfg.ScaleUpConnections {
		v.addError("autoScaler.scaleDownConnections", "must be non-negative and below scaleUpConnections")
	}
	if cfg.Cooldown < 0 {
		v.addError("autoScaler.cooldown", "must be non-negative")
	}
}

func (v *Validator) validateCluster(cfg *ClusterConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.MinWorkers < 1 {
		v.addError("cluster.minWorkers", "must be at least 1")
	}
	if cfg.Workers < 0 {
		v.addError("cluster.workers", "must be non-negative")
	}
	if cfg.MaxWorkers < 0 {
		v.addError("cluster.maxWorkers", "must be non-negative")
	}
	if cfg.MaxWorkers > 0 && cfg.MaxWorkers < cfg.MinWorkers {
		v.addError("cluster.maxWorkers", "must not be below minWorkers")
	}
	if err := util.ValidateWeight(cfg.Weight); err != nil {
		v.addError("cluster.weight", err.Error())
	}

	switch cfg.Launcher {
	case LauncherProcess:
		if err := util.ValidateNonEmpty(cfg.Command, "command"); err != nil {
			v.addError("cluster.command", err.Error())
		}
	case LauncherInProcess:
	default:
		v.addError("cluster.launcher", fmt.Sprintf("unsupported launcher %q", cfg.Launcher))
	}

	if err := util.ValidatePositiveDuration(cfg.ReadyTimeout.Duration()); err != nil {
		v.addError("cluster.readyTimeout", err.Error())
	}
	if err := util.ValidatePositiveDuration(cfg.StopTimeout.Duration()); err != nil {
		v.addError("cluster.stopTimeout", err.Error())
	}
}

func (v *Validator) validateBackends(backends []StaticBackend) {
	seen := make(map[string]bool, len(backends))
	for i, b := range backends {
		path := fmt.Sprintf("backends[%d]", i)
		if err := util.ValidateAddress(b.Address); err != nil {
			v.addError(path+".address", err.Error())
		}
		if seen[b.Address] {
			v.addError(path+".address", fmt.Sprintf("duplicate backend %q", b.Address))
		}
		seen[b.Address] = true
		if err := util.ValidateWeight(b.Weight); err != nil {
			v.addError(path+".weight", err.Error())
		}
	}
}

func (v *Validator) validateAdmin(cfg *AdminConfig) {
	if cfg.ScaleCommandsPerMinute <= 0 {
		v.addError("admin.scaleCommandsPerMinute", "must be positive")
	}
	if err := util.ValidatePositiveDuration(cfg.StatsStreamInterval.Duration()); err != nil {
		v.addError("admin.statsStreamInterval", err.Error())
	}
}

func (v *Validator) validateTracing(cfg *TracingConfig) {
	if !cfg.Enabled {
		return
	}
	if err := util.ValidateFraction(cfg.SamplingRate); err != nil {
		v.addError("tracing.samplingRate", err.Error())
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}
