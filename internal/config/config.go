package config

import (
	"time"
)

// Routing strategy names.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyResponseTime       = "response_time"
	StrategyAdaptive           = "adaptive"
	StrategySticky             = "sticky"
)

// Health probe protocols.
const (
	ProbeHTTP      = "http"
	ProbeGRPC      = "grpc"
	ProbeSimulated = "simulated"
)

// Circuit state store types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Worker launcher types.
const (
	LauncherProcess   = "process"
	LauncherInProcess = "inprocess"
)

// Config is the root configuration of the routing subsystem.
type Config struct {
	Listen         ListenConfig         `yaml:"listen" json:"listen"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Routing        RoutingConfig        `yaml:"routing" json:"routing"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	AutoScaler     AutoScalerConfig     `yaml:"autoScaler" json:"autoScaler"`
	Cluster        ClusterConfig        `yaml:"cluster" json:"cluster"`
	Backends       []StaticBackend      `yaml:"backends,omitempty" json:"backends,omitempty"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
}

// ListenConfig holds listener addresses.
type ListenConfig struct {
	// Address is where proxied traffic is accepted.
	Address string `yaml:"address" json:"address"`
	// AdminAddress serves stats, scaling commands, probes and metrics.
	AdminAddress string `yaml:"adminAddress" json:"adminAddress"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// RoutingConfig controls backend selection.
type RoutingConfig struct {
	Strategy              string `yaml:"strategy" json:"strategy"`
	AllowStrategyOverride bool   `yaml:"allowStrategyOverride" json:"allowStrategyOverride"`
	SessionHeader         string `yaml:"sessionHeader" json:"sessionHeader"`
	SessionCookie         string `yaml:"sessionCookie" json:"sessionCookie"`
}

// HealthCheckConfig controls active backend probing.
type HealthCheckConfig struct {
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	Protocol           string   `yaml:"protocol" json:"protocol"`
	Path               string   `yaml:"path" json:"path"`
	GRPCService        string   `yaml:"grpcService,omitempty" json:"grpcService,omitempty"`
	Concurrency        int      `yaml:"concurrency" json:"concurrency"`
	HealthyThreshold   int      `yaml:"healthyThreshold" json:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold" json:"unhealthyThreshold"`
}

// CircuitBreakerConfig controls per-backend breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int         `yaml:"failureThreshold" json:"failureThreshold"`
	OpenTimeout      Duration    `yaml:"openTimeout" json:"openTimeout"`
	ResetOnSuccess   bool        `yaml:"resetOnSuccess" json:"resetOnSuccess"`
	Store            StoreConfig `yaml:"store" json:"store"`
}

// StoreConfig selects where circuit state lives.
type StoreConfig struct {
	Type  string      `yaml:"type" json:"type"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings for the shared circuit store.
type RedisConfig struct {
	Address  string   `yaml:"address" json:"address"`
	Password string   `yaml:"password,omitempty" json:"-"`
	DB       int      `yaml:"db" json:"db"`
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// AutoScalerConfig holds scaling thresholds.
type AutoScalerConfig struct {
	Enabled              bool     `yaml:"enabled" json:"enabled"`
	Interval             Duration `yaml:"interval" json:"interval"`
	ScaleUpCPU           float64  `yaml:"scaleUpCPU" json:"scaleUpCPU"`
	ScaleUpMemory        float64  `yaml:"scaleUpMemory" json:"scaleUpMemory"`
	ScaleUpConnections   int64    `yaml:"scaleUpConnections" json:"scaleUpConnections"`
	ScaleDownCPU         float64  `yaml:"scaleDownCPU" json:"scaleDownCPU"`
	ScaleDownMemory      float64  `yaml:"scaleDownMemory" json:"scaleDownMemory"`
	ScaleDownConnections int64    `yaml:"scaleDownConnections" json:"scaleDownConnections"`
	Cooldown             Duration `yaml:"cooldown" json:"cooldown"`
}

// ClusterConfig controls the supervised worker pool.
type ClusterConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Workers is the initial pool size; 0 means one per CPU core.
	Workers    int `yaml:"workers" json:"workers"`
	MinWorkers int `yaml:"minWorkers" json:"minWorkers"`
	// MaxWorkers caps scale-up; 0 means unbounded.
	MaxWorkers   int      `yaml:"maxWorkers" json:"maxWorkers"`
	Weight       int      `yaml:"weight" json:"weight"`
	Launcher     string   `yaml:"launcher" json:"launcher"`
	Command      string   `yaml:"command" json:"command"`
	Args         []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env          []string `yaml:"env,omitempty" json:"env,omitempty"`
	Host         string   `yaml:"host" json:"host"`
	ReadyTimeout Duration `yaml:"readyTimeout" json:"readyTimeout"`
	StopTimeout  Duration `yaml:"stopTimeout" json:"stopTimeout"`
}

// StaticBackend is a backend that is not supervised by the cluster.
type StaticBackend struct {
	Address string `yaml:"address" json:"address"`
	Weight  int    `yaml:"weight" json:"weight"`
}

// AdminConfig controls the admin API.
type AdminConfig struct {
	// ScaleCommandsPerMinute throttles manual scale commands.
	ScaleCommandsPerMinute float64  `yaml:"scaleCommandsPerMinute" json:"scaleCommandsPerMinute"`
	StatsStreamInterval    Duration `yaml:"statsStreamInterval" json:"statsStreamInterval"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a Config populated with defaults. Files are decoded
// on top of it, so omitted keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:      ":8080",
			AdminAddress: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Routing: RoutingConfig{
			Strategy:      StrategyRoundRobin,
			SessionHeader: "X-Session-ID",
			SessionCookie: "session_id",
		},
		HealthCheck: HealthCheckConfig{
			Interval:           Duration(30 * time.Second),
			Timeout:            Duration(5 * time.Second),
			Protocol:           ProbeHTTP,
			Path:               "/health",
			Concurrency:        16,
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      Duration(60 * time.Second),
			ResetOnSuccess:   true,
			Store: StoreConfig{
				Type: StoreMemory,
				Redis: RedisConfig{
					Address: "localhost:6379",
					Prefix:  "avaroute:circuit:",
					Timeout: Duration(500 * time.Millisecond),
				},
			},
		},
		AutoScaler: AutoScalerConfig{
			Enabled:              true,
			Interval:             Duration(2 * time.Minute),
			ScaleUpCPU:           0.8,
			ScaleUpMemory:        0.85,
			ScaleUpConnections:   8000,
			ScaleDownCPU:         0.3,
			ScaleDownMemory:      0.5,
			ScaleDownConnections: 2000,
		},
		Cluster: ClusterConfig{
			Enabled:      true,
			MinWorkers:   2,
			Weight:       1,
			Launcher:     LauncherProcess,
			Command:      "avaroute-worker",
			Host:         "127.0.0.1",
			ReadyTimeout: Duration(10 * time.Second),
			StopTimeout:  Duration(10 * time.Second),
		},
		Admin: AdminConfig{
			ScaleCommandsPerMinute: 6,
			StatsStreamInterval:    Duration(time.Second),
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  "avaroute",
		},
	}
}
