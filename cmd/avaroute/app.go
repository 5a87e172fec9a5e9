package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avaroute/internal/admin"
	"github.com/vyrodovalexey/avaroute/internal/autoscaler"
	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/balancer"
	"github.com/vyrodovalexey/avaroute/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaroute/internal/cluster"
	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/health"
	"github.com/vyrodovalexey/avaroute/internal/middleware"
	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/proxy"
	"github.com/vyrodovalexey/avaroute/internal/stats"
)

// Server timeouts.
const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// application holds all application components.
type application struct {
	config   *config.Config
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *backend.Registry
	breaker  *circuitbreaker.Manager
	balancer *balancer.Balancer
	router   *proxy.Router
	checker  *health.Checker
	prober   health.Prober
	cluster  *cluster.Supervisor
	scaler   *autoscaler.AutoScaler
	redis    *redis.Client

	proxyServer *http.Server
	adminServer *http.Server
}

// newApplication wires every component from cfg. Nothing is started.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		metrics:  observability.NewMetrics("avaroute"),
		registry: backend.NewRegistry(logger),
	}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	app.tracer = tracer

	for _, sb := range cfg.Backends {
		if err := app.registry.Register(backend.NewStatic(sb.Address, sb.Weight)); err != nil {
			return nil, fmt.Errorf("register backend %s: %w", sb.Address, err)
		}
	}

	healthHandler := health.NewHandler(logger, health.BackendsCheck("backends", app.registry))

	var store circuitbreaker.Store
	if cfg.CircuitBreaker.Store.Type == config.StoreRedis {
		rc := cfg.CircuitBreaker.Store.Redis
		app.redis = circuitbreaker.NewRedisClient(rc.Address, rc.Password, rc.DB, rc.Timeout.Duration())
		store = circuitbreaker.NewRedisStore(app.redis,
			circuitbreaker.WithRedisPrefix(rc.Prefix),
			circuitbreaker.WithRedisLogger(logger),
		)
		healthHandler.AddCheck(health.RedisCheck("circuit-store", app.redis))
	}
	app.breaker = circuitbreaker.NewManager(breakerConfig(cfg), store,
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithMetrics(app.metrics),
	)

	if cfg.Cluster.Enabled {
		app.cluster = cluster.NewSupervisor(newLauncher(cfg.Cluster, logger), app.registry, clusterConfig(cfg),
			cluster.WithLogger(logger),
			cluster.WithMetrics(app.metrics),
		)
	}

	statsOpts := []stats.Option{stats.WithCircuits(app.breaker)}
	if cfg.AutoScaler.Enabled && app.cluster != nil {
		app.scaler = autoscaler.New(autoscaler.RegistrySampler(app.registry), app.cluster, autoscalerConfig(cfg),
			autoscaler.WithLogger(logger),
			autoscaler.WithMetrics(app.metrics),
		)
		statsOpts = append(statsOpts, stats.WithScaling(app.scaler, app.cluster))
	}
	aggregator := stats.NewAggregator(app.registry, statsOpts...)

	app.balancer, err = balancer.New(app.registry, app.breaker,
		balancer.WithLogger(logger),
		balancer.WithMetrics(app.metrics),
		balancer.WithStats(aggregator),
		balancer.WithStrategy(cfg.Routing.Strategy),
	)
	if err != nil {
		return nil, err
	}

	app.prober = newProber(cfg.HealthCheck)
	if gp, ok := app.prober.(*health.GRPCProber); ok {
		app.registry.OnRemove(gp.Forget)
	}
	app.checker = health.NewChecker(app.registry, app.prober, healthConfig(cfg),
		health.WithLogger(logger),
		health.WithMetrics(app.metrics),
	)

	app.router = proxy.NewRouter(app.balancer, routerConfig(cfg), proxy.WithLogger(logger))
	app.proxyServer = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           buildMiddlewareChain(app.router, logger, app.tracer),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	adminOpts := []admin.Option{
		admin.WithLogger(logger),
		admin.WithMetrics(app.metrics),
		admin.WithHealth(healthHandler),
	}
	if app.cluster != nil {
		adminOpts = append(adminOpts, admin.WithScaler(app.cluster))
	}
	gin.SetMode(gin.ReleaseMode)
	app.adminServer = &http.Server{
		Addr:              cfg.Listen.AdminAddress,
		Handler:           admin.NewServer(aggregator, adminConfig(cfg), adminOpts...).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	return app, nil
}

// buildMiddlewareChain wraps the router; the first middleware is outermost.
func buildMiddlewareChain(h http.Handler, logger observability.Logger, tracer *observability.Tracer) http.Handler {
	return middleware.Chain(h,
		middleware.Recovery(logger),
		middleware.RequestID(),
		observability.TracingMiddleware(tracer),
		middleware.Logging(logger, proxy.HeaderServerID),
	)
}

func newLauncher(cfg config.ClusterConfig, logger observability.Logger) cluster.Launcher {
	if cfg.Launcher == config.LauncherInProcess {
		return &cluster.InProcessLauncher{Host: cfg.Host, Logger: logger}
	}
	return &cluster.ProcessLauncher{
		Command:      cfg.Command,
		Args:         cfg.Args,
		Env:          cfg.Env,
		Host:         cfg.Host,
		ReadyTimeout: cfg.ReadyTimeout.Duration(),
		Logger:       logger,
	}
}

func newProber(cfg config.HealthCheckConfig) health.Prober {
	switch cfg.Protocol {
	case config.ProbeGRPC:
		return health.NewGRPCProber(cfg.GRPCService)
	case config.ProbeSimulated:
		return health.SimulatedProber{}
	default:
		return health.NewHTTPProber(cfg.Path)
	}
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout.Duration(),
		ResetOnSuccess:   cfg.CircuitBreaker.ResetOnSuccess,
	}
}

func healthConfig(cfg *config.Config) health.Config {
	hc := cfg.HealthCheck
	return health.Config{
		Interval:           hc.Interval.Duration(),
		Timeout:            hc.Timeout.Duration(),
		Concurrency:        hc.Concurrency,
		HealthyThreshold:   hc.HealthyThreshold,
		UnhealthyThreshold: hc.UnhealthyThreshold,
	}
}

func clusterConfig(cfg *config.Config) cluster.Config {
	cc := cfg.Cluster
	return cluster.Config{
		Workers:     cc.Workers,
		MinWorkers:  cc.MinWorkers,
		MaxWorkers:  cc.MaxWorkers,
		Weight:      cc.Weight,
		StopTimeout: cc.StopTimeout.Duration(),
	}
}

func thresholds(cfg *config.Config) autoscaler.Thresholds {
	as := cfg.AutoScaler
	return autoscaler.Thresholds{
		UpCPU:           as.ScaleUpCPU,
		UpMemory:        as.ScaleUpMemory,
		UpConnections:   as.ScaleUpConnections,
		DownCPU:         as.ScaleDownCPU,
		DownMemory:      as.ScaleDownMemory,
		DownConnections: as.ScaleDownConnections,
	}
}

func autoscalerConfig(cfg *config.Config) autoscaler.Config {
	return autoscaler.Config{
		Interval:   cfg.AutoScaler.Interval.Duration(),
		Thresholds: thresholds(cfg),
		MinWorkers: cfg.Cluster.MinWorkers,
		MaxWorkers: cfg.Cluster.MaxWorkers,
		Cooldown:   cfg.AutoScaler.Cooldown.Duration(),
	}
}

func routerConfig(cfg *config.Config) proxy.Config {
	return proxy.Config{
		SessionHeader:         cfg.Routing.SessionHeader,
		SessionCookie:         cfg.Routing.SessionCookie,
		AllowStrategyOverride: cfg.Routing.AllowStrategyOverride,
	}
}

func adminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		ScaleCommandsPerMinute: cfg.Admin.ScaleCommandsPerMinute,
		StreamInterval:         cfg.Admin.StatsStreamInterval.Duration(),
	}
}

// start brings components up in dependency order: workers first so the
// checker and autoscaler see them, listeners last.
func (app *application) start(ctx context.Context) error {
	if app.cluster != nil {
		if err := app.cluster.Start(ctx); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
	}
	app.checker.Start(ctx)
	if app.scaler != nil {
		app.scaler.Start(ctx)
	}
	return nil
}

// serve runs both listeners until one fails or they are shut down.
func (app *application) serve(errCh chan<- error) {
	for _, srv := range []*http.Server{app.proxyServer, app.adminServer} {
		go func() {
			app.logger.Info("listening", observability.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}
}
