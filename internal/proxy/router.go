package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/balancer"
	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// Response and request headers used by the router.
const (
	HeaderServerID        = "X-Server-ID"
	HeaderResponseTime    = "X-Response-Time"
	HeaderRoutingStrategy = "X-Routing-Strategy"
)

// Config holds router settings.
type Config struct {
	SessionHeader         string
	SessionCookie         string
	AllowStrategyOverride bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SessionHeader: "X-Session-ID",
		SessionCookie: "session_id",
	}
}

// Router forwards requests to backends chosen by a balancer.
type Router struct {
	balancer  *balancer.Balancer
	transport http.RoundTripper
	logger    observability.Logger

	mu     sync.RWMutex
	config Config
}

// Option is a functional option for configuring the router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTransport sets the transport used to reach backends.
func WithTransport(transport http.RoundTripper) Option {
	return func(r *Router) {
		r.transport = transport
	}
}

// NewRouter creates a router.
func NewRouter(b *balancer.Balancer, cfg Config, opts ...Option) *Router {
	r := &Router{
		balancer:  b,
		transport: http.DefaultTransport,
		logger:    observability.NopLogger(),
		config:    cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetConfig replaces the router settings.
func (rt *Router) SetConfig(cfg Config) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.config = cfg
}

func (rt *Router) currentConfig() Config {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.config
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := rt.currentConfig()
	start := time.Now()

	strategy := ""
	if cfg.AllowStrategyOverride {
		strategy = strings.TrimSpace(r.Header.Get(HeaderRoutingStrategy))
	}

	rc := backend.RoutingContext{SessionKey: sessionKey(r, cfg)}
	be, err := rt.balancer.Select(strategy, rc)
	if err != nil {
		rt.logger.WithContext(r.Context()).Warn("backend selection failed",
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
		writeError(w, err)
		return
	}

	var sw *util.StatusCapturingResponseWriter
	call := func(ctx context.Context, be backend.Backend) error {
		sw = util.NewStatusCapturingResponseWriter(w)
		sw.OnBeforeHeader(func(h http.Header) {
			h.Set(HeaderServerID, be.ID)
			h.Set(HeaderResponseTime, formatMillis(time.Since(start)))
		})
		return rt.forward(ctx, sw, r, be)
	}

	err = rt.balancer.Execute(r.Context(), be, call)
	if errors.Is(err, util.ErrCircuitOpen) {
		// One more pick among the remaining backends; the original
		// rejection stands if none is left.
		rc.Exclude = append(rc.Exclude, be.ID)
		if alt, selErr := rt.balancer.Select(strategy, rc); selErr == nil {
			be = alt
			err = rt.balancer.Execute(r.Context(), be, call)
		}
	}
	if err == nil {
		return
	}

	log := rt.logger.WithContext(r.Context())
	switch {
	case errors.Is(err, util.ErrCircuitOpen):
		log.Debug("circuit open, request rejected",
			observability.BackendID(be.ID),
			observability.String("path", r.URL.Path),
		)
	case errors.Is(err, errResponseAborted):
		log.Warn("upstream response aborted",
			observability.BackendID(be.ID),
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
		panic(http.ErrAbortHandler)
	default:
		log.Warn("upstream request failed",
			observability.BackendID(be.ID),
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
	}

	if sw == nil || !sw.HeaderWritten {
		writeError(w, err)
	}
}

// errResponseAborted marks a response that broke off after it started
// streaming to the client.
var errResponseAborted = errors.New("response aborted mid-body")

// forward proxies r to be. A response already streamed with a 5xx status is
// returned as an UpstreamError so the breaker counts it. So is a body copy
// that ReverseProxy aborts; the caller re-raises the abort once the outcome
// has been recorded.
func (rt *Router) forward(
	ctx context.Context,
	sw *util.StatusCapturingResponseWriter,
	r *http.Request,
	be backend.Backend,
) (err error) {
	target, err := url.Parse(be.URL())
	if err != nil {
		return util.NewUpstreamError(be.ID, 0, err)
	}

	var transportErr error
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			observability.InjectTraceContext(pr.Out.Context(), pr.Out)
		},
		Transport: rt.transport,
		ErrorLog:  zap.NewStdLog(rt.logger.With(observability.BackendID(be.ID)).Zap()),
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			transportErr = err
		},
	}

	defer func() {
		if p := recover(); p != nil {
			if p != http.ErrAbortHandler {
				panic(p)
			}
			err = util.NewUpstreamError(be.ID, 0, errResponseAborted)
		}
	}()

	proxy.ServeHTTP(sw, r.WithContext(ctx))

	switch {
	case transportErr != nil:
		return util.NewUpstreamError(be.ID, 0, transportErr)
	case sw.StatusCode >= http.StatusInternalServerError:
		return util.NewUpstreamError(be.ID, sw.StatusCode, nil)
	default:
		return nil
	}
}

func sessionKey(r *http.Request, cfg Config) string {
	if cfg.SessionHeader != "" {
		if v := r.Header.Get(cfg.SessionHeader); v != "" {
			return v
		}
	}
	if cfg.SessionCookie != "" {
		if c, err := r.Cookie(cfg.SessionCookie); err == nil {
			return c.Value
		}
	}
	return ""
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 3, 64) + "ms"
}
