package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// StatusOK is the only reply status that counts as healthy.
const StatusOK = "ok"

// maxReplyBytes bounds how much of a probe reply is read.
const maxReplyBytes = 64 << 10

// Report is a backend's reply to a health probe.
type Report struct {
	Status  string         `json:"status"`
	Metrics *ReportMetrics `json:"metrics,omitempty"`
}

// ReportMetrics is the load a backend reports about itself.
type ReportMetrics struct {
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	Connections int64   `json:"connections"`
}

// Prober sends one health probe to a backend. Any returned error means the
// backend failed the probe.
type Prober interface {
	Probe(ctx context.Context, b backend.Backend) (Report, error)
}

// HTTPProber probes GET http://<address><path> and decodes a JSON Report.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTP prober. Deadlines come from the probe
// context, so the client itself has no timeout.
func NewHTTPProber(path string) *HTTPProber {
	return NewHTTPProberWithClient(path, &http.Client{})
}

// NewHTTPProberWithClient creates an HTTP prober with a custom client.
func NewHTTPProberWithClient(path string, client *http.Client) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	return &HTTPProber{client: client, path: path}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, b backend.Backend) (Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL()+p.path, http.NoBody)
	if err != nil {
		return Report{}, util.NewProbeError(b.ID, "request", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Report{}, util.NewProbeError(b.ID, "transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Report{}, util.NewProbeError(b.ID, fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}

	var report Report
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&report); err != nil {
		return Report{}, util.NewProbeError(b.ID, "malformed reply", err)
	}

	return checkStatus(b.ID, report)
}

func checkStatus(backendID string, report Report) (Report, error) {
	if report.Status != StatusOK {
		return report, util.NewProbeError(backendID, fmt.Sprintf("status %q", report.Status), nil)
	}
	return report, nil
}

// GRPCProber probes the standard grpc.health.v1 service. SERVING maps to
// "ok"; no load metrics are reported.
type GRPCProber struct {
	service string
	opts    []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProber creates a gRPC prober for service ("" checks the server).
func NewGRPCProber(service string, opts ...grpc.DialOption) *GRPCProber {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCProber{
		service: service,
		opts:    opts,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, b backend.Backend) (Report, error) {
	conn, err := p.conn(b.Address)
	if err != nil {
		return Report{}, util.NewProbeError(b.ID, "dial", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		p.drop(b.Address)
		return Report{}, util.NewProbeError(b.ID, "transport", err)
	}

	status := resp.GetStatus()
	if status != healthpb.HealthCheckResponse_SERVING {
		return Report{Status: status.String()}, util.NewProbeError(b.ID, "status "+status.String(), nil)
	}
	return Report{Status: StatusOK}, nil
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, addr)
	}

	conn, err := grpc.NewClient(addr, p.opts...)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

func (p *GRPCProber) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		_ = conn.Close()
		delete(p.conns, addr)
	}
}

// Forget closes the pooled connection of a retired backend.
func (p *GRPCProber) Forget(b backend.Backend) {
	p.drop(b.Address)
}

// Close closes all pooled connections.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, addr)
	}
	return nil
}

// SimulatedProber reports random load without contacting the backend.
type SimulatedProber struct {
	// MaxConnections bounds the simulated connection count.
	MaxConnections int64
}

// Probe implements Prober.
func (p SimulatedProber) Probe(ctx context.Context, _ backend.Backend) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	maxConns := p.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}
	return Report{
		Status: StatusOK,
		Metrics: &ReportMetrics{
			CPU:         rand.Float64(),        //nolint:gosec // simulated load
			Memory:      rand.Float64(),        //nolint:gosec // simulated load
			Connections: rand.Int64N(maxConns), //nolint:gosec // simulated load
		},
	}, nil
}

// FakeResult is one scripted probe outcome.
type FakeResult struct {
	Report Report
	Err    error
	// Delay holds the probe until it elapses or the context ends.
	Delay time.Duration
}

// FakeProber replays scripted outcomes per backend ID. Backends without a
// script report "ok" with no metrics.
type FakeProber struct {
	mu      sync.Mutex
	results map[string]FakeResult
	calls   map[string]int
}

// NewFakeProber creates an empty fake prober.
func NewFakeProber() *FakeProber {
	return &FakeProber{
		results: make(map[string]FakeResult),
		calls:   make(map[string]int),
	}
}

// Set scripts the outcome for backendID.
func (f *FakeProber) Set(backendID string, result FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[backendID] = result
}

// Calls returns how many probes backendID received.
func (f *FakeProber) Calls(backendID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[backendID]
}

// Probe implements Prober.
func (f *FakeProber) Probe(ctx context.Context, b backend.Backend) (Report, error) {
	f.mu.Lock()
	f.calls[b.ID]++
	result, scripted := f.results[b.ID]
	f.mu.Unlock()

	if !scripted {
		return Report{Status: StatusOK}, nil
	}

	if result.Delay > 0 {
		timer := time.NewTimer(result.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Report{}, util.NewProbeError(b.ID, "timeout", ctx.Err())
		case <-timer.C:
		}
	}

	if result.Err != nil {
		return result.Report, util.NewProbeError(b.ID, "scripted", result.Err)
	}
	return checkStatus(b.ID, result.Report)
}
