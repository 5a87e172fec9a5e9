package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

type flip struct {
	id      string
	healthy bool
}

type flipRecorder struct {
	mu    sync.Mutex
	flips []flip
}

func (r *flipRecorder) record(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flips = append(r.flips, flip{id: id, healthy: healthy})
}

func (r *flipRecorder) all() []flip {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flip(nil), r.flips...)
}

func newTestRegistry(t *testing.T, n int) (*backend.Registry, []backend.Backend) {
	t.Helper()
	reg := backend.NewRegistry(observability.NopLogger())
	backends := make([]backend.Backend, 0, n)
	for i := range n {
		b := backend.New("127.0.0.1:"+string(rune('1'+i))+"000", 1)
		require.NoError(t, reg.Register(b))
		backends = append(backends, b)
	}
	return reg, backends
}

func TestConfig_Normalized(t *testing.T) {
	t.Parallel()

	cfg := Config{}.normalized()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{Interval: time.Second, Timeout: time.Millisecond, Concurrency: 2, HealthyThreshold: 3, UnhealthyThreshold: 4}
	assert.Equal(t, custom, custom.normalized())
}

func TestChecker_CheckAll_UpdatesMetrics(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 2)
	prober := NewFakeProber()
	prober.Set(backends[0].ID, FakeResult{Report: Report{
		Status:  StatusOK,
		Metrics: &ReportMetrics{CPU: 0.7, Memory: 0.4, Connections: 5},
	}})

	c := NewChecker(reg, prober, Config{Timeout: time.Second})
	before := time.Now()
	c.CheckAll(context.Background())

	got, ok := reg.Get(backends[0].ID)
	require.True(t, ok)
	assert.True(t, got.Healthy)
	assert.InDelta(t, 0.7, got.CPUUsage, 1e-9)
	assert.InDelta(t, 0.4, got.MemoryUsage, 1e-9)
	assert.False(t, got.LastHealthCheck.Before(before))
	assert.GreaterOrEqual(t, got.AvgResponseTime, 0.0)

	other, ok := reg.Get(backends[1].ID)
	require.True(t, ok)
	assert.True(t, other.Healthy)
	assert.Zero(t, other.CPUUsage)

	assert.Equal(t, 1, prober.Calls(backends[0].ID))
	assert.Equal(t, 1, prober.Calls(backends[1].ID))
}

func TestChecker_FailureMarksUnhealthyAndRecovers(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 2)
	target := backends[0].ID

	prober := NewFakeProber()
	recorder := &flipRecorder{}
	c := NewChecker(reg, prober, Config{Timeout: time.Second},
		WithStatusChangeCallback(recorder.record),
	)

	prober.Set(target, FakeResult{Err: errors.New("connection refused")})
	for range 5 {
		c.CheckAll(context.Background())
	}

	got, _ := reg.Get(target)
	assert.False(t, got.Healthy)
	healthy := reg.Healthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, backends[1].ID, healthy[0].ID)

	prober.Set(target, FakeResult{Report: Report{Status: StatusOK}})
	c.CheckAll(context.Background())

	got, _ = reg.Get(target)
	assert.True(t, got.Healthy)
	assert.Len(t, reg.Healthy(), 2)

	assert.Equal(t, []flip{{id: target, healthy: false}, {id: target, healthy: true}}, recorder.all())
}

func TestChecker_Thresholds(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 1)
	id := backends[0].ID
	prober := NewFakeProber()
	c := NewChecker(reg, prober, Config{
		Timeout:            time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	})

	prober.Set(id, FakeResult{Report: Report{Status: "starting"}})
	for i := range 2 {
		c.CheckAll(context.Background())
		got, _ := reg.Get(id)
		assert.True(t, got.Healthy, "probe %d", i)
	}
	c.CheckAll(context.Background())
	got, _ := reg.Get(id)
	assert.False(t, got.Healthy)

	prober.Set(id, FakeResult{Report: Report{Status: StatusOK}})
	c.CheckAll(context.Background())
	got, _ = reg.Get(id)
	assert.False(t, got.Healthy)

	c.CheckAll(context.Background())
	got, _ = reg.Get(id)
	assert.True(t, got.Healthy)
}

func TestChecker_TimeoutIsFailure(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 1)
	id := backends[0].ID
	prober := NewFakeProber()
	prober.Set(id, FakeResult{Delay: time.Minute, Report: Report{Status: StatusOK}})

	c := NewChecker(reg, prober, Config{Timeout: 20 * time.Millisecond})

	start := time.Now()
	c.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)

	got, _ := reg.Get(id)
	assert.False(t, got.Healthy)
}

func TestChecker_CancelledRoundLeavesHealthAlone(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 1)
	id := backends[0].ID
	prober := NewFakeProber()
	prober.Set(id, FakeResult{Delay: time.Minute, Report: Report{Status: StatusOK}})

	c := NewChecker(reg, prober, Config{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c.CheckAll(ctx)

	got, _ := reg.Get(id)
	assert.True(t, got.Healthy)
	assert.True(t, got.LastHealthCheck.IsZero())
}

type panicProber struct{}

func (panicProber) Probe(context.Context, backend.Backend) (Report, error) {
	panic("prober bug")
}

func TestChecker_PanickingProbeIsFailure(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 1)
	c := NewChecker(reg, panicProber{}, Config{Timeout: time.Second})

	assert.NotPanics(t, func() { c.CheckAll(context.Background()) })

	got, _ := reg.Get(backends[0].ID)
	assert.False(t, got.Healthy)
}

func TestChecker_RemovedBackendStreakPruned(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 2)
	prober := NewFakeProber()
	c := NewChecker(reg, prober, Config{Timeout: time.Second})

	c.CheckAll(context.Background())
	require.NoError(t, reg.Remove(backends[0].ID))
	c.CheckAll(context.Background())

	c.streakMu.Lock()
	defer c.streakMu.Unlock()
	assert.Len(t, c.streaks, 1)
	assert.Contains(t, c.streaks, backends[1].ID)
}

func TestChecker_StartStop(t *testing.T) {
	t.Parallel()

	reg, backends := newTestRegistry(t, 1)
	prober := NewFakeProber()
	c := NewChecker(reg, prober, Config{Interval: 10 * time.Millisecond, Timeout: time.Second})

	c.Start(context.Background())
	c.Start(context.Background())

	assert.Eventually(t, func() bool {
		return prober.Calls(backends[0].ID) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()

	calls := prober.Calls(backends[0].ID)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, prober.Calls(backends[0].ID))
}

func TestChecker_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	reg := backend.NewRegistry(observability.NopLogger())
	for i := range 8 {
		require.NoError(t, reg.Register(backend.New("10.0.0."+string(rune('1'+i))+":80", 1)))
	}

	lp := &limitProber{}
	c := NewChecker(reg, lp, Config{Timeout: time.Second, Concurrency: 2})
	c.CheckAll(context.Background())

	assert.LessOrEqual(t, lp.peak, 2)
	assert.Equal(t, 8, lp.total)
}

type limitProber struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	total    int
}

func (p *limitProber) Probe(context.Context, backend.Backend) (Report, error) {
	p.mu.Lock()
	p.inFlight++
	p.total++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return Report{Status: StatusOK}, nil
}
