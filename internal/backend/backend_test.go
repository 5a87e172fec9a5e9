package backend

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

func newTestRegistry(t *testing.T, addrs ...string) (*Registry, []Backend) {
	t.Helper()

	r := NewRegistry(observability.NopLogger())
	backends := make([]Backend, 0, len(addrs))
	for _, addr := range addrs {
		b := New(addr, 1)
		require.NoError(t, r.Register(b))
		backends = append(backends, b)
	}
	return r, backends
}

func TestNew(t *testing.T) {
	t.Parallel()

	b := New("127.0.0.1:9001", 0)
	assert.NotEmpty(t, b.ID)
	assert.True(t, b.Healthy)
	assert.Equal(t, 1, b.Weight)
	assert.Equal(t, "http://127.0.0.1:9001", b.URL())

	assert.NotEqual(t, b.ID, New("127.0.0.1:9001", 1).ID)
}

func TestNewStatic(t *testing.T) {
	t.Parallel()

	a := NewStatic("10.0.0.1:80", 2)
	b := NewStatic("10.0.0.1:80", 2)
	c := NewStatic("10.0.0.2:80", 2)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, a.Weight)
}

func TestEWMA(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		avg      float64
		sample   float64
		expected float64
	}{
		{name: "first sample taken as-is", avg: 0, sample: 120, expected: 120},
		{name: "smoothed", avg: 100, sample: 200, expected: 110},
		{name: "steady", avg: 50, sample: 50, expected: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.expected, EWMA(tt.avg, tt.sample), 1e-9)
		})
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	list := r.List()
	require.Len(t, list, 3)
	for i := range backends {
		assert.Equal(t, backends[i].ID, list[i].ID, "registration order is kept")
	}
	assert.Equal(t, 3, r.Len())

	err := r.Register(backends[0])
	assert.Error(t, err)

	assert.Error(t, r.Register(Backend{ID: "x", Address: "no-port"}))
	assert.Error(t, r.Register(Backend{Address: "10.0.0.9:80"}))
}

func TestRegistry_ListIsSnapshot(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80")

	list := r.List()
	list[0].Healthy = false
	list[0].ActiveConnections = 99

	got, ok := r.Get(backends[0].ID)
	require.True(t, ok)
	assert.True(t, got.Healthy)
	assert.Zero(t, got.ActiveConnections)
}

func TestRegistry_Remove(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	var removed []string
	r.OnRemove(func(b Backend) { removed = append(removed, b.ID) })

	require.NoError(t, r.Remove(backends[1].ID))
	assert.Equal(t, []string{backends[1].ID}, removed)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, backends[0].ID, list[0].ID)
	assert.Equal(t, backends[2].ID, list[1].ID)

	err := r.Remove(backends[1].ID)
	assert.True(t, errors.Is(err, util.ErrBackendNotFound))
}

func TestRegistry_Update(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80")
	id := backends[0].ID

	healthy := false
	cpu, mem := 0.42, 1.7
	sample := 80.0
	now := time.Now()

	require.NoError(t, r.Update(id, MetricsUpdate{
		Healthy:            &healthy,
		CPUUsage:           &cpu,
		MemoryUsage:        &mem,
		ResponseTimeSample: &sample,
		CheckedAt:          now,
	}))

	got, _ := r.Get(id)
	assert.False(t, got.Healthy)
	assert.InDelta(t, 0.42, got.CPUUsage, 1e-9)
	assert.InDelta(t, 1.0, got.MemoryUsage, 1e-9, "clamped to [0,1]")
	assert.InDelta(t, 80.0, got.AvgResponseTime, 1e-9)
	assert.Equal(t, now, got.LastHealthCheck)

	// Empty update leaves everything in place.
	require.NoError(t, r.Update(id, MetricsUpdate{}))
	again, _ := r.Get(id)
	assert.Equal(t, got, again)

	assert.True(t, errors.Is(r.Update("missing", MetricsUpdate{}), util.ErrBackendNotFound))
}

func TestRegistry_Healthy(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	down := false
	require.NoError(t, r.Update(backends[1].ID, MetricsUpdate{Healthy: &down}))

	healthy := r.Healthy()
	require.Len(t, healthy, 2)
	assert.Equal(t, backends[0].ID, healthy[0].ID)
	assert.Equal(t, backends[2].ID, healthy[1].ID)
}

func TestRegistry_ObserveLatency(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80")
	id := backends[0].ID

	r.ObserveLatency(id, 100)
	r.ObserveLatency(id, 200)
	r.ObserveLatency(id, -5)
	r.ObserveLatency("missing", 10)

	got, _ := r.Get(id)
	assert.InDelta(t, 110.0, got.AvgResponseTime, 1e-9)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80")
	id := backends[0].ID

	lease, err := r.Acquire(id)
	require.NoError(t, err)
	assert.Equal(t, id, lease.BackendID())

	got, _ := r.Get(id)
	assert.Equal(t, int64(1), got.ActiveConnections)

	lease.Release()
	lease.Release()

	got, _ = r.Get(id)
	assert.Zero(t, got.ActiveConnections)

	_, err = r.Acquire("missing")
	assert.True(t, errors.Is(err, util.ErrBackendNotFound))

	var nilLease *Lease
	assert.NotPanics(t, nilLease.Release)
}

func TestLease_ReleaseAfterRemove(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80")

	lease, err := r.Acquire(backends[0].ID)
	require.NoError(t, err)
	require.NoError(t, r.Remove(backends[0].ID))

	assert.NotPanics(t, lease.Release)
}

func TestLease_ConcurrentAccounting(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80")
	id := backends[0].ID

	const workers = 64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			lease, err := r.Acquire(id)
			if err != nil {
				return
			}
			r.ObserveLatency(id, 10)
			lease.Release()
			lease.Release()
		}()
	}
	wg.Wait()

	got, _ := r.Get(id)
	assert.Zero(t, got.ActiveConnections)
}
