package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

func setMetrics(t *testing.T, r *Registry, id string, conns int64, rt, cpu, mem float64) {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.byID[id]
	b.ActiveConnections = conns
	b.AvgResponseTime = rt
	b.CPUUsage = cpu
	b.MemoryUsage = mem
}

func TestSelector_NoHealthyBackends(t *testing.T) {
	t.Parallel()

	empty := NewSelector(NewRegistry(observability.NopLogger()))

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80")
	down := false
	for _, b := range backends {
		require.NoError(t, r.Update(b.ID, MetricsUpdate{Healthy: &down}))
	}
	allDown := NewSelector(r)

	strategies := []string{
		config.StrategyRoundRobin, config.StrategyWeightedRoundRobin,
		config.StrategyLeastConnections, config.StrategyResponseTime,
		config.StrategyAdaptive, config.StrategySticky,
	}
	for _, s := range strategies {
		for _, sel := range []*Selector{empty, allDown} {
			b, err := sel.Select(s, RoutingContext{SessionKey: "abc"})
			assert.True(t, errors.Is(err, util.ErrNoHealthyBackends), s)
			assert.Empty(t, b.ID, s)
		}
	}
}

func TestSelector_UnknownStrategy(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, "10.0.0.1:80")
	_, err := NewSelector(r).Select("ip_hash", RoutingContext{})
	assert.True(t, errors.Is(err, util.ErrUnknownStrategy))
}

func TestSelector_RoundRobinFairness(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 7, 30, 31, 100} {
		t.Run(fmt.Sprintf("calls=%d", n), func(t *testing.T) {
			t.Parallel()

			r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
			sel := NewSelector(r)

			counts := make(map[string]int)
			for i := 0; i < n; i++ {
				b, err := sel.Select(config.StrategyRoundRobin, RoutingContext{})
				require.NoError(t, err)
				counts[b.ID]++
			}

			k := len(backends)
			for _, b := range backends {
				c := counts[b.ID]
				assert.True(t, c == n/k || c == (n+k-1)/k, "backend selected %d times for %d calls", c, n)
			}
		})
	}
}

func TestSelector_WeightedRoundRobin(t *testing.T) {
	t.Parallel()

	r := NewRegistry(observability.NopLogger())
	a := New("10.0.0.1:80", 3)
	b := New("10.0.0.2:80", 1)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	sel := NewSelector(r)
	counts := make(map[string]int)
	for i := 0; i < 400; i++ {
		got, err := sel.Select(config.StrategyWeightedRoundRobin, RoutingContext{})
		require.NoError(t, err)
		counts[got.ID]++
	}

	assert.Equal(t, 300, counts[a.ID])
	assert.Equal(t, 100, counts[b.ID])
}

func TestVirtualSlots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		weights  []int
		expected []int
	}{
		{name: "three to one", weights: []int{3, 1}, expected: []int{75, 25}},
		{name: "equal", weights: []int{1, 1, 1}, expected: []int{33, 33, 33}},
		{name: "tiny weight keeps a slot", weights: []int{1000, 1}, expected: []int{100, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backends := make([]Backend, len(tt.weights))
			for i, w := range tt.weights {
				backends[i] = Backend{Weight: w}
			}
			assert.Equal(t, tt.expected, VirtualSlots(backends))
		})
	}
}

func TestSelector_LeastConnections(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	setMetrics(t, r, backends[0].ID, 5, 0, 0, 0)
	setMetrics(t, r, backends[1].ID, 2, 0, 0, 0)
	setMetrics(t, r, backends[2].ID, 2, 0, 0, 0)

	sel := NewSelector(r)
	got, err := sel.Select(config.StrategyLeastConnections, RoutingContext{})
	require.NoError(t, err)
	assert.Equal(t, backends[1].ID, got.ID, "tie resolves to first in registry order")

	// An unhealthy backend with fewer connections is never chosen.
	setMetrics(t, r, backends[0].ID, 0, 0, 0, 0)
	down := false
	require.NoError(t, r.Update(backends[0].ID, MetricsUpdate{Healthy: &down}))

	got, err = sel.Select(config.StrategyLeastConnections, RoutingContext{})
	require.NoError(t, err)
	assert.Equal(t, backends[1].ID, got.ID)
}

func TestSelector_ResponseTime(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	setMetrics(t, r, backends[0].ID, 0, 250, 0, 0)
	setMetrics(t, r, backends[1].ID, 0, 40, 0, 0)
	setMetrics(t, r, backends[2].ID, 0, 90, 0, 0)

	got, err := NewSelector(r).Select(config.StrategyResponseTime, RoutingContext{})
	require.NoError(t, err)
	assert.Equal(t, backends[1].ID, got.ID)
}

func TestSelector_Adaptive(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	setMetrics(t, r, backends[0].ID, 10, 200, 0.9, 0.9)
	setMetrics(t, r, backends[1].ID, 1, 20, 0.2, 0.3)
	setMetrics(t, r, backends[2].ID, 0, 50, 0.7, 0.8)

	got, err := NewSelector(r).Select(config.StrategyAdaptive, RoutingContext{})
	require.NoError(t, err)
	assert.Equal(t, backends[1].ID, got.ID)
}

func TestScore(t *testing.T) {
	t.Parallel()

	idle := Backend{}
	// 0.3*1 + 0.3*1 + 0.2*10 + 0.2*10
	assert.InDelta(t, 4.6, Score(idle), 1e-9)

	busy := Backend{ActiveConnections: 9, AvgResponseTime: 99, CPUUsage: 0.9, MemoryUsage: 0.9}
	// 0.3*0.1 + 0.3*0.01 + 0.2*1 + 0.2*1
	assert.InDelta(t, 0.433, Score(busy), 1e-9)
}

func TestStickyHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0), StickyHash(""))
	assert.Equal(t, uint32(97), StickyHash("a"))
	assert.Equal(t, uint32(97*31+98), StickyHash("ab"))
	// Wraps at 32 bits instead of overflowing.
	assert.Equal(t, StickyHash("session-0123456789abcdef"), StickyHash("session-0123456789abcdef"))
	assert.Equal(t, uint32(0x439), StickyHash("й"))
}

func TestStickyHash_InvalidUTF8(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0xff), StickyHash("\xff"))
	assert.Equal(t, uint32(0xfe), StickyHash("\xfe"))
	assert.NotEqual(t, StickyHash("id-\xff\x01"), StickyHash("id-\xfe\x01"))
	assert.Equal(t, uint32(0xff*31+0x439), StickyHash("\xffй"))
}

func TestSelector_Exclude(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	sel := NewSelector(r)

	strategies := []string{
		config.StrategyRoundRobin,
		config.StrategyWeightedRoundRobin,
		config.StrategyLeastConnections,
		config.StrategyResponseTime,
		config.StrategyAdaptive,
		config.StrategySticky,
	}
	for _, strategy := range strategies {
		for i := 0; i < 10; i++ {
			b, err := sel.Select(strategy, RoutingContext{
				SessionKey: fmt.Sprintf("user-%d", i),
				Exclude:    []string{backends[0].ID},
			})
			require.NoError(t, err, strategy)
			assert.NotEqual(t, backends[0].ID, b.ID, strategy)
		}
	}

	_, err := sel.Select(config.StrategyLeastConnections, RoutingContext{
		Exclude: []string{backends[0].ID, backends[1].ID, backends[2].ID},
	})
	assert.ErrorIs(t, err, util.ErrNoHealthyBackends)
	assert.Len(t, r.Healthy(), 3)
}

func TestSelector_StickyStability(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	sel := NewSelector(r)

	for _, key := range []string{"user-1", "user-2", "f3a9c0de", "ключ"} {
		first, err := sel.Select(config.StrategySticky, RoutingContext{SessionKey: key})
		require.NoError(t, err)

		expected := backends[StickyHash(key)%uint32(len(backends))].ID
		assert.Equal(t, expected, first.ID)

		for i := 0; i < 20; i++ {
			again, err := sel.Select(config.StrategySticky, RoutingContext{SessionKey: key})
			require.NoError(t, err)
			assert.Equal(t, first.ID, again.ID)
		}
	}
}

func TestSelector_StickyWithoutKeyFallsBack(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80")
	sel := NewSelector(r)

	first, err := sel.Select(config.StrategySticky, RoutingContext{})
	require.NoError(t, err)
	second, err := sel.Select(config.StrategySticky, RoutingContext{})
	require.NoError(t, err)

	assert.Equal(t, backends[0].ID, first.ID)
	assert.Equal(t, backends[1].ID, second.ID)
}

func TestSelector_ExcludesFailedBackendUntilRecovered(t *testing.T) {
	t.Parallel()

	r, backends := newTestRegistry(t, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")
	sel := NewSelector(r)
	failed := backends[1].ID

	down := false
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Update(failed, MetricsUpdate{Healthy: &down}))
	}

	for i := 0; i < 30; i++ {
		b, err := sel.Select(config.StrategyRoundRobin, RoutingContext{})
		require.NoError(t, err)
		assert.NotEqual(t, failed, b.ID)
	}

	up := true
	require.NoError(t, r.Update(failed, MetricsUpdate{Healthy: &up}))

	seen := false
	for i := 0; i < 3; i++ {
		b, err := sel.Select(config.StrategyRoundRobin, RoutingContext{})
		require.NoError(t, err)
		seen = seen || b.ID == failed
	}
	assert.True(t, seen)
}
