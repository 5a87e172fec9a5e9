package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaroute/internal/autoscaler"
	"github.com/vyrodovalexey/avaroute/internal/backend"
	"github.com/vyrodovalexey/avaroute/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaroute/internal/observability"
)

type staticCircuits map[string]circuitbreaker.Record

func (s staticCircuits) Snapshot(context.Context) map[string]circuitbreaker.Record {
	return s
}

type staticScaling struct {
	window []autoscaler.Sample
	last   *autoscaler.Decision
}

func (s staticScaling) Window() []autoscaler.Sample { return s.window }

func (s staticScaling) LastDecision() (autoscaler.Decision, bool) {
	if s.last == nil {
		return autoscaler.Decision{}, false
	}
	return *s.last, true
}

type fixedWorkers int

func (f fixedWorkers) Workers() int { return int(f) }

func newRegistry(t *testing.T, n int) (*backend.Registry, []backend.Backend) {
	t.Helper()
	reg := backend.NewRegistry(observability.NopLogger())
	out := make([]backend.Backend, 0, n)
	for i := range n {
		b := backend.New(fmt.Sprintf("127.0.0.1:%d", 9001+i), 1)
		require.NoError(t, reg.Register(b))
		out = append(out, b)
	}
	return reg, out
}

func TestAggregator_Empty(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, 0)
	snap := NewAggregator(reg).Snapshot(context.Background())

	assert.Zero(t, snap.TotalBackends)
	assert.Zero(t, snap.TotalRequests)
	assert.Zero(t, snap.AvgResponseTime)
	assert.Zero(t, snap.ErrorRate)
	assert.Empty(t, snap.Backends)
	assert.Empty(t, snap.Circuits)
	assert.Nil(t, snap.Scaling)
}

func TestAggregator_RecordAndSnapshot(t *testing.T) {
	t.Parallel()

	reg, bs := newRegistry(t, 3)
	unhealthy := false
	require.NoError(t, reg.Update(bs[2].ID, backend.MetricsUpdate{Healthy: &unhealthy}))

	nextAttempt := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	circuits := staticCircuits{
		bs[1].ID: {State: circuitbreaker.StateOpen, Failures: 5, NextAttempt: nextAttempt},
		"gone":   {State: circuitbreaker.StateOpen, Failures: 5},
	}
	decision := autoscaler.Decision{Action: autoscaler.ActionScaleUp}
	scaling := staticScaling{
		window: []autoscaler.Sample{{CPU: 0.9}},
		last:   &decision,
	}

	agg := NewAggregator(reg, WithCircuits(circuits), WithScaling(scaling, fixedWorkers(3)))

	agg.Record(bs[0].ID, OutcomeSuccess, 10*time.Millisecond, nil)
	agg.Record(bs[0].ID, OutcomeSuccess, 30*time.Millisecond, nil)
	agg.Record(bs[1].ID, OutcomeFailure, 20*time.Millisecond, errors.New("status 503"))
	agg.Record(bs[1].ID, OutcomeRejected, 0, errors.New("circuit open"))

	snap := agg.Snapshot(context.Background())

	assert.Equal(t, 3, snap.TotalBackends)
	assert.Equal(t, 2, snap.HealthyBackends)
	assert.Equal(t, int64(4), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int64(1), snap.RejectedRequests)
	assert.InDelta(t, 0.5, snap.ErrorRate, 1e-9)
	assert.InDelta(t, 20.0, snap.AvgResponseTime, 1e-9)

	require.Len(t, snap.Backends, 3)
	assert.Equal(t, bs[0].ID, snap.Backends[0].ID)
	assert.Equal(t, int64(2), snap.Backends[0].Requests)
	assert.Equal(t, "closed", snap.Backends[0].Circuit)
	assert.Equal(t, int64(1), snap.Backends[1].Requests)
	assert.Equal(t, int64(1), snap.Backends[1].Failures)
	assert.Equal(t, "open", snap.Backends[1].Circuit)
	assert.False(t, snap.Backends[2].Healthy)

	require.Len(t, snap.Circuits, 1)
	assert.Equal(t, "open", snap.Circuits[bs[1].ID].State)
	require.NotNil(t, snap.Circuits[bs[1].ID].NextAttempt)
	assert.Equal(t, nextAttempt, *snap.Circuits[bs[1].ID].NextAttempt)

	require.Len(t, snap.RecentErrors, 2)
	assert.Equal(t, "status 503", snap.RecentErrors[0].Message)

	require.NotNil(t, snap.Scaling)
	assert.Equal(t, 3, snap.Scaling.Workers)
	assert.Len(t, snap.Scaling.Window, 1)
	require.NotNil(t, snap.Scaling.LastDecision)
	assert.Equal(t, autoscaler.ActionScaleUp, snap.Scaling.LastDecision.Action)
}

func TestAggregator_RecentErrorsBounded(t *testing.T) {
	t.Parallel()

	reg, bs := newRegistry(t, 1)
	agg := NewAggregator(reg)

	for i := range 25 {
		agg.Record(bs[0].ID, OutcomeFailure, time.Millisecond, fmt.Errorf("failure %d", i))
	}

	snap := agg.Snapshot(context.Background())
	require.Len(t, snap.RecentErrors, maxRecentErrors)
	assert.Equal(t, "failure 15", snap.RecentErrors[0].Message)
	assert.Equal(t, "failure 24", snap.RecentErrors[maxRecentErrors-1].Message)
}

func TestAggregator_Forget(t *testing.T) {
	t.Parallel()

	reg, bs := newRegistry(t, 1)
	agg := NewAggregator(reg)
	agg.Record(bs[0].ID, OutcomeSuccess, time.Millisecond, nil)

	agg.Forget(bs[0].ID)

	snap := agg.Snapshot(context.Background())
	assert.Zero(t, snap.Backends[0].Requests)
	assert.Equal(t, int64(1), snap.TotalRequests)
}

func TestSnapshot_JSON(t *testing.T) {
	t.Parallel()

	reg, bs := newRegistry(t, 1)
	agg := NewAggregator(reg)
	agg.Record(bs[0].ID, OutcomeSuccess, 5*time.Millisecond, nil)

	raw, err := json.Marshal(agg.Snapshot(context.Background()))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "totalBackends")
	assert.Contains(t, decoded, "avgResponseTime")

	backends, ok := decoded["backends"].([]any)
	require.True(t, ok)
	require.Len(t, backends, 1)
	first, ok := backends[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, bs[0].ID, first["id"])
	assert.Equal(t, "closed", first["circuit"])
}
