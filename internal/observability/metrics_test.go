package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSelection("round_robin", "b-1")
		m.RecordSelectionError("round_robin", "no_healthy_backends")
		m.RecordHealthCheck("b-1", true, time.Millisecond)
		m.RecordCircuitTransition("b-1", "closed", "open", 1)
		m.RecordCircuitRejection("b-1")
		m.RecordScalingDecision("scale_up")
		m.SetWorkers(3)
		m.RecordWorkerRestart()
		m.RecordRequest("b-1", "success", time.Millisecond)
		m.ForgetBackend("b-1")
	})
}

func TestMetrics_RecordHealthCheck(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordHealthCheck("b-1", true, 5*time.Millisecond)
	m.RecordHealthCheck("b-1", false, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecksTotal.WithLabelValues("b-1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecksTotal.WithLabelValues("b-1", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backendHealthy.WithLabelValues("b-1")))
}

func TestMetrics_ForgetBackend(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordSelection("round_robin", "b-1")
	m.RecordSelection("round_robin", "b-2")
	m.ForgetBackend("b-1")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var selections *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "test_selections_total" {
			selections = mf
		}
	}
	require.NotNil(t, selections)
	require.Len(t, selections.GetMetric(), 1)
	for _, lp := range selections.GetMetric()[0].GetLabel() {
		if lp.GetName() == "backend" {
			assert.Equal(t, "b-2", lp.GetValue())
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.SetWorkers(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "avaroute_cluster_workers 4")
}
