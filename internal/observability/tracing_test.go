package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{Enabled: true, SamplingRate: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	var traceID string
	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v, ok := r.Context().Value(traceIDKey).(string); ok {
			traceID = v
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", http.NoBody))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, traceID)
}

func TestNewResource(t *testing.T) {
	t.Parallel()

	res, err := newResource("orders-router")
	require.NoError(t, err)
	assert.Empty(t, res.SchemaURL())

	name, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "orders-router", name.AsString())

	merged, err := resource.Merge(resource.Default(), res)
	require.NoError(t, err)
	assert.Equal(t, resource.Default().SchemaURL(), merged.SchemaURL())
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	assert.Contains(t, createSampler(1).Description(), "AlwaysOn")
	assert.Contains(t, createSampler(0).Description(), "AlwaysOff")
	assert.Contains(t, createSampler(0.5).Description(), "TraceIDRatioBased")
}
