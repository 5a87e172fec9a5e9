package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLogging(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantLevel zapcore.Level
		status    int64
		size      int64
		backend   string
	}{
		{
			name: "implicit ok with backend",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("X-Server-ID", "b-1")
				_, _ = w.Write([]byte("hello"))
			},
			wantLevel: zapcore.InfoLevel,
			status:    http.StatusOK,
			size:      5,
			backend:   "b-1",
		},
		{
			name: "server error logs at warn",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantLevel: zapcore.WarnLevel,
			status:    http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, logs := observedLogger()
			h := Chain(tt.handler, RequestIDWithGenerator(func() string { return "req-1" }), Logging(logger, "X-Server-ID"))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/orders", http.NoBody))

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.wantLevel, entry.Level)

			fields := entry.ContextMap()
			assert.Equal(t, "POST", fields["method"])
			assert.Equal(t, "/orders", fields["path"])
			assert.Equal(t, tt.status, fields["status"])
			assert.Equal(t, tt.size, fields["size"])
			assert.Equal(t, "req-1", fields["request_id"])
			if tt.backend != "" {
				assert.Equal(t, tt.backend, fields["backend_id"])
			} else {
				assert.NotContains(t, fields, "backend_id")
			}
		})
	}
}
