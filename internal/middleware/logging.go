package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// accessWriter captures status, size and the backend that served a request.
type accessWriter struct {
	http.ResponseWriter
	status int
	size   int
	wrote  bool
}

func (w *accessWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging returns a middleware that writes one structured access log line per
// request, including the backend named by serverIDHeader in the response.
func Logging(logger observability.Logger, serverIDHeader string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			aw := &accessWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(aw, r)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", aw.status),
				observability.Int("size", aw.size),
				observability.Duration("duration", time.Since(start)),
				observability.String("remote_addr", r.RemoteAddr),
			}
			if serverIDHeader != "" {
				if id := aw.Header().Get(serverIDHeader); id != "" {
					fields = append(fields, observability.BackendID(id))
				}
			}

			log := logger.WithContext(r.Context())
			if aw.status >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Info("http request", fields...)
		})
	}
}
