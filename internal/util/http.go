package util

import (
	"net/http"
)

// StatusCapturingResponseWriter wraps http.ResponseWriter to track status code.
// The proxy uses it to classify upstream 5xx responses as breaker failures
// after the reverse proxy has finished writing.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	HeaderWritten bool
	beforeHeader  func(http.Header)
}

// NewStatusCapturingResponseWriter creates a new StatusCapturingResponseWriter
// wrapping the provided http.ResponseWriter with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// OnBeforeHeader registers a hook that runs once, right before the status
// line is written, so late headers (e.g. timings) can still be attached.
func (w *StatusCapturingResponseWriter) OnBeforeHeader(fn func(http.Header)) {
	w.beforeHeader = fn
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	if w.beforeHeader != nil {
		w.beforeHeader(w.ResponseWriter.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter and marks header as written.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher interface for streaming support.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compile-time interface assertion.
var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)
