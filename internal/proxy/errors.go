package proxy

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/avaroute/internal/util"
)

// ErrorResponse is the JSON body written when a request cannot be routed.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Backend string `json:"backend,omitempty"`
}

// statusFor maps a routing error to an HTTP status and a short code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, util.ErrNoHealthyBackends):
		return http.StatusServiceUnavailable, "no healthy backends"
	case errors.Is(err, util.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit open"
	case errors.Is(err, util.ErrUnknownStrategy):
		return http.StatusBadRequest, "unknown routing strategy"
	default:
		return http.StatusBadGateway, "bad gateway"
	}
}

// writeError writes err as a JSON error response. Circuit rejections carry a
// Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var openErr *util.CircuitOpenError
	if errors.As(err, &openErr) {
		resp.Backend = openErr.BackendID
		secs := int(math.Ceil(openErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	var upErr *util.UpstreamError
	if errors.As(err, &upErr) {
		resp.Backend = upErr.BackendID
		resp.Message = "failed to proxy request"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
