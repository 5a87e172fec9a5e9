// Package middleware provides HTTP middleware for the routing listener.
//
// Middleware functions follow the standard Go pattern and compose with Chain:
//
//	handler := middleware.Chain(router,
//	    middleware.RequestID(),
//	    middleware.Recovery(logger),
//	    middleware.Logging(logger),
//	)
package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws to h so that the first middleware is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
