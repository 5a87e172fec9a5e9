// Package proxy is the request-path hook of the router.
//
// Router is an http.Handler that selects a backend for each request,
// forwards it with httputil.ReverseProxy through the balancer's circuit
// breaker and connection accounting, and stamps the response with the
// X-Server-ID and X-Response-Time headers. Upstream 5xx responses and
// transport errors count as backend failures.
package proxy
