// Package api exposes the fetch layer over HTTP.
//
// Routes:
//
//	GET  /healthz     liveness
//	GET  /readyz      readiness, reports the configured path count
//	GET  /metrics     Prometheus exposition
//	POST /v1/fetch    fetch a URL through the rotation pool
//	GET  /v1/pool     selector snapshot with redacted addresses
//	GET  /v1/search   keyword lookup in the document index, when configured
package api
