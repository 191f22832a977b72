// Package metrics exposes Prometheus collectors for the egress fetch layer.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	egressSelectionsTotal      *prometheus.CounterVec
	egressRotationsTotal       prometheus.Counter
	egressFallbacksTotal       *prometheus.CounterVec
	egressProbeResultsTotal    *prometheus.CounterVec
	egressFetchesTotal         *prometheus.CounterVec
	egressFetchDuration        *prometheus.HistogramVec
	egressBridgeFailuresTotal  *prometheus.CounterVec
	egressUpstreamTimeouts     *prometheus.CounterVec
	egressRateLimitDelays      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		egressSelectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_selections_total",
				Help: "Egress paths handed out by the selector, labeled by kind.",
			},
			[]string{"kind"},
		)

		egressRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "egress_rotations_total",
				Help: "Times a path gave up its turn after reaching its rotation interval.",
			},
		)

		egressFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_fallbacks_total",
				Help: "Selections that ended without a configured path, labeled by reason.",
			},
			[]string{"reason"},
		)

		egressProbeResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_probe_results_total",
				Help: "Health probe outcomes, labeled by check and result.",
			},
			[]string{"check", "result"},
		)

		egressFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_fetches_total",
				Help: "Fetches dispatched, labeled by egress kind, method and status code.",
			},
			[]string{"kind", "method", "code"},
		)

		egressFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "egress_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by egress kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		egressBridgeFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_bridge_failures_total",
				Help: "Bridge calls that did not yield a response, labeled by reason.",
			},
			[]string{"reason"},
		)

		egressUpstreamTimeouts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_upstream_timeouts_total",
				Help: "Round trips that failed with a dial, TLS handshake or deadline timeout.",
			},
			[]string{"kind"},
		)

		egressRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "egress_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSelection counts a path handed out by the selector.
func ObserveSelection(kind string) {
	Init()
	egressSelectionsTotal.WithLabelValues(kind).Inc()
}

// ObserveRotation counts a path handing over its turn.
func ObserveRotation() {
	Init()
	egressRotationsTotal.Inc()
}

// ObserveFallback counts a selection that fell back to the direct path.
func ObserveFallback(reason string) {
	Init()
	egressFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveProbe counts one health probe outcome.
func ObserveProbe(check string, passed bool) {
	Init()
	result := "fail"
	if passed {
		result = "pass"
	}
	egressProbeResultsTotal.WithLabelValues(check, result).Inc()
}

// ObserveFetch records a dispatched fetch. A zero code means the fetch
// produced no response.
func ObserveFetch(kind, method string, code int, duration time.Duration) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	egressFetchesTotal.WithLabelValues(kind, method, label).Inc()
	egressFetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBridgeFailure counts a failed bridge call.
func ObserveBridgeFailure(reason string) {
	Init()
	egressBridgeFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveUpstreamTimeout counts a timed-out round trip for the egress kind.
func ObserveUpstreamTimeout(kind string) {
	Init()
	egressUpstreamTimeouts.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a limiter wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	egressRateLimitDelays.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
