// Package metrics provides Prometheus metrics for the edge proxy and cache manager.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the service.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	CacheLookups     *prometheus.CounterVec
	CacheInstalls    *prometheus.CounterVec
	CacheActivations prometheus.Counter
	ControlledPages  prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_edge_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_edge_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_edge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_edge_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds (time to response headers).",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_edge_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_edge_upstream_failures_total",
			Help: "Upstream calls that never produced a response.",
		}, []string{"method"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_edge_cache_lookups_total",
			Help: "Intercepted fetches by cache result (hit or miss).",
		}, []string{"result"}),

		CacheInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_edge_cache_installs_total",
			Help: "Cache generation installs by outcome.",
		}, []string{"outcome"}),

		CacheActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_edge_cache_activations_total",
			Help: "Cache generations activated.",
		}),

		ControlledPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_edge_controlled_pages",
			Help: "Foreground sessions attached to the update channel.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.CacheLookups,
		m.CacheInstalls,
		m.CacheActivations,
		m.ControlledPages,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathLabeler maps request paths to a bounded set of labels. Paths under none
// of its prefixes are labelled "asset" since they fall through to the cache
// manager.
type PathLabeler struct {
	prefixes []string
}

// NewPathLabeler returns a labeler for the fixed routes plus the configured
// proxy and metrics paths.
func NewPathLabeler(proxyPath, metricsPath string) *PathLabeler {
	return &PathLabeler{prefixes: []string{proxyPath, "/healthz", "/edge/status", "/sw", metricsPath}}
}

// Label returns the bounded path label for Prometheus metrics.
func (l *PathLabeler) Label(path string) string {
	for _, prefix := range l.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "asset"
}
