// Package metrics owns the service's Prometheus instrumentation. All
// collectors live on a private registry so tests can build as many
// instances as they need without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service emits.
type Metrics struct {
	registry *prometheus.Registry

	// AuthzDecisions counts authorization outcomes: allow or deny.
	AuthzDecisions *prometheus.CounterVec
	// AuthzLookups counts where each decision was answered: l1, l2, or
	// store.
	AuthzLookups *prometheus.CounterVec
	// TokensIssued counts minted tokens by kind.
	TokensIssued *prometheus.CounterVec
	// Logins counts login completions by outcome.
	Logins *prometheus.CounterVec
	// RateLimited counts 429 responses by endpoint.
	RateLimited *prometheus.CounterVec
	// HTTPRequests counts requests by method, route pattern, and status
	// class.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration observes request latency by method and route pattern.
	HTTPDuration *prometheus.HistogramVec
}

// New builds the collector set on a fresh registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuthzDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_authz_decisions_total",
			Help: "Authorization decisions by outcome.",
		}, []string{"outcome"}),
		AuthzLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_authz_lookups_total",
			Help: "Authorization lookups by the level that answered them.",
		}, []string{"level"}),
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_tokens_issued_total",
			Help: "Tokens minted by kind.",
		}, []string{"kind"}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_rate_limited_total",
			Help: "Requests rejected by the per-endpoint rate limiter.",
		}, []string{"endpoint"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewarden_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatewarden_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
