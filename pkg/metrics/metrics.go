// Package metrics exposes prometheus instrumentation for the
// multiplexer's routing plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the multiplexer's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	bridgesByStatus  *prometheus.GaugeVec
}

// New creates and registers the multiplexer collectors on a private
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridgemux_requests_total",
				Help: "Inbound requests by ingress source and response status",
			},
			[]string{"source", "status"},
		),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridgemux_resolutions_total",
				Help: "Bridge resolutions by strategy",
			},
			[]string{"method"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridgemux_upstream_latency_seconds",
				Help:    "Latency of forwarded requests by target",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		bridgesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridgemux_bridges",
				Help: "Registered bridges by status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.resolutionsTotal,
		m.upstreamLatency,
		m.bridgesByStatus,
	)

	return m
}

// RecordRequest counts one inbound request.
func (m *Metrics) RecordRequest(source string, status int) {
	m.requestsTotal.WithLabelValues(source, statusClass(status)).Inc()
}

// RecordResolution counts one successful bridge resolution.
func (m *Metrics) RecordResolution(method string) {
	if method == "" {
		method = "none"
	}
	m.resolutionsTotal.WithLabelValues(method).Inc()
}

// ObserveUpstream records the duration of a forwarded request.
// Target is "homeserver" or "bridge".
func (m *Metrics) ObserveUpstream(target string, d time.Duration) {
	m.upstreamLatency.WithLabelValues(target).Observe(d.Seconds())
}

// SetBridgeCount records the current bridge population for a status.
func (m *Metrics) SetBridgeCount(status string, n int) {
	m.bridgesByStatus.WithLabelValues(status).Set(float64(n))
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
