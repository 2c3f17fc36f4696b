package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the server exports on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSent   *prometheus.CounterVec
	FanoutEmits    *prometheus.CounterVec
	FanoutFailures *prometheus.CounterVec
	Connections    prometheus.Gauge
	ProfileLookups *prometheus.HistogramVec
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics registers the relay collectors plus the Go runtime and process collectors
// on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_sent_total",
			Help:      "Messages persisted, by conversation kind.",
		}, []string{"kind"}),
		FanoutEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "fanout_emits_total",
			Help:      "Events delivered to a live connection, by event.",
		}, []string{"event"}),
		FanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "fanout_failures_total",
			Help:      "Events that could not be delivered to a connection, by event.",
		}, []string{"event"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "ws_connections",
			Help:      "Live WebSocket connections on this node.",
		}),
		ProfileLookups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "profile_lookup_seconds",
			Help:      "Profile directory lookup latency, by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status class.",
		}, []string{"method", "class"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesSent,
		m.FanoutEmits,
		m.FanoutFailures,
		m.Connections,
		m.ProfileLookups,
		m.HTTPRequests,
	)
	return m
}
