// Package metrics registers the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors on a private registry, so tests can
// construct more than one without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	StreamsOpen       prometheus.Gauge
	RateLimited       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages accepted by the engine, by sender type.",
	}, []string{"sender_type"})
	m.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_published_total",
		Help: "Events published on the internal bus, by type.",
	}, []string{"type"})
	m.WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"status"})
	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_http_requests_total",
		Help: "HTTP requests, by method and status class.",
	}, []string{"method", "status"})
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	m.StreamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_streams_open",
		Help: "Currently open SSE connections.",
	})
	m.RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Requests rejected by rate limiting, by limit class.",
	}, []string{"limit"})

	m.registry.MustRegister(
		m.MessagesSent, m.EventsPublished, m.WebhookDeliveries,
		m.HTTPRequests, m.HTTPDuration, m.StreamsOpen, m.RateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
