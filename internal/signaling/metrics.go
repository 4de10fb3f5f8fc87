package signaling

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes broker state to Prometheus. Each server owns its own
// registry so several brokers can live in one process (tests).
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests   *prometheus.CounterVec // by outcome
	Messages   *prometheus.CounterVec // inbound, by type
	Reaped     prometheus.Counter
	Registered prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intercon_broker_requests_total",
		Help: "Connection requests by final outcome",
	}, []string{"outcome"})
	m.Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intercon_broker_messages_total",
		Help: "Control messages received, by type",
	}, []string{"type"})
	m.Reaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercon_broker_endpoints_reaped_total",
		Help: "Endpoints evicted for missing heartbeats",
	})
	m.Registered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intercon_broker_registrations_total",
		Help: "Successful REGISTER messages, including re-registrations",
	})

	m.registry.MustRegister(m.Requests, m.Messages, m.Reaped, m.Registered)
	return m
}

// Track registers gauges that read live broker state on scrape.
func (m *Metrics) Track(registry *Registry, links *LinkTable, broker *Broker) {
	if m == nil {
		return
	}

	ng := func(name, help string, f func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f)
	}
	m.registry.MustRegister(
		ng("intercon_broker_endpoints", "Registered endpoints", func() float64 {
			return float64(registry.Count())
		}),
		ng("intercon_broker_endpoints_online", "Registered endpoints with an attached channel", func() float64 {
			return float64(registry.Stats().OnlineEndpoints)
		}),
		ng("intercon_broker_links", "Established links", func() float64 {
			return float64(links.Count())
		}),
		ng("intercon_broker_pending_requests", "Connection requests awaiting an answer", func() float64 {
			return float64(broker.PendingCount())
		}),
	)
}

// Handler serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) message(t MessageType) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) reaped() {
	if m == nil {
		return
	}
	m.Reaped.Inc()
}

func (m *Metrics) registered() {
	if m == nil {
		return
	}
	m.Registered.Inc()
}
