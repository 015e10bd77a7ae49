package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the counters the operators actually watch: live
// connections, fan-out volume and mutation throughput.
type Metrics struct {
	registry    *prometheus.Registry
	activeConns prometheus.Gauge
	broadcasts  *prometheus.CounterVec
	messages    prometheus.Counter
	reactions   prometheus.Counter
	frameErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.activeConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spherechat_active_connections",
		Help: "Currently registered sphere connections.",
	})
	m.broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spherechat_broadcast_frames_total",
		Help: "Frames fanned out by the hub, by event type.",
	}, []string{"type"})
	m.messages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spherechat_messages_created_total",
		Help: "Messages accepted by the store.",
	})
	m.reactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spherechat_reaction_upserts_total",
		Help: "Reaction upserts applied by the store.",
	})
	m.frameErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spherechat_protocol_errors_total",
		Help: "Inbound frames dropped as unparseable.",
	})
	m.registry.MustRegister(m.activeConns, m.broadcasts, m.messages, m.reactions, m.frameErrors)
	return m
}

func (m *Metrics) ConnOpened() { m.activeConns.Inc() }

func (m *Metrics) ConnClosed() { m.activeConns.Dec() }

func (m *Metrics) MessageSaved() { m.messages.Inc() }

func (m *Metrics) ReactionSaved() { m.reactions.Inc() }

func (m *Metrics) FrameDropped() { m.frameErrors.Inc() }

func (m *Metrics) BroadcastSent(eventType string) {
	m.broadcasts.WithLabelValues(eventType).Inc()
}

// Handler serves the prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
