// Package telemetry owns the Prometheus collectors exported at /metrics.
//
// Every method is safe on a nil *Metrics so packages can run without metrics in tests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "huddle"

// Delivery results.
const (
	DeliveryOK       = "delivered"
	DeliveryBackoff  = "backpressure"
	DeliveryClosed   = "closed"
	DeliveryExcluded = "excluded"
)

// Metrics groups the server's collectors behind one registry.
type Metrics struct {
	reg *prometheus.Registry

	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	connects      *prometheus.CounterVec
	throttled     prometheus.Counter
	deliveries    *prometheus.CounterVec
	messages      *prometheus.CounterVec
	pipelineFails *prometheus.CounterVec
	botCycles     *prometheus.CounterVec
	providerLat   *prometheus.HistogramVec
}

// New registers all collectors (plus Go runtime and process collectors) on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Live websocket connections held by the registry.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "rooms",
			Help: "Rooms with at least one live connection.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connect_total",
			Help: "Connection attempts by outcome.",
		}, []string{"outcome"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "throttled_frames_total",
			Help: "Inbound frames rejected by the per-connection rate limiter.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "deliveries_total",
			Help: "Per-connection broadcast deliveries by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "messages_total",
			Help: "Messages persisted by origin.",
		}, []string{"origin"}),
		pipelineFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "failures_total",
			Help: "Rejected submissions by error kind.",
		}, []string{"kind"}),
		botCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bots", Name: "cycles_total",
			Help: "Bot scheduler cycles by outcome.",
		}, []string{"outcome"}),
		providerLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bots", Name: "provider_seconds",
			Help:    "Latency of AI provider calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.rooms, m.connects, m.throttled, m.deliveries,
		m.messages, m.pipelineFails, m.botCycles, m.providerLat,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// SetRegistryStats records the registry's current size.
func (m *Metrics) SetRegistryStats(rooms, connections int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.connections.Set(float64(connections))
}

// Connect counts a connection attempt outcome ("accepted", "unauthenticated", ...).
func (m *Metrics) Connect(outcome string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(outcome).Inc()
}

// FrameThrottled counts an inbound frame refused by the rate limiter.
func (m *Metrics) FrameThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// Delivery counts one per-connection delivery result.
func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// MessagePersisted counts a persisted message by origin ("socket", "http", "bot").
func (m *Metrics) MessagePersisted(origin string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(origin).Inc()
}

// PipelineFailure counts a rejected submission by kind.
func (m *Metrics) PipelineFailure(kind string) {
	if m == nil {
		return
	}
	m.pipelineFails.WithLabelValues(kind).Inc()
}

// BotCycle counts one scheduler cycle outcome ("published", "skipped", "provider_error", ...).
func (m *Metrics) BotCycle(outcome string) {
	if m == nil {
		return
	}
	m.botCycles.WithLabelValues(outcome).Inc()
}

// ObserveProvider records provider call latency.
func (m *Metrics) ObserveProvider(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLat.WithLabelValues(provider, outcome).Observe(d.Seconds())
}
