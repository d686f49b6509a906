package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/liqitap/internal/events"
	"github.com/energizer-project/liqitap/internal/protocol"
)

const namespace = "liqitap"

// Metrics holds the decoder's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	frames      *prometheus.CounterVec
	frameBytes  *prometheus.HistogramVec
	rejected    *prometheus.CounterVec
	actions     *prometheus.CounterVec
	flows       prometheus.Counter
	activeFlows prometheus.Gauge
}

// NewMetrics creates and registers the collectors, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "frames_total",
				Help:      "Decoded frames by kind and direction.",
			},
			[]string{"kind", "direction"},
		),
		frameBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "frame_bytes",
				Help:      "Size of decoded frames in bytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
			},
			[]string{"direction"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "errors_total",
				Help:      "Decode failures by reason, including action payloads that failed to decrypt.",
			},
			[]string{"reason"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "actions_total",
				Help:      "Decrypted action notifications by action name.",
			},
			[]string{"name"},
		),
		flows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "flows_total",
			Help:      "Websocket flows opened.",
		}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_flows",
			Help:      "Websocket flows currently open.",
		}),
	}

	m.registry.MustRegister(
		m.frames, m.frameBytes, m.rejected, m.actions, m.flows, m.activeFlows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Subscribe registers the collectors on the bus.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventFrameDecoded, "metrics", m.onFrame)
	bus.Subscribe(events.EventFrameRejected, "metrics", m.onRejected)
	bus.Subscribe(events.EventFlowStarted, "metrics", m.onFlowStarted)
	bus.Subscribe(events.EventFlowEnded, "metrics", m.onFlowEnded)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) onFrame(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(*events.FrameDecodedPayload)
	if !ok {
		return nil
	}
	dir := p.Direction()
	m.frames.WithLabelValues(p.Message.Kind.String(), dir).Inc()
	m.frameBytes.WithLabelValues(dir).Observe(float64(p.Size))
	if p.Message.Action != nil {
		m.actions.WithLabelValues(p.Message.Action.Name).Inc()
	}
	if p.Message.ActionErr != nil {
		m.rejected.WithLabelValues(protocol.Reason(p.Message.ActionErr)).Inc()
	}
	return nil
}

func (m *Metrics) onRejected(_ context.Context, event events.Event) error {
	if p, ok := event.Payload.(*events.FrameRejectedPayload); ok {
		m.rejected.WithLabelValues(p.Reason).Inc()
	}
	return nil
}

func (m *Metrics) onFlowStarted(context.Context, events.Event) error {
	m.flows.Inc()
	m.activeFlows.Inc()
	return nil
}

func (m *Metrics) onFlowEnded(context.Context, events.Event) error {
	m.activeFlows.Dec()
	return nil
}
