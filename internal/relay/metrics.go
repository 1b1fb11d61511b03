package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks relay activity for Prometheus scrapes. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	frames         *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	frameLatency   *prometheus.HistogramVec
	droppedSends   prometheus.Counter
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messenger_sessions_active",
			Help: "Current number of bound client sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_sessions_total",
			Help: "Total number of sessions bound since start.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_frames_total",
			Help: "Inbound frames by kind.",
		}, []string{"kind"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messenger_frame_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messenger_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_dropped_deliveries_total",
			Help: "Outbound frames dropped because a peer could not take them.",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.frames,
		m.frameErrors,
		m.frameLatency,
		m.droppedSends,
	)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) recordFrame(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}
