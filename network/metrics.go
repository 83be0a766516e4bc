package network

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records protocol activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	frames          *prometheus.CounterVec
	droppedFrames   *prometheus.CounterVec
	decryptFailures prometheus.Counter
	handshakes      *prometheus.CounterVec
	boundSessions   prometheus.Gauge
	liveness        *prometheus.CounterVec
	heartbeatSends  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicelink_frames_received_total",
			Help: "Frames received, by envelope kind",
		}, []string{"kind"}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicelink_frames_dropped_total",
			Help: "Frames dropped without dispatch, by reason",
		}, []string{"reason"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicelink_decrypt_failures_total",
			Help: "Data frames whose ciphertext failed to decrypt",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicelink_handshakes_total",
			Help: "Handshake outcomes",
		}, []string{"outcome"}),
		boundSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicelink_bound_sessions",
			Help: "Sessions currently bound to a paired peer",
		}),
		liveness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicelink_liveness_transitions_total",
			Help: "Paired peer connectivity transitions",
		}, []string{"state"}),
		heartbeatSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicelink_heartbeat_sends_total",
			Help: "Heartbeat frames sent, by result",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.frames,
		m.droppedFrames,
		m.decryptFailures,
		m.handshakes,
		m.boundSessions,
		m.liveness,
		m.heartbeatSends,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeFrame(kind EnvelopeKind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeDrop(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeDecryptFailure() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) observeHandshake(outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setBoundSessions(n int) {
	if m == nil {
		return
	}
	m.boundSessions.Set(float64(n))
}

func (m *Metrics) observeLiveness(connected bool) {
	if m == nil {
		return
	}
	state := "offline"
	if connected {
		state = "online"
	}
	m.liveness.WithLabelValues(state).Inc()
}

func (m *Metrics) observeHeartbeatSend(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.heartbeatSends.WithLabelValues(result).Inc()
}
