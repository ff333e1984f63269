package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and turns every recording call into a no-op.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesReceived    *prometheus.CounterVec
	exchangesTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway collectors. Returns nil when
// no registerer is supplied.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gochat",
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Number of active WebSocket connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gochat",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Subsystem: "gateway",
			Name:      "frames_received_total",
			Help:      "Total inbound frames by frame type",
		}, []string{"type"}),
		exchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Subsystem: "gateway",
			Name:      "exchanges_total",
			Help:      "Total finished exchanges by delivery mode and outcome",
		}, []string{"mode", "outcome"}),
	}

	registry.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.framesReceived,
		m.exchangesTotal,
	)

	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) frameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) exchangeFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.exchangesTotal.WithLabelValues(mode, outcome).Inc()
}
