// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for the transport, exported as Prometheus collectors.
// Every method is nil-safe so components can run without metrics.

package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hioload_transport"

// Metrics groups the transport collectors.
type Metrics struct {
	accepted     *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	closed       *prometheus.CounterVec
	active       prometheus.Gauge
	handshakes   *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	idleWriteReq *prometheus.GaugeVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted, by serving loop thread.",
		}, []string{"thread"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dispatched_total",
			Help:      "Connections handed from the primary listener to a secondary thread.",
		}, []string{"thread"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections disposed, by read-side outcome.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections whose socket is not yet disposed.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_handshakes_total",
			Help:      "Dispatch channel handshakes, by result.",
		}, []string{"result"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_shutdown_escalations_total",
			Help:      "Loop shutdown stages that timed out.",
		}, []string{"stage"}),
		idleWriteReq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_requests_idle",
			Help:      "Idle pooled write requests, by loop thread.",
		}, []string{"thread"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes received from peers.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes sent to peers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.accepted, m.dispatched, m.closed, m.active, m.handshakes,
		m.escalations, m.idleWriteReq, m.bytesRead, m.bytesWritten,
	}
}

func thread(id int) string { return strconv.Itoa(id) }

// ConnectionAccepted counts a connection served on thread id.
func (m *Metrics) ConnectionAccepted(id int) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(thread(id)).Inc()
	m.active.Inc()
}

// ConnectionDispatched counts a handle transferred to thread id.
func (m *Metrics) ConnectionDispatched(id int) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(thread(id)).Inc()
}

// ConnectionClosed counts a disposed connection.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
	m.active.Dec()
}

// Handshake counts a dispatch handshake outcome.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// ShutdownEscalated counts a shutdown stage that timed out.
func (m *Metrics) ShutdownEscalated(stage string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(stage).Inc()
}

// IdleWriteRequests records the idle pool size of thread id.
func (m *Metrics) IdleWriteRequests(id, n int) {
	if m == nil {
		return
	}
	m.idleWriteReq.WithLabelValues(thread(id)).Set(float64(n))
}

// BytesRead adds n received bytes.
func (m *Metrics) BytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

// BytesWritten adds n sent bytes.
func (m *Metrics) BytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}
