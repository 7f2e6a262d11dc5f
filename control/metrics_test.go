package control_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-transport/control"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *control.Metrics
	assert.NotPanics(t, func() {
		m.ConnectionAccepted(0)
		m.ConnectionClosed("closed")
		m.Handshake("ok")
		m.BytesRead(10)
	})
}

func TestMetricsExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)

	m.ConnectionAccepted(0)
	m.ConnectionAccepted(1)
	m.ConnectionClosed("reset")
	m.Handshake("invalid")
	m.Handshake("ok")
	m.ShutdownEscalated("allow-stop")

	expected := `
# HELP hioload_transport_connections_active Connections whose socket is not yet disposed.
# TYPE hioload_transport_connections_active gauge
hioload_transport_connections_active 1
# HELP hioload_transport_dispatch_handshakes_total Dispatch channel handshakes, by result.
# TYPE hioload_transport_dispatch_handshakes_total counter
hioload_transport_dispatch_handshakes_total{result="invalid"} 1
hioload_transport_dispatch_handshakes_total{result="ok"} 1
# HELP hioload_transport_loop_shutdown_escalations_total Loop shutdown stages that timed out.
# TYPE hioload_transport_loop_shutdown_escalations_total counter
hioload_transport_loop_shutdown_escalations_total{stage="allow-stop"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"hioload_transport_connections_active",
		"hioload_transport_dispatch_handshakes_total",
		"hioload_transport_loop_shutdown_escalations_total"))

	count, err := testutil.GatherAndCount(reg, "hioload_transport_connections_accepted_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
