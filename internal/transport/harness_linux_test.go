//go:build linux
// +build linux

package transport

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/internal/concurrency"
)

const waitFor = 5 * time.Second

type harness struct {
	t    *testing.T
	tc   *Context
	reg  *prometheus.Registry
	logs *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()
	return &harness{
		t:    t,
		reg:  reg,
		logs: logs,
		tc: &Context{
			Trace:          NewTrace(zap.New(core)),
			Metrics:        control.NewMetrics(reg),
			Queue:          NewAcceptQueue(),
			AllocationHint: 4096,
			NoDelay:        true,
		},
	}
}

func (h *harness) thread(id int) *concurrency.LoopThread {
	h.t.Helper()
	th := concurrency.NewLoopThread(concurrency.Options{
		ID:      id,
		CPU:     -1,
		Logger:  h.tc.Trace.Logger(),
		Metrics: h.tc.Metrics,
	})
	require.NoError(h.t, th.Start())
	h.t.Cleanup(func() { _ = th.Stop(2 * time.Second) })
	return th
}

func (h *harness) listen() (*Listener, string) {
	h.t.Helper()
	l := NewListener(h.tc)
	require.NoError(h.t, l.Start(api.TCPEndpoint("127.0.0.1:0"), h.thread(0)))
	h.t.Cleanup(func() { _ = l.Dispose() })
	return l, l.Addr().String()
}

func (h *harness) accept() *Connection {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := h.tc.Queue.Pop(ctx)
	require.NoError(h.t, err)
	return c.(*Connection)
}

func (h *harness) closedCount(reason string, n int) {
	h.t.Helper()
	const name = "hioload_transport_connections_closed_total"
	expected := `
# HELP hioload_transport_connections_closed_total Connections disposed, by read-side outcome.
# TYPE hioload_transport_connections_closed_total counter
` + name + `{reason="` + reason + `"} ` + strconv.Itoa(n) + "\n"
	require.NoError(h.t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), name))
}

func dial(t *testing.T, addr string) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(waitFor)))
	return c.(*net.TCPConn)
}

// echo copies Input to Output until the peer finishes sending.
func echo(c api.Connection) error {
	in, out := c.Input(), c.Output()
	ctx := context.Background()
	for {
		res, err := in.Read(ctx)
		for _, b := range res.Buffer {
			if _, werr := out.Write(b); werr != nil {
				return werr
			}
		}
		in.AdvanceAll(res)
		if _, ferr := out.Flush(ctx); ferr != nil {
			return ferr
		}
		if res.IsCompleted || res.IsCanceled {
			out.Complete(nil)
			in.Complete(nil)
			return err
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("%s was not signaled", what)
	}
}
