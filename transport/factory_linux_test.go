//go:build linux
// +build linux

package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/transport"
)

func bind(t *testing.T, threads int, opts ...transport.Option) *transport.Listener {
	t.Helper()
	cfg := transport.DefaultConfig()
	cfg.ThreadCount = threads
	cfg.ShutdownTimeout = 2 * time.Second
	f, err := transport.New(cfg, append([]transport.Option{transport.WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	ln, err := f.Bind(context.Background(), api.TCPEndpoint("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Stop(context.Background()) })
	return ln
}

func serveEcho(c api.Connection) {
	in, out := c.Input(), c.Output()
	ctx := context.Background()
	for {
		res, err := in.Read(ctx)
		for _, b := range res.Buffer {
			_, _ = out.Write(b)
		}
		in.AdvanceAll(res)
		_, _ = out.Flush(ctx)
		if err != nil || res.IsCompleted || res.IsCanceled {
			out.Complete(nil)
			in.Complete(nil)
			return
		}
	}
}

func roundTrip(t *testing.T, ln *transport.Listener, msg string) {
	t.Helper()
	client, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := ln.Accept(ctx)
	require.NoError(t, err)
	go serveEcho(conn)

	_, err = io.WriteString(client, msg)
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())
	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestBindSingleThread(t *testing.T) {
	ln := bind(t, 1)
	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)
	for i := 0; i < 3; i++ {
		roundTrip(t, ln, "single")
	}
}

func TestBindMultiThreadDispatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	ln := bind(t, 3, transport.WithMetrics(control.NewMetrics(reg)))

	// the primary serves locally until both secondaries authenticate, so
	// only the total is deterministic
	const conns = 12
	for i := 0; i < conns; i++ {
		roundTrip(t, ln, strings.Repeat("m", i+1))
	}
	count, err := testutil.GatherAndCount(reg, "hioload_transport_connections_accepted_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
	assert.Zero(t, ln.Pending())
}

func TestBindAddressInUse(t *testing.T) {
	ln := bind(t, 1)

	cfg := transport.DefaultConfig()
	cfg.ThreadCount = 2
	cfg.ShutdownTimeout = time.Second
	f, err := transport.New(cfg)
	require.NoError(t, err)
	_, err = f.Bind(context.Background(), api.TCPEndpoint(ln.Addr().String()))
	var inUse *api.AddressInUseError
	require.True(t, errors.As(err, &inUse), "got %v", err)
}

func TestUnbindAbortsQueuedConnections(t *testing.T) {
	ln := bind(t, 1)

	client, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return ln.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ln.Unbind(ctx))

	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, api.ErrListenerClosed)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	ln := bind(t, 2)
	roundTrip(t, ln, "x")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ln.Stop(ctx))
	require.NoError(t, ln.Stop(ctx))
	_, err := ln.Accept(ctx)
	assert.ErrorIs(t, err, api.ErrListenerClosed)
}

func TestStopClosesLiveConnections(t *testing.T) {
	ln := bind(t, 1)
	client, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := ln.Accept(ctx)
	require.NoError(t, err)

	read := make(chan error, 1)
	go func() {
		_, err := conn.Input().Read(context.Background())
		read <- err
	}()

	require.NoError(t, ln.Stop(context.Background()))

	select {
	case <-conn.Closed().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Closed() never fired after Stop")
	}
	select {
	case err := <-read:
		assert.True(t, api.IsConnectionAborted(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Input().Read still blocked after Stop")
	}
	require.NoError(t, conn.Close(ctx))
}
