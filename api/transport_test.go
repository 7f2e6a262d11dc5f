package api_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
)

func TestParseEndpoint(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want api.Endpoint
	}{
		{"127.0.0.1:8080", api.TCPEndpoint("127.0.0.1:8080")},
		{"tcp://[::1]:0", api.TCPEndpoint("[::1]:0")},
		{":9000", api.TCPEndpoint(":9000")},
		{"unix:/tmp/app.sock", api.UnixEndpoint("/tmp/app.sock")},
		{"unix:///tmp/app.sock", api.UnixEndpoint("/tmp/app.sock")},
	} {
		got, err := api.ParseEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseEndpointRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "unix:", "unix://", "localhost"} {
		_, err := api.ParseEndpoint(in)
		assert.ErrorIs(t, err, api.ErrInvalidArgument, in)
		var apiErr *api.Error
		require.True(t, errors.As(err, &apiErr), in)
		assert.Equal(t, api.ErrCodeInvalidArgument, apiErr.Code)
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "unix:/run/x.sock", api.UnixEndpoint("/run/x.sock").String())
	assert.Equal(t, "0.0.0.0:80", api.TCPEndpoint("0.0.0.0:80").String())
}

func TestFaultClassification(t *testing.T) {
	reset := &api.ConnectionResetError{Err: unix.ECONNRESET}
	assert.True(t, api.IsConnectionReset(reset))
	assert.ErrorIs(t, reset, unix.ECONNRESET)
	assert.False(t, api.IsConnectionAborted(reset))

	abort := api.NewConnectionAborted("the listener was unbound")
	assert.True(t, api.IsConnectionAborted(abort))
	assert.Equal(t, "the listener was unbound", abort.Error())
	assert.Equal(t, "the connection was aborted", (&api.ConnectionAbortedError{}).Error())

	inUse := &api.AddressInUseError{Endpoint: api.TCPEndpoint("127.0.0.1:80"), Err: unix.EADDRINUSE}
	assert.ErrorIs(t, inUse, unix.EADDRINUSE)
	assert.Contains(t, inUse.Error(), "127.0.0.1:80")
}
