//go:build linux
// +build linux

package transport

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/reactor"
)

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate("read", nil, nil))
	assert.NoError(t, translate("read", io.EOF, nil))

	for _, errno := range []error{unix.ECONNRESET, unix.EPIPE, unix.ENOTCONN, unix.ECONNABORTED} {
		err := translate("write", errno, nil)
		assert.True(t, api.IsConnectionReset(err), "%v", errno)
		assert.ErrorIs(t, err, errno)
	}

	err := translate("write", unix.EIO, nil)
	var ioErr *api.IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "write", ioErr.Op)
}

func TestTranslateCancellation(t *testing.T) {
	reason := api.NewConnectionAborted("shutting down")
	assert.Same(t, reason, translate("write", unix.ECANCELED, reason))
	assert.Same(t, reason, translate("write", reactor.ErrClosed, reason))

	err := translate("write", api.ErrLoopStopping, nil)
	assert.True(t, api.IsConnectionAborted(err))
	assert.ErrorIs(t, err, api.ErrLoopStopping)
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, "aborted", closeReason(nil, true))
	assert.Equal(t, "reset", closeReason(&api.ConnectionResetError{}, false))
	assert.Equal(t, "error", closeReason(&api.IOError{Op: "read", Err: unix.EIO}, false))
	assert.Equal(t, "closed", closeReason(nil, false))
	assert.Equal(t, "closed", closeReason(api.NewConnectionAborted(gracefulSendFin), false))
}
