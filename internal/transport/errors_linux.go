//go:build linux
// +build linux

// File: internal/transport/errors_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/reactor"
)

// IsConnectionReset reports whether err means the peer dropped the connection.
func IsConnectionReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ENOTCONN) ||
		errors.Is(err, unix.ECONNABORTED)
}

// isCanceled reports whether err comes from a handle we closed ourselves.
func isCanceled(err error) bool {
	return errors.Is(err, unix.ECANCELED) || errors.Is(err, reactor.ErrClosed) || errors.Is(err, api.ErrLoopStopping)
}

const transportClosed = "the connection was closed by the transport"

// translate maps a native status into the transport fault taxonomy.
// Graceful end of stream is not a fault. A cancellation reports abort
// when one was recorded.
func translate(op string, err error, abort *api.ConnectionAbortedError) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case isCanceled(err):
		if abort != nil {
			return abort
		}
		return &api.ConnectionAbortedError{Reason: transportClosed, Err: err}
	case IsConnectionReset(err):
		return &api.ConnectionResetError{Err: err}
	}
	return &api.IOError{Op: op, Err: err}
}

// closeReason labels a disposed connection for metrics.
func closeReason(readErr error, aborted bool) string {
	var ioErr *api.IOError
	switch {
	case aborted:
		return "aborted"
	case api.IsConnectionReset(readErr):
		return "reset"
	case errors.As(readErr, &ioErr):
		return "error"
	}
	return "closed"
}
