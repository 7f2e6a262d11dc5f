// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines the connection contract handed to protocol layers and the
// logical endpoint a transport binds to.

package api

import (
	"context"
	"net"
	"strings"

	"github.com/momentics/hioload-transport/pipeline"
)

// Endpoint is a logical bind target: a TCP host:port or a unix-domain path.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

// TCPEndpoint returns a TCP endpoint for addr ("host:port").
func TCPEndpoint(addr string) Endpoint {
	return Endpoint{Network: "tcp", Address: addr}
}

// UnixEndpoint returns a unix-domain endpoint for path.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{Network: "unix", Address: path}
}

// ParseEndpoint accepts "host:port", "tcp://host:port", "unix:/path" and "unix:///path".
func ParseEndpoint(s string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(s, "unix://"):
		s = strings.TrimPrefix(s, "unix://")
		if s == "" {
			break
		}
		return UnixEndpoint(s), nil
	case strings.HasPrefix(s, "unix:"):
		s = strings.TrimPrefix(s, "unix:")
		if s == "" {
			break
		}
		return UnixEndpoint(s), nil
	default:
		s = strings.TrimPrefix(s, "tcp://")
		if _, _, err := net.SplitHostPort(s); err != nil {
			return Endpoint{}, NewError(ErrCodeInvalidArgument, "invalid endpoint").
				WithContext("endpoint", s).WithContext("cause", err.Error())
		}
		return TCPEndpoint(s), nil
	}
	return Endpoint{}, NewError(ErrCodeInvalidArgument, "empty unix endpoint path")
}

func (e Endpoint) String() string {
	if e.Network == "unix" {
		return "unix:" + e.Address
	}
	return e.Address
}

// Connection is one accepted byte-stream connection.
//
// Input carries bytes received from the peer; the consumer reads it.
// Output carries bytes to send; the consumer writes and flushes it, and
// completes it to close the sending side.
type Connection interface {
	ID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	Input() *pipeline.PipeReader
	Output() *pipeline.PipeWriter

	// Closed is canceled exactly once when the peer disconnects or the
	// connection is torn down.
	Closed() context.Context

	// Abort tears the connection down. The first reason wins; nil uses a
	// generic abort reason.
	Abort(reason *ConnectionAbortedError)

	// Close completes both pipes and waits until the socket is disposed.
	Close(ctx context.Context) error
}
