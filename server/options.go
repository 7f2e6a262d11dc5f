// File: server/options.go
// Package server defines functional options for the Server facade.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-transport/transport"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithMiddleware attaches middleware in FIFO order.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithLogger sets the server logger; the transport logs under it too.
func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTransportOptions forwards opts to the transport factory.
func WithTransportOptions(opts ...transport.Option) ServerOption {
	return func(s *Server) {
		s.tOpts = append(s.tOpts, opts...)
	}
}
