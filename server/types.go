// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Config holds all server-side configuration parameters.
type Config struct {
	Endpoint        string            // "host:port" or "unix:/path"
	Transport       *transport.Config // nil uses transport.DefaultConfig
	ShutdownTimeout time.Duration     // used by Close; Shutdown takes its budget from ctx
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:        ":9000",
		Transport:       transport.DefaultConfig(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server accepts connections from one endpoint and runs a Handler for each.
type Server struct {
	cfg        *Config
	endpoint   api.Endpoint
	factory    *transport.Factory
	middleware []Middleware
	tOpts      []transport.Option
	log        *zap.Logger
	probes     *control.DebugProbes

	mu       sync.Mutex
	listener *transport.Listener
	conns    map[api.Connection]struct{}
	closed   bool
	ready    chan struct{}
	handlers sync.WaitGroup
	addr     net.Addr
}
