//go:build linux
// +build linux

// File: internal/transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/internal/concurrency"
	"github.com/momentics/hioload-transport/reactor"
)

// Listener serves one listening socket on one loop thread and turns every
// accepted socket into a Connection on that thread.
type Listener struct {
	tc       *Context
	thread   *concurrency.LoopThread
	endpoint api.Endpoint
	socket   *reactor.Stream
	addr     net.Addr
	log      *zap.Logger

	// dispatch decides where an accepted socket is served; the primary
	// replaces it with its round-robin.
	dispatch func(*reactor.Stream)
}

// NewListener prepares a listener sharing tc.
func NewListener(tc *Context) *Listener {
	l := &Listener{tc: tc, log: tc.Trace.Logger().Named("listener")}
	l.dispatch = l.handleConnection
	return l
}

// Addr returns the bound address, with the port resolved for TCP port 0.
func (l *Listener) Addr() net.Addr { return l.addr }

// Thread returns the loop thread owning the listening socket.
func (l *Listener) Thread() *concurrency.LoopThread { return l.thread }

// Start binds and listens on endpoint from thread. An endpoint already
// taken yields *api.AddressInUseError.
func (l *Listener) Start(endpoint api.Endpoint, thread *concurrency.LoopThread) error {
	l.endpoint = endpoint
	l.thread = thread
	var err error
	if perr := thread.Invoke(func() { err = l.listen() }); perr != nil {
		return perr
	}
	return err
}

func (l *Listener) listen() error {
	s, err := l.createListenSocket()
	if err != nil {
		return l.bindError(err)
	}
	if err := s.Listen(l.tc.backlog(), l.onConnection); err != nil {
		s.Close(nil)
		return l.bindError(err)
	}
	l.socket = s
	if l.addr, err = s.LocalAddr(); err != nil {
		l.addr = nil
	}
	l.log.Info("listening", zap.String("endpoint", l.endpoint.String()), zap.Int("thread", l.thread.ID()))
	return nil
}

func (l *Listener) createListenSocket() (*reactor.Stream, error) {
	sa, family, err := reactor.ResolveSockaddr(l.endpoint.Network, l.endpoint.Address)
	if err != nil {
		return nil, err
	}
	var s *reactor.Stream
	if family == unix.AF_UNIX {
		s, err = reactor.NewPipe(l.thread.Loop(), false)
	} else {
		s, err = reactor.NewTCP(l.thread.Loop(), family)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Bind(sa); err != nil {
		s.Close(nil)
		return nil, err
	}
	return s, nil
}

func (l *Listener) bindError(err error) error {
	if errors.Is(err, unix.EADDRINUSE) {
		return &api.AddressInUseError{Endpoint: l.endpoint, Err: err}
	}
	return &api.IOError{Op: "bind " + l.endpoint.String(), Err: err}
}

func (l *Listener) onConnection(s *reactor.Stream, err error) {
	if err != nil {
		l.log.Error("listen error", zap.String("endpoint", l.endpoint.String()), zap.Error(err))
		return
	}
	l.dispatch(s)
}

// handleConnection serves s on this listener's thread.
func (l *Listener) handleConnection(s *reactor.Stream) {
	newConnection(l.tc, l.thread, s).Start()
}

// Dispose closes the listening socket and waits until it is released.
// Accepted connections are not affected.
func (l *Listener) Dispose() error {
	if l.thread == nil {
		return nil
	}
	closed := make(chan struct{})
	if err := l.thread.Invoke(func() { l.closeSocket(func() { close(closed) }) }); err != nil {
		return err
	}
	select {
	case <-closed:
	case <-l.thread.Done():
	}
	return nil
}

func (l *Listener) closeSocket(done func()) {
	if l.socket == nil || l.socket.IsClosing() {
		done()
		return
	}
	l.socket.Close(done)
	if l.endpoint.Network == "unix" && !strings.HasPrefix(l.endpoint.Address, "@") {
		_ = unix.Unlink(l.endpoint.Address)
	}
}
