// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accept loop and graceful shutdown on top of the transport factory.

package server

import (
	"context"
	"errors"
	"net"

	"github.com/bassosimone/errclass"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/transport"
)

// New builds the Server facade.
func New(cfg *Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ep, err := api.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		endpoint: ep,
		log:      zap.NewNop(),
		conns:    make(map[api.Connection]struct{}),
		ready:    make(chan struct{}),
		probes:   control.NewDebugProbes(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerProbes()
	tOpts := append([]transport.Option{transport.WithLogger(s.log)}, s.tOpts...)
	if s.factory, err = transport.New(cfg.Transport, tOpts...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) registerProbes() {
	control.RegisterPlatformProbes(s.probes)
	s.probes.RegisterProbe("server.connections", func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns)
	})
	s.probes.RegisterProbe("server.pending", func() any {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln == nil {
			return 0
		}
		return ln.Pending()
	})
}

// Probes exposes live server state for debugging.
func (s *Server) Probes() *control.DebugProbes { return s.probes }

// Ready is closed once Serve has bound the endpoint.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve binds the endpoint and runs h for every accepted connection until
// Shutdown. ctx bounds the bind only. It returns ErrServerClosed after
// Shutdown, or the bind error.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.mu.Unlock()

	ln, err := s.factory.Bind(ctx, s.endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return multierr.Append(ErrServerClosed, ln.Stop(ctx))
	}
	s.listener = ln
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)
	s.log.Info("serving", zap.String("endpoint", s.endpoint.String()), zap.Stringer("addr", ln.Addr()))

	chain := NewHandlerChain(h, s.middleware...)
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if errors.Is(err, api.ErrListenerClosed) {
				return ErrServerClosed
			}
			return err
		}
		if !s.track(conn) {
			conn.Abort(api.NewConnectionAborted("the server is shutting down"))
			continue
		}
		go s.serveConn(chain, conn)
	}
}

func (s *Server) track(conn api.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) serveConn(h Handler, conn api.Connection) {
	defer s.handlers.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if err := h.ServeConn(conn); err != nil && !api.IsConnectionAborted(err) {
		s.log.Warn("handler failed",
			zap.String("connectionId", conn.ID()),
			zap.String("errClass", errclass.New(err)),
			zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		s.log.Debug("connection close", zap.String("connectionId", conn.ID()), zap.Error(err))
	}
}

// Shutdown stops accepting, waits for running handlers, and stops the
// transport. When ctx expires first, the remaining connections are
// aborted and ctx's error is returned along with any stop fault.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	err := ln.Unbind(ctx)
	idle := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
		s.abortAll()
	}
	return multierr.Append(err, ln.Stop(context.WithoutCancel(ctx)))
}

// Close is Shutdown bounded by Config.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) abortAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Abort(api.NewConnectionAborted("the server is shutting down"))
	}
}
