//go:build linux
// +build linux

// File: internal/transport/listener_secondary_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/internal/concurrency"
	"github.com/momentics/hioload-transport/reactor"
)

// ListenerSecondary receives sockets from the primary over the dispatch
// channel and serves them on its own loop thread.
type ListenerSecondary struct {
	tc       *Context
	thread   *concurrency.LoopThread
	endpoint api.Endpoint
	log      *zap.Logger
	kind     reactor.HandleKind

	// loop thread only
	pipe    *reactor.Stream
	readBuf [32]byte
}

// NewListenerSecondary prepares a secondary listener sharing tc.
func NewListenerSecondary(tc *Context) *ListenerSecondary {
	return &ListenerSecondary{tc: tc, log: tc.Trace.Logger().Named("listener")}
}

// Thread returns the loop thread serving received sockets.
func (l *ListenerSecondary) Thread() *concurrency.LoopThread { return l.thread }

// Start connects to pipeName, sends token and begins receiving sockets.
// It returns once the token has been written.
func (l *ListenerSecondary) Start(pipeName string, token []byte, endpoint api.Endpoint, thread *concurrency.LoopThread) error {
	l.thread = thread
	l.endpoint = endpoint
	l.kind = reactor.KindTCP
	if endpoint.Network == "unix" {
		l.kind = reactor.KindPipe
	}

	started := make(chan error, 1)
	thread.Post(func() { l.connect(pipeName, token, started) })
	select {
	case err := <-started:
		return err
	case <-thread.Done():
		return api.ErrLoopStopping
	}
}

func (l *ListenerSecondary) connect(pipeName string, token []byte, started chan<- error) {
	pipe, err := reactor.NewPipe(l.thread.Loop(), true)
	if err != nil {
		started <- &api.IOError{Op: "dispatch pipe", Err: err}
		return
	}
	fail := func(op string, err error) {
		pipe.Close(nil)
		started <- &api.IOError{Op: op, Err: err}
	}
	err = pipe.Connect(&unix.SockaddrUnix{Name: pipeName}, func(err error) {
		if err != nil {
			fail("connect dispatch pipe "+pipeName, err)
			return
		}
		reqs := l.thread.WriteRequests()
		req := reqs.Allocate()
		werr := pipe.Write(req, [][]byte{token}, func(err error) {
			reqs.Return(req)
			if err != nil {
				fail("send handshake", err)
				return
			}
			if err := pipe.ReadStart(l.onAlloc, l.onRead); err != nil {
				fail("read dispatch pipe", err)
				return
			}
			l.pipe = pipe
			started <- nil
		})
		if werr != nil {
			reqs.Return(req)
			fail("send handshake", werr)
		}
	})
	if err != nil {
		fail("connect dispatch pipe "+pipeName, err)
	}
}

func (l *ListenerSecondary) onAlloc(int) []byte { return l.readBuf[:] }

func (l *ListenerSecondary) onRead(n int, err error) {
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			l.log.Debug("dispatch pipe closed by primary", zap.Int("thread", l.thread.ID()))
		case errors.Is(err, unix.ECANCELED):
		default:
			l.log.Error("dispatch pipe read error", zap.Int("thread", l.thread.ID()), zap.Error(err))
		}
		if l.pipe != nil {
			l.pipe.Close(nil)
		}
		return
	}
	for l.pipe != nil && l.pipe.PendingCount() > 0 {
		s, err := l.pipe.AcceptPending(l.kind)
		if err != nil {
			l.log.Error("cannot adopt dispatched socket", zap.Error(err))
			continue
		}
		newConnection(l.tc, l.thread, s).Start()
	}
}

// Dispose closes the dispatch channel. Connections already received are
// not affected.
func (l *ListenerSecondary) Dispose() error {
	if l.thread == nil {
		return nil
	}
	closed := make(chan struct{})
	err := l.thread.Invoke(func() {
		if l.pipe == nil || l.pipe.IsClosing() {
			close(closed)
			return
		}
		l.pipe.Close(func() { close(closed) })
	})
	if err != nil {
		return err
	}
	select {
	case <-closed:
	case <-l.thread.Done():
	}
	return nil
}
