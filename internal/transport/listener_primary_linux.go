//go:build linux
// +build linux

// File: internal/transport/listener_primary_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The primary owns the real listening socket and a private unix-domain
// channel. Secondaries connect to the channel and prove themselves with a
// token; afterwards the primary round-robins accepted sockets between
// itself and every authenticated channel.

package transport

import (
	"errors"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/internal/concurrency"
	"github.com/momentics/hioload-transport/reactor"
)

// ListenerPrimary is the listener on the first loop thread.
type ListenerPrimary struct {
	*Listener

	pipeName string
	token    []byte

	// loop thread only
	pipe     *reactor.Stream
	channels []*reactor.Stream
	pending  map[*reactor.Stream]struct{}
	cursor   dispatchCursor
}

// NewListenerPrimary prepares a primary listener sharing tc.
func NewListenerPrimary(tc *Context) *ListenerPrimary {
	p := &ListenerPrimary{
		Listener: NewListener(tc),
		pending:  make(map[*reactor.Stream]struct{}),
	}
	p.dispatch = p.dispatchConnection
	return p
}

// ChannelCount returns the number of authenticated secondaries. Loop thread only.
func (p *ListenerPrimary) ChannelCount() int { return len(p.channels) }

// Start binds endpoint and opens the dispatch channel pipeName, on which
// peers must send token before they receive sockets.
func (p *ListenerPrimary) Start(pipeName string, token []byte, endpoint api.Endpoint, thread *concurrency.LoopThread) error {
	p.pipeName = pipeName
	p.token = token
	if err := p.Listener.Start(endpoint, thread); err != nil {
		return err
	}
	var err error
	if perr := thread.Invoke(func() { err = p.listenPipe() }); perr != nil {
		err = perr
	}
	if err != nil {
		// nobody else knows about the socket yet
		return multierr.Append(err, p.Listener.Dispose())
	}
	return nil
}

func (p *ListenerPrimary) listenPipe() error {
	pipe, err := reactor.NewPipe(p.thread.Loop(), true)
	if err != nil {
		return &api.IOError{Op: "dispatch pipe", Err: err}
	}
	if err := pipe.Bind(&unix.SockaddrUnix{Name: p.pipeName}); err != nil {
		pipe.Close(nil)
		return &api.IOError{Op: "bind dispatch pipe " + p.pipeName, Err: err}
	}
	if err := pipe.Listen(p.tc.backlog(), p.onChannel); err != nil {
		pipe.Close(nil)
		return &api.IOError{Op: "listen dispatch pipe " + p.pipeName, Err: err}
	}
	p.pipe = pipe
	return nil
}

func (p *ListenerPrimary) onChannel(peer *reactor.Stream, err error) {
	if err != nil {
		p.log.Error("dispatch pipe accept error", zap.Error(err))
		return
	}
	hs := newHandshake(p.token)
	p.pending[peer] = struct{}{}
	alloc := func(int) []byte { return hs.remaining() }
	onRead := func(n int, err error) { p.onHandshakeRead(peer, hs, n, err) }
	if err := peer.ReadStart(alloc, onRead); err != nil {
		p.rejectChannel(peer, "handshake error", err)
	}
}

func (p *ListenerPrimary) onHandshakeRead(peer *reactor.Stream, hs *handshake, n int, err error) {
	switch {
	case errors.Is(err, unix.ECANCELED):
		// closed on this side
	case errors.Is(err, io.EOF) && hs.received() == 0:
		// anything that guessed the channel name may connect and leave
		p.log.Debug("dispatch pipe probe closed before handshake")
		p.tc.Metrics.Handshake("probe")
		p.dropChannel(peer)
	case errors.Is(err, io.EOF):
		p.log.Warn("incomplete handshake on dispatch pipe",
			zap.Int("received", hs.received()), zap.Int("expected", len(p.token)))
		p.tc.Metrics.Handshake("incomplete")
		p.dropChannel(peer)
	case err != nil:
		p.rejectChannel(peer, "handshake error", err)
	case n == 0:
	default:
		switch hs.advance(n) {
		case handshakeInvalid:
			p.log.Warn("invalid handshake on dispatch pipe", zap.Int("received", hs.received()))
			p.tc.Metrics.Handshake("invalid")
			p.dropChannel(peer)
		case handshakeDone:
			peer.ReadStop()
			delete(p.pending, peer)
			p.channels = append(p.channels, peer)
			p.tc.Metrics.Handshake("ok")
			p.log.Debug("dispatch channel authenticated", zap.Int("channels", len(p.channels)))
		}
	}
}

func (p *ListenerPrimary) rejectChannel(peer *reactor.Stream, msg string, err error) {
	p.log.Warn(msg, zap.Error(err))
	p.tc.Metrics.Handshake("error")
	p.dropChannel(peer)
}

func (p *ListenerPrimary) dropChannel(peer *reactor.Stream) {
	delete(p.pending, peer)
	peer.Close(nil)
}

func (p *ListenerPrimary) dispatchConnection(s *reactor.Stream) {
	i := p.cursor.Next(len(p.channels))
	if i == len(p.channels) {
		p.handleConnection(s)
		return
	}
	ch := p.channels[i]
	reqs := p.thread.WriteRequests()
	req := reqs.Allocate()
	err := ch.Write2(req, dispatchPayload, s, func(err error) {
		reqs.Return(req)
		switch {
		case err == nil:
			p.tc.Metrics.ConnectionDispatched(i + 1)
		case p.pipe != nil && !s.IsClosing():
			// the descriptor never left, keep the connection here
			p.log.Error("dispatch connection failed, serving locally", zap.Int("channel", i), zap.Error(err))
			p.removeChannel(ch)
			p.handleConnection(s)
			return
		}
		// the receiver holds its own descriptor now
		s.Close(nil)
	})
	if err != nil {
		reqs.Return(req)
		p.log.Error("dispatch connection failed, serving locally", zap.Int("channel", i), zap.Error(err))
		p.removeChannel(ch)
		p.handleConnection(s)
	}
}

func (p *ListenerPrimary) removeChannel(ch *reactor.Stream) {
	for i, c := range p.channels {
		if c == ch {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			break
		}
	}
	ch.Close(nil)
}

// Dispose closes every channel, the dispatch pipe and the listening socket.
func (p *ListenerPrimary) Dispose() error {
	if p.thread == nil {
		return nil
	}
	if err := p.thread.Invoke(p.closeChannels); err != nil {
		return err
	}
	return p.Listener.Dispose()
}

func (p *ListenerPrimary) closeChannels() {
	for peer := range p.pending {
		peer.Close(nil)
	}
	p.pending = make(map[*reactor.Stream]struct{})
	for _, ch := range p.channels {
		ch.Close(nil)
	}
	p.channels = nil
	if p.pipe != nil {
		p.pipe.Close(nil)
		p.pipe = nil
	}
}
