//go:build linux
// +build linux

// File: internal/transport/connection_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection bridges one reactor stream to a pair of pipes. Received bytes
// are committed straight into memory obtained from the input pipe; the
// send side is a goroutine draining the output pipe one native write at a
// time. The stream is closed exactly once, on its loop thread, after both
// sides have finished.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/internal/concurrency"
	"github.com/momentics/hioload-transport/pipeline"
	"github.com/momentics/hioload-transport/reactor"
)

const (
	gracefulSendFin = "the send loop completed gracefully"
	outputFaulted   = "the output was completed with an error"
)

// Connection is an accepted stream served by one loop thread.
type Connection struct {
	id     string
	tc     *Context
	thread *concurrency.LoopThread
	stream *reactor.Stream

	local  net.Addr
	remote net.Addr

	input  *pipeline.Pipe // loop writes, consumer reads
	output *pipeline.Pipe // consumer writes, send loop reads

	closed      context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	abortReason atomic.Pointer[api.ConnectionAbortedError]
	disposedCh  chan struct{}

	// one write in flight at a time
	writeDone concurrency.Completion

	// loop thread only
	pinned    []byte
	paused    bool
	readDone  bool
	readErr   error
	sendDone  bool
	disposed  bool
	onDispose func()
}

var _ api.Connection = (*Connection)(nil)

// newConnection wraps an accepted stream. Loop thread only.
func newConnection(tc *Context, thread *concurrency.LoopThread, s *reactor.Stream) *Connection {
	c := &Connection{
		id:         uuid.NewString(),
		tc:         tc,
		thread:     thread,
		stream:     s,
		input:      pipeline.NewPipe(pipeline.BoundedOptions(tc.MaxReadBufferSize, thread.Memory())),
		output:     pipeline.NewPipe(pipeline.BoundedOptions(tc.MaxWriteBufferSize, thread.Memory())),
		disposedCh: make(chan struct{}),
	}
	c.closed, c.cancel = context.WithCancel(context.Background())
	if s.Kind() == reactor.KindTCP && tc.NoDelay {
		if err := s.NoDelay(true); err != nil {
			tc.Trace.Logger().Debug("cannot set TCP_NODELAY", zap.String("connectionId", c.id), zap.Error(err))
		}
	}
	// a peer that already went away has no address; the read side reports it
	c.local, _ = s.LocalAddr()
	c.remote, _ = s.RemoteAddr()
	s.NotifyClose(c.streamClosed)
	return c
}

// ID is unique for the life of the process.
func (c *Connection) ID() string { return c.id }

// LocalAddr is the address the peer connected to.
func (c *Connection) LocalAddr() net.Addr { return c.local }

// RemoteAddr is nil when the peer left before the connection started.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// Closed is cancelled once, when the connection ends for any reason.
func (c *Connection) Closed() context.Context { return c.closed }

// Input is the stream of bytes received from the peer.
func (c *Connection) Input() *pipeline.PipeReader { return c.input.Reader() }

// Output is the stream of bytes sent to the peer.
func (c *Connection) Output() *pipeline.PipeWriter { return c.output.Writer() }

// Disposed is closed once the socket has been released.
func (c *Connection) Disposed() <-chan struct{} { return c.disposedCh }

// Thread returns the loop thread serving the connection.
func (c *Connection) Thread() *concurrency.LoopThread { return c.thread }

// Start begins reading and sending and publishes the connection to the
// accept queue. Loop thread only.
func (c *Connection) Start() {
	c.tc.Metrics.ConnectionAccepted(c.thread.ID())
	if err := c.stream.ReadStart(c.onAlloc, c.onRead); err != nil {
		c.readFailed(err)
	}
	go c.sendLoop()
	if c.tc.Queue != nil && !c.tc.Queue.Push(c) {
		c.Abort(api.NewConnectionAborted("the listener was unbound"))
	}
}

// Abort tears the connection down. Only the first reason is kept.
func (c *Connection) Abort(reason *api.ConnectionAbortedError) {
	if reason == nil {
		reason = api.NewConnectionAborted("")
	}
	if !c.abortReason.CompareAndSwap(nil, reason) {
		return
	}
	c.input.Writer().CancelPendingFlush()
	c.output.Reader().CancelPendingRead()
	c.signalClosed()
	c.thread.Post(c.abortOnLoop)
}

// Close completes both pipes and waits until the socket is released.
func (c *Connection) Close(ctx context.Context) error {
	c.output.Writer().Complete(nil)
	c.input.Reader().Complete(nil)
	select {
	case <-c.disposedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) abortErr() error {
	if r := c.abortReason.Load(); r != nil {
		return r
	}
	return nil
}

func (c *Connection) signalClosed() {
	c.closeOnce.Do(func() {
		// observers never run inside a reactor callback
		go c.cancel()
	})
}

func (c *Connection) logFault(err error) {
	switch {
	case err == nil, api.IsConnectionAborted(err):
	case api.IsConnectionReset(err):
		c.tc.Trace.ConnectionReset(c.id)
	default:
		c.tc.Trace.ConnectionError(c.id, err)
	}
}

func (c *Connection) onAlloc(int) []byte {
	c.pinned = c.input.Writer().GetMemory(c.tc.allocationHint())
	return c.pinned
}

func (c *Connection) onRead(n int, err error) {
	c.pinned = nil
	if err != nil {
		c.readFailed(err)
		return
	}
	if n == 0 {
		return
	}
	c.tc.Trace.ConnectionRead(c.id, n)
	c.tc.Metrics.BytesRead(n)

	w := c.input.Writer()
	w.Advance(n)
	res, wait := w.FlushAsync()
	if wait != nil {
		c.pause(wait)
		return
	}
	if res.IsCompleted || res.IsCanceled {
		c.endRead(c.abortErr())
	}
}

// pause stops reading until the consumer drains below the resume mark.
func (c *Connection) pause(wait <-chan pipeline.FlushResult) {
	c.tc.Trace.ConnectionPause(c.id)
	c.paused = true
	c.stream.ReadStop()
	go func() {
		res := <-wait
		c.thread.Post(func() { c.resume(res) })
	}()
}

func (c *Connection) resume(res pipeline.FlushResult) {
	c.paused = false
	if c.readDone || c.disposed || c.stream.IsClosing() {
		return
	}
	if res.IsCompleted || res.IsCanceled {
		c.endRead(c.abortErr())
		return
	}
	c.tc.Trace.ConnectionResume(c.id)
	if err := c.stream.ReadStart(c.onAlloc, c.onRead); err != nil {
		c.readFailed(err)
	}
}

func (c *Connection) readFailed(err error) {
	if errors.Is(err, io.EOF) {
		c.tc.Trace.ConnectionReadFin(c.id)
		c.endRead(nil)
		return
	}
	fault := translate("read", err, c.abortReason.Load())
	c.logFault(fault)
	c.endRead(fault)
	// a broken socket takes the send side down too
	c.output.Reader().CancelPendingRead()
	c.signalClosed()
}

func (c *Connection) endRead(err error) {
	if c.readDone {
		return
	}
	c.readDone = true
	c.readErr = err
	c.stream.ReadStop()
	if c.paused {
		c.input.Writer().CancelPendingFlush()
	}
	c.input.Writer().Complete(err)
	c.maybeDispose()
}

// streamClosed runs when the stream was closed behind the connection's
// back, as a stopping loop thread does with every handle.
func (c *Connection) streamClosed() {
	if c.disposed {
		return
	}
	c.Abort(api.NewConnectionAborted(transportClosed))
	c.abortOnLoop()
}

func (c *Connection) abortOnLoop() {
	if c.disposed {
		return
	}
	c.endRead(c.abortErr())
	c.maybeDispose()
}

// sendLoop drains the output pipe until the producer completes it, a
// write fails or the connection is aborted.
func (c *Connection) sendLoop() {
	out := c.output.Reader()
	var werr error
	for {
		res, err := out.Read(context.Background())
		if err != nil && !res.IsCompleted {
			werr = err
			break
		}
		if res.IsCanceled {
			break
		}
		if err != nil {
			// the producer gave up; what it left unsent is dropped
			c.Abort(&api.ConnectionAbortedError{Reason: outputFaulted, Err: err})
			break
		}
		if n := res.Len(); n > 0 {
			c.tc.Trace.ConnectionWrite(c.id, int(n))
			if werr = c.write(res.Buffer); werr != nil {
				// unsent bytes are dropped with the connection
				break
			}
			c.tc.Metrics.BytesWritten(int(n))
			out.AdvanceTo(n, n)
		}
		if res.IsCompleted {
			break
		}
	}
	c.logFault(werr)

	reported := werr
	if reported == nil {
		reported = c.abortErr()
	}
	out.Complete(reported)
	c.thread.Post(func() { c.sendFinished(werr) })
}

func (c *Connection) write(bufs [][]byte) error {
	if err := <-c.thread.PostAsync(func() { c.startWrite(bufs) }); err != nil {
		return translate("write", err, c.abortReason.Load())
	}
	if !c.writeDone.IsCompleted() {
		ready := make(chan struct{})
		c.writeDone.OnCompleted(func() { close(ready) })
		select {
		case <-ready:
		case <-c.thread.Done():
			return translate("write", api.ErrLoopStopping, c.abortReason.Load())
		}
	}
	res := c.writeDone.Result()
	c.tc.Trace.ConnectionWriteCallback(c.id, res.Status)
	return translate("write", res.Err, c.abortReason.Load())
}

func (c *Connection) startWrite(bufs [][]byte) {
	if c.stream.IsClosing() {
		c.writeDone.Complete(concurrency.NewWriteResult(reactor.ErrClosed))
		return
	}
	reqs := c.thread.WriteRequests()
	req := reqs.Allocate()
	err := c.stream.Write(req, bufs, func(err error) {
		reqs.Return(req)
		c.tc.Metrics.IdleWriteRequests(c.thread.ID(), reqs.Len())
		c.writeDone.Complete(concurrency.NewWriteResult(err))
	})
	if err != nil {
		reqs.Return(req)
		c.writeDone.Complete(concurrency.NewWriteResult(err))
	}
}

func (c *Connection) sendFinished(werr error) {
	if c.disposed {
		return
	}
	if werr == nil && c.abortReason.Load() == nil && !c.stream.IsClosing() {
		if err := c.stream.Shutdown(c.afterShutdown); err == nil {
			return
		}
	}
	c.afterShutdown(nil)
}

func (c *Connection) afterShutdown(error) {
	if c.disposed {
		return
	}
	reason := gracefulSendFin
	if err := c.abortErr(); err != nil {
		reason = err.Error()
	} else if c.readErr != nil {
		reason = c.readErr.Error()
	}
	c.tc.Trace.ConnectionWriteFin(c.id, reason)
	c.sendDone = true

	readErr := c.abortErr()
	if readErr == nil {
		readErr = api.NewConnectionAborted(gracefulSendFin)
	}
	c.endRead(readErr)
	c.maybeDispose()
}

func (c *Connection) maybeDispose() {
	if c.disposed || !c.readDone {
		return
	}
	if !c.sendDone && c.abortReason.Load() == nil {
		return
	}
	c.dispose()
}

func (c *Connection) dispose() {
	c.disposed = true
	if c.onDispose != nil {
		c.onDispose()
	}
	reason := closeReason(c.readErr, c.abortReason.Load() != nil)
	finish := func() {
		c.tc.Metrics.ConnectionClosed(reason)
		close(c.disposedCh)
	}
	// a paused read must not resume against a closed descriptor
	c.input.Writer().CancelPendingFlush()
	c.output.Reader().CancelPendingRead()
	if c.stream.IsClosing() {
		finish()
	} else {
		c.stream.Close(finish)
	}
	c.signalClosed()
}
