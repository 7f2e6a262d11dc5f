//go:build linux
// +build linux

// File: internal/concurrency/eventloop.go
// Package concurrency implements the loop threads that drive the reactor.
// Author: momentics <momentics@gmail.com>
//
// A LoopThread owns one reactor.Loop on one locked OS thread. Other
// goroutines reach it only through the work and close-handle mailboxes.

package concurrency

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/pool"
	"github.com/momentics/hioload-transport/reactor"
)

// DefaultMaxLoops bounds mailbox passes per wake-up.
const DefaultMaxLoops = 8

const (
	stateCreated int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// FatalLoopError is a panic raised by a callback with nobody to receive it.
type FatalLoopError struct {
	Thread int
	Value  any
	Stack  []byte
}

func (e *FatalLoopError) Error() string {
	return fmt.Sprintf("loop thread %d: unhandled fault: %v", e.Thread, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *FatalLoopError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// PanicError carries a panic raised by a PostAsync callback to its awaiter.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("posted callback panicked: %v", e.Value) }

type work struct {
	fn   func()
	done chan error // nil for fire-and-forget posts
}

type closeRequest struct {
	h  reactor.Handle
	cb func()
}

// Options tune a LoopThread.
type Options struct {
	ID            int
	MaxLoops      int
	WritePoolSize int
	CPU           int // -1 leaves the thread unpinned
	Logger        *zap.Logger
	Clock         clock.Clock
	Metrics       *control.Metrics
	Memory        *pool.MemoryPool
	OnFatal       func(error)
}

// LoopThread runs a reactor loop on a dedicated OS thread.
type LoopThread struct {
	id       int
	maxLoops int
	poolSize int
	cpu      int
	log      *zap.Logger
	clock    clock.Clock
	metrics  *control.Metrics
	memory   *pool.MemoryPool
	onFatal  func(error)

	loop   *reactor.Loop
	wake   *reactor.Async
	writes *pool.WriteRequestPool[*reactor.WriteReq]

	work   *Mailbox[work]
	closes *Mailbox[closeRequest]

	state         atomic.Int32
	stopImmediate bool
	done          chan struct{}
	fatal         error
	stopOnce      sync.Mutex
}

// NewLoopThread prepares a thread; Start launches it.
func NewLoopThread(opts Options) *LoopThread {
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = DefaultMaxLoops
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Memory == nil {
		opts.Memory = pool.NewMemoryPool()
	}
	return &LoopThread{
		id:       opts.ID,
		maxLoops: opts.MaxLoops,
		poolSize: opts.WritePoolSize,
		cpu:      opts.CPU,
		log:      opts.Logger.With(zap.Int("thread", opts.ID)),
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		memory:   opts.Memory,
		onFatal:  opts.OnFatal,
		work:     NewMailbox[work](),
		closes:   NewMailbox[closeRequest](),
		done:     make(chan struct{}),
	}
}

// ID returns the thread index.
func (t *LoopThread) ID() int { return t.id }

// Loop returns the reactor loop. Use it only from callbacks running on this thread.
func (t *LoopThread) Loop() *reactor.Loop { return t.loop }

// WriteRequests returns the thread's request pool. Loop thread only.
func (t *LoopThread) WriteRequests() *pool.WriteRequestPool[*reactor.WriteReq] { return t.writes }

// Memory returns the block allocator shared with this thread's pipes.
func (t *LoopThread) Memory() *pool.MemoryPool { return t.memory }

// Logger returns the thread-scoped logger.
func (t *LoopThread) Logger() *zap.Logger { return t.log }

// Done is closed once the OS thread has exited.
func (t *LoopThread) Done() <-chan struct{} { return t.done }

// Start creates the loop on a new locked OS thread and waits until it runs.
func (t *LoopThread) Start() error {
	if !t.state.CompareAndSwap(stateCreated, stateRunning) {
		return fmt.Errorf("loop thread %d: already started", t.id)
	}
	ready := make(chan error, 1)
	go t.threadStart(ready)
	if err := <-ready; err != nil {
		t.state.Store(stateStopped)
		return err
	}
	return nil
}

func (t *LoopThread) threadStart(ready chan<- error) {
	// the goroutine never unlocks, so the OS thread exits with it
	if err := PinCurrentThread(t.cpu); err != nil {
		t.log.Warn("cannot pin loop thread", zap.Int("cpu", t.cpu), zap.Error(err))
	}
	defer close(t.done)

	loop, err := reactor.NewLoop()
	if err != nil {
		ready <- err
		return
	}
	wake, err := reactor.NewAsync(loop, t.onWake)
	if err != nil {
		_ = loop.Close()
		ready <- err
		return
	}
	t.loop = loop
	t.wake = wake
	t.writes = pool.NewWriteRequestPool(t.poolSize, reactor.NewWriteReq, (*reactor.WriteReq).Dispose)
	ready <- nil

	if err := t.run(); err != nil {
		t.fail(err)
		return
	}
	t.rejectQueued(!t.stopImmediate)
	if t.stopImmediate {
		return
	}

	// one more pass so close callbacks of the wake handle and of anything
	// closed during rejectQueued complete before the loop is released
	t.wake.Close(nil)
	if err := t.run(); err != nil {
		t.fail(err)
		return
	}
	t.writes.Close()
	t.metrics.IdleWriteRequests(t.id, 0)
	_ = t.loop.Close()
}

func (t *LoopThread) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FatalLoopError{Thread: t.id, Value: r, Stack: debug.Stack()}
		}
	}()
	return t.loop.Run()
}

func (t *LoopThread) fail(err error) {
	t.fatal = err
	t.log.Error("loop thread terminated by an unhandled fault",
		zap.Bool("critical", true),
		zap.String("errClass", errclass.New(err)),
		zap.Error(err))
	t.rejectQueued(false)
	if t.onFatal != nil {
		go t.onFatal(err)
	}
}

// rejectQueued closes both mailboxes. Awaited work fails with
// ErrLoopStopping; queued closes run only when runCloses is set.
func (t *LoopThread) rejectQueued(runCloses bool) {
	for _, w := range t.work.Close() {
		if w.done != nil {
			w.done <- api.ErrLoopStopping
		}
	}
	for _, c := range t.closes.Close() {
		if runCloses {
			c.h.Close(c.cb)
		}
	}
}

func (t *LoopThread) onWake() {
	for i := 0; i < t.maxLoops; i++ {
		didWork := t.work.Drain(t.runWork)
		didClose := t.closes.Drain(t.runClose)
		if !didWork && !didClose {
			return
		}
	}
}

func (t *LoopThread) runWork(w work) {
	if w.done == nil {
		w.fn()
		return
	}
	w.done <- invoke(w.fn)
}

func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}

func (t *LoopThread) runClose(c closeRequest) {
	c.h.Close(c.cb)
}

// Post runs fn on the loop thread. A panic in fn is fatal to the thread.
// Posts made after the loop began closing are dropped.
func (t *LoopThread) Post(fn func()) {
	if t.work.Add(work{fn: fn}) {
		t.signal()
	}
}

// PostAsync runs fn on the loop thread and reports its outcome on the
// returned channel: nil, a *PanicError, or api.ErrLoopStopping when the
// loop closed first.
func (t *LoopThread) PostAsync(fn func()) <-chan error {
	done := make(chan error, 1)
	if !t.work.Add(work{fn: fn, done: done}) {
		done <- api.ErrLoopStopping
		return done
	}
	t.signal()
	return done
}

// Invoke is PostAsync that waits for the outcome.
func (t *LoopThread) Invoke(fn func()) error {
	return <-t.PostAsync(fn)
}

// CloseHandle closes h on the loop thread and then runs cb there.
func (t *LoopThread) CloseHandle(h reactor.Handle, cb func()) {
	if t.closes.Add(closeRequest{h: h, cb: cb}) {
		t.signal()
	}
}

// Walk visits every live handle. Loop thread only.
func (t *LoopThread) Walk(fn func(reactor.Handle)) {
	t.loop.Walk(fn)
}

func (t *LoopThread) signal() {
	if t.wake == nil {
		return
	}
	if err := t.wake.Send(); err != nil && !errors.Is(err, reactor.ErrClosed) {
		t.log.Warn("cannot wake loop thread", zap.Error(err))
	}
}

// Stop shuts the loop down, escalating through three stages that share
// timeout equally: release the wake handle so an idle loop exits, close
// every handle, then halt the loop outright. A stored fatal fault is
// returned; stage timeouts are logged, never returned.
func (t *LoopThread) Stop(timeout time.Duration) error {
	t.stopOnce.Lock()
	defer t.stopOnce.Unlock()

	switch t.state.Load() {
	case stateCreated:
		t.state.Store(stateStopped)
		return nil
	case stateStopped:
		return t.fatal
	}
	t.state.Store(stateStopping)
	defer t.state.Store(stateStopped)

	slice := timeout / 3
	stages := []struct {
		name  string
		fn    func()
		level func(string, ...zap.Field)
	}{
		{"allow-stop", t.allowStop, t.log.Warn},
		{"rude-stop", t.rudeStop, t.log.Error},
		{"immediate-stop", t.immediateStop, t.log.Error},
	}
	for i, st := range stages {
		t.Post(st.fn)
		if t.waitDone(slice) {
			return t.fatal
		}
		t.metrics.ShutdownEscalated(st.name)
		if i == len(stages)-1 {
			st.level("loop thread did not stop after immediate stop",
				zap.String("stage", st.name), zap.Duration("timeout", timeout), zap.Bool("critical", true))
			break
		}
		st.level("loop thread did not stop in time, escalating",
			zap.String("stage", st.name), zap.String("next", stages[i+1].name), zap.Duration("slice", slice))
	}
	return nil
}

func (t *LoopThread) waitDone(d time.Duration) bool {
	timer := t.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *LoopThread) allowStop() {
	t.wake.Unref()
}

func (t *LoopThread) rudeStop() {
	t.loop.Walk(func(h reactor.Handle) {
		if h != reactor.Handle(t.wake) {
			h.Close(nil)
		}
	})
}

func (t *LoopThread) immediateStop() {
	t.stopImmediate = true
	t.loop.Stop()
}
