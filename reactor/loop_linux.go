//go:build linux
// +build linux

// File: reactor/loop_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based single-threaded loop. Handles register their file
// descriptors level-triggered; the handle sequence number travels in the
// event's Pad field so a stale event for a reused descriptor is ignored.

package reactor

import (
	"golang.org/x/sys/unix"
)

const maxEvents = 256

// Loop owns one epoll instance and every handle registered with it.
// Apart from Async.Send, nothing on a Loop is safe for concurrent use.
type Loop struct {
	epfd   int
	events []unix.EpollEvent

	seq     int32
	fds     map[int32]*handle
	live    map[*handle]struct{}
	closing []*handle
	pending []func()

	activeRefs int
	stopFlag   bool
	running    bool
	tid        int
	closed     bool
}

// NewLoop creates a loop backed by a fresh epoll instance.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Loop{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
		fds:    make(map[int32]*handle),
		live:   make(map[*handle]struct{}),
	}, nil
}

// Run processes events until no active referenced handle remains or Stop
// is called. Panics raised by callbacks propagate to the caller.
func (l *Loop) Run() error {
	if l.closed {
		return ErrClosed
	}
	l.running = true
	l.tid = unix.Gettid()
	defer func() {
		l.running = false
		l.stopFlag = false
	}()

	for {
		l.runPending()
		l.runClosing()
		if l.stopFlag || !l.alive() {
			return nil
		}

		timeout := -1
		if len(l.pending) > 0 || len(l.closing) > 0 {
			timeout = 0
		}
		n, err := unix.EpollWait(l.epfd, l.events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			ev := l.events[i]
			h := l.fds[ev.Fd]
			if h == nil || h.seq != ev.Pad || h.closing {
				continue
			}
			h.onEvent(ev.Events)
		}
	}
}

// Stop makes Run return after the current iteration, whatever handles remain.
func (l *Loop) Stop() { l.stopFlag = true }

// Running reports whether Run is executing.
func (l *Loop) Running() bool { return l.running }

// OnLoopThread reports whether the caller runs on the thread executing Run.
// It is meaningful only when that goroutine is locked to its OS thread.
func (l *Loop) OnLoopThread() bool {
	return l.running && unix.Gettid() == l.tid
}

// Alive reports whether an active referenced handle or pending work remains.
func (l *Loop) Alive() bool { return l.alive() }

func (l *Loop) alive() bool {
	return l.activeRefs > 0 || len(l.closing) > 0 || len(l.pending) > 0
}

// Walk calls fn for every handle that is not already closing.
func (l *Loop) Walk(fn func(Handle)) {
	snapshot := make([]*handle, 0, len(l.live))
	for h := range l.live {
		snapshot = append(snapshot, h)
	}
	for _, h := range snapshot {
		if !h.closing {
			fn(h.owner)
		}
	}
}

// HandleCount returns the number of handles not yet fully closed.
func (l *Loop) HandleCount() int { return len(l.live) }

// Close releases the epoll instance. Handles still open are leaked.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.epfd)
}

// later queues fn for the start of the next iteration so completions are
// never delivered from inside the call that started the operation.
func (l *Loop) later(fn func()) {
	l.pending = append(l.pending, fn)
}

func (l *Loop) runPending() {
	if len(l.pending) == 0 {
		return
	}
	batch := l.pending
	l.pending = nil
	for i, fn := range batch {
		batch[i] = nil
		fn()
	}
}

func (l *Loop) runClosing() {
	if len(l.closing) == 0 {
		return
	}
	batch := l.closing
	l.closing = nil
	for _, h := range batch {
		delete(l.live, h)
		if cb := h.closeCb; cb != nil {
			h.closeCb = nil
			cb()
		}
	}
}

// handle is the state shared by every native resource.
type handle struct {
	loop  *Loop
	owner Handle
	kind  HandleKind
	fd    int
	seq   int32

	ref     bool
	active  bool
	closing bool
	closeCb func()

	mask       uint32
	registered bool
	onEvent    func(events uint32)
	onClose    func()
}

func (l *Loop) initHandle(h *handle, owner Handle, kind HandleKind, fd int) {
	l.seq++
	h.loop = l
	h.owner = owner
	h.kind = kind
	h.fd = fd
	h.seq = l.seq
	h.ref = true
	l.live[h] = struct{}{}
	l.fds[int32(fd)] = h
}

func (h *handle) Kind() HandleKind { return h.kind }

func (h *handle) IsClosing() bool { return h.closing }

func (h *handle) HasRef() bool { return h.ref }

func (h *handle) Ref() {
	if h.ref {
		return
	}
	h.ref = true
	if h.active && !h.closing {
		h.loop.activeRefs++
	}
}

func (h *handle) Unref() {
	if !h.ref {
		return
	}
	h.ref = false
	if h.active && !h.closing {
		h.loop.activeRefs--
	}
}

func (h *handle) setActive(active bool) {
	if h.active == active || h.closing {
		return
	}
	h.active = active
	if h.ref {
		if active {
			h.loop.activeRefs++
		} else {
			h.loop.activeRefs--
		}
	}
}

// watch updates the epoll interest set to mask.
func (h *handle) watch(mask uint32) error {
	if h.closing || mask == h.mask && h.registered == (mask != 0) {
		return nil
	}
	if mask == 0 && !h.registered {
		h.mask = 0
		return nil
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(h.fd), Pad: h.seq}
	var err error
	switch {
	case mask == 0:
		err = unix.EpollCtl(h.loop.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
		h.registered = false
	case !h.registered:
		err = unix.EpollCtl(h.loop.epfd, unix.EPOLL_CTL_ADD, h.fd, &ev)
		h.registered = err == nil
	default:
		err = unix.EpollCtl(h.loop.epfd, unix.EPOLL_CTL_MOD, h.fd, &ev)
	}
	if err == nil {
		h.mask = mask
	}
	return err
}

// Close starts closing the handle: the descriptor is released now and cb
// runs on the next iteration.
func (h *handle) Close(cb func()) {
	if h.closing {
		return
	}
	if h.active && h.ref {
		h.loop.activeRefs--
	}
	h.active = false
	h.closing = true
	h.closeCb = cb
	if h.registered {
		_ = unix.EpollCtl(h.loop.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
		h.registered = false
	}
	if cur := h.loop.fds[int32(h.fd)]; cur == h {
		delete(h.loop.fds, int32(h.fd))
	}
	if h.onClose != nil {
		h.onClose()
	}
	if h.fd >= 0 {
		_ = unix.Close(h.fd)
		h.fd = -1
	}
	h.loop.closing = append(h.loop.closing, h)
}
