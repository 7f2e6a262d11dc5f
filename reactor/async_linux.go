//go:build linux
// +build linux

// File: reactor/async_linux.go
// Author: momentics <momentics@gmail.com>
//
// eventfd(2) wake-up handle.

package reactor

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// Async wakes its loop from any goroutine and runs a callback there.
// Sends coalesce: several Sends before the loop wakes run the callback once.
type Async struct {
	handle
	cb func()

	mu       sync.Mutex // guards fd against Send racing Close
	wakeBuf  [8]byte
	drainBuf [8]byte
}

// NewAsync registers a wake-up handle that is active until closed.
func NewAsync(l *Loop, cb func()) (*Async, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	a := &Async{cb: cb}
	binary.LittleEndian.PutUint64(a.wakeBuf[:], 1)
	l.initHandle(&a.handle, a, KindAsync, fd)
	a.onEvent = a.handleEvent
	a.onClose = a.release
	if err := a.watch(unix.EPOLLIN); err != nil {
		a.Close(nil)
		return nil, err
	}
	a.setActive(true)
	return a, nil
}

// Send schedules the callback. It is safe to call from any goroutine and
// after Close, in which case it reports ErrClosed.
func (a *Async) Send() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fd < 0 {
		return ErrClosed
	}
	_, err := unix.Write(a.fd, a.wakeBuf[:])
	if err == unix.EAGAIN {
		// counter saturated: a wake-up is already pending
		return nil
	}
	return err
}

func (a *Async) handleEvent(uint32) {
	for {
		if _, err := unix.Read(a.fd, a.drainBuf[:]); err != unix.EINTR {
			break
		}
	}
	if a.cb != nil {
		a.cb()
	}
}

func (a *Async) release() {
	a.mu.Lock()
	_ = unix.Close(a.fd)
	a.fd = -1
	a.mu.Unlock()
}
