// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Handle model shared by every reactor backend.

package reactor

import "errors"

// ErrClosed is returned when operating on a handle that is closing.
var ErrClosed = errors.New("reactor: handle is closed")

// ErrBusy is returned when an operation of the same kind is already pending.
var ErrBusy = errors.New("reactor: operation already in progress")

// DefaultReadHint is the allocation size requested before each read.
const DefaultReadHint = 64 * 1024

// HandleKind identifies the native resource behind a Handle.
type HandleKind int

const (
	KindAsync HandleKind = iota
	KindTCP
	KindPipe
)

func (k HandleKind) String() string {
	switch k {
	case KindAsync:
		return "async"
	case KindTCP:
		return "tcp"
	case KindPipe:
		return "pipe"
	}
	return "unknown"
}

// Handle is a native resource owned by exactly one Loop. Every method
// must be called on the loop's thread.
type Handle interface {
	Kind() HandleKind
	// Close releases the resource; cb runs on a later loop iteration.
	Close(cb func())
	IsClosing() bool
	Ref()
	Unref()
	HasRef() bool
}

// AllocFunc returns memory for the next read. The hint is advisory.
type AllocFunc func(hint int) []byte

// ReadFunc receives the result of one read into the last allocated buffer.
// n == 0 with a nil error means nothing was available; the buffer is
// released without data. io.EOF marks a graceful end of stream and
// unix.ECANCELED a stream closed while reading.
type ReadFunc func(n int, err error)

// WriteFunc receives the completion status of a write or shutdown.
type WriteFunc func(err error)
