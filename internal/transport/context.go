// File: internal/transport/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/reactor"
)

// DefaultListenBacklog is the listen(2) backlog of every listening socket.
const DefaultListenBacklog = 128

// Context is shared by every listener and connection of one binding.
type Context struct {
	Trace   *Trace
	Metrics *control.Metrics
	Queue   *AcceptQueue

	// MaxReadBufferSize pauses reading once that many received bytes wait
	// for the consumer; reading resumes below half. Zero means unbounded.
	MaxReadBufferSize int64
	// MaxWriteBufferSize pauses the producer once that many bytes wait to
	// be sent; it resumes below half. Zero means unbounded.
	MaxWriteBufferSize int64
	// AllocationHint sizes the memory requested before every read.
	AllocationHint int
	NoDelay        bool
	Backlog        int
}

func (c *Context) backlog() int {
	if c.Backlog <= 0 {
		return DefaultListenBacklog
	}
	return c.Backlog
}

func (c *Context) allocationHint() int {
	if c.AllocationHint <= 0 {
		return reactor.DefaultReadHint
	}
	return c.AllocationHint
}
