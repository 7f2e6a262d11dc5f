// File: transport/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"runtime"
	"time"

	"github.com/momentics/hioload-transport/api"
)

// maxDefaultThreads caps the default loop thread count.
const maxDefaultThreads = 16

// Config holds the transport parameters shared by every binding of a Factory.
type Config struct {
	ThreadCount          int           // loop threads per binding
	MaxReadBufferSize    int64         // received bytes buffered before reading pauses; 0 = unbounded
	MaxWriteBufferSize   int64         // bytes buffered for sending before the producer pauses; 0 = unbounded
	ShutdownTimeout      time.Duration // budget for stopping each loop thread
	NoDelay              bool          // TCP_NODELAY on accepted TCP sockets
	ListenBacklog        int           // listen(2) backlog
	WriteRequestPoolSize int           // idle write requests kept per thread
	AllocationHint       int           // memory requested before every read
	MaxLoops             int           // mailbox drain passes per wakeup
	PinThreads           bool          // pin loop thread i to CPU i
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	n := runtime.NumCPU()
	if n > maxDefaultThreads {
		n = maxDefaultThreads
	}
	if n < 1 {
		n = 1
	}
	return &Config{
		ThreadCount:          n,
		MaxReadBufferSize:    1024 * 1024,
		MaxWriteBufferSize:   64 * 1024,
		ShutdownTimeout:      5 * time.Second,
		NoDelay:              true,
		ListenBacklog:        128,
		WriteRequestPoolSize: 1024,
		AllocationHint:       4096,
		MaxLoops:             8,
	}
}

// Validate reports the first out-of-range field.
func (c *Config) Validate() error {
	invalid := func(field string, value any) error {
		return api.NewError(api.ErrCodeInvalidArgument, "invalid transport config").
			WithContext("field", field).WithContext("value", value)
	}
	switch {
	case c.ThreadCount < 1:
		return invalid("ThreadCount", c.ThreadCount)
	case c.MaxReadBufferSize < 0:
		return invalid("MaxReadBufferSize", c.MaxReadBufferSize)
	case c.MaxWriteBufferSize < 0:
		return invalid("MaxWriteBufferSize", c.MaxWriteBufferSize)
	case c.ShutdownTimeout <= 0:
		return invalid("ShutdownTimeout", c.ShutdownTimeout)
	case c.ListenBacklog < 0:
		return invalid("ListenBacklog", c.ListenBacklog)
	case c.WriteRequestPoolSize < 0:
		return invalid("WriteRequestPoolSize", c.WriteRequestPoolSize)
	case c.AllocationHint < 0:
		return invalid("AllocationHint", c.AllocationHint)
	case c.MaxLoops < 0:
		return invalid("MaxLoops", c.MaxLoops)
	}
	return nil
}
