// File: internal/concurrency/completion.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// WriteResult is the outcome of one native operation.
type WriteResult struct {
	Status int // 0 or a negated errno
	Err    error
}

// NewWriteResult derives the status code from err.
func NewWriteResult(err error) WriteResult {
	if err == nil {
		return WriteResult{}
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return WriteResult{Status: -int(errno), Err: err}
	}
	return WriteResult{Status: -1, Err: err}
}

// completed marks a Completion whose result is available.
var completed = new(func())

// Completion turns one callback-style completion into an awaitable.
// The continuation slot moves from empty to completed exactly once per
// cycle; whichever of Complete and OnCompleted loses the exchange runs the
// continuation. Result consumes the value and rearms the Completion.
type Completion struct {
	cont   atomic.Pointer[func()]
	result WriteResult
}

// Complete stores res and resumes a registered continuation.
func (c *Completion) Complete(res WriteResult) {
	c.result = res
	prev := c.cont.Swap(completed)
	if prev != nil && prev != completed {
		(*prev)()
	}
}

// IsCompleted reports whether a result is waiting to be consumed.
func (c *Completion) IsCompleted() bool {
	return c.cont.Load() == completed
}

// OnCompleted registers fn to run once the result is available. It runs
// fn immediately when Complete already happened.
func (c *Completion) OnCompleted(fn func()) {
	if c.cont.CompareAndSwap(nil, &fn) {
		return
	}
	fn()
}

// Result returns the stored value and resets the Completion for reuse.
func (c *Completion) Result() WriteResult {
	res := c.result
	c.result = WriteResult{}
	c.cont.Store(nil)
	return res
}

// Wait blocks the calling goroutine until Complete and consumes the result.
func (c *Completion) Wait() WriteResult {
	if !c.IsCompleted() {
		ready := make(chan struct{})
		c.OnCompleted(func() { close(ready) })
		<-ready
	}
	return c.Result()
}
