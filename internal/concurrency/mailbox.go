// File: internal/concurrency/mailbox.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is a multi-producer single-consumer queue with two buffers.
// Producers append to the adding buffer under a short lock; the consumer
// swaps buffers under the same lock and drains the running buffer without
// it, so callbacks never execute inside the critical section.
type Mailbox[T any] struct {
	mu      sync.Mutex
	adding  *queue.Queue
	running *queue.Queue
	closed  bool
}

// NewMailbox returns an open, empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		adding:  queue.New(),
		running: queue.New(),
	}
}

// Add enqueues item. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Add(item T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.adding.Add(item)
	return true
}

// Drain swaps the buffers and passes every item in the running buffer to
// fn. It reports whether any item was processed. Only the consumer calls it.
func (m *Mailbox[T]) Drain(fn func(T)) bool {
	m.mu.Lock()
	m.adding, m.running = m.running, m.adding
	m.mu.Unlock()

	if m.running.Length() == 0 {
		return false
	}
	for m.running.Length() > 0 {
		fn(m.running.Remove().(T))
	}
	return true
}

// Len returns the number of items waiting in both buffers. Only the
// consumer may call it.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adding.Length() + m.running.Length()
}

// Close rejects further adds and returns the items never drained. Only
// the consumer may call it.
func (m *Mailbox[T]) Close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var rest []T
	for _, q := range []*queue.Queue{m.running, m.adding} {
		for q.Length() > 0 {
			rest = append(rest, q.Remove().(T))
		}
	}
	return rest
}
