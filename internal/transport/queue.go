// File: internal/transport/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-transport/api"
)

// AcceptQueue hands started connections from every loop thread to
// Accept callers in arrival order.
type AcceptQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	ready  chan struct{}
	closed bool
}

// NewAcceptQueue returns an open, empty queue.
func NewAcceptQueue() *AcceptQueue {
	return &AcceptQueue{items: queue.New(), ready: make(chan struct{})}
}

// Push enqueues conn. It reports false once the queue is closed; the caller
// then owns conn and must abort it.
func (q *AcceptQueue) Push(conn api.Connection) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.Add(conn)
	close(q.ready)
	q.ready = make(chan struct{})
	return true
}

// Pop waits for the oldest connection. It returns api.ErrListenerClosed
// once the queue is closed and drained.
func (q *AcceptQueue) Pop(ctx context.Context) (api.Connection, error) {
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			conn := q.items.Remove().(api.Connection)
			q.mu.Unlock()
			return conn, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, api.ErrListenerClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued connections.
func (q *AcceptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close rejects further pushes, wakes every waiter and returns the
// connections nobody accepted.
func (q *AcceptQueue) Close() []api.Connection {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var rest []api.Connection
	for q.items.Length() > 0 {
		rest = append(rest, q.items.Remove().(api.Connection))
	}
	close(q.ready)
	return rest
}
