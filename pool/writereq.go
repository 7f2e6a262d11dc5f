// File: pool/writereq.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

// DefaultWriteRequestPoolSize bounds idle requests kept per loop.
const DefaultWriteRequestPoolSize = 1024

// WriteRequestPool keeps idle write requests for one event loop.
// It is not safe for concurrent use; only the owning loop thread calls it.
// Requests returned while the pool holds maxIdle entries are destroyed.
type WriteRequestPool[T any] struct {
	idle    []T
	maxIdle int
	create  func() T
	destroy func(T)
	closed  bool

	created   uint64
	destroyed uint64
}

// NewWriteRequestPool builds a pool holding at most maxIdle idle requests.
func NewWriteRequestPool[T any](maxIdle int, create func() T, destroy func(T)) *WriteRequestPool[T] {
	if maxIdle <= 0 {
		maxIdle = DefaultWriteRequestPoolSize
	}
	if destroy == nil {
		destroy = func(T) {}
	}
	return &WriteRequestPool[T]{
		maxIdle: maxIdle,
		create:  create,
		destroy: destroy,
	}
}

// Allocate returns an idle request or creates one.
func (p *WriteRequestPool[T]) Allocate() T {
	if n := len(p.idle); n > 0 {
		req := p.idle[n-1]
		var zero T
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		return req
	}
	p.created++
	return p.create()
}

// Return hands a request back. It is destroyed when the pool is full or closed.
func (p *WriteRequestPool[T]) Return(req T) {
	if p.closed || len(p.idle) >= p.maxIdle {
		p.destroyed++
		p.destroy(req)
		return
	}
	p.idle = append(p.idle, req)
}

// Len returns the number of idle requests.
func (p *WriteRequestPool[T]) Len() int { return len(p.idle) }

// Cap returns the idle bound.
func (p *WriteRequestPool[T]) Cap() int { return p.maxIdle }

// Created returns how many requests the pool constructed.
func (p *WriteRequestPool[T]) Created() uint64 { return p.created }

// Destroyed returns how many requests the pool disposed of.
func (p *WriteRequestPool[T]) Destroyed() uint64 { return p.destroyed }

// Close destroys every idle request; later returns are destroyed too.
func (p *WriteRequestPool[T]) Close() {
	p.closed = true
	for i, req := range p.idle {
		p.destroy(req)
		p.destroyed++
		var zero T
		p.idle[i] = zero
	}
	p.idle = nil
}
