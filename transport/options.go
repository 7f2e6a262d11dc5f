// File: transport/options.go
// Package transport defines functional options for the Factory.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-transport/control"
	"github.com/momentics/hioload-transport/pool"
)

// Option customizes a Factory.
type Option func(*Factory)

// WithLogger sets the root logger. Components log under named children.
func WithLogger(log *zap.Logger) Option {
	return func(f *Factory) {
		if log != nil {
			f.log = log
		}
	}
}

// WithMetrics records transport metrics into m.
func WithMetrics(m *control.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithClock replaces the clock used for shutdown budgets.
func WithClock(c clock.Clock) Option {
	return func(f *Factory) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithOnFatal registers fn for faults that terminate a loop thread. It is
// the place to request an application-wide shutdown.
func WithOnFatal(fn func(error)) Option {
	return func(f *Factory) { f.onFatal = fn }
}

// WithMemoryPool shares mp between every loop thread.
func WithMemoryPool(mp *pool.MemoryPool) Option {
	return func(f *Factory) { f.memory = mp }
}
