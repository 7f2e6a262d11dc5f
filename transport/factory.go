// File: transport/factory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Factory binds endpoints onto a set of loop threads and hands accepted
// connections to Accept callers.

package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/control"
	itransport "github.com/momentics/hioload-transport/internal/transport"
	"github.com/momentics/hioload-transport/pool"
)

// Factory creates listeners sharing one configuration.
type Factory struct {
	cfg     Config
	log     *zap.Logger
	metrics *control.Metrics
	clock   clock.Clock
	onFatal func(error)
	memory  *pool.MemoryPool
}

// New validates cfg and applies opts. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Factory, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{
		cfg:   *cfg,
		log:   zap.NewNop(),
		clock: clock.New(),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Config returns a copy of the factory configuration.
func (f *Factory) Config() Config { return f.cfg }

type disposer interface {
	Dispose() error
}

type stopper interface {
	Stop(timeout time.Duration) error
}

// Listener is a bound endpoint. Connections accepted on any loop thread
// are delivered by Accept in arrival order.
type Listener struct {
	f        *Factory
	endpoint api.Endpoint
	addr     net.Addr
	queue    *itransport.AcceptQueue
	log      *zap.Logger

	// disposed in order; secondaries precede the primary
	listeners []disposer
	threads   []stopper

	unbindOnce sync.Once
	unbindErr  error
	stopOnce   sync.Once
	stopErr    error
}

// Endpoint returns the endpoint passed to Bind.
func (l *Listener) Endpoint() api.Endpoint { return l.endpoint }

// Addr returns the bound address. For TCP port 0 it carries the chosen port.
func (l *Listener) Addr() net.Addr { return l.addr }

// Pending returns the number of connections waiting for Accept.
func (l *Listener) Pending() int { return l.queue.Len() }

// Accept waits for the next connection. After Unbind it drains what is
// left and then returns api.ErrListenerClosed.
func (l *Listener) Accept(ctx context.Context) (api.Connection, error) {
	return l.queue.Pop(ctx)
}

// Unbind stops accepting. Connections nobody accepted yet are aborted;
// accepted ones keep running until Stop.
func (l *Listener) Unbind(ctx context.Context) error {
	l.unbindOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- l.unbind() }()
		select {
		case l.unbindErr = <-done:
		case <-ctx.Done():
			l.unbindErr = ctx.Err()
		}
	})
	return l.unbindErr
}

func (l *Listener) unbind() error {
	var err error
	for _, d := range l.listeners {
		err = multierr.Append(err, d.Dispose())
	}
	for _, c := range l.queue.Close() {
		c.Abort(api.NewConnectionAborted("the listener was unbound"))
	}
	l.log.Info("unbound", zap.String("endpoint", l.endpoint.String()))
	return err
}

// Stop unbinds and then stops every loop thread in parallel, each within
// the configured ShutdownTimeout or what is left of ctx's deadline.
// Connections still open are closed by the loop shutdown; callers that
// want a graceful close should Close them first.
func (l *Listener) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		err := l.Unbind(ctx)
		timeout := l.f.cfg.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if left := deadline.Sub(l.f.clock.Now()); left < timeout {
				timeout = left
			}
		}
		l.stopErr = multierr.Append(err, stopThreads(l.threads, timeout))
	})
	return l.stopErr
}

func stopThreads(threads []stopper, timeout time.Duration) error {
	var (
		mu  sync.Mutex
		err error
		g   errgroup.Group
	)
	for _, th := range threads {
		g.Go(func() error {
			if serr := th.Stop(timeout); serr != nil {
				mu.Lock()
				err = multierr.Append(err, serr)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return err
}
