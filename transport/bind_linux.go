//go:build linux
// +build linux

// File: transport/bind_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/internal/concurrency"
	itransport "github.com/momentics/hioload-transport/internal/transport"
)

// Bind starts ThreadCount loop threads and listens on ep. With more than
// one thread the first owns the socket and hands accepted connections to
// the others over a private unix-domain channel.
//
// A taken endpoint yields *api.AddressInUseError.
func (f *Factory) Bind(ctx context.Context, ep api.Endpoint) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	threads, err := f.startThreads()
	if err != nil {
		return nil, err
	}
	l := &Listener{
		f:        f,
		endpoint: ep,
		queue:    itransport.NewAcceptQueue(),
		log:      f.log.Named("listener"),
		threads:  make([]stopper, len(threads)),
	}
	for i, th := range threads {
		l.threads[i] = th
	}
	tc := &itransport.Context{
		Trace:              itransport.NewTrace(f.log.Named("connection")),
		Metrics:            f.metrics,
		Queue:              l.queue,
		MaxReadBufferSize:  f.cfg.MaxReadBufferSize,
		MaxWriteBufferSize: f.cfg.MaxWriteBufferSize,
		AllocationHint:     f.cfg.AllocationHint,
		NoDelay:            f.cfg.NoDelay,
		Backlog:            f.cfg.ListenBacklog,
	}
	if err := f.listen(l, tc, threads, ep); err != nil {
		if cerr := l.Stop(context.Background()); cerr != nil {
			l.log.Warn("cleanup after failed bind", zap.Error(cerr))
		}
		return nil, err
	}
	return l, nil
}

func (f *Factory) startThreads() ([]*concurrency.LoopThread, error) {
	threads := make([]*concurrency.LoopThread, f.cfg.ThreadCount)
	for i := range threads {
		cpu := -1
		if f.cfg.PinThreads {
			cpu = i % runtime.NumCPU()
		}
		threads[i] = concurrency.NewLoopThread(concurrency.Options{
			ID:            i,
			MaxLoops:      f.cfg.MaxLoops,
			WritePoolSize: f.cfg.WriteRequestPoolSize,
			CPU:           cpu,
			Logger:        f.log.Named("loop-thread"),
			Clock:         f.clock,
			Metrics:       f.metrics,
			Memory:        f.memory,
			OnFatal:       f.onFatal,
		})
	}
	var g errgroup.Group
	for _, th := range threads {
		g.Go(th.Start)
	}
	if err := g.Wait(); err != nil {
		stoppers := make([]stopper, len(threads))
		for i, th := range threads {
			stoppers[i] = th
		}
		_ = stopThreads(stoppers, f.cfg.ShutdownTimeout)
		return nil, err
	}
	return threads, nil
}

func (f *Factory) listen(l *Listener, tc *itransport.Context, threads []*concurrency.LoopThread, ep api.Endpoint) error {
	if len(threads) == 1 {
		ln := itransport.NewListener(tc)
		if err := ln.Start(ep, threads[0]); err != nil {
			return err
		}
		l.listeners = []disposer{ln}
		l.addr = ln.Addr()
		return nil
	}

	id := uuid.New()
	pipeName := "@hioload-" + id.String()
	token := id[:]

	primary := itransport.NewListenerPrimary(tc)
	if err := primary.Start(pipeName, token, ep, threads[0]); err != nil {
		return err
	}
	l.addr = primary.Addr()

	secondaries := make([]*itransport.ListenerSecondary, len(threads)-1)
	var g errgroup.Group
	for i := range secondaries {
		s := itransport.NewListenerSecondary(tc)
		secondaries[i] = s
		g.Go(func() error { return s.Start(pipeName, token, ep, threads[i+1]) })
	}
	err := g.Wait()
	for _, s := range secondaries {
		l.listeners = append(l.listeners, s)
	}
	l.listeners = append(l.listeners, primary)
	return err
}
