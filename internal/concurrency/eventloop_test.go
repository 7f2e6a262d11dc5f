//go:build linux
// +build linux

package concurrency_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/internal/concurrency"
	"github.com/momentics/hioload-transport/reactor"
)

func startThread(t *testing.T, opts concurrency.Options) (*concurrency.LoopThread, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	opts.Logger = zap.New(core)
	opts.CPU = -1
	th := concurrency.NewLoopThread(opts)
	require.NoError(t, th.Start())
	return th, logs
}

func TestInvokeRunsOnLoopThread(t *testing.T) {
	th, _ := startThread(t, concurrency.Options{ID: 1})

	var onLoop bool
	require.NoError(t, th.Invoke(func() { onLoop = th.Loop().OnLoopThread() }))
	assert.True(t, onLoop)
	assert.False(t, th.Loop().OnLoopThread())

	require.NoError(t, th.Stop(time.Second))
}

func TestPostAfterStopIsDropped(t *testing.T) {
	th, _ := startThread(t, concurrency.Options{})
	require.NoError(t, th.Stop(time.Second))

	assert.NotPanics(t, func() { th.Post(func() { t.Error("ran after stop") }) })
	assert.ErrorIs(t, th.Invoke(func() {}), api.ErrLoopStopping)
	assert.NoError(t, th.Stop(time.Second))
}

func TestStopIdleLoopFinishesInFirstStage(t *testing.T) {
	th, logs := startThread(t, concurrency.Options{})

	start := time.Now()
	require.NoError(t, th.Stop(3*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	<-th.Done()
}

func TestStopEscalatesToRudeStopForOpenHandles(t *testing.T) {
	th, logs := startThread(t, concurrency.Options{})

	require.NoError(t, th.Invoke(func() {
		sa, family, err := reactor.ResolveSockaddr("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ln, err := reactor.NewTCP(th.Loop(), family)
		require.NoError(t, err)
		require.NoError(t, ln.Bind(sa))
		require.NoError(t, ln.Listen(8, func(*reactor.Stream, error) {}))
	}))

	start := time.Now()
	require.NoError(t, th.Stop(900*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 900*time.Millisecond)

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warns, 1)
	assert.Equal(t, "allow-stop", warns[0].ContextMap()["stage"])
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestStopIsBoundedWhenLoopIsStuck(t *testing.T) {
	th, logs := startThread(t, concurrency.Options{})

	release := make(chan struct{})
	th.Post(func() { <-release })

	const budget = 600 * time.Millisecond
	start := time.Now()
	require.NoError(t, th.Stop(budget))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, budget-10*time.Millisecond)
	assert.Less(t, elapsed, budget+300*time.Millisecond)

	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 2)
	assert.Equal(t, true, errs[1].ContextMap()["critical"])

	close(release)
	select {
	case <-th.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("thread did not exit after the stuck callback returned")
	}
}

func TestPanicInPostIsFatal(t *testing.T) {
	fatal := make(chan error, 1)
	th, logs := startThread(t, concurrency.Options{OnFatal: func(err error) { fatal <- err }})

	th.Post(func() { panic("boom") })

	var reported error
	select {
	case reported = <-fatal:
	case <-time.After(5 * time.Second):
		t.Fatal("fatal hook not invoked")
	}
	var fe *concurrency.FatalLoopError
	require.True(t, errors.As(reported, &fe))
	assert.Equal(t, "boom", fe.Value)

	err := th.Stop(time.Second)
	assert.Same(t, reported, err)
	assert.Equal(t, 1, logs.FilterMessage("loop thread terminated by an unhandled fault").Len())
}

func TestPanicInPostAsyncReachesAwaiter(t *testing.T) {
	th, _ := startThread(t, concurrency.Options{})

	err := th.Invoke(func() { panic("awaited") })
	var pe *concurrency.PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "awaited", pe.Value)

	require.NoError(t, th.Invoke(func() {}))
	require.NoError(t, th.Stop(time.Second))
}

func TestWorkPostedFromCallbacksRuns(t *testing.T) {
	th, _ := startThread(t, concurrency.Options{MaxLoops: 2})

	const depth = 50
	var count atomic.Int32
	done := make(chan struct{})
	var step func()
	step = func() {
		if count.Add(1) == depth {
			close(done)
			return
		}
		th.Post(step)
	}
	th.Post(step)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d chained posts ran", count.Load(), depth)
	}
	require.NoError(t, th.Stop(time.Second))
}

func TestCloseHandleFromAnotherGoroutine(t *testing.T) {
	th, _ := startThread(t, concurrency.Options{})

	var s *reactor.Stream
	require.NoError(t, th.Invoke(func() {
		var err error
		s, err = reactor.NewTCP(th.Loop(), unix.AF_INET)
		require.NoError(t, err)
	}))

	closed := make(chan bool, 1)
	th.CloseHandle(s, func() { closed <- th.Loop().OnLoopThread() })
	select {
	case onLoop := <-closed:
		assert.True(t, onLoop)
	case <-time.After(5 * time.Second):
		t.Fatal("close callback did not run")
	}
	require.NoError(t, th.Stop(time.Second))
}

func TestWriteRequestPoolLivesOnThread(t *testing.T) {
	th, _ := startThread(t, concurrency.Options{WritePoolSize: 2})

	require.NoError(t, th.Invoke(func() {
		p := th.WriteRequests()
		reqs := []*reactor.WriteReq{p.Allocate(), p.Allocate(), p.Allocate()}
		for _, r := range reqs {
			p.Return(r)
		}
		assert.Equal(t, 2, p.Len())
		assert.True(t, reqs[2].Disposed())
	}))
	require.NoError(t, th.Stop(time.Second))
}
