package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/pipeline"
)

type stubConn struct {
	id      string
	aborted *api.ConnectionAbortedError
}

func (c *stubConn) ID() string                   { return c.id }
func (c *stubConn) LocalAddr() net.Addr          { return nil }
func (c *stubConn) RemoteAddr() net.Addr         { return nil }
func (c *stubConn) Input() *pipeline.PipeReader  { return nil }
func (c *stubConn) Output() *pipeline.PipeWriter { return nil }
func (c *stubConn) Closed() context.Context      { return context.Background() }
func (c *stubConn) Close(context.Context) error  { return nil }
func (c *stubConn) Abort(r *api.ConnectionAbortedError) {
	if c.aborted == nil {
		c.aborted = r
	}
}

func TestAcceptQueueFIFO(t *testing.T) {
	q := NewAcceptQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Push(&stubConn{id: id}))
	}
	assert.Equal(t, 3, q.Len())
	for _, id := range []string{"a", "b", "c"} {
		c, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, id, c.ID())
	}
}

func TestAcceptQueuePopWaitsForPush(t *testing.T) {
	q := NewAcceptQueue()
	got := make(chan api.Connection, 1)
	go func() {
		c, err := q.Pop(context.Background())
		assert.NoError(t, err)
		got <- c
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(&stubConn{id: "late"})
	select {
	case c := <-got:
		assert.Equal(t, "late", c.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestAcceptQueuePopHonoursContext(t *testing.T) {
	q := NewAcceptQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptQueueClose(t *testing.T) {
	q := NewAcceptQueue()
	q.Push(&stubConn{id: "left"})

	waiter := make(chan error, 1)
	q2 := NewAcceptQueue()
	go func() {
		_, err := q2.Pop(context.Background())
		waiter <- err
	}()

	rest := q.Close()
	require.Len(t, rest, 1)
	assert.Equal(t, "left", rest[0].ID())
	assert.False(t, q.Push(&stubConn{id: "rejected"}))
	assert.Nil(t, q.Close())

	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, api.ErrListenerClosed)

	q2.Close()
	select {
	case err := <-waiter:
		assert.ErrorIs(t, err, api.ErrListenerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the waiter")
	}
}
