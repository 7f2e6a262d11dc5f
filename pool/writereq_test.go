package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-transport/pool"
)

type request struct {
	id        int
	destroyed bool
}

func newTestPool(maxIdle int) *pool.WriteRequestPool[*request] {
	next := 0
	return pool.NewWriteRequestPool(maxIdle,
		func() *request { next++; return &request{id: next} },
		func(r *request) { r.destroyed = true })
}

func TestWriteRequestPoolNeverExceedsBound(t *testing.T) {
	p := newTestPool(4)

	var reqs []*request
	for i := 0; i < 10; i++ {
		reqs = append(reqs, p.Allocate())
	}
	assert.Equal(t, uint64(10), p.Created())

	for _, r := range reqs {
		p.Return(r)
		assert.LessOrEqual(t, p.Len(), p.Cap())
	}
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, uint64(6), p.Destroyed())

	destroyed := 0
	for _, r := range reqs {
		if r.destroyed {
			destroyed++
		}
	}
	assert.Equal(t, 6, destroyed)
}

func TestWriteRequestPoolReusesIdle(t *testing.T) {
	p := newTestPool(2)
	r := p.Allocate()
	p.Return(r)
	assert.Same(t, r, p.Allocate())
	assert.Equal(t, uint64(1), p.Created())
}

func TestWriteRequestPoolClose(t *testing.T) {
	p := newTestPool(8)
	a, b := p.Allocate(), p.Allocate()
	p.Return(a)
	p.Close()
	require.True(t, a.destroyed)
	assert.Zero(t, p.Len())

	p.Return(b)
	assert.True(t, b.destroyed)
	assert.Equal(t, uint64(2), p.Destroyed())
}

func TestWriteRequestPoolDefaultBound(t *testing.T) {
	p := pool.NewWriteRequestPool[*request](0, func() *request { return &request{} }, nil)
	assert.Equal(t, pool.DefaultWriteRequestPoolSize, p.Cap())
}
