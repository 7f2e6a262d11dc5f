package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-transport/pool"
)

func TestMemoryPoolReuse(t *testing.T) {
	mp := pool.NewMemoryPool()
	b1 := mp.Get(128)
	assert.Equal(t, 4096, len(b1))
	mp.Put(b1)

	b2 := mp.Get(64)
	// b2 should reuse the block returned above
	assert.Equal(t, 4096, cap(b2))
	st := mp.Stats()
	assert.Equal(t, uint64(1), st.Allocated)
	assert.Equal(t, uint64(1), st.Reused)
	assert.Equal(t, uint64(1), st.Returned)
}

func TestMemoryPoolSizeClasses(t *testing.T) {
	mp := pool.NewMemoryPool()
	for _, tc := range []struct{ ask, want int }{
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
		{65536, 65536},
		{1 << 20, 1 << 20},
		{1<<20 + 1, 1<<20 + 1},
	} {
		assert.Equal(t, tc.want, len(mp.Get(tc.ask)), "size %d", tc.ask)
	}
}

func TestMemoryPoolDropsForeignBlocks(t *testing.T) {
	mp := pool.NewMemoryPool()
	mp.Put(make([]byte, 5000))
	mp.Put(make([]byte, 2<<20))
	assert.Equal(t, uint64(2), mp.Stats().Dropped)
	assert.Zero(t, mp.Stats().Returned)
}
