// File: pool/memory.go
// Block allocator with power-of-two size classes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"math/bits"
	"sync/atomic"
)

const (
	minBlockShift = 12 // 4 KiB
	maxBlockShift = 20 // 1 MiB
	classCapacity = 1024
)

// MemoryStats reports allocator activity.
type MemoryStats struct {
	Allocated uint64 // blocks created because a class was empty
	Reused    uint64 // blocks served from a class
	Returned  uint64 // blocks accepted back into a class
	Dropped   uint64 // blocks left to the GC (class full or foreign size)
}

// MemoryPool hands out power-of-two byte blocks from per-size classes.
// It is safe for concurrent use: blocks are rented on a loop thread and
// released by whichever goroutine consumes them.
type MemoryPool struct {
	classes [maxBlockShift - minBlockShift + 1]chan []byte

	allocated atomic.Uint64
	reused    atomic.Uint64
	returned  atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryPool builds an empty pool.
func NewMemoryPool() *MemoryPool {
	mp := &MemoryPool{}
	for i := range mp.classes {
		mp.classes[i] = make(chan []byte, classCapacity)
	}
	return mp
}

func classOf(size int) (idx int, blockSize int) {
	if size <= 1<<minBlockShift {
		return 0, 1 << minBlockShift
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxBlockShift {
		return -1, size
	}
	return shift - minBlockShift, 1 << shift
}

// Get returns a block with len >= size. Requests above the largest class
// are served straight from the heap.
func (mp *MemoryPool) Get(size int) []byte {
	idx, blockSize := classOf(size)
	if idx < 0 {
		mp.allocated.Add(1)
		return make([]byte, blockSize)
	}
	select {
	case b := <-mp.classes[idx]:
		mp.reused.Add(1)
		return b[:blockSize]
	default:
		mp.allocated.Add(1)
		return make([]byte, blockSize)
	}
}

// Put returns a block obtained from Get.
func (mp *MemoryPool) Put(b []byte) {
	c := cap(b)
	idx, blockSize := classOf(c)
	if idx < 0 || blockSize != c {
		mp.dropped.Add(1)
		return
	}
	select {
	case mp.classes[idx] <- b[:c]:
		mp.returned.Add(1)
	default:
		mp.dropped.Add(1)
	}
}

// Stats returns a snapshot of allocator counters.
func (mp *MemoryPool) Stats() MemoryStats {
	return MemoryStats{
		Allocated: mp.allocated.Load(),
		Reused:    mp.reused.Load(),
		Returned:  mp.returned.Load(),
		Dropped:   mp.dropped.Load(),
	}
}
