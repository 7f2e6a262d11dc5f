// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-transport components.

package benchmarks

import (
	"context"
	"testing"

	"github.com/momentics/hioload-transport/internal/concurrency"
	"github.com/momentics/hioload-transport/pipeline"
	"github.com/momentics/hioload-transport/pool"
)

// BenchmarkMemoryPool measures block reuse across goroutines.
func BenchmarkMemoryPool(b *testing.B) {
	mp := pool.NewMemoryPool()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := mp.Get(4096)
			mp.Put(buf)
		}
	})
}

// BenchmarkMailbox measures the producer side of a loop mailbox with a
// draining consumer.
func BenchmarkMailbox(b *testing.B) {
	mb := concurrency.NewMailbox[int]()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				mb.Drain(func(int) {})
			}
		}
	}()
	defer close(stop)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mb.Add(1)
		}
	})
}

// BenchmarkPipeThroughput pushes 4 KiB chunks through a bounded pipe.
func BenchmarkPipeThroughput(b *testing.B) {
	p := pipeline.NewPipe(pipeline.BoundedOptions(1<<20, pool.NewMemoryPool()))
	chunk := make([]byte, 4096)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := p.Reader()
		for {
			res, err := r.Read(context.Background())
			r.AdvanceAll(res)
			if err != nil || res.IsCompleted {
				return
			}
		}
	}()

	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	w := p.Writer()
	for i := 0; i < b.N; i++ {
		mem := w.GetMemory(len(chunk))
		w.Advance(copy(mem, chunk))
		if _, err := w.Flush(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
	w.Complete(nil)
	<-done
}
