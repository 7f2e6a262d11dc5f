// File: pipeline/pipe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-producer single-consumer byte pipe with writer backpressure.
// The writer fills memory handed out by GetMemory, commits it with Advance
// and publishes it with Flush. Once the unconsumed byte count reaches the
// pause threshold, flushes stay pending until the reader drains below the
// resume threshold.

package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrReaderCompleted is returned to readers after they completed the pipe.
var ErrReaderCompleted = errors.New("pipeline: reader already completed")

// ErrWriterCompleted is returned to writers after they completed the pipe.
var ErrWriterCompleted = errors.New("pipeline: writer already completed")

// Allocator supplies memory blocks to a Pipe.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

type heapAllocator struct{}

func (heapAllocator) Get(size int) []byte { return make([]byte, size) }
func (heapAllocator) Put([]byte)          {}

// Options configure a Pipe. Zero thresholds disable backpressure.
type Options struct {
	PauseWriterThreshold  int64
	ResumeWriterThreshold int64
	MinimumSegmentSize    int
	Allocator             Allocator
}

// DefaultOptions returns an unbounded pipe backed by heap blocks.
func DefaultOptions() Options {
	return Options{MinimumSegmentSize: 4096, Allocator: heapAllocator{}}
}

// BoundedOptions pauses the writer at max bytes and resumes it at max/2.
func BoundedOptions(max int64, alloc Allocator) Options {
	o := DefaultOptions()
	if alloc != nil {
		o.Allocator = alloc
	}
	if max > 0 {
		o.PauseWriterThreshold = max
		o.ResumeWriterThreshold = max / 2
	}
	return o
}

// ReadResult is one view of the readable bytes.
type ReadResult struct {
	Buffer      [][]byte
	IsCanceled  bool
	IsCompleted bool
}

// Len returns the number of bytes in the view.
func (r ReadResult) Len() int64 {
	var n int64
	for _, b := range r.Buffer {
		n += int64(len(b))
	}
	return n
}

// FlushResult reports the outcome of a flush.
type FlushResult struct {
	IsCanceled  bool
	IsCompleted bool // the reader has completed; further writes are discarded
}

type segment struct {
	block []byte
	start int
	end   int
}

// Pipe connects a PipeWriter to a PipeReader.
type Pipe struct {
	mu   sync.Mutex
	opts Options

	segments []*segment
	writing  *segment

	readable  int64 // flushed, not consumed
	unflushed int64 // advanced, not flushed
	examined  int64 // bytes the reader has already looked at

	readWait    chan struct{}
	cancelRead  bool
	flushWait   chan FlushResult
	cancelFlush bool
	readerDone  bool
	readerErr   error
	writerDone  bool
	writerErr   error
	reader      PipeReader
	writer      PipeWriter
}

// NewPipe creates a Pipe.
func NewPipe(opts Options) *Pipe {
	if opts.Allocator == nil {
		opts.Allocator = heapAllocator{}
	}
	if opts.MinimumSegmentSize <= 0 {
		opts.MinimumSegmentSize = 4096
	}
	if opts.ResumeWriterThreshold > opts.PauseWriterThreshold {
		opts.ResumeWriterThreshold = opts.PauseWriterThreshold
	}
	p := &Pipe{opts: opts}
	p.reader.p = p
	p.writer.p = p
	return p
}

// Reader returns the consuming end.
func (p *Pipe) Reader() *PipeReader { return &p.reader }

// Writer returns the producing end.
func (p *Pipe) Writer() *PipeWriter { return &p.writer }

// Len returns every byte held by the pipe, flushed or not.
func (p *Pipe) Len() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readable + p.unflushed
}

func (p *Pipe) wakeReaderLocked() {
	if p.readWait != nil {
		close(p.readWait)
		p.readWait = nil
	}
}

func (p *Pipe) resolveFlushLocked(res FlushResult) {
	if p.flushWait != nil {
		p.flushWait <- res
		p.flushWait = nil
	}
}

func (p *Pipe) overPauseLocked() bool {
	return p.opts.PauseWriterThreshold > 0 && p.readable >= p.opts.PauseWriterThreshold
}

func (p *Pipe) releaseLocked(keepWriting bool) {
	for _, s := range p.segments {
		if keepWriting && s == p.writing {
			continue
		}
		p.opts.Allocator.Put(s.block)
	}
	if keepWriting && p.writing != nil {
		p.writing.start, p.writing.end = 0, 0
		p.segments = append(p.segments[:0], p.writing)
	} else {
		p.segments = nil
		p.writing = nil
	}
	p.readable, p.unflushed, p.examined = 0, 0, 0
}

// PipeWriter is the producing end of a Pipe.
type PipeWriter struct {
	p *Pipe
}

// GetMemory returns writable memory of at least sizeHint bytes.
// The region stays valid until the matching Advance.
func (w *PipeWriter) GetMemory(sizeHint int) []byte {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if sizeHint <= 0 {
		sizeHint = 1
	}
	if s := p.writing; s != nil && len(s.block)-s.end >= sizeHint {
		return s.block[s.end:]
	}
	size := sizeHint
	if size < p.opts.MinimumSegmentSize {
		size = p.opts.MinimumSegmentSize
	}
	block := p.opts.Allocator.Get(size)
	block = block[:cap(block)]
	s := &segment{block: block}
	p.segments = append(p.segments, s)
	p.writing = s
	return block
}

// Advance commits n bytes written into the last GetMemory region.
func (w *PipeWriter) Advance(n int) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || p.writing == nil || p.readerDone {
		return
	}
	if free := len(p.writing.block) - p.writing.end; n > free {
		n = free
	}
	p.writing.end += n
	p.unflushed += int64(n)
}

// Write copies b into the pipe without flushing.
func (w *PipeWriter) Write(b []byte) (int, error) {
	if w.IsCompleted() {
		return 0, ErrWriterCompleted
	}
	total := len(b)
	for len(b) > 0 {
		mem := w.GetMemory(1)
		n := copy(mem, b)
		w.Advance(n)
		b = b[n:]
	}
	return total, nil
}

// FlushAsync publishes advanced bytes to the reader. A nil channel means
// the flush completed synchronously with the returned result; otherwise
// the writer is paused and the channel yields the result on resume.
func (w *PipeWriter) FlushAsync() (FlushResult, <-chan FlushResult) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readable += p.unflushed
	p.unflushed = 0
	p.wakeReaderLocked()
	if p.readerDone {
		return FlushResult{IsCompleted: true}, nil
	}
	if p.cancelFlush {
		p.cancelFlush = false
		return FlushResult{IsCanceled: true}, nil
	}
	if !p.overPauseLocked() {
		return FlushResult{}, nil
	}
	if p.flushWait == nil {
		p.flushWait = make(chan FlushResult, 1)
	}
	return FlushResult{}, p.flushWait
}

// Flush publishes advanced bytes and blocks while the writer is paused.
func (w *PipeWriter) Flush(ctx context.Context) (FlushResult, error) {
	res, wait := w.FlushAsync()
	if wait == nil {
		return res, nil
	}
	select {
	case res = <-wait:
		return res, nil
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

// CancelPendingFlush resolves a paused flush as canceled, or the next
// flush when none is pending.
func (w *PipeWriter) CancelPendingFlush() {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushWait != nil {
		p.resolveFlushLocked(FlushResult{IsCanceled: true})
		return
	}
	p.cancelFlush = true
}

// Complete marks the end of data. A non-nil err is reported to the reader
// after it drains the remaining bytes.
func (w *PipeWriter) Complete(err error) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writerDone {
		return
	}
	p.writerDone = true
	p.writerErr = err
	p.readable += p.unflushed
	p.unflushed = 0
	p.wakeReaderLocked()
	if p.readerDone {
		p.releaseLocked(false)
	}
}

// IsCompleted reports whether Complete was called on the writer.
func (w *PipeWriter) IsCompleted() bool {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.writerDone
}

// ReaderError returns the error the reader completed with, if any.
func (w *PipeWriter) ReaderError() (done bool, err error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.readerDone, w.p.readerErr
}

// PipeReader is the consuming end of a Pipe.
type PipeReader struct {
	p *Pipe
}

// Read waits until bytes beyond the examined position are readable, the
// writer completes, or the read is canceled. When the writer completed
// with an error, that error accompanies the final result.
func (r *PipeReader) Read(ctx context.Context) (ReadResult, error) {
	p := r.p
	for {
		p.mu.Lock()
		if p.readerDone {
			p.mu.Unlock()
			return ReadResult{}, ErrReaderCompleted
		}
		if p.cancelRead {
			p.cancelRead = false
			res := ReadResult{Buffer: p.viewLocked(), IsCanceled: true}
			p.mu.Unlock()
			return res, nil
		}
		if p.readable > p.examined || p.writerDone {
			res := ReadResult{Buffer: p.viewLocked(), IsCompleted: p.writerDone}
			var err error
			if res.IsCompleted {
				err = p.writerErr
			}
			p.mu.Unlock()
			return res, err
		}
		if p.readWait == nil {
			p.readWait = make(chan struct{})
		}
		wait := p.readWait
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ReadResult{}, ctx.Err()
		}
	}
}

func (p *Pipe) viewLocked() [][]byte {
	remaining := p.readable
	var out [][]byte
	for _, s := range p.segments {
		if remaining <= 0 {
			break
		}
		n := int64(s.end - s.start)
		if n > remaining {
			n = remaining
		}
		if n > 0 {
			out = append(out, s.block[s.start:s.start+int(n)])
		}
		remaining -= n
	}
	return out
}

// AdvanceTo consumes bytes from the start of the last ReadResult and
// records how far the reader has examined. The next Read waits for data
// beyond examined.
func (r *PipeReader) AdvanceTo(consumed, examined int64) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readerDone {
		return
	}
	if consumed > p.readable {
		consumed = p.readable
	}
	if examined < consumed {
		examined = consumed
	}
	left := consumed
	for left > 0 && len(p.segments) > 0 {
		s := p.segments[0]
		n := int64(s.end - s.start)
		if n > left {
			s.start += int(left)
			left = 0
			break
		}
		left -= n
		s.start = s.end
		if s == p.writing {
			break
		}
		p.opts.Allocator.Put(s.block)
		p.segments[0] = nil
		p.segments = p.segments[1:]
	}
	p.readable -= consumed
	p.examined = examined - consumed
	if p.examined > p.readable {
		p.examined = p.readable
	}
	if p.flushWait != nil && (p.readable < p.opts.ResumeWriterThreshold || p.readable == 0) {
		p.resolveFlushLocked(FlushResult{})
	}
}

// AdvanceAll consumes and examines the entire ReadResult.
func (r *PipeReader) AdvanceAll(res ReadResult) {
	n := res.Len()
	r.AdvanceTo(n, n)
}

// CancelPendingRead makes a pending or the next Read return IsCanceled.
func (r *PipeReader) CancelPendingRead() {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelRead = true
	p.wakeReaderLocked()
}

// Complete stops reading. Pending and future flushes report IsCompleted.
func (r *PipeReader) Complete(err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readerDone {
		return
	}
	p.readerDone = true
	p.readerErr = err
	p.resolveFlushLocked(FlushResult{IsCompleted: true})
	p.releaseLocked(!p.writerDone)
}

// IsCompleted reports whether Complete was called on the reader.
func (r *PipeReader) IsCompleted() bool {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.readerDone
}

// Len returns the flushed, unconsumed byte count.
func (r *PipeReader) Len() int64 {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.readable
}
