// buffer.go: MPSC byte ring buffer between producers and the writer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ulog

import (
	"sync"
)

// packetPool recycles encode buffers on the producer path.
// Channel based so a buffer is only reused once the producer is done with it.
type packetPool struct {
	bufferChan chan []byte
	size       int
}

func newPacketPool(poolSize, bufferSize int) *packetPool {
	pool := &packetPool{
		bufferChan: make(chan []byte, poolSize),
		size:       bufferSize,
	}
	for i := 0; i < poolSize; i++ {
		pool.bufferChan <- make([]byte, 0, bufferSize)
	}
	return pool
}

// get never blocks: an empty pool allocates.
func (p *packetPool) get() []byte {
	select {
	case buf := <-p.bufferChan:
		return buf[:0]
	default:
		return make([]byte, 0, p.size)
	}
}

func (p *packetPool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	select {
	case p.bufferChan <- buf[:0]:
	default:
		// Pool full, let GC handle this buffer
	}
}

// ringBuffer is a fixed-capacity circular byte store shared by all producers
// and one consumer.
//
// Producers copy a whole packet in under the lock before the occupied count
// moves, so the consumer never sees a partial packet. The consumer peeks with
// Drain, writes the spans without holding the lock (producers only touch free
// space), and releases them with Commit once they are durable.
type ringBuffer struct {
	mu       sync.Mutex
	buf      []byte
	read     int // offset of the oldest unconsumed byte
	occupied int
	closed   bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, capacity)}
}

// TryEnqueue copies p into the ring and returns the occupancy after the write.
// It never blocks: it returns ErrBufferFull when p does not fit in the free
// space and ErrClosed after Close.
func (rb *ringBuffer) TryEnqueue(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return rb.occupied, ErrClosed
	}
	capacity := len(rb.buf)
	if len(p) > capacity-rb.occupied {
		return rb.occupied, ErrBufferFull
	}

	write := rb.read + rb.occupied
	if write >= capacity {
		write -= capacity
	}
	n := copy(rb.buf[write:], p)
	copy(rb.buf, p[n:]) // wrapped tail, if any
	rb.occupied += len(p)
	return rb.occupied, nil
}

// Spans is a read-only view of the unconsumed bytes, in order. Second is
// non-empty only when the data wraps past the end of the ring.
type Spans struct {
	First  []byte
	Second []byte
}

// Len is the total number of bytes in the view.
func (s Spans) Len() int { return len(s.First) + len(s.Second) }

// AppendTo appends both spans to dst in order.
func (s Spans) AppendTo(dst []byte) []byte {
	return append(append(dst, s.First...), s.Second...)
}

// Drain returns everything enqueued so far without consuming it.
// Consumer only; the view stays valid until the matching Commit.
func (rb *ringBuffer) Drain() Spans {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.occupied == 0 {
		return Spans{}
	}
	end := rb.read + rb.occupied
	if end <= len(rb.buf) {
		return Spans{First: rb.buf[rb.read:end]}
	}
	return Spans{First: rb.buf[rb.read:], Second: rb.buf[:end-len(rb.buf)]}
}

// Commit releases n bytes from the front of the ring. Consumer only.
func (rb *ringBuffer) Commit(n int) {
	if n <= 0 {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.occupied {
		n = rb.occupied
	}
	rb.read += n
	if rb.read >= len(rb.buf) {
		rb.read -= len(rb.buf)
	}
	rb.occupied -= n
	if rb.occupied == 0 {
		rb.read = 0 // keep the next batch in a single span
	}
}

// Close rejects all further enqueues. Data already in the ring stays drainable.
func (rb *ringBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
}

// Len is the number of unconsumed bytes.
func (rb *ringBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.occupied
}

// Cap is the ring capacity in bytes.
func (rb *ringBuffer) Cap() int {
	return len(rb.buf)
}
