package muxdemux

import (
	"context"
	"sync"
	"sync/atomic"
)

// Buffer is a fixed-capacity byte container. At any instant it is owned by
// exactly one of: its pool, the read interface filling it, the application
// consuming it, or the socket writer draining it.
type Buffer struct {
	data     []byte
	n        int
	pool     *BufferPool
	recycle  func(*Buffer)
	released atomic.Bool
}

// Bytes returns the filled portion. The slice is only valid until Release.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

func (b *Buffer) Len() int {
	return b.n
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

func (b *Buffer) Remaining() int {
	return len(b.data) - b.n
}

// Release hands a consumed buffer back. Every buffer delivered by a channel
// must be released exactly once or the channel's flow control stalls; extra
// calls are ignored.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	if b.recycle != nil {
		b.recycle(b)
		return
	}
	b.pool.put(b)
}

// BufferPool hands out fixed-size buffers up to a limit and recycles them.
// Acquire, TryAcquire and Release are safe for concurrent use.
type BufferPool struct {
	size      int
	limit     int
	free      chan *Buffer
	allocated atomic.Int32
	recycle   func(*Buffer)

	closeOnce sync.Once
	closed    chan struct{}
}

func NewBufferPool(size, limit int) *BufferPool {
	return &BufferPool{
		size:   size,
		limit:  limit,
		free:   make(chan *Buffer, limit),
		closed: make(chan struct{}),
	}
}

// TryAcquire returns a free buffer, allocates one while below the limit, or
// fails with ErrPoolExhausted. It never blocks.
func (p *BufferPool) TryAcquire() (*Buffer, error) {
	select {
	case b := <-p.free:
		return p.claim(b), nil
	default:
	}
	for {
		n := p.allocated.Load()
		if int(n) >= p.limit {
			break
		}
		if p.allocated.CompareAndSwap(n, n+1) {
			return p.claim(&Buffer{data: make([]byte, p.size), pool: p}), nil
		}
	}
	// A release may have landed between the first poll and the limit check.
	select {
	case b := <-p.free:
		return p.claim(b), nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Acquire is TryAcquire that waits for a release instead of failing.
func (p *BufferPool) Acquire(ctx context.Context) (*Buffer, error) {
	if b, err := p.TryAcquire(); err == nil {
		return b, nil
	}
	select {
	case b := <-p.free:
		return p.claim(b), nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns b to the pool. Use Buffer.Release for delivered buffers so
// the owner's recycle hook runs.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	b.released.Store(true)
	p.put(b)
}

// Close wakes blocked Acquire calls. Buffers may still be released afterwards.
func (p *BufferPool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *BufferPool) BufferSize() int {
	return p.size
}

func (p *BufferPool) Limit() int {
	return p.limit
}

func (p *BufferPool) Allocated() int {
	return int(p.allocated.Load())
}

func (p *BufferPool) Free() int {
	return len(p.free)
}

// InUse counts buffers currently outside the pool.
func (p *BufferPool) InUse() int {
	return p.Allocated() - p.Free()
}

func (p *BufferPool) claim(b *Buffer) *Buffer {
	b.n = 0
	b.recycle = p.recycle
	b.released.Store(false)
	return b
}

func (p *BufferPool) put(b *Buffer) {
	b.n = 0
	p.free <- b
}
