package muxdemux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// readInterface moves DATA payload from the socket into pooled buffers for one
// channel and hands full buffers to the consumer. read runs only on the
// connection's reader goroutine; next and Buffer.Release run on consumer
// goroutines.
type readInterface struct {
	ccb  *ccb
	pool *BufferPool

	// curMu guards current against abandonRead. Only the reader goroutine
	// fills current; reading is set while it is outside the lock doing so.
	curMu   sync.Mutex
	current *Buffer
	reading bool
	// full holds delivered buffers; its capacity equals the pool limit so
	// delivery never blocks the reader goroutine.
	full chan *Buffer

	// abandoned mirrors ccb.readAbandoned for the reader goroutine; done is
	// closed with it to wake a consumer parked in next.
	abandoned atomic.Bool
	done      chan struct{}

	bytesIn   atomic.Int64
	delivered atomic.Int64
}

func newReadInterface(c *ccb, bufferSize, limit int) *readInterface {
	ri := &readInterface{
		ccb:  c,
		pool: NewBufferPool(bufferSize, limit),
		full: make(chan *Buffer, limit),
		done: make(chan struct{}),
	}
	ri.pool.recycle = ri.recycle
	return ri
}

// read fills the channel's buffers with up to size bytes from r and returns
// the bytes still owed. A short read returns at once so the caller can come
// back when more data is ready.
func (ri *readInterface) read(r io.Reader, size int) (int, error) {
	for {
		if size <= 0 {
			return size, nil
		}
		ri.curMu.Lock()
		if ri.current == nil {
			b, err := ri.pool.TryAcquire()
			if err != nil {
				ri.curMu.Unlock()
				return size, fmt.Errorf("%w: channel=%d buffers=%d/%d free=%d",
					ErrReadBufferCapacityExceeded, ri.ccb.id, ri.pool.Allocated(), ri.pool.Limit(), ri.pool.Free())
			}
			ri.current = b
		}
		b := ri.current
		ri.reading = true
		ri.curMu.Unlock()

		want := min(size, b.Remaining())
		n, err := r.Read(b.data[b.n : b.n+want])
		b.n += n
		size -= n
		ri.bytesIn.Add(int64(n))

		var full, orphan *Buffer
		ri.curMu.Lock()
		ri.reading = false
		switch {
		case b.Remaining() == 0:
			ri.current, full = nil, b
		case ri.abandoned.Load():
			ri.current, orphan = nil, b
		}
		ri.curMu.Unlock()
		if full != nil {
			ri.deliver(full)
		}
		if orphan != nil {
			ri.reclaim(orphan)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return size, fmt.Errorf("%w: channel=%d owed=%d", ErrSocketClosed, ri.ccb.id, size)
			}
			return size, err
		}
		if n < want {
			return size, nil
		}
	}
}

// takeIdle removes the partially filled buffer unless the reader goroutine is
// filling it right now, in which case the reader reclaims it itself.
func (ri *readInterface) takeIdle() *Buffer {
	ri.curMu.Lock()
	defer ri.curMu.Unlock()
	if ri.reading || ri.current == nil {
		return nil
	}
	b := ri.current
	ri.current = nil
	return b
}

// reclaim returns a buffer nobody will consume and re-grants the bytes it
// held, so an abandoned reader never pins the peer's credit.
func (ri *readInterface) reclaim(b *Buffer) {
	n := b.n
	b.released.Store(true)
	ri.pool.put(b)
	c := ri.ccb
	c.mu.Lock()
	grant := c.remoteState == StateOpen && c.err == nil
	c.mu.Unlock()
	if grant {
		c.addPendingCredits(n)
	}
	c.maybeAckRemoteClose()
}

// deliver hands b to the consumer, or straight back to the pool when the
// consumer has gone away.
func (ri *readInterface) deliver(b *Buffer) {
	c := ri.ccb
	c.mu.Lock()
	if !c.readAbandoned && c.err == nil {
		ri.delivered.Add(1)
		ri.full <- b
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	b.Release()
}

// endOfStream delivers a partially filled buffer and closes the delivery
// queue. Caller holds ccb.mu.
func (ri *readInterface) endOfStream() {
	ri.curMu.Lock()
	b := ri.current
	ri.current = nil
	ri.curMu.Unlock()
	if b != nil {
		if b.n > 0 && !ri.ccb.readAbandoned {
			ri.delivered.Add(1)
			ri.full <- b
		} else {
			b.released.Store(true)
			ri.pool.put(b)
		}
	}
	close(ri.full)
}

// drain returns every queued buffer to the pool and reports how many there
// were. Caller holds ccb.mu.
func (ri *readInterface) drain() int {
	n := 0
	for {
		select {
		case b, ok := <-ri.full:
			if !ok {
				return n
			}
			b.released.Store(true)
			ri.pool.put(b)
			n++
		default:
			return n
		}
	}
}

// recycle is the pool hook behind Buffer.Release for delivered buffers: the
// buffer goes back to the pool and its capacity is announced to the peer,
// unless the peer has already closed its side.
func (ri *readInterface) recycle(b *Buffer) {
	delta := b.Cap()
	ri.pool.put(b)
	c := ri.ccb
	c.mu.Lock()
	grant := c.remoteState == StateOpen && c.err == nil
	c.mu.Unlock()
	if grant {
		c.addPendingCredits(delta)
	}
	c.maybeAckRemoteClose()
}

// next returns the next delivered buffer. It reports io.EOF after remote
// end-of-stream, and also once the local side stopped reading.
func (ri *readInterface) next(ctx context.Context) (*Buffer, error) {
	c := ri.ccb
	if err := c.failure(); err != nil {
		return nil, err
	}
	if ri.abandoned.Load() {
		return nil, io.EOF
	}
	select {
	case <-c.faulted:
		return nil, c.failure()
	case <-ri.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-ri.full:
		if !ok {
			c.markEOF()
			return nil, io.EOF
		}
		return b, nil
	}
}
