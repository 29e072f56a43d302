package muxdemux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
)

// writeInterface fragments application writes into DATA frames bounded by the
// credit the peer has granted.
type writeInterface struct {
	ccb *ccb
	// pool stages outbound payload until the socket writer has sent it.
	pool    *BufferPool
	maxData int

	// mu serializes writers so frames keep submission order.
	mu sync.Mutex

	// credit is guarded by ccb.mu; notify is signalled after every change
	// that may unblock a waiting writer.
	credit int64
	notify chan struct{}

	bytesOut      atomic.Int64
	creditGranted atomic.Int64
}

func newWriteInterface(c *ccb, bufferSize, limit int) *writeInterface {
	return &writeInterface{
		ccb:     c,
		pool:    NewBufferPool(bufferSize, limit),
		maxData: bufferSize,
		notify:  make(chan struct{}, 1),
	}
}

func (wi *writeInterface) write(ctx context.Context, p []byte) (int, error) {
	wi.mu.Lock()
	defer wi.mu.Unlock()

	if err := wi.ccb.writable(); err != nil {
		return 0, err
	}
	written := 0
	for written < len(p) {
		if err := wi.ccb.writable(); err != nil {
			return written, err
		}
		b, err := wi.pool.Acquire(ctx)
		if err != nil {
			if err == ErrPoolClosed {
				err = wi.ccb.writeErr()
			}
			return written, err
		}
		n, err := wi.reserve(ctx, len(p)-written)
		if err != nil {
			wi.pool.Release(b)
			return written, err
		}
		b.n = copy(b.data, p[written:written+n])
		if err := wi.ccb.enqueueData(ctx, b); err != nil {
			wi.refund(n)
			wi.pool.Release(b)
			return written, err
		}
		written += n
		wi.bytesOut.Add(int64(n))
	}
	return written, nil
}

// reserve blocks until some credit is available and takes up to want bytes
// of it, never more than one frame's worth.
func (wi *writeInterface) reserve(ctx context.Context, want int) (int, error) {
	c := wi.ccb
	for {
		c.mu.Lock()
		if err := c.writableLocked(); err != nil {
			c.mu.Unlock()
			return 0, err
		}
		if wi.credit > 0 {
			n := int(min(wi.credit, int64(want), int64(wi.maxData)))
			wi.credit -= int64(n)
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		select {
		case <-wi.notify:
		case <-c.faulted:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (wi *writeInterface) refund(n int) {
	c := wi.ccb
	c.mu.Lock()
	wi.credit += int64(n)
	c.mu.Unlock()
	wi.wake()
}

// addCredit applies a CREDIT frame from the peer.
func (wi *writeInterface) addCredit(n uint32) {
	c := wi.ccb
	c.mu.Lock()
	wi.credit += int64(n)
	c.mu.Unlock()
	wi.creditGranted.Add(int64(n))
	wi.wake()
}

func (wi *writeInterface) wake() {
	select {
	case wi.notify <- struct{}{}:
	default:
	}
}

func (wi *writeInterface) available() int64 {
	c := wi.ccb
	c.mu.Lock()
	defer c.mu.Unlock()
	return wi.credit
}

func dataFrame(id uint32, b *Buffer) outFrame {
	return outFrame{
		header:  frame.Header{ChannelID: id, Command: frame.CmdData, Length: uint32(b.n)},
		payload: b.Bytes(),
		buf:     b,
	}
}
