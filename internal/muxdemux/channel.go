package muxdemux

import (
	"context"
	"errors"
	"fmt"
)

// Channel is one logical full-duplex byte stream on a Connection.
//
// Writes may be issued from any goroutine. Reading (Next or Read) is meant for a
// single consumer goroutine.
type Channel struct {
	c *ccb

	// partially consumed buffer for Read
	rbuf *Buffer
	roff int
}

func (ch *Channel) ID() uint32 {
	return ch.c.id
}

// Write sends p, blocking while the peer has granted no credit.
func (ch *Channel) Write(p []byte) (int, error) {
	return ch.c.wi.write(context.Background(), p)
}

// WriteContext is Write that gives up when ctx is done. Bytes already queued
// stay queued.
func (ch *Channel) WriteContext(ctx context.Context, p []byte) (int, error) {
	return ch.c.wi.write(ctx, p)
}

// CloseWrite half-closes the channel: the peer reads end-of-stream after the
// data already written, and this side can keep reading.
func (ch *Channel) CloseWrite() error {
	return ch.c.closeWrite()
}

// Next returns the next filled buffer. Buffers are delivered when full, or
// partially filled at end-of-stream. The caller owns the buffer until it calls
// Release. Next returns io.EOF once the peer closed its side and every buffer
// has been delivered.
func (ch *Channel) Next(ctx context.Context) (*Buffer, error) {
	return ch.c.ri.next(ctx)
}

// Read implements io.Reader on top of Next, releasing each buffer once it has
// been copied out.
func (ch *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if ch.rbuf == nil {
		b, err := ch.Next(context.Background())
		if err != nil {
			return 0, err
		}
		ch.rbuf, ch.roff = b, 0
	}
	n := copy(p, ch.rbuf.Bytes()[ch.roff:])
	ch.roff += n
	if ch.roff >= ch.rbuf.Len() {
		ch.rbuf.Release()
		ch.rbuf = nil
	}
	return n, nil
}

// Close closes the write side and stops reading. Payload the peer still sends
// is discarded; the channel is destroyed once both sides finished closing.
func (ch *Channel) Close() error {
	if ch.rbuf != nil {
		ch.rbuf.Release()
		ch.rbuf = nil
	}
	err := ch.c.closeWrite()
	ch.c.abandonRead()
	if errors.Is(err, ErrChannelClosed) {
		return nil
	}
	return err
}

// Abort tears the channel down immediately and tells the peer why.
func (ch *Channel) Abort(reason string) {
	ch.c.conn.abortLocal(ch.c, fmt.Errorf("%w: %s", ErrChannelAborted, reason), reason)
}

// Err reports the fault that terminated the channel, if any.
func (ch *Channel) Err() error {
	return ch.c.failure()
}

// Done is closed when the channel faults.
func (ch *Channel) Done() <-chan struct{} {
	return ch.c.faulted
}

func (ch *Channel) Stats() ChannelStats {
	return ch.c.stats()
}
