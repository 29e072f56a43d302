package muxdemux

import (
	"context"
	"math"
	"time"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
)

// outFrame is one frame waiting for the socket writer. buf, when set, backs
// payload and goes back to its pool once written.
type outFrame struct {
	header  frame.Header
	payload []byte
	buf     *Buffer
}

func controlFrame(id uint32, cmd frame.Command) outFrame {
	f := frame.Control(id, cmd)
	return outFrame{header: f.Header}
}

func creditFrame(id, n uint32) outFrame {
	f := frame.Credit(id, n)
	return outFrame{header: f.Header, payload: f.Payload}
}

func errorFrame(id uint32, reason string, limits frame.Limits) outFrame {
	f := frame.Error(id, reason, limits)
	return outFrame{header: f.Header, payload: f.Payload}
}

// enqueue queues a frame for the socket writer, blocking while the queue is
// full. Only application goroutines call it; the reader goroutine must use
// enqueueControl or scheduleCredit so it never waits on the writer.
func (c *Connection) enqueue(ctx context.Context, f outFrame) error {
	select {
	case <-c.down:
		return c.Err()
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.txq <- f:
		return nil
	case <-c.down:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueControl queues a frame without blocking.
func (c *Connection) enqueueControl(f outFrame) {
	c.ctrlMu.Lock()
	select {
	case <-c.down:
		c.ctrlMu.Unlock()
		return
	default:
	}
	c.ctrl = append(c.ctrl, f)
	c.ctrlMu.Unlock()
	c.wakeWriter()
}

// scheduleCredit marks ch as holding pending credit. urgent wakes the writer
// now; otherwise the credit waits for the next flush tick or any other write.
func (c *Connection) scheduleCredit(ch *ccb, urgent bool) {
	c.ctrlMu.Lock()
	c.creditReady[ch.id] = ch
	c.ctrlMu.Unlock()
	if urgent {
		c.wakeWriter()
	}
}

func (c *Connection) wakeWriter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) sendLoop() error {
	var tick <-chan time.Time
	if c.cfg.CreditFlushThreshold > 1 {
		ticker := time.NewTicker(c.cfg.CreditFlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.down:
			return nil
		case f := <-c.txq:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		case <-c.wake:
		case <-tick:
		}
		if err := c.drainSend(); err != nil {
			return err
		}
		if err := c.bw.Flush(); err != nil {
			return err
		}
	}
}

// drainSend writes everything queued right now, control frames and credit
// first.
func (c *Connection) drainSend() error {
	for {
		if err := c.flushControl(); err != nil {
			return err
		}
		select {
		case f := <-c.txq:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Connection) flushControl() error {
	c.ctrlMu.Lock()
	ctrl := c.ctrl
	c.ctrl = nil
	var ready []*ccb
	if len(c.creditReady) > 0 {
		ready = make([]*ccb, 0, len(c.creditReady))
		for id, ch := range c.creditReady {
			ready = append(ready, ch)
			delete(c.creditReady, id)
		}
	}
	c.ctrlMu.Unlock()

	for _, f := range ctrl {
		if err := c.writeFrame(f); err != nil {
			return err
		}
	}
	for _, ch := range ready {
		n := ch.takePendingCredits()
		if n <= 0 || ch.failure() != nil {
			continue
		}
		for n > 0 {
			grant := uint32(min(n, math.MaxUint32))
			if err := c.writeFrame(creditFrame(ch.id, grant)); err != nil {
				return err
			}
			n -= int64(grant)
		}
	}
	return nil
}

func (c *Connection) writeFrame(f outFrame) error {
	var hdr [frame.HeaderLen]byte
	frame.PutHeader(hdr[:], f.header)
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := c.bw.Write(f.payload); err != nil {
			return err
		}
	}
	if f.buf != nil {
		f.buf.Release()
	}
	c.framesOut.Add(1)
	c.metrics.FrameOut(f.header.Command.String(), len(f.payload))
	if f.header.Command == frame.CmdCredit {
		if n, err := frame.DecodeCredit(f.payload); err == nil {
			c.metrics.CreditGranted(n)
		}
	}
	return nil
}
