package muxdemux

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
)

// recvLoop decodes frames and dispatches them to channels. It never waits on
// the socket writer: anything it has to send goes through the control queue.
func (c *Connection) recvLoop() error {
	for {
		h, err := frame.ReadHeader(c.br, c.limits)
		if err != nil {
			return c.classify(err)
		}
		c.framesIn.Add(1)
		c.metrics.FrameIn(h.Command.String(), int(h.Length))
		if err := c.dispatch(h); err != nil {
			return c.classify(err)
		}
	}
}

func (c *Connection) classify(err error) error {
	select {
	case <-c.down:
		return nil
	default:
	}
	switch {
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrSocketClosed):
		if errors.Is(err, ErrProtocol) {
			c.metrics.Fault("protocol")
		}
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrSocketClosed, err)
	case errors.Is(err, frame.ErrShortHeader),
		errors.Is(err, frame.ErrUnknownCommand),
		errors.Is(err, frame.ErrPayloadTooLarge),
		errors.Is(err, frame.ErrUnexpectedPayload),
		errors.Is(err, frame.ErrInvalidCredit):
		c.metrics.Fault("protocol")
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	default:
		return fmt.Errorf("%w: %w", ErrSocketClosed, err)
	}
}

func (c *Connection) dispatch(h frame.Header) error {
	switch h.Command {
	case frame.CmdData:
		return c.recvData(h)
	case frame.CmdCredit:
		return c.recvCredit(h)
	case frame.CmdOpen:
		return c.recvOpen(h)
	case frame.CmdClose:
		if ch := c.lookup(h.ChannelID); ch != nil {
			return ch.remoteClose()
		}
		return nil
	case frame.CmdCloseAck:
		if ch := c.lookup(h.ChannelID); ch != nil {
			return ch.localCloseAcked()
		}
		return nil
	case frame.CmdError:
		return c.recvAbort(h)
	default:
		return fmt.Errorf("%w: %s", ErrProtocol, h.Command)
	}
}

func (c *Connection) recvData(h frame.Header) error {
	size := int(h.Length)
	ch := c.lookup(h.ChannelID)
	if ch == nil {
		// Late DATA for a channel that was torn down locally.
		return c.discard(size)
	}
	mode, err := ch.admitData()
	if err != nil {
		return err
	}
	switch mode {
	case admitDiscard:
		return c.discard(size)
	case admitDiscardCredit:
		if err := c.discard(size); err != nil {
			return err
		}
		ch.addPendingCredits(size)
		return nil
	}

	for size > 0 {
		rest, err := ch.ri.read(c.br, size)
		if errors.Is(err, ErrReadBufferCapacityExceeded) {
			c.metrics.Fault("resource")
			c.log.Warn().Err(err).Uint32("channel", ch.id).Msg("peer exceeded granted credit")
			c.abortChannel(ch, err, "read buffer capacity exceeded")
			return c.discard(rest)
		}
		if err != nil {
			return err
		}
		size = rest
	}
	return nil
}

func (c *Connection) recvCredit(h frame.Header) error {
	var b [frame.CreditLen]byte
	if _, err := io.ReadFull(c.br, b[:]); err != nil {
		return err
	}
	n, err := frame.DecodeCredit(b[:])
	if err != nil {
		return err
	}
	c.metrics.CreditReceived(n)
	if ch := c.lookup(h.ChannelID); ch != nil {
		ch.wi.addCredit(n)
	}
	return nil
}

func (c *Connection) recvOpen(h frame.Header) error {
	id := h.ChannelID
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	if !c.role.peerOwns(id) {
		c.mu.Unlock()
		return fmt.Errorf("%w: OPEN for channel=%d outside the peer's id space", ErrProtocol, id)
	}
	if id <= c.lastRemoteID {
		c.mu.Unlock()
		return fmt.Errorf("%w: OPEN reuses channel=%d", ErrProtocol, id)
	}
	c.lastRemoteID = id
	ch := newCCB(c, id, false)
	c.channels[id] = ch
	c.mu.Unlock()
	c.metrics.ChannelOpened()

	// The initial grant for the peer rides the control queue: this goroutine
	// must not block on the write queue.
	ch.addPendingCredits(int(c.cfg.InitialCredit()))

	select {
	case c.acceptq <- &Channel{c: ch}:
		c.log.Debug().Uint32("channel", id).Msg("channel accepted")
	default:
		c.metrics.Fault("resource")
		c.log.Warn().Uint32("channel", id).Int("backlog", cap(c.acceptq)).Msg("accept backlog full")
		c.abortChannel(ch, fmt.Errorf("%w: accept backlog full", ErrChannelAborted), "accept backlog full")
	}
	return nil
}

// recvAbort handles an ERROR frame: the peer aborted the channel.
func (c *Connection) recvAbort(h frame.Header) error {
	reason := make([]byte, h.Length)
	if _, err := io.ReadFull(c.br, reason); err != nil {
		return err
	}
	ch := c.lookup(h.ChannelID)
	if ch == nil {
		return nil
	}
	err := fmt.Errorf("%w: channel=%d: %s", ErrRemoteAbort, h.ChannelID, reason)
	if ch.fail(err) {
		c.metrics.Fault("remote")
		c.removeChannel(ch, err)
	}
	return nil
}

func (c *Connection) discard(n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, c.br, int64(n))
	return err
}
