package muxdemux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
)

// DirState is the lifecycle of one direction of a channel.
type DirState uint8

const (
	StateOpen DirState = iota
	// StateHalfClosed: we sent CLOSE and wait for the peer's CLOSE_ACK.
	StateHalfClosed
	// StateRemoteClosed: the peer sent CLOSE; we ack once our consumer is
	// done and every read buffer is back in the pool.
	StateRemoteClosed
	StateClosed
)

func (s DirState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosed:
		return "half_closed"
	case StateRemoteClosed:
		return "remote_closed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type admission int

const (
	admitRead admission = iota
	// admitDiscard drops payload for a failed channel.
	admitDiscard
	// admitDiscardCredit drops payload nobody will read and re-grants its
	// credit so the peer can finish.
	admitDiscardCredit
)

// ccb is the channel control block: the state of both directions of one
// channel plus its read and write interfaces.
type ccb struct {
	conn     *Connection
	id       uint32
	local    bool
	openedAt time.Time

	mu            sync.Mutex
	localState    DirState
	remoteState   DirState
	readAbandoned bool
	eofSeen       bool
	destroyed     bool
	err           error
	faulted       chan struct{}

	ri *readInterface
	wi *writeInterface

	pendingCredits atomic.Int64

	// sendMu orders queued DATA frames against the CLOSE frame.
	sendMu     sync.Mutex
	sendClosed bool
}

func newCCB(conn *Connection, id uint32, local bool) *ccb {
	c := &ccb{
		conn:     conn,
		id:       id,
		local:    local,
		openedAt: time.Now(),
		faulted:  make(chan struct{}),
	}
	cfg := conn.cfg
	c.ri = newReadInterface(c, cfg.MaxBufferSize, cfg.BuffersPerChannel)
	c.wi = newWriteInterface(c, cfg.MaxBufferSize, cfg.BuffersPerChannel)
	return c
}

func (c *ccb) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ccb) writable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writableLocked()
}

func (c *ccb) writableLocked() error {
	if c.err != nil {
		return c.err
	}
	if c.localState != StateOpen {
		return fmt.Errorf("%w: channel=%d", ErrChannelClosed, c.id)
	}
	return nil
}

func (c *ccb) writeErr() error {
	if err := c.writable(); err != nil {
		return err
	}
	return fmt.Errorf("%w: channel=%d", ErrChannelClosed, c.id)
}

func (c *ccb) enqueueData(ctx context.Context, b *Buffer) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return c.writeErr()
	}
	return c.conn.enqueue(ctx, dataFrame(c.id, b))
}

// closeWrite moves the local write side to HALF_CLOSED. Frames already queued
// stay queued; later and blocked writes fail.
func (c *ccb) closeWrite() error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.localState != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.localState = StateHalfClosed
	c.mu.Unlock()

	c.wi.wake()
	c.wi.pool.Close()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sendClosed = true
	return c.conn.enqueue(context.Background(), controlFrame(c.id, frame.CmdClose))
}

// localCloseAcked handles CLOSE_ACK from the peer.
func (c *ccb) localCloseAcked() error {
	c.mu.Lock()
	if c.localState != StateHalfClosed {
		state := c.localState
		c.mu.Unlock()
		return fmt.Errorf("%w: CLOSE_ACK on channel=%d in state %s", ErrProtocol, c.id, state)
	}
	c.localState = StateClosed
	c.mu.Unlock()
	c.maybeDestroy()
	return nil
}

// remoteClose handles CLOSE from the peer: any partial buffer is delivered and
// the consumer sees end-of-stream after it.
func (c *ccb) remoteClose() error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	if c.remoteState != StateOpen {
		state := c.remoteState
		c.mu.Unlock()
		return fmt.Errorf("%w: CLOSE on channel=%d in state %s", ErrProtocol, c.id, state)
	}
	c.remoteState = StateRemoteClosed
	c.ri.endOfStream()
	c.mu.Unlock()
	c.maybeAckRemoteClose()
	return nil
}

func (c *ccb) markEOF() {
	c.mu.Lock()
	c.eofSeen = true
	c.mu.Unlock()
	c.maybeAckRemoteClose()
}

// maybeAckRemoteClose completes the remote side once the consumer is done and
// every read buffer has come back.
func (c *ccb) maybeAckRemoteClose() {
	c.mu.Lock()
	if c.err != nil || c.remoteState != StateRemoteClosed || !(c.eofSeen || c.readAbandoned) || c.ri.pool.InUse() != 0 {
		c.mu.Unlock()
		return
	}
	c.remoteState = StateClosed
	c.mu.Unlock()
	c.conn.enqueueControl(controlFrame(c.id, frame.CmdCloseAck))
	c.maybeDestroy()
}

// abandonRead stops delivery to the consumer. Queued buffers return to the
// pool and later payload is discarded with its credit re-granted.
func (c *ccb) abandonRead() {
	c.mu.Lock()
	if c.readAbandoned || c.err != nil {
		c.mu.Unlock()
		return
	}
	c.readAbandoned = true
	c.ri.abandoned.Store(true)
	close(c.ri.done)
	drained := c.ri.drain()
	grant := c.remoteState == StateOpen
	c.mu.Unlock()
	if grant {
		c.addPendingCredits(drained * c.ri.pool.BufferSize())
	}
	if b := c.ri.takeIdle(); b != nil {
		c.ri.reclaim(b)
		return
	}
	c.maybeAckRemoteClose()
}

func (c *ccb) admitData() (admission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.err != nil:
		return admitDiscard, nil
	case c.remoteState != StateOpen:
		return admitDiscard, fmt.Errorf("%w: DATA on channel=%d after CLOSE", ErrProtocol, c.id)
	case c.readAbandoned:
		return admitDiscardCredit, nil
	default:
		return admitRead, nil
	}
}

// fail forces both directions closed with err. Pending and future reads and
// writes on the channel return err.
func (c *ccb) fail(err error) bool {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false
	}
	c.err = err
	c.localState = StateClosed
	c.remoteState = StateClosed
	close(c.faulted)
	c.ri.drain()
	c.mu.Unlock()

	c.wi.wake()
	c.wi.pool.Close()
	return true
}

func (c *ccb) maybeDestroy() {
	c.mu.Lock()
	if c.destroyed || c.localState != StateClosed || c.remoteState != StateClosed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()
	c.conn.removeChannel(c, nil)
}

// addPendingCredits accumulates credit to announce to the peer. The socket
// writer flushes it once it crosses the configured threshold, or on the next
// flush tick.
func (c *ccb) addPendingCredits(n int) {
	if n <= 0 {
		return
	}
	total := c.pendingCredits.Add(int64(n))
	c.conn.scheduleCredit(c, total >= int64(c.conn.cfg.CreditFlushThreshold))
}

// takePendingCredits is called by the socket writer only.
func (c *ccb) takePendingCredits() int64 {
	return c.pendingCredits.Swap(0)
}

func (c *ccb) stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStats{
		ID:            c.id,
		Local:         c.local,
		LocalState:    c.localState.String(),
		RemoteState:   c.remoteState.String(),
		Credit:        c.wi.credit,
		PendingCredit: c.pendingCredits.Load(),
		CreditGranted: c.wi.creditGranted.Load(),
		BytesIn:       c.ri.bytesIn.Load(),
		BytesOut:      c.wi.bytesOut.Load(),
		BuffersInUse:  c.ri.pool.InUse(),
		OpenedAt:      c.openedAt,
	}
}

// ChannelStats is a point-in-time snapshot of one channel.
type ChannelStats struct {
	ID            uint32    `json:"id"`
	Local         bool      `json:"local"`
	LocalState    string    `json:"local_state"`
	RemoteState   string    `json:"remote_state"`
	Credit        int64     `json:"credit"`
	PendingCredit int64     `json:"pending_credit"`
	CreditGranted int64     `json:"credit_granted"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	BuffersInUse  int       `json:"buffers_in_use"`
	OpenedAt      time.Time `json:"opened_at"`
}
