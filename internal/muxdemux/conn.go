package muxdemux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/muxdemux/internal/observability"
	"github.com/danmuck/muxdemux/internal/protocol/frame"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Role decides which half of the channel id space a side allocates from:
// dialers use odd ids, listeners even ids. Ids only grow and are never reused
// within a connection.
type Role int

const (
	RoleDialer Role = iota
	RoleListener
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "dialer"
}

func (r Role) firstID() uint32 {
	if r == RoleListener {
		return 2
	}
	return 1
}

func (r Role) peerOwns(id uint32) bool {
	if r == RoleListener {
		return id%2 == 1
	}
	return id != 0 && id%2 == 0
}

type Option func(*Connection)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) {
		c.log = logger
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Connection) {
		c.metrics = metrics
	}
}

// Connection multiplexes channels over one net.Conn. One goroutine decodes
// and dispatches incoming frames; another serializes outgoing frames. A socket
// error or protocol fault terminates every channel with ErrConnectionReset.
type Connection struct {
	cfg     Config
	role    Role
	conn    net.Conn
	limits  frame.Limits
	br      *bufio.Reader
	bw      *bufio.Writer
	log     zerolog.Logger
	metrics *observability.Metrics

	mu           sync.Mutex
	channels     map[uint32]*ccb
	nextID       uint32
	lastRemoteID uint32
	err          error

	acceptq chan *Channel
	txq     chan outFrame
	wake    chan struct{}

	ctrlMu      sync.Mutex
	ctrl        []outFrame
	creditReady map[uint32]*ccb

	group    errgroup.Group
	down     chan struct{}
	downOnce sync.Once
	closeErr error

	framesIn  atomic.Int64
	framesOut atomic.Int64
	createdAt time.Time
}

func NewConnection(conn net.Conn, cfg Config, role Role, opts ...Option) (*Connection, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:         cfg,
		role:        role,
		conn:        conn,
		limits:      cfg.Limits(),
		br:          bufio.NewReaderSize(conn, cfg.ReadBatchSize),
		bw:          bufio.NewWriterSize(conn, cfg.WriteBatchSize),
		log:         zerolog.Nop(),
		channels:    make(map[uint32]*ccb),
		nextID:      role.firstID(),
		acceptq:     make(chan *Channel, cfg.AcceptBacklog),
		txq:         make(chan outFrame, cfg.WriteQueueDepth),
		wake:        make(chan struct{}, 1),
		creditReady: make(map[uint32]*ccb),
		down:        make(chan struct{}),
		createdAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("remote", addrString(conn.RemoteAddr())).Str("role", role.String()).Logger()
	c.metrics.ConnectionOpened()

	c.group.Go(func() error {
		err := c.recvLoop()
		c.fail(err)
		return err
	})
	c.group.Go(func() error {
		err := c.sendLoop()
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSocketClosed, err)
		}
		c.fail(err)
		return err
	})
	c.log.Debug().Msg("connection up")
	return c, nil
}

// OpenChannel allocates the next local channel id and announces it together
// with the initial credit for the peer.
func (c *Connection) OpenChannel(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextID
	if id > math.MaxUint32-2 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: channel ids exhausted", ErrChannelClosed)
	}
	c.nextID += 2
	ch := newCCB(c, id, true)
	c.channels[id] = ch
	c.mu.Unlock()
	c.metrics.ChannelOpened()

	// OPEN must reach the wire before any CREDIT or DATA for the id. Once
	// OPEN is queued the initial CREDIT follows regardless of ctx.
	ch.sendMu.Lock()
	err := c.enqueue(ctx, controlFrame(id, frame.CmdOpen))
	if err == nil {
		err = c.enqueue(context.Background(), creditFrame(id, c.cfg.InitialCredit()))
	}
	ch.sendMu.Unlock()
	if err != nil {
		ch.fail(err)
		c.removeChannel(ch, err)
		return nil, err
	}
	c.log.Debug().Uint32("channel", id).Msg("channel opened")
	return &Channel{c: ch}, nil
}

// AcceptChannel returns the next channel opened by the peer.
func (c *Connection) AcceptChannel(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-c.acceptq:
		return ch, nil
	case <-c.down:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection. Every channel's pending and future I/O
// fails with ErrConnectionReset.
func (c *Connection) Close() error {
	c.fail(ErrConnectionClosed)
	_ = c.group.Wait()
	return c.closeErr
}

// Wait blocks until both I/O goroutines have exited and returns the terminal
// error.
func (c *Connection) Wait() error {
	_ = c.group.Wait()
	return c.Err()
}

func (c *Connection) Done() <-chan struct{} {
	return c.down
}

func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) Config() Config {
	return c.cfg
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Channels snapshots every live channel ordered by id.
func (c *Connection) Channels() []ChannelStats {
	c.mu.Lock()
	list := make([]*ccb, 0, len(c.channels))
	for _, ch := range c.channels {
		list = append(list, ch)
	}
	c.mu.Unlock()

	out := make([]ChannelStats, 0, len(list))
	for _, ch := range list {
		out = append(out, ch.stats())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// ConnStats is a point-in-time snapshot of a connection.
type ConnStats struct {
	Role       string    `json:"role"`
	LocalAddr  string    `json:"local_addr"`
	RemoteAddr string    `json:"remote_addr"`
	Channels   int       `json:"channels"`
	FramesIn   int64     `json:"frames_in"`
	FramesOut  int64     `json:"frames_out"`
	CreatedAt  time.Time `json:"created_at"`
	Err        string    `json:"error,omitempty"`
}

func (c *Connection) Stats() ConnStats {
	c.mu.Lock()
	n := len(c.channels)
	var errText string
	if c.err != nil {
		errText = c.err.Error()
	}
	c.mu.Unlock()
	return ConnStats{
		Role:       c.role.String(),
		LocalAddr:  addrString(c.conn.LocalAddr()),
		RemoteAddr: addrString(c.conn.RemoteAddr()),
		Channels:   n,
		FramesIn:   c.framesIn.Load(),
		FramesOut:  c.framesOut.Load(),
		CreatedAt:  c.createdAt,
		Err:        errText,
	}
}

func (c *Connection) lookup(id uint32) *ccb {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

// fail records the connection's terminal error once, closes the socket and
// faults every channel.
func (c *Connection) fail(cause error) {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	c.downOnce.Do(func() {
		err := fmt.Errorf("%w: %w", ErrConnectionReset, cause)
		c.mu.Lock()
		c.err = err
		chans := c.channels
		c.channels = make(map[uint32]*ccb)
		c.mu.Unlock()

		close(c.down)
		c.closeErr = c.conn.Close()

		for _, ch := range chans {
			ch.fail(err)
			c.channelGone(ch, err)
		}
		c.metrics.ConnectionClosed()
		if errors.Is(cause, ErrConnectionClosed) {
			c.log.Debug().Int("channels", len(chans)).Msg("connection closed")
			return
		}
		c.metrics.Fault("connection")
		c.log.Warn().Err(cause).Int("channels", len(chans)).Msg("connection reset")
	})
}

// abortChannel faults one channel and tells the peer with an ERROR frame. It
// never blocks, so the reader goroutine can use it.
func (c *Connection) abortChannel(ch *ccb, err error, reason string) {
	if !ch.fail(err) {
		return
	}
	c.enqueueControl(errorFrame(ch.id, reason, c.limits))
	c.removeChannel(ch, err)
}

// abortLocal is abortChannel for application goroutines. The ERROR frame goes
// through the write queue so it cannot overtake the channel's OPEN.
func (c *Connection) abortLocal(ch *ccb, err error, reason string) {
	if !ch.fail(err) {
		return
	}
	ch.sendMu.Lock()
	ch.sendClosed = true
	_ = c.enqueue(context.Background(), errorFrame(ch.id, reason, c.limits))
	ch.sendMu.Unlock()
	c.removeChannel(ch, err)
}

func (c *Connection) removeChannel(ch *ccb, cause error) {
	c.mu.Lock()
	found := c.channels[ch.id] == ch
	if found {
		delete(c.channels, ch.id)
	}
	c.mu.Unlock()
	if found {
		c.channelGone(ch, cause)
	}
}

func (c *Connection) channelGone(ch *ccb, cause error) {
	c.metrics.ChannelClosed()
	st := ch.stats()
	event := c.log.Debug()
	if cause != nil && !errors.Is(cause, ErrConnectionReset) {
		event = c.log.Warn().Err(cause)
	}
	event.
		Uint32("channel", ch.id).
		Str("sent", sizestr.ToString(st.BytesOut)).
		Str("received", sizestr.ToString(st.BytesIn)).
		Dur("lifetime", time.Since(ch.openedAt)).
		Msg("channel closed")
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// CloseAll closes every connection and combines their errors.
func CloseAll(conns ...*Connection) error {
	var err error
	for _, c := range conns {
		if c == nil {
			continue
		}
		err = multierr.Append(err, c.Close())
	}
	return err
}
