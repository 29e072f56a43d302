package muxdemux

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
	"github.com/danmuck/muxdemux/internal/testutil/testlog"
	"github.com/prep/socketpair"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 64
	cfg.BuffersPerChannel = 2
	return cfg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// connPair returns a dialer and a listener connected back to back.
func connPair(t *testing.T, cfg Config) (*Connection, *Connection) {
	t.Helper()
	a, b := socketPair(t)
	log := testlog.Start(t)
	dialer, err := NewConnection(a, cfg, RoleDialer, WithLogger(log.With().Str("side", "dialer").Logger()))
	require.NoError(t, err)
	listener, err := NewConnection(b, cfg, RoleListener, WithLogger(log.With().Str("side", "listener").Logger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = CloseAll(dialer, listener)
	})
	return dialer, listener
}

// rawPeer speaks the wire protocol by hand against a Connection.
type rawPeer struct {
	t      *testing.T
	conn   net.Conn
	limits frame.Limits
}

// rawPair connects a Connection with the given role to a hand-driven peer.
func rawPair(t *testing.T, cfg Config, role Role) (*Connection, *rawPeer) {
	t.Helper()
	a, b := socketPair(t)
	conn, err := NewConnection(a, cfg, role, WithLogger(testlog.Start(t)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn, &rawPeer{t: t, conn: b, limits: conn.Config().Limits()}
}

func (p *rawPeer) send(f frame.Frame) {
	p.t.Helper()
	require.NoError(p.t, frame.WriteFrame(p.conn, f, p.limits))
}

func (p *rawPeer) sendData(id uint32, payload []byte) {
	p.t.Helper()
	p.send(frame.Frame{Header: frame.Header{ChannelID: id, Command: frame.CmdData}, Payload: payload})
}

func (p *rawPeer) recv() frame.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	f, err := frame.ReadFrame(p.conn, p.limits)
	require.NoError(p.t, err)
	return f
}

func (p *rawPeer) expect(id uint32, cmd frame.Command) frame.Frame {
	p.t.Helper()
	f := p.recv()
	require.Equal(p.t, cmd, f.Header.Command, "frame %+v", f.Header)
	require.Equal(p.t, id, f.Header.ChannelID)
	return f
}

func (p *rawPeer) expectCredit(id uint32) uint32 {
	p.t.Helper()
	f := p.expect(id, frame.CmdCredit)
	n, err := frame.DecodeCredit(f.Payload)
	require.NoError(p.t, err)
	return n
}

// expectSilence asserts nothing arrives for d.
func (p *rawPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, err := frame.ReadFrame(p.conn, p.limits)
	require.ErrorIs(p.t, err, os.ErrDeadlineExceeded)
}
