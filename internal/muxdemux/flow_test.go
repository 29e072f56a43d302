package muxdemux

import (
	"context"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/danmuck/muxdemux/internal/protocol/frame"
	"github.com/stretchr/testify/require"
)

func kibConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 4 * 1024
	cfg.BuffersPerChannel = 2
	return cfg
}

// Writing 10KiB against an 8KiB grant puts exactly 8KiB on the wire and the
// rest only after more credit arrives.
func TestWriterStopsAtGrantedCredit(t *testing.T) {
	cfg := kibConfig()
	conn, peer := rawPair(t, cfg, RoleDialer)
	ctx := testContext(t)

	ch, err := conn.OpenChannel(ctx)
	require.NoError(t, err)
	peer.expect(1, frame.CmdOpen)
	require.Equal(t, cfg.InitialCredit(), peer.expectCredit(1))
	peer.send(frame.Credit(1, 8*1024))

	payload := pattern(10*1024, 3)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := ch.Write(payload)
		done <- result{n, err}
	}()

	var got []byte
	for len(got) < 8*1024 {
		f := peer.expect(1, frame.CmdData)
		require.LessOrEqual(t, len(f.Payload), cfg.MaxBufferSize)
		got = append(got, f.Payload...)
	}
	require.Len(t, got, 8*1024)
	peer.expectSilence(100 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("write returned before the remaining credit arrived")
	default:
	}
	require.Zero(t, ch.c.wi.available())

	peer.send(frame.Credit(1, 2*1024))
	f := peer.expect(1, frame.CmdData)
	got = append(got, f.Payload...)
	require.Equal(t, payload, got)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, len(payload), r.n)
	case <-time.After(waitFor):
		t.Fatal("write did not complete")
	}
}

// Credit is returned buffer by buffer as the consumer releases them.
func TestReceiverGrantsCreditOnRelease(t *testing.T) {
	cfg := kibConfig()
	conn, peer := rawPair(t, cfg, RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	require.Equal(t, cfg.InitialCredit(), peer.expectCredit(1))
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	peer.sendData(1, pattern(cfg.MaxBufferSize, 1))
	b, err := ch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg.MaxBufferSize, b.Len())
	peer.expectSilence(50 * time.Millisecond)

	b.Release()
	require.EqualValues(t, cfg.MaxBufferSize, peer.expectCredit(1))
	require.Equal(t, 0, ch.Stats().BuffersInUse)
}

// A peer that sends past its grant only loses that channel.
func TestCreditOverrunAbortsOnlyThatChannel(t *testing.T) {
	cfg := kibConfig()
	conn, peer := rawPair(t, cfg, RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	peer.expectCredit(1)
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	for i := 0; i < cfg.BuffersPerChannel+1; i++ {
		peer.sendData(1, pattern(cfg.MaxBufferSize, byte(i)))
	}
	f := peer.expect(1, frame.CmdError)
	require.Equal(t, "read buffer capacity exceeded", string(f.Payload))

	_, err = ch.Next(ctx)
	require.ErrorIs(t, err, ErrReadBufferCapacityExceeded)

	// The connection survives.
	peer.send(frame.Control(3, frame.CmdOpen))
	peer.expectCredit(3)
	next, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(3), next.ID())
	require.NoError(t, conn.Err())
}

func TestCreditCoalescing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 1024
	cfg.BuffersPerChannel = 4
	cfg.CreditFlushThreshold = 4 * 1024
	cfg.CreditFlushInterval = time.Hour
	conn, peer := rawPair(t, cfg, RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	require.Equal(t, cfg.InitialCredit(), peer.expectCredit(1))
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	for i := 0; i < cfg.BuffersPerChannel; i++ {
		peer.sendData(1, pattern(cfg.MaxBufferSize, byte(i)))
	}
	for i := 0; i < cfg.BuffersPerChannel; i++ {
		b, err := ch.Next(ctx)
		require.NoError(t, err)
		b.Release()
	}

	var total uint32
	frames := 0
	for total < cfg.InitialCredit() {
		total += peer.expectCredit(1)
		frames++
	}
	require.Equal(t, cfg.InitialCredit(), total)
	require.LessOrEqual(t, frames, cfg.BuffersPerChannel)
	peer.expectSilence(50 * time.Millisecond)
}

func TestCreditFlushIntervalBoundsDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 1024
	cfg.BuffersPerChannel = 4
	cfg.CreditFlushThreshold = 1 << 20
	cfg.CreditFlushInterval = 20 * time.Millisecond
	conn, peer := rawPair(t, cfg, RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	require.Equal(t, cfg.InitialCredit(), peer.expectCredit(1))
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	peer.sendData(1, pattern(cfg.MaxBufferSize, 9))
	b, err := ch.Next(ctx)
	require.NoError(t, err)
	b.Release()
	require.EqualValues(t, cfg.MaxBufferSize, peer.expectCredit(1))
}

func TestCloseWakesSuspendedWriter(t *testing.T) {
	conn, peer := rawPair(t, kibConfig(), RoleDialer)
	ctx := testContext(t)

	ch, err := conn.OpenChannel(ctx)
	require.NoError(t, err)
	peer.expect(1, frame.CmdOpen)
	peer.expectCredit(1)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte("no credit yet"))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("write returned without credit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ch.CloseWrite())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(waitFor):
		t.Fatal("suspended writer not woken by close")
	}
	peer.expect(1, frame.CmdClose)

	// Late credit is ignored rather than resurrecting the writer.
	peer.send(frame.Credit(1, 1024))
	peer.send(frame.Control(1, frame.CmdCloseAck))
	peer.expectSilence(50 * time.Millisecond)
}

func TestWriteContextCancelled(t *testing.T) {
	conn, peer := rawPair(t, kibConfig(), RoleDialer)
	ctx := testContext(t)

	ch, err := conn.OpenChannel(ctx)
	require.NoError(t, err)
	peer.expect(1, frame.CmdOpen)
	peer.expectCredit(1)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	n, err := ch.WriteContext(short, []byte("blocked"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, n)
	require.NoError(t, ch.Err())
}

// A consumer that walks away keeps the peer moving: unread payload is dropped
// and its credit returned.
func TestAbandonedReaderKeepsGrantingCredit(t *testing.T) {
	cfg := kibConfig()
	conn, peer := rawPair(t, cfg, RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	peer.expectCredit(1)
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	peer.sendData(1, pattern(cfg.MaxBufferSize, 1))
	require.Eventually(t, func() bool {
		return ch.Stats().BuffersInUse == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	// CLOSE and the re-granted credit travel on different queues.
	var sawClose bool
	var granted uint32
	for !sawClose || granted == 0 {
		f := peer.recv()
		require.Equal(t, uint32(1), f.Header.ChannelID)
		switch f.Header.Command {
		case frame.CmdClose:
			sawClose = true
		case frame.CmdCredit:
			n, err := frame.DecodeCredit(f.Payload)
			require.NoError(t, err)
			granted += n
		default:
			t.Fatalf("unexpected %s", f.Header.Command)
		}
	}
	require.EqualValues(t, cfg.MaxBufferSize, granted)

	peer.sendData(1, pattern(512, 2))
	require.EqualValues(t, 512, peer.expectCredit(1))

	peer.send(frame.Control(1, frame.CmdCloseAck))
	peer.send(frame.Control(1, frame.CmdClose))
	peer.expect(1, frame.CmdCloseAck)
	require.Eventually(t, func() bool {
		return len(conn.Channels()) == 0
	}, waitFor, 5*time.Millisecond)

	_, err = ch.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

// Closing the channel ends reads even while the peer keeps its side open,
// including a Next already waiting for data.
func TestCloseEndsReadsWithPeerStillOpen(t *testing.T) {
	conn, peer := rawPair(t, kibConfig(), RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	peer.expectCredit(1)
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	waiting := make(chan error, 1)
	go func() {
		_, err := ch.Next(ctx)
		waiting <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, ch.Close())
	peer.expect(1, frame.CmdClose)
	select {
	case err := <-waiting:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(waitFor):
		t.Fatal("Next still blocked after Close")
	}

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = ch.Next(short)
	require.ErrorIs(t, err, io.EOF)

	n, err := ch.Read(make([]byte, 8))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

// Bytes sitting in a partially filled buffer are re-granted when the
// consumer closes, not held until the peer finishes.
func TestCloseRegrantsPartialBuffer(t *testing.T) {
	cfg := kibConfig()
	conn, peer := rawPair(t, cfg, RoleListener)
	ctx := testContext(t)

	peer.send(frame.Control(1, frame.CmdOpen))
	peer.expectCredit(1)
	ch, err := conn.AcceptChannel(ctx)
	require.NoError(t, err)

	peer.sendData(1, pattern(100, 4))
	require.Eventually(t, func() bool {
		return ch.Stats().BytesIn == 100
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	var sawClose bool
	var granted uint32
	for !sawClose || granted < 100 {
		f := peer.recv()
		require.Equal(t, uint32(1), f.Header.ChannelID)
		switch f.Header.Command {
		case frame.CmdClose:
			sawClose = true
		case frame.CmdCredit:
			n, err := frame.DecodeCredit(f.Payload)
			require.NoError(t, err)
			granted += n
		default:
			t.Fatalf("unexpected %s", f.Header.Command)
		}
	}
	require.EqualValues(t, 100, granted)
	require.Zero(t, ch.Stats().BuffersInUse)
}

// Under credit granted in arbitrary amounts, the DATA put on the wire never
// exceeds the credit granted so far.
func TestDataNeverExceedsGrantedCredit(t *testing.T) {
	cfg := kibConfig()
	conn, peer := rawPair(t, cfg, RoleDialer)
	ctx := testContext(t)

	ch, err := conn.OpenChannel(ctx)
	require.NoError(t, err)
	peer.expect(1, frame.CmdOpen)
	peer.expectCredit(1)

	payload := pattern(48*1024+17, 5)
	done := make(chan error, 1)
	go func() {
		_, err := ch.Write(payload)
		done <- err
	}()

	rng := rand.New(rand.NewPCG(7, 11))
	var granted, sent int
	var got []byte
	for sent < len(payload) {
		grant := 1 + rng.IntN(3*cfg.MaxBufferSize)
		granted += grant
		peer.send(frame.Credit(1, uint32(grant)))
		for sent < min(granted, len(payload)) {
			f := peer.expect(1, frame.CmdData)
			require.LessOrEqual(t, len(f.Payload), cfg.MaxBufferSize)
			sent += len(f.Payload)
			require.LessOrEqual(t, sent, granted)
			got = append(got, f.Payload...)
		}
		if sent < len(payload) {
			peer.expectSilence(10 * time.Millisecond)
		}
	}
	require.Equal(t, payload, got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("write did not complete")
	}
}
