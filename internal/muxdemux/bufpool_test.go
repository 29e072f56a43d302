package muxdemux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolTryAcquireHonorsLimit(t *testing.T) {
	p := NewBufferPool(16, 2)

	a, err := p.TryAcquire()
	require.NoError(t, err)
	b, err := p.TryAcquire()
	require.NoError(t, err)
	_, err = p.TryAcquire()
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 2, p.InUse())

	a.Release()
	require.Equal(t, 1, p.InUse())
	c, err := p.TryAcquire()
	require.NoError(t, err)
	require.Same(t, a, c)
	require.Zero(t, c.Len())
	require.Equal(t, 16, c.Cap())

	b.Release()
	c.Release()
	require.Equal(t, 2, p.Allocated())
	require.Zero(t, p.InUse())
}

func TestBufferPoolAcquireWaitsForRelease(t *testing.T) {
	p := NewBufferPool(8, 1)
	held, err := p.TryAcquire()
	require.NoError(t, err)

	got := make(chan *Buffer, 1)
	go func() {
		b, err := p.Acquire(context.Background())
		if err == nil {
			got <- b
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while the pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case b := <-got:
		require.Same(t, held, b)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not wake after release")
	}
}

func TestBufferPoolAcquireCancelAndClose(t *testing.T) {
	p := NewBufferPool(8, 1)
	_, err := p.TryAcquire()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()
	p.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake acquire")
	}
}

func TestBufferReleaseIsIdempotent(t *testing.T) {
	p := NewBufferPool(8, 2)
	b, err := p.TryAcquire()
	require.NoError(t, err)

	b.Release()
	b.Release()
	require.Equal(t, 1, p.Free())
	require.Zero(t, p.InUse())
}

func TestBufferPoolRecycleHook(t *testing.T) {
	p := NewBufferPool(8, 1)
	var recycled []*Buffer
	p.recycle = func(b *Buffer) {
		recycled = append(recycled, b)
		p.put(b)
	}

	b, err := p.TryAcquire()
	require.NoError(t, err)
	b.n = 3
	b.Release()
	require.Len(t, recycled, 1)
	require.Zero(t, b.Len())
	require.Equal(t, 1, p.Free())
}
