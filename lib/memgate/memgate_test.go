package memgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestZeroIsNoop(t *testing.T) {
	g := New(10)
	require.NoError(t, g.Acquire(context.Background(), 0))
	require.True(t, g.TryAcquire(0))
	g.Release(0)
	require.True(t, g.TryAcquire(10))
}

func TestTooLarge(t *testing.T) {
	g := New(10)
	require.ErrorIs(t, g.Acquire(context.Background(), 11), ErrTooLarge)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	g := New(100)
	require.NoError(t, g.Acquire(context.Background(), 80))
	require.False(t, g.TryAcquire(30))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, g.Acquire(ctx, 30))

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(context.Background(), 30)
	}()

	select {
	case <-done:
		t.Fatal("acquire should block while memory is committed")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release(80)
	require.NoError(t, <-done)
	require.True(t, g.TryAcquire(70))
	require.False(t, g.TryAcquire(1))
}

func TestFIFO(t *testing.T) {
	g := New(10)
	require.NoError(t, g.Acquire(context.Background(), 10))

	order := make(chan int, 2)
	go func() {
		_ = g.Acquire(context.Background(), 8)
		order <- 1
		g.Release(8)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		_ = g.Acquire(context.Background(), 3)
		order <- 2
		g.Release(3)
	}()
	time.Sleep(20 * time.Millisecond)

	// the small request queues behind the large one
	require.False(t, g.TryAcquire(1))

	g.Release(10)
	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
}
