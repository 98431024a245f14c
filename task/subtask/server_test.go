package subtask

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, n, workers int) *Server {
	srv := NewServer(NewAllocator(n, nil), workers)
	srv.Start()
	t.Cleanup(func() {
		require.NoError(t, srv.Close(context.Background()))
	})
	return srv
}

func TestClientRoundTrips(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, 2, 1)
	c := NewClient(srv, time.Millisecond)

	resp, err := c.NextSubtask(ctx)
	require.NoError(t, err)
	require.Equal(t, Response{Status: OK, Index: 0}, resp)
	require.NoError(t, c.ReportSubtaskLocked(ctx, 0))

	resp, err = c.NextSubtask(ctx)
	require.NoError(t, err)
	require.Equal(t, Response{Status: OK, Index: 1}, resp)
	require.NoError(t, c.ReportSubtaskComplete(ctx, 1))
	require.NoError(t, c.Noop(ctx))

	resp, err = c.NextSubtask(ctx)
	require.NoError(t, err)
	require.Equal(t, Response{Status: OK, Index: 0}, resp)
	require.NoError(t, c.ReportSubtaskComplete(ctx, 0))

	resp, err = c.NextSubtask(ctx)
	require.NoError(t, err)
	require.Equal(t, NoMore, resp.Status)
}

func TestEmptyTaskHasNoMore(t *testing.T) {
	srv := startServer(t, 0, 2)
	resp, err := NewClient(srv, 0).NextSubtask(context.Background())
	require.NoError(t, err)
	require.Equal(t, Response{Status: NoMore, Index: -1}, resp)
}

func TestClientRetriesTryAgain(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, 2, 2)
	a := NewClient(srv, 5*time.Millisecond)
	b := NewClient(srv, 5*time.Millisecond)

	r0, err := a.NextSubtask(ctx)
	require.NoError(t, err)
	r1, err := a.NextSubtask(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, r0.Index)
	require.Equal(t, 1, r1.Index)
	require.NoError(t, a.ReportSubtaskComplete(ctx, 1))

	// 0 is still claimed: b keeps getting TRY_AGAIN until it is locked elsewhere
	got := make(chan Response, 1)
	go func() {
		resp, err := b.NextSubtask(ctx)
		if err != nil {
			resp = Response{Status: -1}
		}
		got <- resp
	}()

	select {
	case <-got:
		t.Fatal("client returned while the only subtask was claimed")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, a.ReportSubtaskLocked(ctx, 0))
	require.Equal(t, Response{Status: OK, Index: 0}, <-got)
}

func TestConcurrentWorkersCoverAll(t *testing.T) {
	ctx := context.Background()
	const n, workers = 200, 8
	srv := startServer(t, n, workers)

	var lk sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(srv, time.Millisecond)
			for {
				resp, err := c.NextSubtask(ctx)
				if err != nil || resp.Status == NoMore {
					return
				}
				lk.Lock()
				seen[resp.Index]++
				lk.Unlock()
				if err := c.ReportSubtaskComplete(ctx, resp.Index); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for i := 0; i < n; i++ {
		require.Equal(t, 1, seen[i])
	}
}

func TestClosedServer(t *testing.T) {
	srv := NewServer(NewAllocator(1, nil), 1)
	srv.Start()
	require.NoError(t, srv.Close(context.Background()))
	require.NoError(t, srv.Close(context.Background()))

	_, err := NewClient(srv, 0).NextSubtask(context.Background())
	require.ErrorIs(t, err, ErrServerClosed)
}
