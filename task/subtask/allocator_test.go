package subtask

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorInOrder(t *testing.T) {
	a := NewAllocator(4, nil)
	for i := 0; i < 4; i++ {
		require.Equal(t, Response{Status: OK, Index: i}, a.NextSubtask())
		require.True(t, a.MarkComplete(i))
	}
	require.Equal(t, Response{Status: NoMore, Index: -1}, a.NextSubtask())
}

func TestAllocatorRedeliversLocked(t *testing.T) {
	a := NewAllocator(2, nil)

	require.Equal(t, Response{Status: OK, Index: 0}, a.NextSubtask())
	require.True(t, a.MarkLocked(0))
	require.Equal(t, Response{Status: OK, Index: 1}, a.NextSubtask())
	require.True(t, a.MarkComplete(1))

	// the waiting queue drained; the next call rescans and re-offers 0
	require.Equal(t, Response{Status: OK, Index: 0}, a.NextSubtask())
	require.True(t, a.MarkComplete(0))
	require.Equal(t, Response{Status: NoMore, Index: -1}, a.NextSubtask())
}

func TestAllocatorTryAgainWhileClaimed(t *testing.T) {
	a := NewAllocator(2, nil)
	require.Equal(t, Response{Status: OK, Index: 0}, a.NextSubtask())
	require.Equal(t, Response{Status: OK, Index: 1}, a.NextSubtask())

	// both claimed: the rescan leaves nothing to offer
	require.Equal(t, Response{Status: NoMore, Index: -1}, a.NextSubtask())

	require.True(t, a.MarkComplete(1))
	// 0 is still claimed, 1 is complete
	require.Equal(t, Response{Status: TryAgain, Index: -1}, a.NextSubtask())

	require.True(t, a.MarkComplete(0))
	require.Equal(t, Response{Status: NoMore, Index: -1}, a.NextSubtask())
}

func TestAllocatorEmpty(t *testing.T) {
	require.True(t, NewAllocator(0, nil).IsEmpty())
	require.False(t, NewAllocator(1, nil).IsEmpty())
}

func TestAllocatorUnknownRelease(t *testing.T) {
	a := NewAllocator(3, nil)
	require.False(t, a.MarkLocked(2))
	require.False(t, a.MarkComplete(1))
	require.Equal(t, Response{Status: OK, Index: 0}, a.NextSubtask())
	require.Equal(t, Response{Status: OK, Index: 2}, a.NextSubtask())
}

func TestAllocatorSkipsDoneOnDisk(t *testing.T) {
	a := NewAllocator(4, map[int]struct{}{1: {}, 3: {}})
	require.Equal(t, Response{Status: OK, Index: 0}, a.NextSubtask())
	require.Equal(t, Response{Status: OK, Index: 2}, a.NextSubtask())
	a.MarkComplete(0)
	a.MarkComplete(2)
	require.Equal(t, Response{Status: NoMore, Index: -1}, a.NextSubtask())
}

func TestAllocatorEachIndexExactlyOnce(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 7, 50, 333} {
		a := NewAllocator(n, nil)
		seen := make(map[int]int)
		var claimed []int
		for {
			// complete claimed work in random order, sometimes before asking again
			if len(claimed) > 0 && r.Intn(2) == 0 {
				j := r.Intn(len(claimed))
				a.MarkComplete(claimed[j])
				claimed = append(claimed[:j], claimed[j+1:]...)
				continue
			}
			resp := a.NextSubtask()
			if resp.Status == NoMore && len(claimed) == 0 {
				break
			}
			if resp.Status != OK {
				if len(claimed) == 0 {
					t.Fatalf("n=%d: %s with nothing claimed", n, resp.Status)
				}
				a.MarkComplete(claimed[0])
				claimed = claimed[1:]
				continue
			}
			seen[resp.Index]++
			claimed = append(claimed, resp.Index)
		}
		require.Len(t, seen, n)
		for i := 0; i < n; i++ {
			require.Equal(t, 1, seen[i], "n=%d index %d", n, i)
		}
	}
}
