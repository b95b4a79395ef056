//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package mempool_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mempool/mempool"
	"github.com/vkngwrapper/mempool/memutils"
)

func TestMmapHeap(t *testing.T) {
	heap := mempool.MmapHeap{}

	buf, err := heap.ZeroAllocate(16, 256)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4096), buf)
	heap.Release(buf)

	_, err = heap.Allocate(0)
	require.ErrorIs(t, err, memutils.ErrInvalidArgument)
}

func TestRangedPoolOnMmapHeap(t *testing.T) {
	pool, err := mempool.NewRangedPool(mempool.DiscardLogger(), 16, 1024, 256, mempool.FallbackAtFirstExhaustion, mempool.CreateOptions{
		Heap: mempool.MmapHeap{},
	})
	require.NoError(t, err)

	var entries [][]byte
	for _, size := range []int{1, 100, 1000} {
		for i := 0; i < pool.TotalCapacity(size)+1; i++ {
			entry, err := pool.Calloc(size)
			require.NoError(t, err)
			entry[size-1] = 0x7F
			entries = append(entries, entry)
		}
		require.Equal(t, 1, pool.DynamicAllocsCount(size))
	}

	for _, entry := range entries {
		mempool.Free(entry)
	}
	require.NoError(t, pool.Validate())
	require.NoError(t, pool.Destroy())
}
