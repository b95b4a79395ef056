package mempool

import (
	"os"
	"os/exec"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mempool/memutils"
)

func recoverCorruption(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		recovered, ok := r.(error)
		if !ok {
			panic(r)
		}
		err = recovered
	}()

	fn()
	return nil
}

func requireCorruption(t *testing.T, message string, fn func()) {
	t.Helper()

	err := recoverCorruption(fn)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrCorruption), "%+v", err)
	require.Contains(t, err.Error(), "memory corruption detected: ")
	require.Contains(t, err.Error(), message)
}

func corruptionTestPool(t *testing.T, count, elementSize int, flags CreateFlags) *FixedPool {
	pool, err := NewFixedPool(DiscardLogger(), count, elementSize, CreateOptions{Flags: flags})
	require.NoError(t, err)
	t.Cleanup(func() {
		if pool.mark == poolMark {
			_ = pool.Destroy()
		}
	})

	return pool
}

func TestFreeTwice(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	entry, err := pool.Alloc()
	require.NoError(t, err)

	Free(entry)
	requireCorruption(t, "freed twice", func() {
		Free(entry)
	})

	// The failed free left the pool intact
	require.Equal(t, 0, pool.UsedCount())
	require.NoError(t, pool.Validate())
}

func TestFreeFreeSlotWithCorruptedLink(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	entry, err := pool.Alloc()
	require.NoError(t, err)
	Free(entry)

	writeLink(pool.slot(0)[HeaderSize:], 1000)
	requireCorruption(t, "link is corrupted", func() {
		Free(entry)
	})
	writeLink(pool.slot(0)[HeaderSize:], 2)
}

func TestFreeInvalidStatus(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	entry, err := pool.Alloc()
	require.NoError(t, err)

	headerOf(entry).setStatus(0x12345678)
	requireCorruption(t, "invalid status EntryStatus(0x12345678)", func() {
		Free(entry)
	})

	headerOf(entry).setStatus(EntryTaken)
	Free(entry)
	require.Equal(t, 0, pool.UsedCount())
}

func TestFreeOverwrittenBlockSize(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	entry, err := pool.Alloc()
	require.NoError(t, err)

	header := headerOf(entry)
	header.write(EntryTaken, pool.ID(), 64)
	requireCorruption(t, "has size 64 in its header", func() {
		Free(entry)
	})

	header.write(EntryTaken, pool.ID(), pool.ExtendedSize())
	Free(entry)
}

func TestFreeOutOfBounds(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	foreign := make([]byte, pool.ExtendedSize())
	entryHeader(foreign).write(EntryTaken, pool.ID(), pool.ExtendedSize())

	requireCorruption(t, "lies outside the region", func() {
		Free(foreign[HeaderSize:])
	})
}

func TestFreeMisaligned(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	// Forge a header 4 bytes into the first slot's payload
	forged := pool.region[HeaderSize+4:]
	entryHeader(forged).write(EntryTaken, pool.ID(), pool.ExtendedSize())

	requireCorruption(t, "is not aligned", func() {
		Free(forged[HeaderSize:])
	})
}

func TestFreeUnknownOwner(t *testing.T) {
	foreign := make([]byte, 32)
	entryHeader(foreign).write(EntryTaken, 0, 32)

	requireCorruption(t, "names pool 0, which does not exist", func() {
		Free(foreign[HeaderSize:])
	})
}

func TestFreeAfterDestroy(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)

	entry, err := pool.Alloc()
	require.NoError(t, err)

	err = pool.Destroy()
	require.ErrorIs(t, err, memutils.ErrUnreleasedEntries)

	requireCorruption(t, "which does not exist", func() {
		Free(entry)
	})
}

func TestUseAfterDestroy(t *testing.T) {
	pool := corruptionTestPool(t, 4, 16, 0)
	require.NoError(t, pool.Destroy())

	requireCorruption(t, "used after it was destroyed", func() {
		_, _ = pool.Alloc()
	})
	requireCorruption(t, "used after it was destroyed", func() {
		_ = pool.UsedCount()
	})
	requireCorruption(t, "used after it was destroyed", func() {
		_ = pool.Destroy()
	})
	require.Error(t, pool.Validate())
}

func TestFreeHeapEntryTwice(t *testing.T) {
	pool := corruptionTestPool(t, 1, 16, CreateAllowOverflow)

	slot, err := pool.Alloc()
	require.NoError(t, err)
	overflow, err := pool.Alloc()
	require.NoError(t, err)
	require.Equal(t, 1, pool.DynamicAllocsCount())

	Free(overflow)
	require.Equal(t, 0, pool.DynamicAllocsCount())

	requireCorruption(t, "lies outside the region", func() {
		Free(overflow)
	})
	require.Equal(t, 0, pool.DynamicAllocsCount())

	Free(slot)
}

func TestFreeHeapEntryWithoutOutstandingCount(t *testing.T) {
	pool := corruptionTestPool(t, 1, 16, CreateAllowOverflow)

	forged := make([]byte, pool.ExtendedSize())
	entryHeader(forged).write(EntryNotPoolMember, pool.ID(), pool.ExtendedSize())

	requireCorruption(t, "no heap entries outstanding", func() {
		Free(forged[HeaderSize:])
	})
}

func TestFreeRegionEntryMarkedAsHeapEntry(t *testing.T) {
	pool := corruptionTestPool(t, 2, 16, 0)

	entry, err := pool.Alloc()
	require.NoError(t, err)

	headerOf(entry).setStatus(EntryNotPoolMember)
	requireCorruption(t, "marked as a heap entry", func() {
		Free(entry)
	})

	headerOf(entry).setStatus(EntryTaken)
	Free(entry)
}

func TestAllocCorruptedFreeListHead(t *testing.T) {
	pool := corruptionTestPool(t, 2, 16, 0)

	entryHeader(pool.slot(0)).setStatus(EntryTaken)
	requireCorruption(t, "at the head of pool", func() {
		_, _ = pool.Alloc()
	})
	entryHeader(pool.slot(0)).setStatus(EntryFree)

	writeLink(pool.slot(0)[HeaderSize:], 77)
	requireCorruption(t, "outside the pool's 2 slots", func() {
		_, _ = pool.Alloc()
	})
	writeLink(pool.slot(0)[HeaderSize:], 2)

	require.NoError(t, pool.Validate())
}

func TestValidateCorruptedFreeList(t *testing.T) {
	pool := corruptionTestPool(t, 3, 16, 0)
	require.NoError(t, pool.Validate())

	// slot 2 links back to slot 0
	writeLink(pool.slot(2)[HeaderSize:], 1)
	require.ErrorContains(t, pool.Validate(), "longer than its 3 free slots")
	writeLink(pool.slot(2)[HeaderSize:], 0)

	entryHeader(pool.slot(1)).write(EntryFree, pool.ID()+1000, pool.ExtendedSize())
	require.ErrorContains(t, pool.Validate(), "owned by")
	entryHeader(pool.slot(1)).write(EntryFree, pool.ID(), pool.ExtendedSize())

	writeLink(pool.slot(1)[HeaderSize:], 0)
	require.ErrorContains(t, pool.Validate(), "holds 2 slots, expected 3")
	writeLink(pool.slot(1)[HeaderSize:], 3)

	require.NoError(t, pool.Validate())
}

func TestReallocInvalidStatus(t *testing.T) {
	pool, err := NewRangedPool(DiscardLogger(), 16, 64, 8, FallbackDisabled, CreateOptions{})
	require.NoError(t, err)

	entry, err := pool.Alloc(10)
	require.NoError(t, err)
	Free(entry)

	requireCorruption(t, "cannot be resized with status EntryFree", func() {
		_, _ = pool.Realloc(entry, 40)
	})
	require.NoError(t, pool.Destroy())
}

func TestReallocCorruptedBlockSize(t *testing.T) {
	pool, err := NewRangedPool(DiscardLogger(), 16, 64, 8, FallbackDisabled, CreateOptions{})
	require.NoError(t, err)

	entry, err := pool.Alloc(10)
	require.NoError(t, err)
	neighbour, err := pool.Alloc(10)
	require.NoError(t, err)
	copy(neighbour, "NEIGHBOUR!")

	header := headerOf(entry)
	owner := header.owner()
	ext := pool.pools[0].ExtendedSize()

	// Too small to hold a header, and large enough to reach into the neighbouring slot
	for _, blockSize := range []int{4, 1000} {
		header.write(EntryTaken, owner, blockSize)
		requireCorruption(t, "in its header", func() {
			_, _ = pool.Realloc(entry, 40)
		})
		require.Equal(t, 0, pool.UsedCount(40))
		require.Equal(t, 2, pool.UsedCount(10))
	}

	header.write(EntryTaken, 0, ext)
	requireCorruption(t, "which does not exist", func() {
		_, _ = pool.Realloc(entry, 40)
	})
	require.Equal(t, 0, pool.UsedCount(40))

	header.write(EntryTaken, owner, ext)
	resized, err := pool.Realloc(entry, 40)
	require.NoError(t, err)
	require.Equal(t, 1, pool.UsedCount(40))
	require.Equal(t, []byte("NEIGHBOUR!"), neighbour)

	Free(resized)
	Free(neighbour)
	require.NoError(t, pool.Destroy())
}

func TestFreeSharedHeapEntryWithOversizedBlock(t *testing.T) {
	pool, err := NewRangedPool(DiscardLogger(), 16, 32, 2, FallbackAtLastExhaustion, CreateOptions{})
	require.NoError(t, err)

	var entries [][]byte
	for _, size := range []int{10, 10, 20} {
		entry, err := pool.Alloc(size)
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	heapEntry, err := pool.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, 1, pool.DynamicAllocsCount(3))

	header := headerOf(heapEntry)
	blockSize := header.blockSize()

	// Larger than anything the largest size class could have asked the heap for
	header.write(EntryNotPoolMember, header.owner(), extendedSize(32)+1)
	requireCorruption(t, "has size 45 in its header, expected 20..44", func() {
		Free(heapEntry)
	})
	requireCorruption(t, "has size 45 in its header", func() {
		_, _ = pool.Realloc(heapEntry, 30)
	})
	require.Equal(t, 1, pool.DynamicAllocsCount(3))

	// Entries up to the largest class are still accepted
	header.write(EntryNotPoolMember, header.owner(), blockSize)
	Free(heapEntry)
	require.Equal(t, 0, pool.DynamicAllocsCount(3))

	for _, entry := range entries {
		Free(entry)
	}
	require.NoError(t, pool.Destroy())
}

const deathTestEnv = "MEMPOOL_DEATH_TEST"

func runDeathScenario(scenario string) {
	pool, err := NewFixedPool(DiscardLogger(), 2, 16, CreateOptions{})
	if err != nil {
		panic(err)
	}

	entry, err := pool.Alloc()
	if err != nil {
		panic(err)
	}

	switch scenario {
	case "double-free":
		Free(entry)
		Free(entry)
	case "invalid-status":
		headerOf(entry).setStatus(0)
		Free(entry)
	case "out-of-bounds":
		foreign := make([]byte, pool.ExtendedSize())
		entryHeader(foreign).write(EntryTaken, pool.ID(), pool.ExtendedSize())
		Free(foreign[HeaderSize:])
	}
}

func TestCorruptionTerminatesProcess(t *testing.T) {
	if scenario := os.Getenv(deathTestEnv); scenario != "" {
		runDeathScenario(scenario)
		return
	}

	for _, scenario := range []string{"double-free", "invalid-status", "out-of-bounds"} {
		t.Run(scenario, func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=^TestCorruptionTerminatesProcess$")
			cmd.Env = append(os.Environ(), deathTestEnv+"="+scenario)

			output, err := cmd.CombinedOutput()

			var exitErr *exec.ExitError
			require.ErrorAs(t, err, &exitErr, "process survived:\n%s", output)
			require.False(t, exitErr.Success())
			require.Contains(t, string(output), "memory corruption detected")
		})
	}
}
