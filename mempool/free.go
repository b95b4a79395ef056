package mempool

import (
	"unsafe"

	"github.com/vkngwrapper/mempool/memutils"
)

// Free returns an entry obtained from any FixedPool or RangedPool to the pool that owns it.
// The owner is read from the entry's header, so the caller does not need to know which pool
// served it. Freeing an empty or nil slice does nothing.
//
// Free panics with an error marked memutils.ErrCorruption if the header does not describe a
// live entry of a live pool: a double free, a header the caller overwrote, an entry that lies
// outside its pool's region, or an entry whose pool has been destroyed. The entry must be the
// slice the pool returned, or a reslice of it that starts at the same address.
func Free(entry []byte) {
	if cap(entry) == 0 {
		return
	}

	header := headerOf(entry)
	pool := ownerOf(entry, header)
	pool.free(header)
	memutils.DebugValidate(pool)
}

// ownerOf resolves the live pool named by an entry's header
func ownerOf(entry []byte, header entryHeader) *FixedPool {
	pool := lookupPool(header.owner())
	if pool == nil {
		panic(corruptionf("entry at %p names pool %d, which does not exist (status %s)",
			unsafe.SliceData(entry), header.owner(), header.status()))
	}
	return pool
}

func (p *FixedPool) free(header entryHeader) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.checkLive()

	index, blockSize := p.checkHeader(header)
	if index < 0 {
		p.freeDynamic(header, blockSize)
		return
	}

	payload := header.payload(blockSize)
	switch status := header.status(); status {
	case EntryTaken:
	case EntryFree:
		// A free slot's link should point back into the region; if it does, this is most
		// likely a second free of the same entry rather than a stray write
		if readLink(payload) <= uint64(p.totalCount) {
			panic(corruptionf("slot %d of pool %d was freed twice", index, p.id))
		}
		panic(corruptionf("slot %d of pool %d is marked free but its link is corrupted", index, p.id))
	default:
		panic(corruptionf("slot %d of pool %d has invalid status %s", index, p.id, status))
	}

	memutils.FillPattern(payload, memutils.FreedPattern)
	header.setStatus(EntryFree)
	writeLink(payload, p.freeHead)
	p.freeHead = uint64(index + 1)
	p.freeCount++
}

// checkHeader verifies that header sits where this pool could have put it and carries a
// block size the pool could have written. It returns the entry's slot index, or -1 for a heap
// entry, along with its block size. It must be called with the lock held.
func (p *FixedPool) checkHeader(header entryHeader) (int, int) {
	blockSize := header.blockSize()

	if header.status() == EntryNotPoolMember {
		if p.contains(header) {
			panic(corruptionf("entry inside the region of pool %d is marked as a heap entry", p.id))
		}

		// Pseudo pools serve heap entries of any size up to their largest class. Everything
		// else overflows whole slots.
		if blockSize < p.extSize || blockSize > p.maxBlockSize {
			panic(corruptionf("heap entry of pool %d has size %d in its header, expected %d..%d",
				p.id, blockSize, p.extSize, p.maxBlockSize))
		}
		return -1, blockSize
	}

	index := p.slotIndex(header)
	if blockSize != p.extSize {
		panic(corruptionf("slot %d of pool %d has size %d in its header, expected %d",
			index, p.id, blockSize, p.extSize))
	}
	return index, blockSize
}

// liveBlockSize returns the verified block size of a taken entry of this pool
func (p *FixedPool) liveBlockSize(header entryHeader) int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.checkLive()

	index, blockSize := p.checkHeader(header)
	if index < 0 && p.dynamicCount == 0 {
		panic(corruptionf("heap entry of pool %d is in use, but the pool has no heap entries outstanding", p.id))
	}
	return blockSize
}

func (p *FixedPool) freeDynamic(header entryHeader, blockSize int) {
	if p.dynamicCount == 0 {
		panic(corruptionf("heap entry of pool %d was freed, but the pool has no heap entries outstanding", p.id))
	}

	// The status is cleared first so that freeing the same block again fails the bounds check
	// instead of decrementing the counter twice
	header.setStatus(0)
	p.dynamicCount--
	p.heap.Release(header.block(blockSize))
}

// contains reports whether header lies anywhere inside the pool's region
func (p *FixedPool) contains(header entryHeader) bool {
	if len(p.region) == 0 {
		return false
	}

	start := uintptr(unsafe.Pointer(unsafe.SliceData(p.region)))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(header)))
	return addr >= start && addr-start < uintptr(len(p.region))
}

// slotIndex maps a header back to the index of its slot, and panics if the header does not
// sit at the start of one of the pool's slots
func (p *FixedPool) slotIndex(header entryHeader) int {
	addr := unsafe.SliceData(header)
	if !p.contains(header) {
		panic(corruptionf("entry at %p lies outside the region of pool %d", addr, p.id))
	}

	offset := uintptr(unsafe.Pointer(addr)) - uintptr(unsafe.Pointer(unsafe.SliceData(p.region)))
	if offset%uintptr(p.extSize) != 0 {
		panic(corruptionf("entry at %p is not aligned to a slot of pool %d", addr, p.id))
	}

	return int(offset / uintptr(p.extSize))
}
