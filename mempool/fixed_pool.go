// Package mempool provides fixed-capacity pool allocators. A FixedPool serves entries of a
// single size out of one preallocated region; a RangedPool composes one FixedPool per
// power-of-two size class and serves requests of any size up to its largest class, much like
// a miniature heap.
//
// Every entry carries a small header in front of the memory handed to the caller. The header
// names the entry's pool, so entries from either kind of pool are returned with the same
// package-level Free function. Free validates the header and panics with an error marked
// memutils.ErrCorruption when it finds a double free, an overwritten header, or an entry that
// lies outside its pool: once the free list is suspect, no further operation on the pool is
// safe.
package mempool

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mempool/internal/utils"
	"github.com/vkngwrapper/mempool/memutils"
	"golang.org/x/exp/slog"
)

// FixedPool serves entries of a single size out of one contiguous region. When every slot is
// taken, it either fails with memutils.ErrPoolExhausted or, if it was created with
// CreateAllowOverflow, serves the request from its Heap.
type FixedPool struct {
	id     uint32
	mark   string
	name   string
	logger *slog.Logger
	heap   Heap
	mutex  utils.OptionalRWMutex

	elementSize int
	extSize     int
	totalCount  int
	freeCount   int
	// freeHead is the index+1 of the first free slot, 0 when the free list is empty
	freeHead uint64

	region       []byte
	preallocated bool

	allowOverflow bool
	dynamicCount  int
	// maxBlockSize bounds the block size of heap entries. It is extSize except in pseudo pools.
	maxBlockSize int
}

var _ memutils.Validatable = &FixedPool{}

func (p *FixedPool) slot(index int) []byte {
	offset := index * p.extSize
	return p.region[offset : offset+p.extSize : offset+p.extSize]
}

// checkLive must be called with the lock held
func (p *FixedPool) checkLive() {
	if p.mark != poolMark {
		panic(corruptionf("pool %d was used after it was destroyed", p.id))
	}
}

// ID is the identifier written into the header of every entry this pool owns
func (p *FixedPool) ID() uint32 {
	return p.id
}

func (p *FixedPool) SetName(name string) {
	p.logger.Debug("FixedPool::SetName", slog.Int("ID", int(p.id)), slog.String("Name", name))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.name = name
}

func (p *FixedPool) Name() string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.name
}

// ElementSize is the number of bytes available to the caller in every entry
func (p *FixedPool) ElementSize() int {
	return p.elementSize
}

// ExtendedSize is ElementSize plus the entry header
func (p *FixedPool) ExtendedSize() int {
	return p.extSize
}

// Alloc takes an entry from the pool. Its contents are unspecified.
func (p *FixedPool) Alloc() ([]byte, error) {
	entry, err := p.alloc()
	memutils.DebugValidate(p)
	return entry, err
}

// Calloc takes an entry from the pool and zeroes all ElementSize bytes of it
func (p *FixedPool) Calloc() ([]byte, error) {
	entry, err := p.Alloc()
	if err != nil {
		return nil, err
	}

	for i := range entry {
		entry[i] = 0
	}
	return entry, nil
}

func (p *FixedPool) alloc() ([]byte, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.checkLive()

	if p.freeHead == 0 {
		if !p.allowOverflow {
			return nil, memutils.ErrPoolExhausted
		}

		return p.allocDynamicLocked(p.extSize)
	}

	index := int(p.freeHead - 1)
	slot := p.slot(index)
	header := entryHeader(slot)
	if header.status() != EntryFree || header.owner() != p.id {
		panic(corruptionf("slot %d at the head of pool %d's free list has status %s and owner %d",
			index, p.id, header.status(), header.owner()))
	}

	next := readLink(slot[HeaderSize:])
	if next > uint64(p.totalCount) {
		panic(corruptionf("slot %d of pool %d links to slot %d, outside the pool's %d slots",
			index, p.id, int64(next)-1, p.totalCount))
	}

	p.freeHead = next
	p.freeCount--
	header.setStatus(EntryTaken)

	return slot[HeaderSize:], nil
}

// allocDynamic serves an entry with a payload of at least elementSize bytes from the heap,
// regardless of the overflow flag
func (p *FixedPool) allocDynamic(elementSize int) ([]byte, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.checkLive()
	return p.allocDynamicLocked(extendedSize(elementSize))
}

func (p *FixedPool) allocDynamicLocked(extSize int) ([]byte, error) {
	block, err := p.heap.Allocate(extSize)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %d failed to overflow %d bytes to the heap", p.id, extSize)
	}
	if len(block) != extSize {
		p.heap.Release(block)
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "heap returned a %d byte block, expected %d", len(block), extSize)
	}

	header := entryHeader(block)
	header.write(EntryNotPoolMember, p.id, extSize)
	p.dynamicCount++

	p.logger.Debug("FixedPool::Alloc overflow",
		slog.Int("ID", int(p.id)),
		slog.Int("Size", extSize),
		slog.Int("DynamicCount", p.dynamicCount),
	)

	return header.payload(extSize), nil
}

// TotalCapacity is the number of entries in the pool's region
func (p *FixedPool) TotalCapacity() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.checkLive()
	return p.totalCount
}

// UsedCount is the number of region entries currently taken. Entries served from the heap are
// not included.
func (p *FixedPool) UsedCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.checkLive()
	return p.totalCount - p.freeCount
}

// DynamicAllocsCount is the number of live entries the pool served from the heap
func (p *FixedPool) DynamicAllocsCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.checkLive()
	return p.dynamicCount
}

// AddStatistics sums this pool's occupancy into stats
func (p *FixedPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	p.checkLive()

	used := p.totalCount - p.freeCount
	stats.BlockCount += p.totalCount
	stats.AllocationCount += used
	stats.BlockBytes += len(p.region)
	stats.AllocationBytes += used * p.elementSize
	stats.DynamicAllocationCount += p.dynamicCount
}

// Destroy unregisters the pool and releases its region, unless the region was supplied by the
// caller. Entries still outstanding are logged and reported through an error wrapping
// memutils.ErrUnreleasedEntries, but the pool is destroyed regardless: freeing those entries
// afterwards, or using the pool at all, panics.
func (p *FixedPool) Destroy() error {
	p.logger.Debug("FixedPool::Destroy", slog.Int("ID", int(p.id)))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.checkLive()

	unregisterPool(p.id)
	p.mark = ""

	var err error
	used := p.totalCount - p.freeCount
	if used > 0 || p.dynamicCount > 0 {
		p.logUnreleasedEntries()
		err = errors.Wrapf(memutils.ErrUnreleasedEntries, "pool %d had %d region entries and %d heap entries outstanding", p.id, used, p.dynamicCount)
	}

	if !p.preallocated && p.region != nil {
		p.heap.Release(p.region)
	}

	p.region = nil
	p.freeHead = 0
	p.freeCount = 0
	p.totalCount = 0
	p.dynamicCount = 0

	return err
}

func (p *FixedPool) logUnreleasedEntries() {
	for index := 0; index < p.totalCount; index++ {
		header := entryHeader(p.slot(index))
		if header.status() == EntryFree {
			continue
		}

		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed entry",
			slog.Int("pool", int(p.id)),
			slog.String("name", p.name),
			slog.Int("slot", index),
			slog.Int("size", p.elementSize),
			slog.String("status", header.status().String()),
		)
	}

	if p.dynamicCount > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed heap entries",
			slog.Int("pool", int(p.id)),
			slog.String("name", p.name),
			slog.Int("count", p.dynamicCount),
		)
	}
}

// Validate walks the free list and verifies that every slot on it is free, belongs to this
// pool and lies within the region, and that the list holds exactly as many slots as the pool
// believes are free. It is expensive and intended for diagnostics; builds with the
// debug_mem_utils tag run it after every Alloc and Free.
func (p *FixedPool) Validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.mark != poolMark {
		return errors.Newf("pool %d has been destroyed", p.id)
	}
	if p.freeCount < 0 || p.freeCount > p.totalCount {
		return errors.Newf("pool %d has %d free slots out of %d", p.id, p.freeCount, p.totalCount)
	}
	if len(p.region) != p.totalCount*p.extSize {
		return errors.Newf("pool %d has a %d byte region for %d slots of %d bytes", p.id, len(p.region), p.totalCount, p.extSize)
	}

	listed := 0
	for link := p.freeHead; link != 0; {
		if link > uint64(p.totalCount) {
			return errors.Newf("pool %d's free list links to slot %d, outside its %d slots", p.id, int64(link)-1, p.totalCount)
		}
		if listed == p.freeCount {
			return errors.Newf("pool %d's free list is longer than its %d free slots", p.id, p.freeCount)
		}

		index := int(link - 1)
		slot := p.slot(index)
		header := entryHeader(slot)
		if header.status() != EntryFree {
			return errors.Newf("slot %d of pool %d is on the free list with status %s", index, p.id, header.status())
		}
		if header.owner() != p.id {
			return errors.Newf("slot %d of pool %d is on the free list but owned by %d", index, p.id, header.owner())
		}
		if header.blockSize() != p.extSize {
			return errors.Newf("slot %d of pool %d is on the free list with size %d, expected %d", index, p.id, header.blockSize(), p.extSize)
		}

		listed++
		link = readLink(slot[HeaderSize:])
	}

	if listed != p.freeCount {
		return errors.Newf("pool %d's free list holds %d slots, expected %d", p.id, listed, p.freeCount)
	}

	return nil
}

// BuildStatsString returns a JSON document describing the pool's occupancy. When detailed is
// true, every taken slot is listed as well.
func (p *FixedPool) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	p.printStatistics(&obj, detailed)
	obj.End()

	return string(writer.Bytes())
}

func (p *FixedPool) printStatistics(json *jwriter.ObjectState, detailed bool) {
	var stats memutils.Statistics
	p.AddStatistics(&stats)

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	json.Name("ID").Int(int(p.id))
	json.Name("Name").String(p.name)
	json.Name("ElementSize").Int(p.elementSize)
	json.Name("TotalCount").Int(stats.BlockCount)
	json.Name("UsedCount").Int(stats.AllocationCount)
	json.Name("TotalBytes").Int(stats.BlockBytes)
	json.Name("UsedBytes").Int(stats.AllocationBytes)
	json.Name("DynamicAllocations").Int(stats.DynamicAllocationCount)
	json.Name("AllowOverflow").Bool(p.allowOverflow)

	if !detailed {
		return
	}

	taken := json.Name("TakenSlots").Array()
	defer taken.End()

	for index := 0; index < p.totalCount; index++ {
		if entryHeader(p.slot(index)).status() == EntryTaken {
			taken.Int(index)
		}
	}
}
