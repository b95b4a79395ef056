package mempool

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mempool/memutils"
	"golang.org/x/exp/slog"
)

// FixedPoolBufferSize returns the exact number of bytes a buffer passed to
// NewFixedPoolFromBuffer must have in order to hold count entries of elementSize bytes.
// It returns 0 if either argument is not positive or the size does not fit in an int.
func FixedPoolBufferSize(count, elementSize int) int {
	if count <= 0 || elementSize <= 0 || int64(elementSize) > math.MaxUint32-HeaderSize {
		return 0
	}

	total, err := checkedProduct(count, extendedSize(elementSize))
	if err != nil {
		return 0
	}
	return total
}

func validateElementSize(elementSize int) error {
	if elementSize <= 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "element size must be positive, got %d", elementSize)
	}
	if int64(elementSize) > math.MaxUint32-HeaderSize {
		return errors.Wrapf(memutils.ErrInvalidArgument, "element size %d does not fit in an entry header", elementSize)
	}
	return nil
}

func newFixedPool(logger *slog.Logger, elementSize int, options CreateOptions) *FixedPool {
	if logger == nil {
		logger = slog.Default()
	}

	extSize := extendedSize(elementSize)
	pool := &FixedPool{
		logger:        logger,
		heap:          options.heap(),
		elementSize:   extSize - HeaderSize,
		extSize:       extSize,
		maxBlockSize:  extSize,
		allowOverflow: options.Flags&CreateAllowOverflow != 0,
	}
	pool.mutex.Init(options.Flags&CreateExternallySynchronized == 0)

	return pool
}

// NewFixedPool creates a FixedPool holding count entries of elementSize bytes in a single
// region obtained from the options' Heap. Element sizes below 8 bytes are raised to 8.
//
// logger - Receives debug records for the pool's lifecycle and overflow allocations, and error
// records for unreleased entries on Destroy. slog.Default() is used when nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewFixedPool(logger *slog.Logger, count, elementSize int, options CreateOptions) (*FixedPool, error) {
	if count <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "element count must be positive, got %d", count)
	}
	err := validateElementSize(elementSize)
	if err != nil {
		return nil, err
	}

	pool := newFixedPool(logger, elementSize, options)

	region, err := pool.heap.ZeroAllocate(count, pool.extSize)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a region for %d entries of %d bytes", count, pool.elementSize)
	}
	if len(region) != count*pool.extSize {
		pool.heap.Release(region)
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "heap returned a %d byte region, expected %d", len(region), count*pool.extSize)
	}

	pool.init(region, count, false)
	return pool, nil
}

// NewFixedPoolFromBuffer creates a FixedPool over a caller-supplied buffer, which is carved
// into as many entries of elementSize bytes as it holds. The buffer length must be an exact
// multiple of the entry's extended size: use FixedPoolBufferSize to size it.
//
// The buffer is not released on Destroy, and must outlive the pool and every entry served
// from it.
func NewFixedPoolFromBuffer(logger *slog.Logger, buffer []byte, elementSize int, options CreateOptions) (*FixedPool, error) {
	err := validateElementSize(elementSize)
	if err != nil {
		return nil, err
	}

	extSize := extendedSize(elementSize)
	if len(buffer) < extSize {
		return nil, errors.Wrapf(memutils.ErrInvalidBufferSize, "a %d byte buffer cannot hold a single %d byte entry", len(buffer), extSize)
	}
	if len(buffer)%extSize != 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidBufferSize, "buffer length %d is not a multiple of the %d byte entry size", len(buffer), extSize)
	}

	pool := newFixedPool(logger, elementSize, options)
	pool.init(buffer[:len(buffer):len(buffer)], len(buffer)/extSize, true)
	return pool, nil
}

// init links every slot of region into the free list in ascending order and registers the pool
func (p *FixedPool) init(region []byte, count int, preallocated bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	registerPool(p)
	p.mark = poolMark
	p.region = region
	p.preallocated = preallocated
	p.totalCount = count
	p.freeCount = count

	for index := 0; index < count; index++ {
		slot := p.slot(index)
		entryHeader(slot).write(EntryFree, p.id, p.extSize)

		var next uint64
		if index < count-1 {
			next = uint64(index + 2)
		}
		writeLink(slot[HeaderSize:], next)
		memutils.FillPattern(slot[HeaderSize+linkSize:], memutils.FreshPattern)
	}

	if count > 0 {
		p.freeHead = 1
	}

	p.logger.Debug("FixedPool::Create",
		slog.Int("ID", int(p.id)),
		slog.Int("Count", count),
		slog.Int("ElementSize", p.elementSize),
		slog.Bool("Preallocated", preallocated),
		slog.Bool("AllowOverflow", p.allowOverflow),
	)
}

// newPseudoPool creates a registered pool without a region. It never holds slots: it only
// serves and counts heap entries of up to largestSize bytes on behalf of a RangedPool.
func newPseudoPool(logger *slog.Logger, largestSize int, options CreateOptions) *FixedPool {
	pool := newFixedPool(logger, linkSize, options)
	pool.allowOverflow = true
	pool.maxBlockSize = extendedSize(largestSize)
	pool.name = "shared overflow"
	pool.init(nil, 0, false)
	return pool
}
