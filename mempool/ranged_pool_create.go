package mempool

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mempool/memutils"
	"golang.org/x/exp/slog"
)

const (
	// MinSmallestSize is the smallest size class a RangedPool may have
	MinSmallestSize = 16
	// MaxLargestSize is the largest size class a RangedPool may have
	MaxLargestSize = 1 << 31
)

type rangedPoolParams struct {
	smallestSize  int
	largestSize   int
	smallestCount int
	classCount    int
}

// roundRangedPoolParams rounds every parameter up to a power of two and validates the result
func roundRangedPoolParams(smallestSize, largestSize, smallestCount int) (rangedPoolParams, error) {
	if smallestSize <= 0 || largestSize <= 0 || smallestCount <= 0 {
		return rangedPoolParams{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"sizes and counts must be positive, got smallest size %d, largest size %d, smallest count %d",
			smallestSize, largestSize, smallestCount)
	}
	if int64(smallestSize) > MaxLargestSize || int64(largestSize) > MaxLargestSize || int64(smallestCount) > MaxLargestSize {
		return rangedPoolParams{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"sizes and counts may not exceed %d, got smallest size %d, largest size %d, smallest count %d",
			int64(MaxLargestSize), smallestSize, largestSize, smallestCount)
	}

	params := rangedPoolParams{
		smallestSize:  int(memutils.CeilPow2(uint32(smallestSize))),
		largestSize:   int(memutils.CeilPow2(uint32(largestSize))),
		smallestCount: int(memutils.CeilPow2(uint32(smallestCount))),
	}
	memutils.DebugCheckPow2(params.smallestSize, "smallestSize")
	memutils.DebugCheckPow2(params.largestSize, "largestSize")
	memutils.DebugCheckPow2(params.smallestCount, "smallestCount")

	if params.smallestSize < MinSmallestSize {
		return rangedPoolParams{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"smallest size %d is below the minimum of %d", params.smallestSize, MinSmallestSize)
	}
	if params.largestSize <= params.smallestSize {
		return rangedPoolParams{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"largest size %d must be greater than smallest size %d", params.largestSize, params.smallestSize)
	}

	params.classCount = int(memutils.CeilLog2(uint32(params.largestSize))-memutils.CeilLog2(uint32(params.smallestSize))) + 1

	// Counts halve as sizes double: the largest class must still get at least one entry
	if params.smallestCount < params.largestSize/params.smallestSize {
		return rangedPoolParams{}, errors.Wrapf(memutils.ErrInvalidArgument,
			"smallest count %d leaves no entries for the %d byte class", params.smallestCount, params.largestSize)
	}

	return params, nil
}

// classShape returns the payload size and entry count of size class index
func (p rangedPoolParams) classShape(index int) (elementSize, count int) {
	return p.smallestSize << index, p.smallestCount >> index
}

func (p rangedPoolParams) bufferSize() int {
	total := 0
	for index := 0; index < p.classCount; index++ {
		elementSize, count := p.classShape(index)
		size := FixedPoolBufferSize(count, elementSize)
		if size == 0 || total > math.MaxInt-size {
			return 0
		}
		total += size
	}
	return total
}

// RangedPoolBufferSize returns the exact number of bytes a buffer passed to
// NewRangedPoolFromBuffer must have for the given parameters, after they are rounded up to
// powers of two. It returns 0 if the parameters are invalid.
func RangedPoolBufferSize(smallestSize, largestSize, smallestCount int) int {
	params, err := roundRangedPoolParams(smallestSize, largestSize, smallestCount)
	if err != nil {
		return 0
	}
	return params.bufferSize()
}

func newRangedPool(logger *slog.Logger, params rangedPoolParams, policy FallbackPolicy, options CreateOptions) (*RangedPool, error) {
	if !policy.valid() {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "unknown fallback policy %s", policy)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RangedPool{
		logger:        logger,
		policy:        policy,
		smallestSize:  params.smallestSize,
		largestSize:   params.largestSize,
		smallestCount: params.smallestCount,
		pools:         make([]*FixedPool, 0, params.classCount),
	}, nil
}

// classOptions derives the options every size class is created with. Classes overflow on
// their own only under FallbackAtFirstExhaustion.
func (r *RangedPool) classOptions(options CreateOptions) CreateOptions {
	options.Flags &^= CreateAllowOverflow
	if r.policy == FallbackAtFirstExhaustion {
		options.Flags |= CreateAllowOverflow
	}
	return options
}

// NewRangedPool creates a RangedPool with one FixedPool per power-of-two size class from
// smallestSize to largestSize. The smallest class holds smallestCount entries and each larger
// class holds half as many as the one before it. All three parameters are rounded up to powers
// of two.
//
// logger - Receives debug records for the pool's lifecycle. slog.Default() is used when nil.
//
// policy - Decides whether requests that find their size class full are escalated to larger
// classes, served from the heap, or both
//
// options - Optional parameters: it is valid to leave all the fields blank.
// CreateAllowOverflow is ignored; policy controls overflow instead.
func NewRangedPool(logger *slog.Logger, smallestSize, largestSize, smallestCount int, policy FallbackPolicy, options CreateOptions) (*RangedPool, error) {
	params, err := roundRangedPoolParams(smallestSize, largestSize, smallestCount)
	if err != nil {
		return nil, err
	}

	pool, err := newRangedPool(logger, params, policy, options)
	if err != nil {
		return nil, err
	}

	classOptions := pool.classOptions(options)
	for index := 0; index < params.classCount; index++ {
		elementSize, count := params.classShape(index)

		class, err := NewFixedPool(pool.logger, count, elementSize, classOptions)
		if err != nil {
			pool.unwind()
			return nil, errors.Wrapf(err, "failed to create the %d byte size class", elementSize)
		}
		pool.pools = append(pool.pools, class)
	}

	pool.init(options)
	return pool, nil
}

// NewRangedPoolFromBuffer creates a RangedPool whose size classes are carved out of a single
// caller-supplied buffer, smallest class first. The buffer length must be exactly
// RangedPoolBufferSize(smallestSize, largestSize, smallestCount).
//
// The buffer is not released on Destroy, and must outlive the pool and every entry served
// from it. Overflow entries are still served from the options' Heap.
func NewRangedPoolFromBuffer(logger *slog.Logger, buffer []byte, smallestSize, largestSize, smallestCount int, policy FallbackPolicy, options CreateOptions) (*RangedPool, error) {
	params, err := roundRangedPoolParams(smallestSize, largestSize, smallestCount)
	if err != nil {
		return nil, err
	}

	expected := params.bufferSize()
	if expected == 0 || len(buffer) != expected {
		return nil, errors.Wrapf(memutils.ErrInvalidBufferSize,
			"buffer length %d does not match the %d bytes these size classes require", len(buffer), expected)
	}

	pool, err := newRangedPool(logger, params, policy, options)
	if err != nil {
		return nil, err
	}

	classOptions := pool.classOptions(options)
	offset := 0
	for index := 0; index < params.classCount; index++ {
		elementSize, count := params.classShape(index)
		size := FixedPoolBufferSize(count, elementSize)

		class, err := NewFixedPoolFromBuffer(pool.logger, buffer[offset:offset+size:offset+size], elementSize, classOptions)
		if err != nil {
			pool.unwind()
			return nil, errors.Wrapf(err, "failed to create the %d byte size class", elementSize)
		}
		pool.pools = append(pool.pools, class)
		offset += size
	}

	pool.init(options)
	return pool, nil
}

// init names the size classes, builds the reverse size lookup and creates the pseudo pool
func (r *RangedPool) init(options CreateOptions) {
	for _, class := range r.pools {
		class.SetName(fmt.Sprintf("ranged class %d", class.ElementSize()))
	}

	// sizeLookup maps (size-1)/smallestSize to a class index. Class i covers sizes up to
	// smallestSize<<i, so each class covers twice as many lookup slots as the one before it.
	r.sizeLookup = make([]uint8, r.largestSize/r.smallestSize)
	threshold := 1
	class := uint8(0)
	for index := range r.sizeLookup {
		r.sizeLookup[index] = class
		if index == threshold-1 {
			class++
			threshold *= 2
		}
	}

	if r.policy == FallbackAtLastExhaustion {
		r.pseudo = newPseudoPool(r.logger, r.largestSize, options)
	}

	r.logger.Debug("RangedPool::Create",
		slog.Int("SmallestSize", r.smallestSize),
		slog.Int("LargestSize", r.largestSize),
		slog.Int("SmallestCount", r.smallestCount),
		slog.Int("Classes", len(r.pools)),
		slog.String("Policy", r.policy.String()),
	)
}

// unwind destroys every size class created so far after a construction failure
func (r *RangedPool) unwind() {
	for _, class := range r.pools {
		err := class.Destroy()
		if err != nil {
			r.logger.LogAttrs(context.Background(), slog.LevelError, "failed to destroy a size class while unwinding", slog.Any("error", err))
		}
	}
	r.pools = nil
}
