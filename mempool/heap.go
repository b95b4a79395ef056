package mempool

import (
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mempool/memutils"
)

//go:generate mockgen -source heap.go -destination mocks/heap.go

// Heap is the general-purpose allocator pools draw on for their regions and for overflow
// entries. Implementations must be safe for concurrent use.
type Heap interface {
	// Allocate returns a buffer of exactly size bytes. Its contents are unspecified.
	Allocate(size int) ([]byte, error)
	// ZeroAllocate returns a zeroed buffer of exactly count*size bytes
	ZeroAllocate(count, size int) ([]byte, error)
	// Release gives back a buffer obtained from Allocate or ZeroAllocate, with the same
	// length it was handed out with
	Release(buf []byte)
}

func checkedProduct(count, size int) (int, error) {
	if count <= 0 || size <= 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "cannot allocate %d elements of %d bytes", count, size)
	}
	if count > math.MaxInt/size {
		return 0, errors.Mark(errors.Newf("%d elements of %d bytes overflow the address space", count, size), memutils.ErrOutOfMemory)
	}
	return count * size, nil
}

// GoHeap serves buffers from the Go runtime. Release is a no-op: buffers are reclaimed by
// the garbage collector once nothing refers to them.
type GoHeap struct{}

var _ Heap = GoHeap{}

func (GoHeap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "cannot allocate %d bytes", size)
	}
	return make([]byte, size), nil
}

func (GoHeap) ZeroAllocate(count, size int) ([]byte, error) {
	total, err := checkedProduct(count, size)
	if err != nil {
		return nil, err
	}
	return make([]byte, total), nil
}

func (GoHeap) Release(buf []byte) {}

// HeapCallbacks are executed whenever a LimitedHeap hands out or takes back memory. It can be
// helpful when the consumer requires allocator-level info about heap usage.
type HeapCallbacks struct {
	Allocate func(size int, userData any)
	Release  func(size int, userData any)
	UserData any
}

// LimitedHeap wraps another Heap and refuses to keep more than a fixed number of bytes
// outstanding at once
type LimitedHeap struct {
	// usage is accessed atomically and must stay 64-bit aligned
	usage     int64
	limit     int64
	heap      Heap
	callbacks *HeapCallbacks
}

var _ Heap = &LimitedHeap{}

// NewLimitedHeap creates a LimitedHeap over heap. limit is the maximum number of bytes that
// may be outstanding, or -1 for no limit. callbacks may be nil.
func NewLimitedHeap(heap Heap, limit int, callbacks *HeapCallbacks) *LimitedHeap {
	if heap == nil {
		heap = GoHeap{}
	}

	return &LimitedHeap{
		heap:      heap,
		limit:     int64(limit),
		callbacks: callbacks,
	}
}

// Usage returns the number of bytes currently outstanding
func (h *LimitedHeap) Usage() int {
	return int(atomic.LoadInt64(&h.usage))
}

func (h *LimitedHeap) reserve(size int) error {
	for {
		usage := atomic.LoadInt64(&h.usage)
		if h.limit >= 0 && usage+int64(size) > h.limit {
			return errors.Wrapf(memutils.ErrOutOfMemory, "allocating %d bytes would exceed the heap limit of %d bytes (%d in use)", size, h.limit, usage)
		}

		if atomic.CompareAndSwapInt64(&h.usage, usage, usage+int64(size)) {
			return nil
		}
	}
}

func (h *LimitedHeap) commit(buf []byte, err error, size int) ([]byte, error) {
	if err != nil {
		atomic.AddInt64(&h.usage, -int64(size))
		return nil, err
	}

	// Release gives back len(buf), so the reservation has to match it
	if len(buf) != size {
		atomic.AddInt64(&h.usage, int64(len(buf)-size))
	}

	if h.callbacks != nil && h.callbacks.Allocate != nil {
		h.callbacks.Allocate(len(buf), h.callbacks.UserData)
	}
	return buf, nil
}

func (h *LimitedHeap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "cannot allocate %d bytes", size)
	}

	err := h.reserve(size)
	if err != nil {
		return nil, err
	}

	buf, err := h.heap.Allocate(size)
	return h.commit(buf, err, size)
}

func (h *LimitedHeap) ZeroAllocate(count, size int) ([]byte, error) {
	total, err := checkedProduct(count, size)
	if err != nil {
		return nil, err
	}

	err = h.reserve(total)
	if err != nil {
		return nil, err
	}

	buf, err := h.heap.ZeroAllocate(count, size)
	return h.commit(buf, err, total)
}

func (h *LimitedHeap) Release(buf []byte) {
	h.heap.Release(buf)
	atomic.AddInt64(&h.usage, -int64(len(buf)))

	if h.callbacks != nil && h.callbacks.Release != nil {
		h.callbacks.Release(len(buf), h.callbacks.UserData)
	}
}
