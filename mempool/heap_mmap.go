//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package mempool

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mempool/memutils"
	"golang.org/x/sys/unix"
)

// MmapHeap serves every buffer from its own anonymous private mapping, outside the Go heap.
// It suits large self-allocated pool regions; overflow entries each cost at least a page.
type MmapHeap struct{}

var _ Heap = MmapHeap{}

func (MmapHeap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "cannot map %d bytes", size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to map %d bytes", size), memutils.ErrOutOfMemory)
	}

	return buf, nil
}

// ZeroAllocate maps count*size bytes. Anonymous mappings are always zero-filled.
func (h MmapHeap) ZeroAllocate(count, size int) ([]byte, error) {
	total, err := checkedProduct(count, size)
	if err != nil {
		return nil, err
	}

	return h.Allocate(total)
}

func (MmapHeap) Release(buf []byte) {
	// Munmap only fails for buffers that were never mapped by this heap
	_ = unix.Munmap(buf)
}
