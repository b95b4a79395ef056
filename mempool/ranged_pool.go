package mempool

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mempool/memutils"
	"golang.org/x/exp/slog"
)

// RangedPool serves requests of any size up to its largest size class by routing each one to
// the FixedPool of the smallest power-of-two class that covers it. Entries are returned with
// the package-level Free, like those of any other pool.
//
// RangedPool holds no lock of its own: each size class is synchronized independently, so a
// request that escalates through several classes is not atomic as a whole.
type RangedPool struct {
	logger *slog.Logger
	policy FallbackPolicy

	smallestSize  int
	largestSize   int
	smallestCount int

	pools      []*FixedPool
	sizeLookup []uint8

	// pseudo serves and counts every heap entry under FallbackAtLastExhaustion, whatever its
	// size. It is nil under the other policies.
	pseudo *FixedPool
}

var _ memutils.Validatable = &RangedPool{}

// classIndex maps a request size to the index of the smallest size class that covers it
func (r *RangedPool) classIndex(size int) (int, error) {
	if size <= 0 || size > r.largestSize {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "requested size %d is outside 1..%d", size, r.largestSize)
	}

	return int(r.sizeLookup[(size-1)/r.smallestSize]), nil
}

// Policy is the fallback policy the pool was created with
func (r *RangedPool) Policy() FallbackPolicy {
	return r.policy
}

// Classes returns the payload size of every size class, smallest first
func (r *RangedPool) Classes() []int {
	classes := make([]int, len(r.pools))
	for index, class := range r.pools {
		classes[index] = class.ElementSize()
	}
	return classes
}

// Alloc takes an entry of at least size bytes. The returned slice has a length of size and a
// capacity of the serving size class's payload size. Its contents are unspecified.
//
// If the covering size class is full, the request escalates through every larger class in
// turn. What happens when every class is full depends on the pool's FallbackPolicy.
func (r *RangedPool) Alloc(size int) ([]byte, error) {
	start, err := r.classIndex(size)
	if err != nil {
		return nil, err
	}

	// Under FallbackAtFirstExhaustion the first class reached overflows by itself, so this
	// only escalates if the heap fails it
	for index := start; index < len(r.pools); index++ {
		var entry []byte
		entry, err = r.pools[index].Alloc()
		if err == nil {
			return entry[:size], nil
		}
	}

	if r.pseudo != nil {
		entry, err := r.pseudo.allocDynamic(size)
		if err != nil {
			return nil, err
		}
		memutils.DebugValidate(r.pseudo)
		return entry[:size], nil
	}

	return nil, errors.Wrapf(err, "no size class from %d bytes up could serve %d bytes", r.pools[start].ElementSize(), size)
}

// Calloc behaves like Alloc, and zeroes the size bytes it returns
func (r *RangedPool) Calloc(size int) ([]byte, error) {
	entry, err := r.Alloc(size)
	if err != nil {
		return nil, err
	}

	for i := range entry {
		entry[i] = 0
	}
	return entry, nil
}

// Realloc resizes an entry obtained from this pool. A nil entry is allocated as if by Alloc.
// If size maps to the size class the entry already occupies, the entry is resliced in place.
// Otherwise a new entry is allocated, as much of the old payload as fits is copied into it,
// and the old entry is freed; bytes beyond the copied prefix are unspecified.
//
// On error the old entry is left untouched and still owned by the caller.
func (r *RangedPool) Realloc(entry []byte, size int) ([]byte, error) {
	index, err := r.classIndex(size)
	if err != nil {
		return nil, err
	}
	if cap(entry) == 0 {
		return r.Alloc(size)
	}

	header := headerOf(entry)
	switch status := header.status(); status {
	case EntryTaken, EntryNotPoolMember:
	default:
		panic(corruptionf("entry at %p cannot be resized with status %s", header, status))
	}

	// The old size is only trusted once the owning pool has vouched for it
	oldBlockSize := ownerOf(entry, header).liveBlockSize(header)
	if oldBlockSize == r.pools[index].ExtendedSize() {
		return header.payload(oldBlockSize)[:size], nil
	}

	resized, err := r.Alloc(size)
	if err != nil {
		return nil, err
	}

	copy(resized[:cap(resized)], header.payload(oldBlockSize))
	Free(entry)

	return resized, nil
}

// UsedCount is the number of taken entries in the size class that serves size, or 0 if size
// is outside 1..largest size
func (r *RangedPool) UsedCount(size int) int {
	index, err := r.classIndex(size)
	if err != nil {
		return 0
	}
	return r.pools[index].UsedCount()
}

// TotalCapacity is the number of entries in the size class that serves size, or 0 if size is
// outside 1..largest size
func (r *RangedPool) TotalCapacity(size int) int {
	index, err := r.classIndex(size)
	if err != nil {
		return 0
	}
	return r.pools[index].TotalCapacity()
}

// DynamicAllocsCount is the number of live heap entries for the size class that serves size.
//
// Under FallbackAtLastExhaustion heap entries are not attributed to size classes: every size
// reports the same count of all live heap entries. Under FallbackDisabled it is always 0.
func (r *RangedPool) DynamicAllocsCount(size int) int {
	index, err := r.classIndex(size)
	if err != nil {
		return 0
	}

	switch r.policy {
	case FallbackAtFirstExhaustion:
		return r.pools[index].DynamicAllocsCount()
	case FallbackAtLastExhaustion:
		return r.pseudo.DynamicAllocsCount()
	default:
		return 0
	}
}

// AddStatistics sums the occupancy of every size class, and of the heap entries, into stats
func (r *RangedPool) AddStatistics(stats *memutils.Statistics) {
	for _, class := range r.pools {
		class.AddStatistics(stats)
	}
	if r.pseudo != nil {
		r.pseudo.AddStatistics(stats)
	}
}

// Validate validates every size class
func (r *RangedPool) Validate() error {
	for _, class := range r.pools {
		err := class.Validate()
		if err != nil {
			return errors.Wrapf(err, "%d byte size class", class.ElementSize())
		}
	}

	if r.pseudo != nil {
		return r.pseudo.Validate()
	}
	return nil
}

// Destroy destroys every size class. Errors from the classes, such as unreleased entries,
// are combined into the returned error; every class is destroyed regardless.
func (r *RangedPool) Destroy() error {
	r.logger.Debug("RangedPool::Destroy", slog.Int("Classes", len(r.pools)))

	var err error
	for _, class := range r.pools {
		err = errors.CombineErrors(err, class.Destroy())
	}
	if r.pseudo != nil {
		err = errors.CombineErrors(err, r.pseudo.Destroy())
	}

	return err
}

// BuildStatsString returns a JSON document describing the occupancy of every size class. When
// detailed is true, the taken slots of each class are listed as well.
func (r *RangedPool) BuildStatsString(detailed bool) string {
	var total memutils.Statistics
	r.AddStatistics(&total)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("SmallestSize").Int(r.smallestSize)
	obj.Name("LargestSize").Int(r.largestSize)
	obj.Name("Policy").String(r.policy.String())

	totalObj := obj.Name("Total").Object()
	writeStatistics(&totalObj, &total)
	totalObj.End()

	classes := obj.Name("Classes").Array()
	for _, class := range r.pools {
		classObj := classes.Object()
		class.printStatistics(&classObj, detailed)
		classObj.End()
	}
	classes.End()

	obj.End()
	return string(writer.Bytes())
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("DynamicAllocationCount").Int(stats.DynamicAllocationCount)
}
