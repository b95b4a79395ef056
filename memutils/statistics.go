package memutils

// Statistics summarizes the occupancy of one or more pools
type Statistics struct {
	// BlockCount is the number of entries reserved up front in pool regions
	BlockCount int
	// AllocationCount is the number of region entries currently handed out
	AllocationCount int
	// BlockBytes is the size of the pool regions, entry headers included
	BlockBytes int
	// AllocationBytes is the number of payload bytes currently handed out from pool regions
	AllocationBytes int
	// DynamicAllocationCount is the number of live entries that were served from the heap
	// after a pool ran out of entries
	DynamicAllocationCount int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
	s.DynamicAllocationCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
	s.DynamicAllocationCount += other.DynamicAllocationCount
}

// FreeBlockCount is the number of region entries still available
func (s *Statistics) FreeBlockCount() int {
	return s.BlockCount - s.AllocationCount
}
