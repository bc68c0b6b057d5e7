package memutils

import "math"

// Statistics holds running totals for one or more heaps. All byte counts include only payload bytes
// except SegmentBytes, which also counts block headers.
type Statistics struct {
	// HeapCount is the number of heaps that have been summed into this object
	HeapCount int
	// GrowCount is the number of times the heaps grew their segment
	GrowCount int
	// SegmentBytes is the number of bytes the heaps obtained from segment growth
	SegmentBytes int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// AllocationBytes is the number of payload bytes held by live allocations
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.HeapCount = 0
	s.GrowCount = 0
	s.SegmentBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapCount += other.HeapCount
	s.GrowCount += other.GrowCount
	s.SegmentBytes += other.SegmentBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with per-region information gathered by walking every block
// a heap knows about. Call Clear before use so that the minimums start out at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	// BlockCount is the number of block headers visited, allocated and free
	BlockCount         int
	UnusedRangeCount   int
	UnusedRangeBytes   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.BlockCount = 0
	s.UnusedRangeCount = 0
	s.UnusedRangeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.BlockCount++
	s.UnusedRangeCount++
	s.UnusedRangeBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.BlockCount++
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.BlockCount += other.BlockCount
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeBytes += other.UnusedRangeBytes

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
