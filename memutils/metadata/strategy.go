package metadata

// AllocationStrategy chooses how a heap picks a free block for a new allocation. If none is chosen, a
// best fit search is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free block that can hold the allocation, to minimize
	// wasted space at the cost of always scanning the whole free list
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first free block that can hold the allocation, to minimize
	// allocation time, possibly at the expense of fragmentation
	AllocationStrategyMinTime
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
