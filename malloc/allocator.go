package malloc

import (
	"sync/atomic"

	"github.com/vkngwrapper/brkalloc/malloc/internal/utils"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
	"golang.org/x/exp/slog"
)

// Allocator hands out memory from a heap segment. Malloc and Free work against one heap shared by every
// goroutine, serialized by a single lock that covers the whole call, segment growth included. Goroutines
// that want to avoid that lock can each create a ThreadCache, which only takes a lock to grow the segment.
type Allocator struct {
	logger      *slog.Logger
	segment     sbrk.Segment
	createFlags CreateFlags
	strategy    metadata.AllocationStrategy

	mutex     utils.OptionalRWMutex
	growMutex utils.OptionalMutex
	heap      *metadata.Heap

	nextThreadCacheID atomic.Int64
}

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

// Strategy returns the placement strategy used by the shared heap and every thread cache
func (a *Allocator) Strategy() metadata.AllocationStrategy { return a.strategy }

// Segment returns the heap segment the allocator grows into
func (a *Allocator) Segment() sbrk.Segment { return a.segment }

// Malloc allocates at least size bytes from the shared heap and returns the payload address, which is
// aligned to the pointer width. A size of 0 returns sbrk.Nil and no error. When the segment cannot grow
// far enough, sbrk.Nil is returned with an error wrapping memutils.ErrOutOfMemory.
func (a *Allocator) Malloc(size int) (sbrk.Address, error) {
	a.logger.Debug("Allocator::Malloc", slog.Int("Size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.heap.Allocate(size)
	if err != nil {
		a.logger.Error("failed to allocate from the shared heap", slog.Int("Size", size), slog.Any("error", err))
		return sbrk.Nil, err
	}

	return ptr, nil
}

// Free returns memory obtained from Malloc to the shared heap, merging it with any free neighbors.
// ptr must have come from this allocator's Malloc and must not have been freed already: neither is
// checked outside of debug builds. Freeing sbrk.Nil does nothing.
func (a *Allocator) Free(ptr sbrk.Address) {
	a.logger.Debug("Allocator::Free", slog.Uint64("Address", uint64(ptr)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.heap.Free(ptr)
}

// Bytes returns a view of n bytes of memory at ptr. ptr should be a live allocation from this allocator
// or one of its thread caches, and n should not exceed its usable size.
func (a *Allocator) Bytes(ptr sbrk.Address, n int) []byte {
	return a.segment.Bytes(ptr, n)
}

// UsableSize returns the number of bytes the caller may use at ptr, which must be a live allocation from
// this allocator or one of its thread caches
func (a *Allocator) UsableSize(ptr sbrk.Address) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.heap.UsableSize(ptr)
}

// TotalFreeBytes returns the number of bytes across every block in the shared heap's free list
func (a *Allocator) TotalFreeBytes() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.heap.SumFreeSize()
}

// LargestFreeBlockBytes returns the size of the largest block in the shared heap's free list
func (a *Allocator) LargestFreeBlockBytes() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.heap.LargestFreeSize()
}

// CalculateStatistics clears stats and fills it with per-block statistics for the shared heap
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	a.heap.AddDetailedStatistics(stats)
}

// Validate walks the shared heap and returns an error describing the first inconsistency found, if any.
// It is expensive and meant for diagnostics and tests.
func (a *Allocator) Validate() error {
	a.logger.Debug("Allocator::Validate")

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.heap.Validate()
}

// CheckCorruption verifies the debug margins written after every live allocation in the shared heap.
// Margins are only present when built with the debug_mem_utils build tag, otherwise this always succeeds.
func (a *Allocator) CheckCorruption() error {
	a.logger.Debug("Allocator::CheckCorruption")

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	err := a.heap.CheckCorruption()
	if err != nil {
		a.logger.Error("shared heap failed corruption check", slog.Any("error", err))
	}

	return err
}

// DebugLogAllAllocations writes a debug log entry for every live allocation in the shared heap
func (a *Allocator) DebugLogAllAllocations() {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.heap.DebugLogAllAllocations(a.logger, func(log *slog.Logger, ptr sbrk.Address, size int) {
		log.Debug("UNFREED ALLOCATION",
			slog.Uint64("Address", uint64(ptr)),
			slog.Int("Size", size),
		)
	})
}
