package malloc

import (
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
	"golang.org/x/exp/slog"
)

// ThreadCache is a private heap owned by a single goroutine. It keeps its own free list, which it reads
// and writes without locking, and only takes the allocator's growth lock when nothing in that list fits.
//
// Memory freed through a ThreadCache goes to that cache's free list, whichever cache or goroutine
// allocated it. Thread caches never coalesce freed blocks, so memory that is freed in small pieces stays
// in small pieces. A ThreadCache must never be used from more than one goroutine at a time; create one
// per goroutine with Allocator.NewThreadCache.
type ThreadCache struct {
	id     int64
	logger *slog.Logger
	heap   *metadata.Heap
}

// NewThreadCache creates an empty ThreadCache that grows into the allocator's segment
func (a *Allocator) NewThreadCache() *ThreadCache {
	id := a.nextThreadCacheID.Add(1)

	a.logger.Debug("Allocator::NewThreadCache", slog.Int64("ThreadCache", id))

	return &ThreadCache{
		id:     id,
		logger: a.logger.With(slog.Int64("ThreadCache", id)),
		heap:   metadata.NewLocalHeap(a.segment, &a.growMutex, a.strategy),
	}
}

// ID returns a number identifying this cache among the caches created by its allocator
func (c *ThreadCache) ID() int64 { return c.id }

// Malloc allocates at least size bytes and returns the payload address, which is aligned to the pointer
// width. A size of 0 returns sbrk.Nil and no error. When the segment cannot grow far enough, sbrk.Nil is
// returned with an error wrapping memutils.ErrOutOfMemory.
func (c *ThreadCache) Malloc(size int) (sbrk.Address, error) {
	c.logger.Debug("ThreadCache::Malloc", slog.Int("Size", size))

	ptr, err := c.heap.Allocate(size)
	if err != nil {
		c.logger.Error("failed to allocate from thread cache", slog.Int("Size", size), slog.Any("error", err))
		return sbrk.Nil, err
	}

	return ptr, nil
}

// Free adds the block at ptr to this cache's free list. ptr must have come from Malloc on a thread cache
// belonging to the same allocator and must not have been freed already: neither is checked outside
// of debug builds. Freeing sbrk.Nil does nothing.
func (c *ThreadCache) Free(ptr sbrk.Address) {
	c.logger.Debug("ThreadCache::Free", slog.Uint64("Address", uint64(ptr)))

	c.heap.Free(ptr)
}

// Bytes returns a view of n bytes of memory at ptr
func (c *ThreadCache) Bytes(ptr sbrk.Address, n int) []byte {
	return c.heap.Bytes(ptr, n)
}

// UsableSize returns the number of bytes the caller may use at ptr
func (c *ThreadCache) UsableSize(ptr sbrk.Address) int {
	return c.heap.UsableSize(ptr)
}

// TotalFreeBytes returns the number of bytes across every block in this cache's free list
func (c *ThreadCache) TotalFreeBytes() int {
	return c.heap.SumFreeSize()
}

// LargestFreeBlockBytes returns the size of the largest block in this cache's free list
func (c *ThreadCache) LargestFreeBlockBytes() int {
	return c.heap.LargestFreeSize()
}

// CalculateStatistics clears stats and fills it with statistics for this cache. Only free blocks are
// visited; allocation totals count allocations made through this cache minus frees made through it.
func (c *ThreadCache) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	c.heap.AddDetailedStatistics(stats)
}

// Validate checks the links of this cache's free list
func (c *ThreadCache) Validate() error {
	return c.heap.Validate()
}
