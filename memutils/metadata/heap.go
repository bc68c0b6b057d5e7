package metadata

import (
	"fmt"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
	"golang.org/x/exp/slog"
)

// Heap is the state of one allocator over a segment: a free list, optionally a physical list, and
// running totals. Allocations are placed by searching the free list and grow the segment when
// nothing fits. Frees coalesce with free physical neighbours when the heap tracks them.
//
// A Heap is not synchronized, apart from segment growth, which happens under the lock passed to the
// constructor. Several heaps may share one segment as long as they share that lock.
type Heap struct {
	segment  sbrk.Segment
	growLock sync.Locker
	strategy AllocationStrategy

	freeList FreeList
	physical *PhysicalList

	allocCount   int
	allocBytes   int
	growCount    int
	segmentBytes int
}

var _ memutils.Validatable = &Heap{}

// NewHeap creates a heap that tracks the physical order of its blocks and coalesces on free.
// growLock may be nil if nothing else grows the segment concurrently.
func NewHeap(segment sbrk.Segment, growLock sync.Locker, strategy AllocationStrategy) *Heap {
	heap := NewLocalHeap(segment, growLock, strategy)
	heap.physical = NewPhysicalList(segment)
	return heap
}

// NewLocalHeap creates a heap that keeps only a free list. It never coalesces: freed blocks and split
// remainders stay exactly the size they are until they are handed out again. This is the heap
// a single goroutine keeps to itself.
func NewLocalHeap(segment sbrk.Segment, growLock sync.Locker, strategy AllocationStrategy) *Heap {
	return &Heap{
		segment:  segment,
		growLock: growLock,
		strategy: strategy,
		freeList: NewFreeList(segment),
	}
}

func (h *Heap) block(addr sbrk.Address) block {
	return blockAt(h.segment, addr)
}

// TracksPhysical returns true if the heap keeps a physical list and coalesces on free
func (h *Heap) TracksPhysical() bool { return h.physical != nil }

// Strategy returns the placement strategy the heap was created with
func (h *Heap) Strategy() AllocationStrategy { return h.strategy }

// Allocate returns the payload address of a block of at least size bytes, aligned to the pointer width.
// A size of 0 returns sbrk.Nil and no error. If the segment cannot grow to satisfy the request, the
// returned error wraps memutils.ErrOutOfMemory.
func (h *Heap) Allocate(size int) (sbrk.Address, error) {
	if size == 0 {
		return sbrk.Nil, nil
	}

	if size < 0 {
		return sbrk.Nil, errors.Errorf("invalid allocation size: %d", size)
	}

	if size > h.segment.Limit() {
		return sbrk.Nil, errors.Wrapf(memutils.ErrOutOfMemory, "allocation of %d bytes is larger than the segment", size)
	}

	memutils.DebugValidate(h)

	allocSize := memutils.AlignUp(size, memutils.PointerSize) + memutils.DebugMargin

	b, found := h.findFreeBlock(allocSize)
	if found {
		h.freeList.remove(b)
		b.MarkTaken()
		h.split(b, allocSize)
	} else {
		var err error
		b, err = h.grow(allocSize)
		if err != nil {
			return sbrk.Nil, err
		}
	}

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(h.segment.Bytes(b.Payload(), b.Size()), b.Size()-memutils.DebugMargin)
	}

	h.allocCount++
	h.allocBytes += b.Size()

	return b.Payload(), nil
}

func (h *Heap) findFreeBlock(size int) (block, bool) {
	if h.strategy&AllocationStrategyMinTime != 0 && h.strategy&AllocationStrategyMinMemory == 0 {
		return h.freeList.findFirstFit(size)
	}

	return h.freeList.findBestFit(size)
}

func (h *Heap) growSegment(n int) (sbrk.Address, error) {
	if h.growLock != nil {
		h.growLock.Lock()
		defer h.growLock.Unlock()
	}

	return h.segment.Grow(n)
}

// grow carves a new taken block of the provided payload size from fresh segment memory
func (h *Heap) grow(size int) (block, error) {
	addr, err := h.growSegment(HeaderSize + size)
	if err != nil {
		return block{}, errors.Wrapf(err, "failed to grow heap for a %d byte block", size)
	}

	b := h.block(addr)
	b.init(size)

	h.growCount++
	h.segmentBytes += HeaderSize + size

	if h.physical != nil {
		h.physical.append(b)
	}

	return b, nil
}

// split carves the tail of b into a new free block if the leftover is big enough to be worth a header
func (h *Heap) split(b block, size int) {
	if b.Size() < size+HeaderSize+MinSplit {
		return
	}

	remainder := h.block(b.Payload() + sbrk.Address(size))
	remainder.init(b.Size() - size - HeaderSize)
	b.setSize(size)

	if h.physical != nil {
		h.physical.insertAfter(b, remainder)
	}

	h.freeList.insert(remainder)
}

// Free returns the block owning the payload at ptr to the heap's free list, merging it with free
// physical neighbours first if the heap tracks them. ptr must have been returned by Allocate on a heap
// sharing this heap's segment and must not already be free; release builds do not check. Freeing
// sbrk.Nil does nothing.
func (h *Heap) Free(ptr sbrk.Address) {
	if ptr == sbrk.Nil {
		return
	}

	b := h.block(HeaderOf(ptr))
	memutils.DebugCheck(func() error {
		if b.IsFree() {
			return errors.Errorf("block at %#x is already free", b.addr)
		}
		return nil
	})

	h.allocCount--
	h.allocBytes -= b.Size()

	b.MarkFree()
	if h.physical != nil {
		b = h.coalesce(b)
	}
	h.freeList.insert(b)
}

// coalesce merges b with its free physical neighbours, left first, and returns the surviving block.
// Blocks next to each other in the physical list are only merged when their memory really touches:
// other heaps may have grown the segment in between.
func (h *Heap) coalesce(b block) block {
	if prev := b.prevPhysical(); prev != sbrk.Nil {
		left := h.block(prev)
		if left.IsFree() && left.end() == b.addr {
			h.freeList.remove(left)
			h.mergeBlock(left, b)
			b = left
		}
	}

	if next := b.nextPhysical(); next != sbrk.Nil {
		right := h.block(next)
		if right.IsFree() && b.end() == right.addr {
			h.freeList.remove(right)
			h.mergeBlock(b, right)
		}
	}

	return b
}

func (h *Heap) mergeBlock(center block, neighbor block) {
	if center.end() != neighbor.addr {
		panic(fmt.Sprintf("cannot merge block at %#x into block at %#x: they are not adjacent", neighbor.addr, center.addr))
	}

	center.setSize(center.Size() + HeaderSize + neighbor.Size())
	h.physical.spliceOut(center, neighbor)
}

// UsableSize returns the number of payload bytes available to the caller at ptr. This may be more than
// was asked for when the block was too small to split.
func (h *Heap) UsableSize(ptr sbrk.Address) int {
	return h.block(HeaderOf(ptr)).Size() - memutils.DebugMargin
}

// Bytes returns a view of n bytes of memory at ptr
func (h *Heap) Bytes(ptr sbrk.Address, n int) []byte {
	return h.segment.Bytes(ptr, n)
}

// AllocationCount returns the number of allocations made through this heap minus the number of frees
// made through it. For heaps that do not track physical blocks this can drift negative if blocks are
// freed through a different heap than the one that allocated them.
func (h *Heap) AllocationCount() int { return h.allocCount }

// FreeRegionsCount returns the number of blocks in the free list
func (h *Heap) FreeRegionsCount() int { return h.freeList.Count() }

// SumFreeSize returns the number of payload bytes across the free list
func (h *Heap) SumFreeSize() int { return h.freeList.SumFreeSize() }

// LargestFreeSize returns the payload size of the largest free block, or 0 if there is none
func (h *Heap) LargestFreeSize() int { return h.freeList.LargestFreeSize() }

// IsEmpty returns true if the heap has no live allocations
func (h *Heap) IsEmpty() bool { return h.allocCount == 0 }

// Validate performs internal consistency checks on the heap. When the heap tracks physical blocks this
// walks every block it owns.
func (h *Heap) Validate() error {
	freeSet, err := h.freeList.members()
	if err != nil {
		return err
	}

	if h.physical == nil {
		return nil
	}

	var allocCount, allocBytes, freeCount, segmentBytes int
	prev := block{}

	err = h.physical.visit(func(b block) error {
		if b.prevPhysical() != prev.addr {
			return errors.Errorf("block at %#x lists %#x as its previous physical block, but it follows %#x", b.addr, b.prevPhysical(), prev.addr)
		}

		if b.Size() <= 0 || b.Size()%memutils.PointerSize != 0 {
			return errors.Errorf("block at %#x has an invalid size of %d", b.addr, b.Size())
		}

		if prev.addr != sbrk.Nil {
			if prev.end() > b.addr {
				return errors.Errorf("block at %#x overlaps the block before it at %#x", b.addr, prev.addr)
			}

			if prev.IsFree() && b.IsFree() && prev.end() == b.addr {
				return errors.Errorf("adjacent blocks at %#x and %#x are both free", prev.addr, b.addr)
			}
		}

		segmentBytes += HeaderSize + b.Size()
		if b.IsFree() {
			if !freeSet.Has(b.addr) {
				return errors.Errorf("block at %#x is free but is not in the free list", b.addr)
			}
			freeCount++
		} else {
			if freeSet.Has(b.addr) {
				return errors.Errorf("block at %#x is in the free list but is not free", b.addr)
			}
			allocCount++
			allocBytes += b.Size()
		}

		prev = b
		return nil
	})
	if err != nil {
		return err
	}

	if h.physical.tail != prev.addr {
		return errors.Errorf("the physical list ends at %#x, but its tail is %#x", prev.addr, h.physical.tail)
	}

	if freeCount != freeSet.Count() {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeSet.Count(), freeCount)
	}

	if segmentBytes != h.segmentBytes {
		return errors.Errorf("the heap has grown by %d bytes, but its blocks only add up to %d", h.segmentBytes, segmentBytes)
	}

	if allocCount != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the taken blocks only added up to %d", h.allocCount, allocCount)
	}

	if allocBytes != h.allocBytes {
		return errors.Errorf("the heap has %d allocated bytes, but the taken blocks only added up to %d", h.allocBytes, allocBytes)
	}

	return nil
}

// AddStatistics sums this heap's running totals into stats
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.GrowCount += h.growCount
	stats.SegmentBytes += h.segmentBytes
	stats.AllocationCount += h.allocCount
	stats.AllocationBytes += h.allocBytes
}

// AddDetailedStatistics sums per-block statistics for this heap into stats. Heaps that do not track
// physical blocks only know about their free blocks, so their allocations are summed from running totals.
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapCount++
	stats.GrowCount += h.growCount
	stats.SegmentBytes += h.segmentBytes

	if h.physical == nil {
		stats.AllocationCount += h.allocCount
		stats.AllocationBytes += h.allocBytes
	}

	_ = h.VisitAllRegions(func(ptr sbrk.Address, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// VisitAllRegions calls the provided callback once for each block the heap knows of, in address order,
// with the block's payload address and size. Heaps that do not track physical blocks only visit their
// free blocks, in free list order.
func (h *Heap) VisitAllRegions(handleBlock func(ptr sbrk.Address, size int, free bool) error) error {
	visitor := func(b block) error {
		return handleBlock(b.Payload(), b.Size(), b.IsFree())
	}

	if h.physical == nil {
		return h.freeList.visit(visitor)
	}

	return h.physical.visit(visitor)
}

// BlockJsonData populates a json object with summary information about this heap
func (h *Heap) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("SegmentBytes").Int(h.segmentBytes)
	json.Name("GrowCount").Int(h.growCount)
	json.Name("AllocatedBytes").Int(h.allocBytes)
	json.Name("Allocations").Int(h.allocCount)
	json.Name("UnusedBytes").Int(h.freeList.SumFreeSize())
	json.Name("UnusedRanges").Int(h.freeList.Count())
	json.Name("LargestUnusedRange").Int(h.freeList.LargestFreeSize())
	json.Name("Strategy").String(h.strategy.String())
}

// CheckCorruption verifies that the debug margin after every live allocation is intact. Margins are
// only written when memutils is built with the debug_mem_utils build tag, and only heaps that track
// physical blocks can find their live allocations.
func (h *Heap) CheckCorruption() error {
	if h.physical == nil {
		return errors.New("corruption checks require a heap that tracks physical blocks")
	}

	return h.physical.visit(func(b block) error {
		if b.IsFree() {
			return nil
		}

		if !memutils.ValidateMagicValue(h.segment.Bytes(b.Payload(), b.Size()), b.Size()-memutils.DebugMargin) {
			return errors.Errorf("memory corruption detected after allocation at %#x", b.Payload())
		}

		return nil
	})
}

// DebugLogAllAllocations calls logFunc for every live allocation in the heap
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, ptr sbrk.Address, size int)) {
	_ = h.VisitAllRegions(func(ptr sbrk.Address, size int, free bool) error {
		if !free {
			logFunc(logger, ptr, size)
		}
		return nil
	})
}
