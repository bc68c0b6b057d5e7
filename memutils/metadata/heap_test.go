package metadata_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk/mocks"
	"go.uber.org/mock/gomock"
)

// aligned returns the size of the block the heap carves for a request of size bytes
func aligned(size int) int {
	return memutils.AlignUp(size, memutils.PointerSize) + memutils.DebugMargin
}

// usable returns the largest request that fits in a block of the provided size
func usable(blockSize int) int {
	return blockSize - memutils.DebugMargin
}

func allocate(t *testing.T, heap *metadata.Heap, size int) sbrk.Address {
	ptr, err := heap.Allocate(size)
	require.NoError(t, err)
	require.NotEqual(t, sbrk.Nil, ptr)
	require.NoError(t, heap.Validate())
	return ptr
}

func free(t *testing.T, heap *metadata.Heap, ptr sbrk.Address) {
	heap.Free(ptr)
	require.NoError(t, heap.Validate())
}

// countingSegment wraps an arena in a mock so tests can pin down how often the heap grows
func countingSegment(ctrl *gomock.Controller, limit int, grows int) *mocks.MockSegment {
	arena := sbrk.NewArena(limit)
	segment := mocks.NewMockSegment(ctrl)
	segment.EXPECT().Bytes(gomock.Any(), gomock.Any()).DoAndReturn(arena.Bytes).AnyTimes()
	segment.EXPECT().Limit().DoAndReturn(arena.Limit).AnyTimes()
	segment.EXPECT().Break().DoAndReturn(arena.Break).AnyTimes()
	segment.EXPECT().Grow(gomock.Any()).DoAndReturn(arena.Grow).Times(grows)
	return segment
}

func TestHeapBasicAlloc(t *testing.T) {
	arena := sbrk.NewArena(4096)
	heap := metadata.NewHeap(arena, nil, metadata.AllocationStrategyMinMemory)

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount: 1,
		},
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}, stats)

	ptr := allocate(t, heap, 100)
	require.Equal(t, sbrk.Address(sbrk.Origin+metadata.HeaderSize), ptr)
	require.Zero(t, int(ptr)%memutils.PointerSize)
	require.Equal(t, usable(aligned(100)), heap.UsableSize(ptr))
	require.Equal(t, 1, heap.AllocationCount())

	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			GrowCount:       1,
			SegmentBytes:    metadata.HeaderSize + aligned(100),
			AllocationCount: 1,
			AllocationBytes: aligned(100),
		},
		BlockCount:         1,
		AllocationSizeMin:  aligned(100),
		AllocationSizeMax:  aligned(100),
		UnusedRangeSizeMin: math.MaxInt,
	}, stats)

	payload := heap.Bytes(ptr, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	free(t, heap, ptr)
	require.True(t, heap.IsEmpty())

	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:    1,
			GrowCount:    1,
			SegmentBytes: metadata.HeaderSize + aligned(100),
		},
		BlockCount:         1,
		UnusedRangeCount:   1,
		UnusedRangeBytes:   aligned(100),
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: aligned(100),
		UnusedRangeSizeMax: aligned(100),
	}, stats)
}

func TestHeapZeroSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	heap := metadata.NewHeap(countingSegment(ctrl, 4096, 0), nil, metadata.AllocationStrategyMinMemory)

	ptr, err := heap.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, sbrk.Nil, ptr)
	require.Equal(t, 0, heap.AllocationCount())

	_, err = heap.Allocate(-1)
	require.Error(t, err)

	heap.Free(sbrk.Nil)
	require.NoError(t, heap.Validate())
}

func TestHeapAlignment(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(1<<16), nil, metadata.AllocationStrategyMinMemory)

	for size := 1; size < 100; size += 7 {
		ptr := allocate(t, heap, size)
		require.Zero(t, int(ptr)%memutils.PointerSize)
		require.GreaterOrEqual(t, heap.UsableSize(ptr), size)
	}
}

func TestHeapCoalesceRoundTrip(t *testing.T) {
	testCases := map[string]bool{
		"FreeLowerFirst": true,
		"FreeUpperFirst": false,
	}

	for name, lowerFirst := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			heap := metadata.NewHeap(countingSegment(ctrl, 4096, 2), nil, metadata.AllocationStrategyMinMemory)

			a := allocate(t, heap, 40)
			b := allocate(t, heap, 64)
			require.Equal(t, a+sbrk.Address(aligned(40)+metadata.HeaderSize), b)

			if lowerFirst {
				free(t, heap, a)
				free(t, heap, b)
			} else {
				free(t, heap, b)
				free(t, heap, a)
			}

			mergedSize := aligned(40) + aligned(64) + metadata.HeaderSize
			require.Equal(t, 1, heap.FreeRegionsCount())
			require.Equal(t, mergedSize, heap.SumFreeSize())

			merged := allocate(t, heap, usable(mergedSize))
			require.Equal(t, a, merged)
			require.Equal(t, 0, heap.FreeRegionsCount())
		})
	}
}

func TestHeapCoalesceBothSides(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, metadata.AllocationStrategyMinMemory)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 24)
	c := allocate(t, heap, 32)
	guard := allocate(t, heap, 8)

	free(t, heap, a)
	free(t, heap, c)
	require.Equal(t, 2, heap.FreeRegionsCount())

	free(t, heap, b)
	require.Equal(t, 1, heap.FreeRegionsCount())
	require.Equal(t, aligned(16)+aligned(24)+aligned(32)+2*metadata.HeaderSize, heap.LargestFreeSize())

	free(t, heap, guard)
	require.Equal(t, 1, heap.FreeRegionsCount())
	require.Equal(t, aligned(16)+aligned(24)+aligned(32)+aligned(8)+3*metadata.HeaderSize, heap.SumFreeSize())
}

func bestFitHeap(t *testing.T, strategy metadata.AllocationStrategy) (*metadata.Heap, sbrk.Address, sbrk.Address, sbrk.Address) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, strategy)

	large := allocate(t, heap, 40)
	allocate(t, heap, 8)
	small := allocate(t, heap, 10)
	allocate(t, heap, 8)
	medium := allocate(t, heap, 25)
	allocate(t, heap, 8)

	free(t, heap, medium)
	free(t, heap, small)
	free(t, heap, large)
	require.Equal(t, 3, heap.FreeRegionsCount())

	return heap, large, small, medium
}

func TestHeapBestFit(t *testing.T) {
	heap, _, _, medium := bestFitHeap(t, metadata.AllocationStrategyMinMemory)
	freeBefore := heap.SumFreeSize()

	ptr := allocate(t, heap, 20)
	require.Equal(t, medium, ptr)
	require.Equal(t, usable(aligned(25)), heap.UsableSize(ptr))
	require.Equal(t, freeBefore-aligned(25), heap.SumFreeSize())
}

func TestHeapBestFitExactMatch(t *testing.T) {
	heap, _, small, _ := bestFitHeap(t, metadata.AllocationStrategyMinMemory)

	ptr := allocate(t, heap, usable(aligned(10)))
	require.Equal(t, small, ptr)
	require.Equal(t, 2, heap.FreeRegionsCount())
}

func TestHeapFirstFit(t *testing.T) {
	heap, large, _, _ := bestFitHeap(t, metadata.AllocationStrategyMinTime)

	ptr := allocate(t, heap, 20)
	require.Equal(t, large, ptr)
}

func TestHeapBestFitTieGoesToHead(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, metadata.AllocationStrategyMinMemory)

	first := allocate(t, heap, 32)
	allocate(t, heap, 8)
	second := allocate(t, heap, 32)
	allocate(t, heap, 8)

	free(t, heap, first)
	free(t, heap, second)

	// second was freed last, so it sits at the head of the free list
	require.Equal(t, second, allocate(t, heap, 24))
	require.Equal(t, first, allocate(t, heap, 24))
}

func TestHeapSplitThenReuse(t *testing.T) {
	arena := sbrk.NewArena(4096)
	heap := metadata.NewHeap(arena, nil, metadata.AllocationStrategyMinMemory)

	big := allocate(t, heap, 1000)
	free(t, heap, big)
	brk := arena.Break()

	small := allocate(t, heap, 100)
	require.Equal(t, big, small)
	require.Equal(t, usable(aligned(100)), heap.UsableSize(small))

	remainderSize := aligned(1000) - aligned(100) - metadata.HeaderSize
	require.Equal(t, 1, heap.FreeRegionsCount())
	require.Equal(t, remainderSize, heap.SumFreeSize())

	remainder := allocate(t, heap, usable(remainderSize))
	require.Equal(t, small+sbrk.Address(aligned(100)+metadata.HeaderSize), remainder)
	require.Equal(t, brk, arena.Break())

	free(t, heap, small)
	free(t, heap, remainder)
	require.Equal(t, 1, heap.FreeRegionsCount())
	require.Equal(t, aligned(1000), heap.LargestFreeSize())
}

func TestHeapNoSplitSmallRemainder(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, metadata.AllocationStrategyMinMemory)

	size := 16 + metadata.HeaderSize + metadata.MinSplit - memutils.PointerSize
	ptr := allocate(t, heap, size)
	free(t, heap, ptr)

	reused := allocate(t, heap, 16)
	require.Equal(t, ptr, reused)
	require.Equal(t, size, heap.UsableSize(reused))
	require.Equal(t, 0, heap.FreeRegionsCount())
}

func TestHeapOutOfMemory(t *testing.T) {
	arena := sbrk.NewArena(256)
	heap := metadata.NewHeap(arena, nil, metadata.AllocationStrategyMinMemory)

	allocate(t, heap, usable(256-metadata.HeaderSize))

	ptr, err := heap.Allocate(8)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, sbrk.Nil, ptr)
	require.NoError(t, heap.Validate())
	require.Equal(t, 1, heap.AllocationCount())

	ptr, err = heap.Allocate(math.MaxInt)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, sbrk.Nil, ptr)
}

func TestHeapTotalFreeBytes(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(1<<16), nil, metadata.AllocationStrategyMinMemory)

	var ptrs []sbrk.Address
	for i := 1; i <= 20; i++ {
		ptrs = append(ptrs, allocate(t, heap, i*8))
	}

	expected := 0
	for i := 0; i < len(ptrs); i += 2 {
		free(t, heap, ptrs[i])
		expected += aligned((i + 1) * 8)
	}

	require.Equal(t, 10, heap.FreeRegionsCount())
	require.Equal(t, expected, heap.SumFreeSize())
	require.Equal(t, aligned(19*8), heap.LargestFreeSize())

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	require.Equal(t, expected, stats.UnusedRangeBytes)
	require.Equal(t, 10, stats.AllocationCount)
}

func TestHeapInterleavedHeapsDoNotMerge(t *testing.T) {
	arena := sbrk.NewArena(4096)
	first := metadata.NewHeap(arena, nil, metadata.AllocationStrategyMinMemory)
	second := metadata.NewHeap(arena, nil, metadata.AllocationStrategyMinMemory)

	a := allocate(t, first, 32)
	between := allocate(t, second, 32)
	b := allocate(t, first, 32)
	require.Less(t, uint64(a), uint64(between))
	require.Less(t, uint64(between), uint64(b))

	free(t, first, a)
	free(t, first, b)
	require.Equal(t, 2, first.FreeRegionsCount())
	require.Equal(t, 2*aligned(32), first.SumFreeSize())
}

func TestLocalHeapDoesNotCoalesce(t *testing.T) {
	arena := sbrk.NewArena(4096)
	heap := metadata.NewLocalHeap(arena, nil, metadata.AllocationStrategyMinMemory)
	require.False(t, heap.TracksPhysical())

	a := allocate(t, heap, 40)
	b := allocate(t, heap, 64)
	free(t, heap, a)
	free(t, heap, b)
	require.Equal(t, 2, heap.FreeRegionsCount())

	brk := arena.Break()
	merged := allocate(t, heap, usable(aligned(40)+aligned(64)+metadata.HeaderSize))
	require.Equal(t, brk+sbrk.Address(metadata.HeaderSize), merged)

	var visited []int
	require.NoError(t, heap.VisitAllRegions(func(ptr sbrk.Address, size int, free bool) error {
		require.True(t, free)
		visited = append(visited, size)
		return nil
	}))
	require.ElementsMatch(t, []int{aligned(40), aligned(64)}, visited)
}

func TestLocalHeapSplits(t *testing.T) {
	arena := sbrk.NewArena(4096)
	heap := metadata.NewLocalHeap(arena, nil, metadata.AllocationStrategyMinMemory)

	big := allocate(t, heap, 512)
	free(t, heap, big)

	small := allocate(t, heap, 64)
	require.Equal(t, big, small)
	require.Equal(t, aligned(512)-aligned(64)-metadata.HeaderSize, heap.SumFreeSize())

	require.Error(t, heap.CheckCorruption())
}

func TestHeapValidateDetectsBrokenHeader(t *testing.T) {
	arena := sbrk.NewArena(4096)
	heap := metadata.NewHeap(arena, nil, metadata.AllocationStrategyMinMemory)

	allocate(t, heap, 32)
	ptr := allocate(t, heap, 32)

	header := arena.Bytes(metadata.HeaderOf(ptr), metadata.HeaderSize)
	header[0] = 1

	require.Error(t, heap.Validate())
}

func TestHeapVisitAllRegions(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, metadata.AllocationStrategyMinMemory)

	a := allocate(t, heap, 16)
	b := allocate(t, heap, 32)
	c := allocate(t, heap, 48)
	free(t, heap, b)

	type region struct {
		ptr  sbrk.Address
		size int
		free bool
	}
	var regions []region
	require.NoError(t, heap.VisitAllRegions(func(ptr sbrk.Address, size int, free bool) error {
		regions = append(regions, region{ptr, size, free})
		return nil
	}))

	require.Equal(t, []region{
		{a, aligned(16), false},
		{b, aligned(32), true},
		{c, aligned(48), false},
	}, regions)

	stop := errors.New("stop")
	count := 0
	err := heap.VisitAllRegions(func(ptr sbrk.Address, size int, free bool) error {
		count++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, count)
}

func TestHeapBlockJsonData(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, metadata.AllocationStrategyMinMemory)

	allocate(t, heap, 16)
	ptr := allocate(t, heap, 32)
	allocate(t, heap, 8)
	free(t, heap, ptr)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	heap.BlockJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, fmt.Sprintf(`{
		"SegmentBytes": %d,
		"GrowCount": 3,
		"AllocatedBytes": %d,
		"Allocations": 2,
		"UnusedBytes": %d,
		"UnusedRanges": 1,
		"LargestUnusedRange": %d,
		"Strategy": "AllocationStrategyMinMemory"
	}`,
		3*metadata.HeaderSize+aligned(16)+aligned(32)+aligned(8),
		aligned(16)+aligned(8),
		aligned(32),
		aligned(32),
	), string(writer.Bytes()))
}

func TestHeapCheckCorruption(t *testing.T) {
	heap := metadata.NewHeap(sbrk.NewArena(4096), nil, metadata.AllocationStrategyMinMemory)

	allocate(t, heap, 16)
	allocate(t, heap, 32)
	require.NoError(t, heap.CheckCorruption())
}
