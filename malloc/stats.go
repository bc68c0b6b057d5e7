package malloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
)

// BuildStatsString returns a JSON document describing the shared heap and its segment. When
// detailedMap is true, every block in the shared heap is listed in address order.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.heap.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	totalObj := objState.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats)
	totalObj.End()

	segmentObj := objState.Name("Segment").Object()
	segmentObj.Name("Limit").Int(a.segment.Limit())
	segmentObj.Name("Break").Int(int(a.segment.Break()))
	segmentObj.End()

	heapObj := objState.Name("SharedHeap").Object()
	a.heap.BlockJsonData(&heapObj)
	if detailedMap {
		a.printDetailedMap(&heapObj)
	}
	heapObj.End()

	objState.End()

	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("GrowCount").Int(stats.GrowCount)
	json.Name("SegmentBytes").Int(stats.SegmentBytes)
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedRangeBytes").Int(stats.UnusedRangeBytes)

	if stats.AllocationCount > 0 {
		sizeObj := json.Name("AllocationSize").Object()
		sizeObj.Name("Min").Int(stats.AllocationSizeMin)
		sizeObj.Name("Max").Int(stats.AllocationSizeMax)
		sizeObj.End()
	}

	if stats.UnusedRangeCount > 0 {
		sizeObj := json.Name("UnusedRangeSize").Object()
		sizeObj.Name("Min").Int(stats.UnusedRangeSizeMin)
		sizeObj.Name("Max").Int(stats.UnusedRangeSizeMax)
		sizeObj.End()
	}
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.heap.VisitAllRegions(func(ptr sbrk.Address, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(ptr))
		obj.Name("Size").Int(size)
		obj.Name("Free").Bool(free)

		return nil
	})
}
