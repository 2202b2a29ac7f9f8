package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics are running totals over some number of device memory blocks
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// WriteJSON writes the totals as fields of an open json object
func (s *Statistics) WriteJSON(obj *jwriter.ObjectState) {
	obj.Name("BlockCount").Int(s.BlockCount)
	obj.Name("BlockBytes").Int(s.BlockBytes)
	obj.Name("AllocationCount").Int(s.AllocationCount)
	obj.Name("AllocationBytes").Int(s.AllocationBytes)
}

// sizeRange tracks the smallest and largest of a set of sizes
type sizeRange struct {
	Min, Max int
}

func (r *sizeRange) reset() {
	r.Min = math.MaxInt
	r.Max = 0
}

func (r *sizeRange) add(size int) {
	if size < r.Min {
		r.Min = size
	}
	if size > r.Max {
		r.Max = size
	}
}

func (r *sizeRange) merge(other sizeRange) {
	r.add(other.Min)
	r.add(other.Max)
}

// DetailedStatistics extends Statistics with the size spread of allocations and of the free
// ranges between them. It must be cleared before use.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount int

	allocationSizes  sizeRange
	unusedRangeSizes sizeRange
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.allocationSizes.reset()
	s.unusedRangeSizes.reset()
}

func (s *DetailedStatistics) AllocationSizeMin() int  { return s.allocationSizes.Min }
func (s *DetailedStatistics) AllocationSizeMax() int  { return s.allocationSizes.Max }
func (s *DetailedStatistics) UnusedRangeSizeMin() int { return s.unusedRangeSizes.Min }
func (s *DetailedStatistics) UnusedRangeSizeMax() int { return s.unusedRangeSizes.Max }

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.unusedRangeSizes.add(size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.allocationSizes.add(size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.AllocationCount > 0 {
		s.allocationSizes.merge(other.allocationSizes)
	}
	if other.UnusedRangeCount > 0 {
		s.unusedRangeSizes.merge(other.unusedRangeSizes)
	}
}

// WriteJSON writes the statistics as fields of an open json object. Min/max sizes are skipped
// when nothing was counted.
func (s *DetailedStatistics) WriteJSON(obj *jwriter.ObjectState) {
	s.Statistics.WriteJSON(obj)
	obj.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(s.allocationSizes.Min)
		obj.Name("AllocationSizeMax").Int(s.allocationSizes.Max)
	}
	if s.UnusedRangeCount > 0 {
		obj.Name("UnusedRangeSizeMin").Int(s.unusedRangeSizes.Min)
		obj.Name("UnusedRangeSizeMax").Int(s.unusedRangeSizes.Max)
	}
}
