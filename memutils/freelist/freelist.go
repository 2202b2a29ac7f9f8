package freelist

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framegraph/memutils"
)

// FreeList manages the free space within a single contiguous block of memory. Free space is
// tracked twice, once sorted by offset and once sorted by size, so that best-fit allocation and
// coalescing free are both a binary search away.
type FreeList struct {
	size     int
	sumFree  int
	byOffset []Range
	bySize   []Range

	// AllocationRange.Offset -> AllocationRange.Size for every live allocation
	allocations *swiss.Map[int, int]
}

var _ memutils.Validatable = &FreeList{}

// New creates a FreeList managing size bytes, all of which start out free
func New(size int) *FreeList {
	l := &FreeList{
		allocations: swiss.NewMap[int, int](42),
	}
	l.Init(size)
	return l
}

// Init discards all allocations and resets the list to a single free range covering size bytes
func (l *FreeList) Init(size int) {
	if size <= 0 {
		panic("attempted to initialize a free list with a non-positive size")
	}

	l.size = size
	l.sumFree = size
	l.byOffset = append(l.byOffset[:0], Range{Offset: 0, Size: size})
	l.bySize = append(l.bySize[:0], Range{Offset: 0, Size: size})

	l.allocations = swiss.NewMap[int, int](42)
}

// Size returns the size in bytes that the list was initialized with
func (l *FreeList) Size() int { return l.size }

// SumFreeSize returns the number of free bytes in the block
func (l *FreeList) SumFreeSize() int { return l.sumFree }

// AllocationCount returns the number of live allocations
func (l *FreeList) AllocationCount() int { return l.allocations.Count() }

// FreeRegionsCount returns the number of distinct free ranges
func (l *FreeList) FreeRegionsCount() int { return len(l.byOffset) }

// IsEmpty returns true if the block has no live allocations
func (l *FreeList) IsEmpty() bool { return l.sumFree == l.size }

// MaxAllocatableSize returns the size of the largest free range, or 0 if the block is full. No
// request larger than this can succeed, although a request of exactly this size can still fail
// if the alignment margin does not fit.
func (l *FreeList) MaxAllocatableSize() int {
	if len(l.bySize) == 0 {
		return 0
	}
	return l.bySize[len(l.bySize)-1].Size
}

// FreeRanges returns a copy of the free ranges in offset order
func (l *FreeList) FreeRanges() []Range {
	ranges := make([]Range, len(l.byOffset))
	copy(ranges, l.byOffset)
	return ranges
}

// Allocate attempts to carve size bytes aligned to alignment out of the smallest free range
// that can hold them
func (l *FreeList) Allocate(alignment uint, size int) (Allocation, bool) {
	memutils.DebugCheckPow2(alignment, "alignment")

	if size > l.MaxAllocatableSize() {
		return Allocation{}, false
	}

	alloc, ok := Allocate(&l.byOffset, &l.bySize, alignment, size)
	if !ok {
		return Allocation{}, false
	}

	l.sumFree -= alloc.AllocationRange.Size
	l.allocations.Put(alloc.AllocationRange.Offset, alloc.AllocationRange.Size)

	memutils.DebugValidate(l)
	return alloc, true
}

// Free returns an allocation range previously produced by Allocate to the list. An error is
// returned if the range does not match a live allocation.
func (l *FreeList) Free(r Range) error {
	size, ok := l.allocations.Get(r.Offset)
	if !ok {
		return errors.Newf("attempted to free a range at offset %d, which is not a live allocation", r.Offset)
	}
	if size != r.Size {
		return errors.Newf("attempted to free %d bytes at offset %d, but the allocation there is %d bytes", r.Size, r.Offset, size)
	}
	if r.Offset < 0 || r.End() > l.size {
		return errors.Wrapf(memutils.ErrRangeOutOfBounds, "range [%d, %d) in a block of %d bytes", r.Offset, r.End(), l.size)
	}

	l.allocations.Delete(r.Offset)
	Free(&l.byOffset, &l.bySize, r)
	l.sumFree += r.Size

	if len(l.byOffset) != len(l.bySize) {
		panic("free lists have diverged after returning a range")
	}

	memutils.DebugValidate(l)
	return nil
}

// Validate checks that both free lists hold the same ranges in their respective sort orders,
// that no free ranges touch or overlap, and that the byte totals account for the whole block
func (l *FreeList) Validate() error {
	if len(l.byOffset) != len(l.bySize) {
		return errors.Newf("offset-sorted list has %d ranges but size-sorted list has %d", len(l.byOffset), len(l.bySize))
	}

	calculatedFree := 0
	for i, r := range l.byOffset {
		if r.Size <= 0 {
			return errors.Newf("free range at offset %d has non-positive size %d", r.Offset, r.Size)
		}
		if r.Offset < 0 || r.End() > l.size {
			return errors.Wrapf(memutils.ErrRangeOutOfBounds, "free range [%d, %d)", r.Offset, r.End())
		}
		if i > 0 {
			previous := l.byOffset[i-1]
			if previous.Offset >= r.Offset || previous.Overlaps(r) {
				return errors.Newf("free ranges at offsets %d and %d are out of order or overlap", previous.Offset, r.Offset)
			}
			if previous.End() == r.Offset {
				return errors.Newf("free ranges at offsets %d and %d are adjacent but were not merged", previous.Offset, r.Offset)
			}
		}
		calculatedFree += r.Size
	}

	for i := 1; i < len(l.bySize); i++ {
		if !sizeLess(l.bySize[i-1], l.bySize[i]) {
			return errors.Newf("size-sorted list is out of order at index %d", i)
		}
	}

	sizesByOffset := make([]Range, len(l.bySize))
	copy(sizesByOffset, l.bySize)
	sort.Slice(sizesByOffset, func(i, j int) bool {
		return sizesByOffset[i].Offset < sizesByOffset[j].Offset
	})
	for i := range sizesByOffset {
		if sizesByOffset[i] != l.byOffset[i] {
			return errors.Newf("free lists disagree: range %+v is not present in both", l.byOffset[i])
		}
	}

	if calculatedFree != l.sumFree {
		return errors.Newf("free list tracks %d free bytes but its ranges contain %d", l.sumFree, calculatedFree)
	}

	allocatedBytes := 0
	l.allocations.Iter(func(offset int, size int) bool {
		allocatedBytes += size
		return false
	})
	if allocatedBytes+calculatedFree != l.size {
		return errors.Newf("allocations (%d bytes) and free ranges (%d bytes) do not add up to the block size %d", allocatedBytes, calculatedFree, l.size)
	}

	return nil
}

// AddStatistics sums this block's totals into stats
func (l *FreeList) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += l.size
	stats.AllocationCount += l.AllocationCount()
	stats.AllocationBytes += l.size - l.sumFree
}

// AddDetailedStatistics sums this block's totals, along with every allocation and free range, into stats
func (l *FreeList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += l.size

	for _, r := range l.byOffset {
		stats.AddUnusedRange(r.Size)
	}

	l.allocations.Iter(func(offset int, size int) bool {
		stats.AddAllocation(size)
		return false
	})
}

// BlockJsonData populates a json object with information about this block
func (l *FreeList) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(l.size)
	json.Name("UnusedBytes").Int(l.sumFree)
	json.Name("Allocations").Int(l.AllocationCount())
	json.Name("UnusedRanges").Int(len(l.byOffset))
	json.Name("LargestFreeRange").Int(l.MaxAllocatableSize())
}
