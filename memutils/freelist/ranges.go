package freelist

import (
	"sort"

	"github.com/vkngwrapper/framegraph/memutils"
	"golang.org/x/exp/slices"
)

// Range is a contiguous run of bytes within a block, starting at Offset and
// containing Size bytes
type Range struct {
	Offset int
	Size   int
}

// End returns the first offset past the end of the range
func (r Range) End() int { return r.Offset + r.Size }

// Overlaps returns true if the two ranges share at least one byte
func (r Range) Overlaps(other Range) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// Allocation is the result of a successful call to Allocate
type Allocation struct {
	// AllocationRange is the range that was removed from the free lists, including any bytes
	// skipped to satisfy alignment. Passing it to Free restores the free lists to the state
	// they were in before the allocation.
	AllocationRange Range
	// UsableRange is the aligned range of exactly the requested size
	UsableRange Range
}

func sizeLess(left, right Range) bool {
	if left.Size != right.Size {
		return left.Size < right.Size
	}
	return left.Offset < right.Offset
}

func offsetIndex(byOffset []Range, offset int) int {
	return sort.Search(len(byOffset), func(i int) bool {
		return byOffset[i].Offset >= offset
	})
}

func sizeIndex(bySize []Range, r Range) int {
	return sort.Search(len(bySize), func(i int) bool {
		return !sizeLess(bySize[i], r)
	})
}

func insertBySize(bySize *[]Range, r Range) {
	index := sizeIndex(*bySize, r)
	*bySize = slices.Insert(*bySize, index, r)
}

func removeBySize(bySize *[]Range, r Range) {
	index := sizeIndex(*bySize, r)
	if index >= len(*bySize) || (*bySize)[index] != r {
		panic("size-sorted free list does not contain a range present in the offset-sorted free list")
	}
	*bySize = slices.Delete(*bySize, index, index+1)
}

// Allocate carves size bytes aligned to alignment out of the free ranges described by byOffset
// and bySize, which must contain the same ranges sorted by offset and by (size, offset) respectively.
//
// The smallest free range that can hold the request after skipping its alignment margin is chosen.
// If that range is larger than needed it is shrunk in place, otherwise it is removed from both lists.
// Returns false without modifying either list if no single free range can hold the request.
func Allocate(byOffset, bySize *[]Range, alignment uint, size int) (Allocation, bool) {
	if size <= 0 {
		return Allocation{}, false
	}

	sizes := *bySize
	start := sort.Search(len(sizes), func(i int) bool {
		return sizes[i].Size >= size
	})

	for sizeIdx := start; sizeIdx < len(sizes); sizeIdx++ {
		candidate := sizes[sizeIdx]
		margin := memutils.AlignmentMargin(candidate.Offset, alignment)
		if candidate.Size-margin < size {
			continue
		}

		consumed := margin + size
		alloc := Allocation{
			AllocationRange: Range{Offset: candidate.Offset, Size: consumed},
			UsableRange:     Range{Offset: candidate.Offset + margin, Size: size},
		}

		offsetIdx := offsetIndex(*byOffset, candidate.Offset)
		if offsetIdx >= len(*byOffset) || (*byOffset)[offsetIdx] != candidate {
			panic("offset-sorted free list does not contain a range present in the size-sorted free list")
		}

		*bySize = slices.Delete(*bySize, sizeIdx, sizeIdx+1)
		if consumed == candidate.Size {
			*byOffset = slices.Delete(*byOffset, offsetIdx, offsetIdx+1)
			return alloc, true
		}

		// The remainder keeps its position in the offset-sorted list: it starts later
		// but still before the next free range
		remainder := Range{Offset: candidate.Offset + consumed, Size: candidate.Size - consumed}
		(*byOffset)[offsetIdx] = remainder
		insertBySize(bySize, remainder)
		return alloc, true
	}

	return Allocation{}, false
}

// Free returns r to the free ranges described by byOffset and bySize, then merges every run of
// offset-adjacent free ranges in a single pass. The caller is responsible for ensuring that r does
// not overlap a range that is already free.
func Free(byOffset, bySize *[]Range, r Range) {
	if r.Size <= 0 {
		return
	}

	index := offsetIndex(*byOffset, r.Offset)
	*byOffset = slices.Insert(*byOffset, index, r)
	insertBySize(bySize, r)

	merged := (*byOffset)[:0]
	for _, current := range *byOffset {
		last := len(merged) - 1
		if last >= 0 && merged[last].End() == current.Offset {
			previous := merged[last]
			removeBySize(bySize, previous)
			removeBySize(bySize, current)

			previous.Size += current.Size
			insertBySize(bySize, previous)
			merged[last] = previous
			continue
		}

		merged = append(merged, current)
	}

	*byOffset = merged
}
