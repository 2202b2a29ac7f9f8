package freelist_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framegraph/memutils"
	"github.com/vkngwrapper/framegraph/memutils/freelist"
)

func sortedBySize(ranges ...freelist.Range) []freelist.Range {
	out := append([]freelist.Range(nil), ranges...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size < out[j].Size
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}

func TestAllocateBestFit(t *testing.T) {
	testCases := map[string]struct {
		FreeRanges []freelist.Range
		Alignment  uint
		Size       int

		ExpectedSuccess  bool
		ExpectedAlloc    freelist.Allocation
		ExpectedByOffset []freelist.Range
	}{
		"ExactSmallestFit": {
			FreeRanges: []freelist.Range{{0, 10}, {20, 5}, {30, 100}},
			Alignment:  1,
			Size:       5,

			ExpectedSuccess: true,
			ExpectedAlloc: freelist.Allocation{
				AllocationRange: freelist.Range{Offset: 20, Size: 5},
				UsableRange:     freelist.Range{Offset: 20, Size: 5},
			},
			ExpectedByOffset: []freelist.Range{{0, 10}, {30, 100}},
		},
		"ShrinkInPlace": {
			FreeRanges: []freelist.Range{{0, 10}, {20, 5}, {30, 100}},
			Alignment:  1,
			Size:       7,

			ExpectedSuccess: true,
			ExpectedAlloc: freelist.Allocation{
				AllocationRange: freelist.Range{Offset: 0, Size: 7},
				UsableRange:     freelist.Range{Offset: 0, Size: 7},
			},
			ExpectedByOffset: []freelist.Range{{7, 3}, {20, 5}, {30, 100}},
		},
		"AlignmentMarginSkipsSmallerRange": {
			FreeRanges: []freelist.Range{{4, 10}, {32, 40}},
			Alignment:  16,
			Size:       8,

			ExpectedSuccess: true,
			ExpectedAlloc: freelist.Allocation{
				AllocationRange: freelist.Range{Offset: 32, Size: 8},
				UsableRange:     freelist.Range{Offset: 32, Size: 8},
			},
			ExpectedByOffset: []freelist.Range{{4, 10}, {40, 32}},
		},
		"AlignmentMarginConsumed": {
			FreeRanges: []freelist.Range{{4, 30}},
			Alignment:  16,
			Size:       8,

			ExpectedSuccess: true,
			ExpectedAlloc: freelist.Allocation{
				AllocationRange: freelist.Range{Offset: 4, Size: 20},
				UsableRange:     freelist.Range{Offset: 16, Size: 8},
			},
			ExpectedByOffset: []freelist.Range{{24, 10}},
		},
		"LargerThanEveryRange": {
			FreeRanges: []freelist.Range{{0, 10}, {20, 5}, {40, 12}},
			Alignment:  1,
			Size:       13,

			ExpectedSuccess:  false,
			ExpectedByOffset: []freelist.Range{{0, 10}, {20, 5}, {40, 12}},
		},
		"NoRangeSurvivesAlignment": {
			FreeRanges: []freelist.Range{{1, 16}},
			Alignment:  16,
			Size:       16,

			ExpectedSuccess:  false,
			ExpectedByOffset: []freelist.Range{{1, 16}},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			byOffset := append([]freelist.Range(nil), testCase.FreeRanges...)
			bySize := sortedBySize(testCase.FreeRanges...)

			alloc, ok := freelist.Allocate(&byOffset, &bySize, testCase.Alignment, testCase.Size)
			require.Equal(t, testCase.ExpectedSuccess, ok)
			require.Equal(t, testCase.ExpectedAlloc, alloc)
			require.Equal(t, testCase.ExpectedByOffset, byOffset)
			require.Equal(t, sortedBySize(testCase.ExpectedByOffset...), bySize)
		})
	}
}

func TestFreeMergesAdjacentRanges(t *testing.T) {
	byOffset := []freelist.Range{{0, 10}, {20, 5}, {40, 10}}
	bySize := sortedBySize(byOffset...)

	freelist.Free(&byOffset, &bySize, freelist.Range{Offset: 10, Size: 10})
	require.Equal(t, []freelist.Range{{0, 25}, {40, 10}}, byOffset)
	require.Equal(t, []freelist.Range{{40, 10}, {0, 25}}, bySize)

	freelist.Free(&byOffset, &bySize, freelist.Range{Offset: 25, Size: 15})
	require.Equal(t, []freelist.Range{{0, 50}}, byOffset)
	require.Equal(t, []freelist.Range{{0, 50}}, bySize)
}

func TestFreeListRoundTrip(t *testing.T) {
	list := freelist.New(4096)
	rng := rand.New(rand.NewSource(1234))

	var live []freelist.Range
	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			require.NoError(t, list.Free(live[index]))
			live = append(live[:index], live[index+1:]...)
			require.NoError(t, list.Validate())
			continue
		}

		alignment := uint(1) << rng.Intn(6)
		size := 1 + rng.Intn(200)

		before := list.FreeRanges()
		alloc, ok := list.Allocate(alignment, size)
		if !ok {
			require.Equal(t, before, list.FreeRanges())
			continue
		}

		require.Zero(t, alloc.UsableRange.Offset%int(alignment))
		require.Equal(t, size, alloc.UsableRange.Size)
		require.Equal(t, alloc.AllocationRange.End(), alloc.UsableRange.End())

		// Returning the allocation immediately must restore the exact previous state
		require.NoError(t, list.Free(alloc.AllocationRange))
		require.Equal(t, before, list.FreeRanges())
		require.NoError(t, list.Validate())

		alloc, ok = list.Allocate(alignment, size)
		require.True(t, ok)
		live = append(live, alloc.AllocationRange)
		require.NoError(t, list.Validate())
	}

	for _, r := range live {
		require.NoError(t, list.Free(r))
	}
	require.True(t, list.IsEmpty())
	require.Equal(t, []freelist.Range{{0, 4096}}, list.FreeRanges())
	require.Equal(t, 4096, list.MaxAllocatableSize())
}

func TestFreeListRejectsBadFrees(t *testing.T) {
	list := freelist.New(100)

	alloc, ok := list.Allocate(1, 40)
	require.True(t, ok)

	require.Error(t, list.Free(freelist.Range{Offset: 50, Size: 10}))
	require.Error(t, list.Free(freelist.Range{Offset: 0, Size: 20}))

	require.NoError(t, list.Free(alloc.AllocationRange))
	require.Error(t, list.Free(alloc.AllocationRange))
	require.NoError(t, list.Validate())
}

func TestFreeListExhaustion(t *testing.T) {
	list := freelist.New(100)

	first, ok := list.Allocate(1, 60)
	require.True(t, ok)
	require.Equal(t, 40, list.MaxAllocatableSize())

	_, ok = list.Allocate(1, 50)
	require.False(t, ok)

	second, ok := list.Allocate(1, 40)
	require.True(t, ok)
	require.Equal(t, 0, list.MaxAllocatableSize())
	require.Equal(t, 0, list.SumFreeSize())
	require.Equal(t, 0, list.FreeRegionsCount())

	require.NoError(t, list.Free(first.AllocationRange))
	require.NoError(t, list.Free(second.AllocationRange))
	require.True(t, list.IsEmpty())
	require.Equal(t, 1, list.FreeRegionsCount())
}

func TestFreeListStatistics(t *testing.T) {
	list := freelist.New(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	list.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.Statistics{
		BlockCount: 1,
		BlockBytes: 1000,
	}, stats.Statistics)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, math.MaxInt, stats.AllocationSizeMin())
	require.Equal(t, 0, stats.AllocationSizeMax())
	require.Equal(t, 1000, stats.UnusedRangeSizeMin())
	require.Equal(t, 1000, stats.UnusedRangeSizeMax())

	first, ok := list.Allocate(1, 100)
	require.True(t, ok)
	_, ok = list.Allocate(1, 300)
	require.True(t, ok)
	require.NoError(t, list.Free(first.AllocationRange))

	stats.Clear()
	list.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1000,
		AllocationCount: 1,
		AllocationBytes: 300,
	}, stats.Statistics)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, 300, stats.AllocationSizeMin())
	require.Equal(t, 300, stats.AllocationSizeMax())
	require.Equal(t, 100, stats.UnusedRangeSizeMin())
	require.Equal(t, 600, stats.UnusedRangeSizeMax())

	var basic memutils.Statistics
	list.AddStatistics(&basic)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1000,
		AllocationCount: 1,
		AllocationBytes: 300,
	}, basic)
}
