package vam

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/framegraph/memutils"
	"github.com/vkngwrapper/framegraph/memutils/freelist"
	"github.com/vkngwrapper/framegraph/vam/internal/vulkan"
	"golang.org/x/exp/slog"
)

var blockPool = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

// maxNewBlockSizeShift is the number of times a new standard block may be halved to fit
// within the memory type's remaining budget
const maxNewBlockSizeShift = 3

type allocationRequest struct {
	size          int
	alignment     uint
	mapped        bool
	neverAllocate bool

	// At most one of these is set, and only when a block created for the request will
	// hold nothing but this resource
	dedicatedBuffer core1_0.Buffer
	dedicatedImage  core1_0.Image
}

// memoryBlockList holds every block of device memory allocated from a single memory type.
// It is not synchronized: the owning Allocator holds its write lock for every mutation.
type memoryBlockList struct {
	logger       *slog.Logger
	device       vulkan.Device
	deviceMemory *vulkan.DeviceMemoryProperties

	memoryTypeIndex      int
	preferredBlockSize   int
	dedicatedAllocations bool

	blocks      []*deviceMemoryBlock
	nextBlockId int
}

func (l *memoryBlockList) MemoryTypeIndex() int    { return l.memoryTypeIndex }
func (l *memoryBlockList) PreferredBlockSize() int { return l.preferredBlockSize }
func (l *memoryBlockList) BlockCount() int         { return len(l.blocks) }

func (l *memoryBlockList) Init(
	logger *slog.Logger,
	device vulkan.Device,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	preferredBlockSize int,
	dedicatedAllocations bool,
) {
	l.logger = logger
	l.device = device
	l.deviceMemory = deviceMemory
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.dedicatedAllocations = dedicatedAllocations
}

func (l *memoryBlockList) Destroy() error {
	for _, block := range l.blocks {
		err := block.Destroy()
		if err != nil {
			return err
		}
		blockPool.Put(block)
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.freeList.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.freeList.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) CreateBlock(blockSize int, dedicated bool, next common.Options) (int, common.VkResult, error) {
	allocInfo := core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: l.memoryTypeIndex,
		AllocationSize:  blockSize,
	}
	allocInfo.Next = next

	memory, res, err := l.deviceMemory.AllocateVulkanMemory(allocInfo)
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Failed to allocate block",
			slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
			slog.Int("Size", blockSize),
			slog.String("Result", res.String()),
		)
		return -1, res, err
	}

	block := blockPool.Get().(*deviceMemoryBlock)
	block.Init(l.logger, l.device, l.deviceMemory, l.memoryTypeIndex, memory, blockSize, l.nextBlockId, dedicated)
	l.nextBlockId++

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("Size", blockSize),
		slog.Bool("Dedicated", dedicated),
	)

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, res, nil
}

func (l *memoryBlockList) Remove(block *deviceMemoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

func (l *memoryBlockList) Allocate(request allocationRequest, outAlloc *memoryAllocation) (common.VkResult, error) {
	if request.size > l.preferredBlockSize {
		// Requests that can't fit in a standard block get a block of their own
		if request.neverAllocate {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}
		return l.allocateDedicated(request, outAlloc)
	}

	// 1. Search existing blocks, which are kept roughly sorted so that the fullest blocks come first
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		currentBlock := l.blocks[blockIndex]
		if currentBlock == nil {
			panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
		}

		if currentBlock.dedicated || currentBlock.freeList.MaxAllocatableSize() < request.size {
			continue
		}

		ranges, ok := currentBlock.freeList.Allocate(request.alignment, request.size)
		if !ok {
			continue
		}

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
		return l.commitAllocation(currentBlock, ranges, request, outAlloc)
	}

	if request.neverAllocate {
		return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	// 2. Try to create a new block, shrinking it if the remaining budget can't cover a full one
	freeMemory := l.deviceMemory.AvailableBytes(l.memoryTypeIndex)
	newBlockSize := l.preferredBlockSize
	for newBlockSizeShift := 0; newBlockSize > freeMemory && newBlockSizeShift < maxNewBlockSizeShift; newBlockSizeShift++ {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize < request.size {
			break
		}
		newBlockSize = smallerNewBlockSize
	}

	if newBlockSize > freeMemory {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Memory type budget exhausted",
			slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
			slog.Int("Available", freeMemory),
			slog.Int("Size", request.size),
		)
		return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	newBlockIndex, res, err := l.CreateBlock(newBlockSize, false, nil)
	if err != nil {
		return res, err
	}

	block := l.blocks[newBlockIndex]
	ranges, ok := block.freeList.Allocate(request.alignment, request.size)
	if !ok {
		panic(fmt.Sprintf("created a new block of size %d to hold an allocation of size %d but the allocation did not fit", block.Size(), request.size))
	}

	return l.commitAllocation(block, ranges, request, outAlloc)
}

func (l *memoryBlockList) allocateDedicated(request allocationRequest, outAlloc *memoryAllocation) (common.VkResult, error) {
	if request.size > l.deviceMemory.AvailableBytes(l.memoryTypeIndex) {
		return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	var next common.Options
	if l.dedicatedAllocations && (request.dedicatedBuffer != nil || request.dedicatedImage != nil) {
		next = khr_dedicated_allocation.MemoryDedicatedAllocateInfo{
			Buffer: request.dedicatedBuffer,
			Image:  request.dedicatedImage,
		}
	}

	blockIndex, res, err := l.CreateBlock(request.size, true, next)
	if err != nil {
		return res, err
	}

	block := l.blocks[blockIndex]
	ranges, ok := block.freeList.Allocate(request.alignment, request.size)
	if !ok {
		panic(fmt.Sprintf("created a dedicated block of size %d but could not allocate %d bytes from it", block.Size(), request.size))
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated as dedicated block", slog.Int("block.id", block.id))
	return l.commitAllocation(block, ranges, request, outAlloc)
}

func (l *memoryBlockList) commitAllocation(block *deviceMemoryBlock, ranges freelist.Allocation, request allocationRequest, outAlloc *memoryAllocation) (common.VkResult, error) {
	if request.mapped && l.deviceMemory.IsMemoryTypeHostVisible(l.memoryTypeIndex) {
		_, res, err := block.Map()
		if err != nil {
			freeErr := block.freeList.Free(ranges.AllocationRange)
			if freeErr != nil {
				panic(fmt.Sprintf("unexpected error when returning an allocation after a failed map: %+v", freeErr))
			}
			return res, err
		}
	}

	outAlloc.block = block
	outAlloc.ranges = ranges

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, ranges.AllocationRange.Size)

	memutils.DebugValidate(block)
	l.incrementallySortBlocks()
	return core1_0.VKSuccess, nil
}

// Free returns an allocation to its block. A block left with no allocations is released only
// when it is larger than a standard block, or when another empty standard block already exists.
func (l *memoryBlockList) Free(alloc *memoryAllocation) {
	block := alloc.block
	if block == nil {
		panic("attempted to free an allocation that does not belong to a block")
	}

	hasEmptyBlockBeforeFree := l.hasEmptyStandardBlock()

	err := block.freeList.Free(alloc.ranges.AllocationRange)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation at offset %d in block %d: %+v", alloc.ranges.AllocationRange.Offset, block.id, err))
	}
	memutils.DebugValidate(block)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.RemoveAllocation(heapIndex, alloc.ranges.AllocationRange.Size)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", l.memoryTypeIndex), slog.Int("block.id", block.id))

	if block.freeList.IsEmpty() && (block.dedicated || block.Size() > l.preferredBlockSize || hasEmptyBlockBeforeFree) {
		l.Remove(block)

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", block.id))
		err = block.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(block)
	}

	alloc.block = nil
	l.incrementallySortBlocks()
}

func (l *memoryBlockList) hasEmptyStandardBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if !block.dedicated && block.freeList.IsEmpty() {
			return true
		}
	}

	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].freeList.SumFreeSize() > l.blocks[blockIndex].freeList.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) PrintDetailedMap(json jwriter.ObjectState) {
	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		blockObj := json.Name(strconv.Itoa(block.id)).Object()
		block.printJson(blockObj)
		blockObj.End()
	}
}
