package vam

import (
	"math"
	"math/bits"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/memutils"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
	"github.com/vkngwrapper/framegraph/vam/internal/vulkan"
	"golang.org/x/exp/slog"
)

// Budget reports the memory usage of a single device memory heap
type Budget = vulkan.Budget

// Allocator creates buffers and images, places them in large blocks of device memory, and
// delays their destruction until the GPU can no longer be using them.
//
// Lookups (Buffer, Image, MappedData, statistics) take a shared lock, everything else takes an
// exclusive lock, unless the allocator was created with AllocatorCreateExternallySynchronized.
type Allocator struct {
	logger      *slog.Logger
	device      vulkan.Device
	mutex       allocatorLock
	createFlags CreateFlags

	frameCount        int
	currentFrame      int
	standardBlockSize int

	deviceMemory     *vulkan.DeviceMemoryProperties
	memoryBlockLists [common.MaxMemoryTypes]*memoryBlockList

	buffers *slotmap.SlotMap[bufferAllocation]
	images  *slotmap.SlotMap[imageAllocation]

	// Objects destroyed while each frame index was current. They are released the next time
	// that frame index becomes current.
	pendingDestroys [][]pendingDestroy
}

// FrameCount is the number of frames in flight this allocator was created with
func (a *Allocator) FrameCount() int { return a.frameCount }

// CurrentFrameIndex is the frame index most recently passed to SetFrameIndex
func (a *Allocator) CurrentFrameIndex() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.currentFrame
}

// FindMemoryTypeIndex returns the memory type that best suits the provided options, among the memory
// types set in memoryTypeBits. Every candidate must have all the RequiredFlags. Among those,
// the type with the most PreferredFlags wins, ties go to the type with the fewest unrelated flags,
// and remaining ties go to the lowest index. core1_0.VKErrorFeatureNotPresent is returned if
// there is no candidate.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o ResourceCreateInfo,
) (int, common.VkResult, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, o.RequiredFlags, o.PreferredFlags)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	requiredFlags, preferredFlags core1_0.MemoryPropertyFlags,
) (int, common.VkResult, error) {
	bestMemoryTypeIndex := -1
	bestPreferredCount := -1
	bestUnrelatedCount := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		preferredCount := bits.OnesCount32(uint32(preferredFlags & flags))
		unrelatedCount := bits.OnesCount32(uint32(flags &^ (requiredFlags | preferredFlags)))

		if preferredCount > bestPreferredCount ||
			(preferredCount == bestPreferredCount && unrelatedCount < bestUnrelatedCount) {
			bestMemoryTypeIndex = memTypeIndex
			bestPreferredCount = preferredCount
			bestUnrelatedCount = unrelatedCount
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFeatureNotPresent.ToError()
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}

// allocateMemory places an allocation in the best memory type for the provided options. If a memory
// type cannot hold the allocation, it is removed from consideration and the next best type is tried.
func (a *Allocator) allocateMemory(
	memoryRequirements *core1_0.MemoryRequirements,
	o *ResourceCreateInfo,
	dedicatedBuffer core1_0.Buffer,
	dedicatedImage core1_0.Image,
	outAlloc *memoryAllocation,
) (common.VkResult, error) {
	err := memutils.CheckPow2(memoryRequirements.Alignment, "core1_0.MemoryRequirements.Alignment")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	if memoryRequirements.Size < 1 {
		return core1_0.VKErrorUnknown, errors.New("provided memory requirement size was not a positive integer")
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	memoryTypeIndex, res, err := a.findMemoryTypeIndex(memoryBits, o.RequiredFlags, o.PreferredFlags)
	if err != nil {
		return res, err
	}

	request := allocationRequest{
		size:            memoryRequirements.Size,
		alignment:       uint(memoryRequirements.Alignment),
		mapped:          o.Flags&ResourceCreateMapped != 0,
		neverAllocate:   o.Flags&ResourceCreateNeverAllocate != 0,
		dedicatedBuffer: dedicatedBuffer,
		dedicatedImage:  dedicatedImage,
	}

	for err == nil {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return core1_0.VKErrorUnknown, errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		a.logger.Debug("Allocator::allocateMemory", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", request.size))

		res, err = blockList.Allocate(request, outAlloc)

		// Allocation succeeded (or irrevocably failed)
		if err == nil || res == core1_0.VKErrorUnknown {
			return res, err
		}

		// Remove memory type index from possibilities
		memoryBits &= ^(1 << memoryTypeIndex)
		// Find a new memorytypeindex
		memoryTypeIndex, res, err = a.findMemoryTypeIndex(memoryBits, o.RequiredFlags, o.PreferredFlags)
	}

	a.logger.Debug("  AllocateMemory FAILED")
	return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
}

func (a *Allocator) freeMemory(alloc *memoryAllocation) {
	if alloc.block == nil {
		return
	}

	a.memoryBlockLists[alloc.MemoryTypeIndex()].Free(alloc)
}

// CreateBuffer creates a buffer, places it in device memory, and binds it. If o.Flags contains
// ResourceCreatePerFrame, one buffer is created for each frame in flight. All of them share one
// allocation, each bound at its own aligned offset.
//
// On failure, an invalid handle is returned.
func (a *Allocator) CreateBuffer(bufferInfo core1_0.BufferCreateInfo, o ResourceCreateInfo) (BufferHandle, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateBuffer",
		slog.Int("Size", bufferInfo.Size),
		slog.String("Flags", o.Flags.String()),
		slog.String("Name", o.Name),
	)

	if bufferInfo.Size < 1 {
		return BufferHandle{}, core1_0.VKErrorUnknown, errors.New("attempted to create a buffer with a size that was not a positive integer")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	bufferCount := 1
	if o.Flags&ResourceCreatePerFrame != 0 {
		bufferCount = a.frameCount
	}

	alloc := bufferAllocation{
		name:    o.Name,
		flags:   o.Flags,
		buffers: make([]core1_0.Buffer, 0, bufferCount),
	}

	var memReqs core1_0.MemoryRequirements
	for bufferIndex := 0; bufferIndex < bufferCount; bufferIndex++ {
		buffer, bufferReqs, res, err := a.device.CreateBuffer(bufferInfo)
		if err != nil {
			a.destroyBuffers(alloc.buffers)
			return BufferHandle{}, res, err
		}

		alloc.buffers = append(alloc.buffers, buffer)
		memReqs = *bufferReqs
	}

	err := memutils.CheckPow2(memReqs.Alignment, "core1_0.MemoryRequirements.Alignment")
	if err != nil {
		a.destroyBuffers(alloc.buffers)
		return BufferHandle{}, core1_0.VKErrorUnknown, err
	}

	alloc.stride = memutils.AlignUp(memReqs.Size, uint(memReqs.Alignment))
	memReqs.Size = alloc.stride * bufferCount

	var dedicatedBuffer core1_0.Buffer
	if bufferCount == 1 {
		dedicatedBuffer = alloc.buffers[0]
	}

	res, err := a.allocateMemory(&memReqs, &o, dedicatedBuffer, nil, &alloc.memory)
	if err != nil {
		a.destroyBuffers(alloc.buffers)
		return BufferHandle{}, res, err
	}

	for bufferIndex, buffer := range alloc.buffers {
		res, err = a.device.BindBufferMemory(buffer, alloc.memory.Memory(), alloc.memory.Offset()+bufferIndex*alloc.stride)
		if err != nil {
			a.freeMemory(&alloc.memory)
			a.destroyBuffers(alloc.buffers)
			return BufferHandle{}, res, err
		}
	}

	handle := BufferHandle{a.buffers.Insert(alloc)}
	a.logger.Debug("  Created buffer",
		slog.String("Handle", handle.String()),
		slog.Int("MemoryTypeIndex", alloc.memory.MemoryTypeIndex()),
		slog.Int("Offset", alloc.memory.Offset()),
	)

	return handle, core1_0.VKSuccess, nil
}

func (a *Allocator) destroyBuffers(buffers []core1_0.Buffer) {
	for _, buffer := range buffers {
		a.device.DestroyBuffer(buffer)
	}
}

// CreateImage creates an image, places it in device memory, and binds it. On failure, an invalid
// handle is returned.
func (a *Allocator) CreateImage(imageInfo core1_0.ImageCreateInfo, o ResourceCreateInfo) (ImageHandle, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateImage",
		slog.Int("Width", imageInfo.Extent.Width),
		slog.Int("Height", imageInfo.Extent.Height),
		slog.String("Format", imageInfo.Format.String()),
		slog.String("Name", o.Name),
	)

	if imageInfo.Extent.Width < 1 || imageInfo.Extent.Height < 1 || imageInfo.Extent.Depth < 1 ||
		imageInfo.MipLevels < 1 || imageInfo.ArrayLayers < 1 {
		return ImageHandle{}, core1_0.VKErrorUnknown, errors.New("attempted to create an image with an empty extent, mip level count, or array layer count")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	image, memReqs, res, err := a.device.CreateImage(imageInfo)
	if err != nil {
		return ImageHandle{}, res, err
	}

	alloc := imageAllocation{
		name:  o.Name,
		flags: o.Flags &^ ResourceCreatePerFrame,
		image: image,
	}

	res, err = a.allocateMemory(memReqs, &o, nil, image, &alloc.memory)
	if err != nil {
		a.device.DestroyImage(image)
		return ImageHandle{}, res, err
	}

	res, err = a.device.BindImageMemory(image, alloc.memory.Memory(), alloc.memory.Offset())
	if err != nil {
		a.freeMemory(&alloc.memory)
		a.device.DestroyImage(image)
		return ImageHandle{}, res, err
	}

	handle := ImageHandle{a.images.Insert(alloc)}
	a.logger.Debug("  Created image",
		slog.String("Handle", handle.String()),
		slog.Int("MemoryTypeIndex", alloc.memory.MemoryTypeIndex()),
		slog.Int("Offset", alloc.memory.Offset()),
	)

	return handle, core1_0.VKSuccess, nil
}

// CreateImageView creates a view with the allocator's device. Views should be destroyed
// with DestroyImageView so that their destruction is delayed until the GPU is done with them.
func (a *Allocator) CreateImageView(viewInfo core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateImageView")

	if viewInfo.Image == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to create an image view for a nil image")
	}

	return a.device.CreateImageView(viewInfo)
}

// Buffer returns the native buffer for the provided handle and frame index. Buffers that were not
// created with ResourceCreatePerFrame return the same buffer for every frame index. nil is returned
// for an unknown handle or frame index.
func (a *Allocator) Buffer(handle BufferHandle, frameIndex int) core1_0.Buffer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc := a.buffers.GetPtr(handle.Handle)
	if alloc == nil {
		return nil
	}

	if len(alloc.buffers) == 1 {
		return alloc.buffers[0]
	}

	if frameIndex < 0 || frameIndex >= len(alloc.buffers) {
		return nil
	}

	return alloc.buffers[frameIndex]
}

// Image returns the native image for the provided handle, or nil if the handle is unknown
func (a *Allocator) Image(handle ImageHandle) core1_0.Image {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc := a.images.GetPtr(handle.Handle)
	if alloc == nil {
		return nil
	}

	return alloc.image
}

// MappedData returns a host pointer to the memory of the provided buffer for the provided frame
// index. nil is returned if the buffer was not created with ResourceCreateMapped, or if it was
// placed in memory that is not HOST_VISIBLE.
func (a *Allocator) MappedData(handle BufferHandle, frameIndex int) unsafe.Pointer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc := a.buffers.GetPtr(handle.Handle)
	if alloc == nil || alloc.flags&ResourceCreateMapped == 0 {
		return nil
	}

	if len(alloc.buffers) == 1 {
		frameIndex = 0
	} else if frameIndex < 0 || frameIndex >= len(alloc.buffers) {
		return nil
	}

	return alloc.memory.MappedData(frameIndex * alloc.stride)
}

// BufferMemoryTypeIndex returns the memory type index the provided buffer was placed in
func (a *Allocator) BufferMemoryTypeIndex(handle BufferHandle) (int, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc := a.buffers.GetPtr(handle.Handle)
	if alloc == nil {
		return -1, false
	}

	return alloc.memory.MemoryTypeIndex(), true
}

// ImageMemoryTypeIndex returns the memory type index the provided image was placed in
func (a *Allocator) ImageMemoryTypeIndex(handle ImageHandle) (int, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc := a.images.GetPtr(handle.Handle)
	if alloc == nil {
		return -1, false
	}

	return alloc.memory.MemoryTypeIndex(), true
}

// DestroyBuffer invalidates the provided handle immediately. The native buffers and their memory
// are released the next time the current frame index is passed to SetFrameIndex.
func (a *Allocator) DestroyBuffer(handle BufferHandle) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc, ok := a.buffers.Remove(handle.Handle)
	if !ok {
		return errors.Newf("attempted to destroy unknown buffer %s", handle)
	}

	a.logger.Debug("Allocator::DestroyBuffer", slog.String("Handle", handle.String()), slog.Int("FrameIndex", a.currentFrame))

	a.pendingDestroys[a.currentFrame] = append(a.pendingDestroys[a.currentFrame], pendingDestroy{
		buffers: alloc.buffers,
		memory:  alloc.memory,
	})
	return nil
}

// DestroyImage invalidates the provided handle immediately. The native image and its memory
// are released the next time the current frame index is passed to SetFrameIndex.
func (a *Allocator) DestroyImage(handle ImageHandle) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc, ok := a.images.Remove(handle.Handle)
	if !ok {
		return errors.Newf("attempted to destroy unknown image %s", handle)
	}

	a.logger.Debug("Allocator::DestroyImage", slog.String("Handle", handle.String()), slog.Int("FrameIndex", a.currentFrame))

	a.pendingDestroys[a.currentFrame] = append(a.pendingDestroys[a.currentFrame], pendingDestroy{
		image:  alloc.image,
		memory: alloc.memory,
	})
	return nil
}

// DestroyImageView releases the provided view the next time the current frame index is passed to
// SetFrameIndex
func (a *Allocator) DestroyImageView(view core1_0.ImageView) {
	if view == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.pendingDestroys[a.currentFrame] = append(a.pendingDestroys[a.currentFrame], pendingDestroy{
		view: view,
	})
}

// SetFrameIndex should be called at the start of each frame, once the GPU has finished the frame
// that last used this frame index. Everything that was destroyed while frameIndex was last current
// is released, and frameIndex becomes current.
func (a *Allocator) SetFrameIndex(frameIndex int) error {
	if frameIndex < 0 || frameIndex >= a.frameCount {
		return errors.Newf("frame index %d is out of range for an allocator with %d frames in flight", frameIndex, a.frameCount)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.flushPendingDestroys(frameIndex)
	a.currentFrame = frameIndex
	return nil
}

func (a *Allocator) flushPendingDestroys(frameIndex int) {
	pending := a.pendingDestroys[frameIndex]
	if len(pending) == 0 {
		return
	}

	a.logger.Debug("Allocator::flushPendingDestroys", slog.Int("FrameIndex", frameIndex), slog.Int("Count", len(pending)))

	for i := range pending {
		if pending[i].view != nil {
			a.device.DestroyImageView(pending[i].view)
		}
	}

	for i := range pending {
		a.destroyBuffers(pending[i].buffers)
		if pending[i].image != nil {
			a.device.DestroyImage(pending[i].image)
		}
		a.freeMemory(&pending[i].memory)

		pending[i] = pendingDestroy{}
	}

	a.pendingDestroys[frameIndex] = pending[:0]
}

// Destroy releases everything this allocator owns, including resources that are still live and
// resources awaiting deferred destruction. The GPU must be idle.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for frameIndex := 0; frameIndex < a.frameCount; frameIndex++ {
		a.flushPendingDestroys(frameIndex)
	}

	a.buffers.Each(func(handle slotmap.Handle, alloc *bufferAllocation) bool {
		a.logger.Warn("[UNRELEASED BUFFER] buffer was still live when the allocator was destroyed",
			slog.String("Handle", handle.String()),
			slog.String("Name", alloc.name),
		)
		a.destroyBuffers(alloc.buffers)
		a.freeMemory(&alloc.memory)
		return false
	})
	a.buffers.Clear()

	a.images.Each(func(handle slotmap.Handle, alloc *imageAllocation) bool {
		a.logger.Warn("[UNRELEASED IMAGE] image was still live when the allocator was destroyed",
			slog.String("Handle", handle.String()),
			slog.String("Name", alloc.name),
		)
		a.device.DestroyImage(alloc.image)
		a.freeMemory(&alloc.memory)
		return false
	})
	a.images.Clear()

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		list := a.memoryBlockLists[memTypeIndex]
		if list == nil {
			continue
		}

		err := list.Destroy()
		if err != nil {
			return err
		}
		a.memoryBlockLists[memTypeIndex] = nil
	}

	return nil
}

// AllocatorStatistics breaks down allocator memory usage by memory type and heap
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics walks every block of device memory and totals allocations and unused ranges
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.calculateStatistics(stats)
}

func (a *Allocator) calculateStatistics(stats *AllocatorStatistics) {
	stats.Total.Clear()
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		list := a.memoryBlockLists[typeIndex]
		if list == nil {
			continue
		}

		list.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		stats.Total.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}
}

// CalculateSummaryStatistics totals the blocks and allocations of every memory type into stats,
// without walking individual allocations and unused ranges
func (a *Allocator) CalculateSummaryStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		list := a.memoryBlockLists[typeIndex]
		if list == nil {
			continue
		}

		list.AddStatistics(stats)
	}
}

// HeapBudgets populates budgets with the usage of consecutive heaps, beginning with firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) {
	a.deviceMemory.HeapBudgets(firstHeap, budgets)
}

// BuildStatsString produces a json document describing the allocator's memory usage. If detailed
// is true, every block, free range, and live resource is included.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats AllocatorStatistics
	a.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	general.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	general.Name("FrameCount").Int(a.frameCount)
	general.Name("CurrentFrameIndex").Int(a.currentFrame)
	general.Name("Flags").String(a.createFlags.String())
	general.End()

	total := obj.Name("Total").Object()
	stats.Total.WriteJSON(&total)
	total.End()

	heaps := obj.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heapInfo := a.deviceMemory.MemoryHeapProperties(heapIndex)
		heapObj := heaps.Name("Heap " + strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Size").Int(heapInfo.Size)
		heapObj.Name("Flags").String(heapInfo.Flags.String())

		var budget Budget
		a.deviceMemory.HeapBudget(heapIndex, &budget)
		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budget.Budget)
		budgetObj.Name("UsageBytes").Int(budget.Usage)
		budgetObj.End()

		heapStats := heapObj.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].WriteJSON(&heapStats)
		heapStats.End()

		types := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := types.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())

			_, typeBudget := a.deviceMemory.MemoryTypeBudget(typeIndex)
			typeObj.Name("BelievedBudget").Int(typeBudget)

			typeStats := typeObj.Name("Stats").Object()
			stats.MemoryTypes[typeIndex].WriteJSON(&typeStats)
			typeStats.End()
			typeObj.End()
		}
		types.End()
		heapObj.End()
	}
	heaps.End()

	if detailed {
		blockLists := obj.Name("DefaultPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			list := a.memoryBlockLists[typeIndex]
			if list == nil || list.BlockCount() == 0 {
				continue
			}

			typeObj := blockLists.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("PreferredBlockSize").Int(list.PreferredBlockSize())

			blocks := typeObj.Name("Blocks").Object()
			list.PrintDetailedMap(blocks)
			blocks.End()
			typeObj.End()
		}
		blockLists.End()

		resources := obj.Name("Resources").Array()
		a.buffers.Each(func(handle slotmap.Handle, alloc *bufferAllocation) bool {
			resourceObj := resources.Object()
			resourceObj.Name("Handle").String(handle.String())
			alloc.printParameters(&resourceObj)
			resourceObj.End()
			return false
		})
		a.images.Each(func(handle slotmap.Handle, alloc *imageAllocation) bool {
			resourceObj := resources.Object()
			resourceObj.Name("Handle").String(handle.String())
			alloc.printParameters(&resourceObj)
			resourceObj.End()
			return false
		})
		resources.End()
	}

	obj.End()
	return string(writer.Bytes())
}
