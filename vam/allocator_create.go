package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framegraph/memutils"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
	"github.com/vkngwrapper/framegraph/vam/internal/vulkan"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one thread at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateDedicatedAllocations attaches khr_dedicated_allocation.MemoryDedicatedAllocateInfo
	// to blocks of device memory that are created to hold a single oversized resource. The
	// VK_KHR_dedicated_allocation extension (or core 1.1) must be active on the device.
	AllocatorCreateDedicatedAllocations
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateDedicatedAllocations.Register("AllocatorCreateDedicatedAllocations")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the StandardBlockSize when none
	// is provided via CreateOptions. It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
	// defaultFrameCount is the number of frames in flight used when none is provided via CreateOptions
	defaultFrameCount int = 2
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// FrameCount is the number of frames that may be in flight at once. Destroyed resources are
	// only released once the frame index they were destroyed in comes around again, and buffers
	// created with ResourceCreatePerFrame get one copy per frame. Defaults to 2.
	FrameCount int
	// StandardBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte. Smaller heaps use an eighth of the heap size.
	StandardBlockSize int

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on objects
	// created by this allocator
	VulkanCallbacks *driver.AllocationCallbacks

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when Vulkan memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the PhysicalDevice
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or -1 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int
}

// New creates a new Allocator
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Allocator, error) {
	if physicalDevice == nil {
		return nil, errors.New("attempted to create an allocator with a nil physical device")
	} else if device == nil {
		return nil, errors.New("attempted to create an allocator with a nil device")
	}

	features := vulkan.DetectDeviceFeatures(device)
	if options.Flags&AllocatorCreateDedicatedAllocations != 0 && !features.DedicatedAllocations {
		return nil, errors.New("AllocatorCreateDedicatedAllocations was set, but the device has neither core 1.1 nor VK_KHR_dedicated_allocation active")
	}

	return newAllocator(logger, vulkan.NewDevice(physicalDevice, device, options.VulkanCallbacks), options)
}

func newAllocator(logger *slog.Logger, device vulkan.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an allocator with a nil logger")
	}

	if options.FrameCount < 0 {
		return nil, errors.Newf("vam.CreateOptions.FrameCount must not be negative, but was %d", options.FrameCount)
	}

	allocator := &Allocator{
		logger:      logger,
		device:      device,
		createFlags: options.Flags,
		mutex: allocatorLock{
			enabled: options.Flags&AllocatorCreateExternallySynchronized == 0,
		},
		frameCount: options.FrameCount,
		buffers:    slotmap.New[bufferAllocation](),
		images:     slotmap.New[imageAllocation](),
	}

	if allocator.frameCount == 0 {
		allocator.frameCount = defaultFrameCount
	}
	allocator.pendingDestroys = make([][]pendingDestroy, allocator.frameCount)

	if options.StandardBlockSize == 0 {
		allocator.standardBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.standardBlockSize = options.StandardBlockSize
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		device,
		&memoryCallbacks{
			options:   options.MemoryCallbackOptions,
			allocator: allocator,
		},
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	// Initialize memory block lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		preferredBlockSize := allocator.calculatePreferredBlockSize(typeIndex)

		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			logger,
			device,
			allocator.deviceMemory,
			typeIndex,
			preferredBlockSize,
			options.Flags&AllocatorCreateDedicatedAllocations != 0,
		)
	}

	logger.Debug("Allocator::New",
		slog.Int("MemoryTypeCount", typeCount),
		slog.Int("FrameCount", allocator.frameCount),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}

const (
	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.standardBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}
