package vam

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/memutils"
	"github.com/vkngwrapper/framegraph/memutils/freelist"
	"github.com/vkngwrapper/framegraph/vam/internal/vulkan"
	"golang.org/x/exp/slog"
)

// deviceMemoryBlock is a single piece of device memory, suballocated through a free list
type deviceMemoryBlock struct {
	id              int
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	dedicated       bool
	mappedData      unsafe.Pointer
	logger          *slog.Logger

	freeList     *freelist.FreeList
	deviceMemory *vulkan.DeviceMemoryProperties
	device       vulkan.Device
}

var _ memutils.Validatable = &deviceMemoryBlock{}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	device vulkan.Device,
	deviceMemory *vulkan.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory core1_0.DeviceMemory,
	newSize int,
	id int,
	dedicated bool,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.dedicated = dedicated
	b.deviceMemory = deviceMemory
	b.device = device
	b.logger = logger
	b.mappedData = nil

	if b.freeList == nil {
		b.freeList = freelist.New(newSize)
	} else {
		b.freeList.Init(newSize)
	}
}

func (b *deviceMemoryBlock) Size() int { return b.freeList.Size() }

// Map persistently maps the whole block, if it is not mapped already
func (b *deviceMemoryBlock) Map() (unsafe.Pointer, common.VkResult, error) {
	if b.mappedData != nil {
		return b.mappedData, core1_0.VKSuccess, nil
	}

	data, res, err := b.device.MapMemory(b.memory)
	if err != nil {
		return nil, res, err
	}

	b.mappedData = data
	return data, res, nil
}

func (b *deviceMemoryBlock) Destroy() error {
	if !b.freeList.IsEmpty() {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] block destroyed with live allocations",
			slog.Int("block.id", b.id),
			slog.Int("allocations", b.freeList.AllocationCount()),
			slog.Int("bytes", b.freeList.Size()-b.freeList.SumFreeSize()),
		)

		return errors.New("some allocations were not freed before the destruction of this memory block!")
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing vulkan memory handle")
	}

	if b.mappedData != nil {
		b.device.UnmapMemory(b.memory)
		b.mappedData = nil
	}

	b.deviceMemory.FreeVulkanMemory(b.memoryTypeIndex, b.freeList.Size(), b.memory)

	b.memory = nil
	b.device = nil
	b.deviceMemory = nil
	return nil
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.freeList.Size() < 1 {
		return errors.New("this memory block's free list has an invalid size")
	}

	return b.freeList.Validate()
}

func (b *deviceMemoryBlock) printJson(json jwriter.ObjectState) {
	json.Name("Dedicated").Bool(b.dedicated)
	json.Name("Mapped").Bool(b.mappedData != nil)
	b.freeList.BlockJsonData(json)

	ranges := json.Name("FreeRanges").Array()
	defer ranges.End()

	for _, r := range b.freeList.FreeRanges() {
		obj := ranges.Object()
		obj.Name("Offset").Int(r.Offset)
		obj.Name("Size").Int(r.Size)
		obj.End()
	}
}
