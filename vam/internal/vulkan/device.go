package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_vulkan

// Device is the set of device operations the allocator performs. It exists so that allocation
// logic can be exercised without a live Vulkan device.
type Device interface {
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, *core1_0.MemoryRequirements, common.VkResult, error)
	DestroyBuffer(buffer core1_0.Buffer)
	CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, *core1_0.MemoryRequirements, common.VkResult, error)
	DestroyImage(image core1_0.Image)
	CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error)
	DestroyImageView(view core1_0.ImageView)

	AllocateMemory(info core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory)
	MapMemory(memory core1_0.DeviceMemory) (unsafe.Pointer, common.VkResult, error)
	UnmapMemory(memory core1_0.DeviceMemory)

	BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
	BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
}

type vulkanDevice struct {
	physicalDevice      core1_0.PhysicalDevice
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
}

var _ Device = &vulkanDevice{}

// NewDevice wraps a core1_0.Device so that it can be used by the allocator. allocationCallbacks
// may be nil.
func NewDevice(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks) Device {
	return &vulkanDevice{
		physicalDevice:      physicalDevice,
		device:              device,
		allocationCallbacks: allocationCallbacks,
	}
}

func (d *vulkanDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.physicalDevice.MemoryProperties()
}

func (d *vulkanDevice) CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, *core1_0.MemoryRequirements, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(d.allocationCallbacks, info)
	if err != nil {
		return nil, nil, res, err
	}

	return buffer, buffer.MemoryRequirements(), res, nil
}

func (d *vulkanDevice) DestroyBuffer(buffer core1_0.Buffer) {
	buffer.Destroy(d.allocationCallbacks)
}

func (d *vulkanDevice) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, *core1_0.MemoryRequirements, common.VkResult, error) {
	image, res, err := d.device.CreateImage(d.allocationCallbacks, info)
	if err != nil {
		return nil, nil, res, err
	}

	return image, image.MemoryRequirements(), res, nil
}

func (d *vulkanDevice) DestroyImage(image core1_0.Image) {
	image.Destroy(d.allocationCallbacks)
}

func (d *vulkanDevice) CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error) {
	return d.device.CreateImageView(d.allocationCallbacks, info)
}

func (d *vulkanDevice) DestroyImageView(view core1_0.ImageView) {
	view.Destroy(d.allocationCallbacks)
}

func (d *vulkanDevice) AllocateMemory(info core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	return d.device.AllocateMemory(d.allocationCallbacks, info)
}

func (d *vulkanDevice) FreeMemory(memory core1_0.DeviceMemory) {
	memory.Free(d.allocationCallbacks)
}

func (d *vulkanDevice) MapMemory(memory core1_0.DeviceMemory) (unsafe.Pointer, common.VkResult, error) {
	return memory.Map(0, -1, 0)
}

func (d *vulkanDevice) UnmapMemory(memory core1_0.DeviceMemory) {
	memory.Unmap()
}

func (d *vulkanDevice) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return buffer.BindBufferMemory(memory, offset)
}

func (d *vulkanDevice) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return image.BindImageMemory(memory, offset)
}
