package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
)

// DeviceFeatures lists the optional memory features that are active on a device
type DeviceFeatures struct {
	// DedicatedAllocations is set when khr_dedicated_allocation.MemoryDedicatedAllocateInfo can be
	// chained onto memory allocations
	DedicatedAllocations bool
}

func DetectDeviceFeatures(device core1_0.Device) DeviceFeatures {
	var features DeviceFeatures

	// Core 1.1 promoted khr_get_memory_requirements2 and khr_dedicated_allocation
	if core1_1.PromoteDevice(device) != nil {
		features.DedicatedAllocations = true
		return features
	}

	// khr_dedicated_allocation depends on khr_get_memory_requirements2
	features.DedicatedAllocations = device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) &&
		device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName)

	return features
}
