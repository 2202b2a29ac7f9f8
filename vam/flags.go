package vam

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ResourceCreateFlags exposes several options for buffer and image creation
type ResourceCreateFlags int32

var resourceCreateFlagsMapping = common.NewFlagStringMapping[ResourceCreateFlags]()

func (f ResourceCreateFlags) Register(str string) {
	resourceCreateFlagsMapping.Register(f, str)
}
func (f ResourceCreateFlags) String() string {
	return resourceCreateFlagsMapping.FlagsToString(f)
}

const (
	// ResourceCreateMapped instructs the allocator to persistently map the memory backing the
	// resource and make the pointer available via Allocator.MappedData
	//
	// It is valid to use this flag for a resource placed in a memory type that is not HOST_VISIBLE.
	// The flag is then ignored and the memory is not mapped. This is useful for resources that are
	// efficient to use on the GPU (DEVICE_LOCAL) that should be mapped on platforms that support it
	// (i.e. integrated memory).
	ResourceCreateMapped ResourceCreateFlags = 1 << iota
	// ResourceCreatePerFrame instructs the allocator to create one buffer for each frame in flight,
	// all bound to a single allocation at consecutive aligned offsets. It is intended for data that
	// the host rewrites every frame while earlier frames may still be reading their own copy.
	// This flag is ignored by Allocator.CreateImage.
	ResourceCreatePerFrame
	// ResourceCreateNeverAllocate instructs the allocator to only place the resource in existing
	// DeviceMemory blocks and never create new blocks
	//
	// If the resource cannot be placed in any of the existing blocks, creation fails with
	// core1_0.VKErrorOutOfDeviceMemory
	ResourceCreateNeverAllocate
)

func init() {
	ResourceCreateMapped.Register("ResourceCreateMapped")
	ResourceCreatePerFrame.Register("ResourceCreatePerFrame")
	ResourceCreateNeverAllocate.Register("ResourceCreateNeverAllocate")
}

// ResourceCreateInfo controls how memory is chosen for a buffer or image
type ResourceCreateInfo struct {
	// Flags indicates specific behaviors to activate for this resource
	Flags ResourceCreateFlags
	// RequiredFlags are memory property flags that every candidate memory type must have
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are memory property flags that are desired but not required. The memory type
	// with the most of these flags is chosen, and ties go to the type with the fewest flags that were
	// neither required nor preferred.
	PreferredFlags core1_0.MemoryPropertyFlags
	// Name is an optional name that is reported in statistics output
	Name string
}
