package vam

import "github.com/vkngwrapper/core/v2/core1_0"

// DeviceMemoryEvent describes a block of device memory that was just allocated, or is about to
// be freed
type DeviceMemoryEvent struct {
	Allocator  *Allocator
	MemoryType int
	Memory     core1_0.DeviceMemory
	Size       int
}

// MemoryCallbackOptions is a set of callbacks that are executed as the allocator acquires and
// releases blocks of device memory. Individual buffers and images live inside blocks and do not
// trigger callbacks.
type MemoryCallbackOptions struct {
	Allocate func(event DeviceMemoryEvent, userData any)
	Free     func(event DeviceMemoryEvent, userData any)
	UserData any
}

// memoryCallbacks adapts MemoryCallbackOptions to vulkan.MemoryCallbacks
type memoryCallbacks struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.options == nil || c.options.Allocate == nil {
		return
	}
	c.options.Allocate(DeviceMemoryEvent{
		Allocator:  c.allocator,
		MemoryType: memoryType,
		Memory:     memory,
		Size:       size,
	}, c.options.UserData)
}

func (c *memoryCallbacks) Free(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.options == nil || c.options.Free == nil {
		return
	}
	c.options.Free(DeviceMemoryEvent{
		Allocator:  c.allocator,
		MemoryType: memoryType,
		Memory:     memory,
		Size:       size,
	}, c.options.UserData)
}
