package vam

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/memutils/freelist"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
)

// BufferHandle identifies a buffer created by an Allocator. The zero value is never a valid handle.
type BufferHandle struct {
	slotmap.Handle
}

// ImageHandle identifies an image created by an Allocator. The zero value is never a valid handle.
type ImageHandle struct {
	slotmap.Handle
}

// memoryAllocation is a range of a single memory block that has been handed out to a resource
type memoryAllocation struct {
	block  *deviceMemoryBlock
	ranges freelist.Allocation
}

// Offset is the aligned offset of the usable memory within the block
func (a *memoryAllocation) Offset() int { return a.ranges.UsableRange.Offset }

// Size is the number of usable bytes, not including alignment padding
func (a *memoryAllocation) Size() int { return a.ranges.UsableRange.Size }

func (a *memoryAllocation) Memory() core1_0.DeviceMemory { return a.block.memory }

func (a *memoryAllocation) MemoryTypeIndex() int { return a.block.memoryTypeIndex }

func (a *memoryAllocation) MappedData(offset int) unsafe.Pointer {
	if a.block == nil || a.block.mappedData == nil {
		return nil
	}

	return unsafe.Add(a.block.mappedData, a.ranges.UsableRange.Offset+offset)
}

func (a *memoryAllocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Block").Int(a.block.id)
	json.Name("Offset").Int(a.Offset())
	json.Name("Size").Int(a.Size())
	json.Name("MemoryTypeIndex").Int(a.MemoryTypeIndex())
}

type bufferAllocation struct {
	name    string
	flags   ResourceCreateFlags
	buffers []core1_0.Buffer
	stride  int
	memory  memoryAllocation
}

func (b *bufferAllocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String("Buffer")
	if b.name != "" {
		json.Name("Name").String(b.name)
	}
	if b.flags != 0 {
		json.Name("Flags").String(b.flags.String())
	}
	json.Name("FrameCount").Int(len(b.buffers))
	json.Name("Stride").Int(b.stride)
	b.memory.printParameters(json)
}

type imageAllocation struct {
	name   string
	flags  ResourceCreateFlags
	image  core1_0.Image
	memory memoryAllocation
}

func (i *imageAllocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String("Image")
	if i.name != "" {
		json.Name("Name").String(i.name)
	}
	if i.flags != 0 {
		json.Name("Flags").String(i.flags.String())
	}
	i.memory.printParameters(json)
}

// pendingDestroy holds native objects and memory that were destroyed by the consumer while
// the GPU may still be using them
type pendingDestroy struct {
	buffers []core1_0.Buffer
	image   core1_0.Image
	view    core1_0.ImageView
	memory  memoryAllocation
}
