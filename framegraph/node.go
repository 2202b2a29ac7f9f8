package framegraph

import (
	"context"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/barrier"
)

// NodeID is a node's execution index within a frame
type NodeID int

// Node is a unit of GPU work in a Graph. Nodes declare the resources they use during Setup and
// record their commands during Record.
type Node interface {
	Name() string
	// Setup is called once per Build, in execution order. Nodes declare the resources they
	// create and use from here.
	Setup(g *Graph, id NodeID) error
	// Record is called once per frame, after the barriers the node depends on were recorded
	Record(ctx *RecordContext) error
	// Destroy is called in execution order when the graph is destroyed
	Destroy(g *Graph)
}

// CommandBuffer is the part of core1_0.CommandBuffer that the graph records to. Nodes that
// need the rest of the command buffer can type assert to core1_0.CommandBuffer.
type CommandBuffer interface {
	barrier.PipelineBarrierRecorder
}

// FrameTarget is the per-frame output image, usually a swapchain image
type FrameTarget struct {
	Image     core1_0.Image
	ImageView core1_0.ImageView
}

// RecordContext is passed to Node.Record
type RecordContext struct {
	Context       context.Context
	Graph         *Graph
	Node          NodeID
	FrameIndex    int
	CommandBuffer CommandBuffer
	Target        FrameTarget
}

// Buffer is shorthand for the native buffer behind a handle in the frame being recorded
func (c *RecordContext) Buffer(handle BufferHandle) core1_0.Buffer {
	return c.Graph.NativeBuffer(handle, c.FrameIndex)
}

// Image is shorthand for the native image behind a handle in the frame being recorded
func (c *RecordContext) Image(handle ImageHandle) core1_0.Image {
	return c.Graph.NativeImage(handle)
}

// ImageView is shorthand for one of the views this node declared for an image
func (c *RecordContext) ImageView(handle ImageHandle, viewIndex int) core1_0.ImageView {
	return c.Graph.ImageView(c.Node, handle, viewIndex)
}
