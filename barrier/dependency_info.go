package barrier

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// NoNode is the source node of barriers whose source is outside the frame being recorded
const NoNode = -1

// Barrier is a single resource dependency between a source node and the nodes that consume its
// results. Buffer barriers use BufferRange; image barriers use ImageRange and the layouts.
type Barrier struct {
	Resource ResourceID
	Image    bool
	// SrcNode is the node whose work must complete before the consumers run, or NoNode
	SrcNode int
	// DstNode is the earliest consuming node. The barrier is recorded just before it.
	DstNode int

	SrcStages core1_0.PipelineStageFlags
	SrcAccess core1_0.AccessFlags
	DstStages core1_0.PipelineStageFlags
	DstAccess core1_0.AccessFlags

	BufferRange BufferRange
	ImageRange  ImageRange
	OldLayout   core1_0.ImageLayout
	NewLayout   core1_0.ImageLayout
}

// FrameStartBarrier is an image barrier recorded before the first node of a frame, bringing
// subresources from wherever the previous frame left them into the layout the first consumer
// in this frame expects
type FrameStartBarrier struct {
	Barrier

	// InitialLayout is the layout the subresources are in before the first frame
	InitialLayout core1_0.ImageLayout
	// Preserve indicates that the previous frame's contents must survive the transition
	Preserve bool
	// PreviousLayout, PreviousStages, and PreviousAccess describe the last use of the
	// subresources within a frame, which is where a steady-state frame finds them
	PreviousLayout core1_0.ImageLayout
	PreviousStages core1_0.PipelineStageFlags
	PreviousAccess core1_0.AccessFlags
}

// FrameEndBarrier is an image barrier recorded after the last node of a frame, moving
// subresources into the image's declared final layout
type FrameEndBarrier struct {
	Barrier

	// Untouched marks subresources that no node accessed during the frame. Their layout is
	// whatever the frame started with.
	Untouched     bool
	InitialLayout core1_0.ImageLayout
	Preserve      bool
}

// Dependency is one resolved producer-consumer pair over a piece of a resource, before
// barriers are merged. The pieces produced for a single consumer access cover its declared
// range exactly once.
type Dependency struct {
	Resource ResourceID
	Image    bool
	// SrcNode is the node that last modified the piece, or NoNode if the piece is served by
	// the frame-start state
	SrcNode int
	DstNode int
	// DstWrite indicates whether the consumer access was a write
	DstWrite    bool
	BufferRange BufferRange
	ImageRange  ImageRange
}

// DependencyInfo is the result of barrier synthesis for a single frame graph. It does not
// contain native handles, so it can be built once and turned into native barriers for any
// frame with Synthesizer.GenerateBarrierInfo.
type DependencyInfo struct {
	NodeCount int
	// NodeBarriers holds, for each node index, the barriers that must be recorded just before
	// that node executes
	NodeBarriers            [][]Barrier
	FrameStartImageBarriers []FrameStartBarrier
	FrameEndImageBarriers   []FrameEndBarrier
	Dependencies            []Dependency
}

// BarrierCount is the total number of barriers across all nodes, not counting the frame start
// and frame end
func (d *DependencyInfo) BarrierCount() int {
	var count int
	for _, barriers := range d.NodeBarriers {
		count += len(barriers)
	}
	return count
}

func (b *Barrier) printJson(json *jwriter.ObjectState) {
	json.Name("Resource").Int(int(b.Resource))
	json.Name("SrcNode").Int(b.SrcNode)
	json.Name("DstNode").Int(b.DstNode)
	json.Name("SrcStages").String(b.SrcStages.String())
	json.Name("SrcAccess").String(b.SrcAccess.String())
	json.Name("DstStages").String(b.DstStages.String())
	json.Name("DstAccess").String(b.DstAccess.String())

	if b.Image {
		json.Name("Range").String(b.ImageRange.String())
		json.Name("OldLayout").String(b.OldLayout.String())
		json.Name("NewLayout").String(b.NewLayout.String())
	} else {
		json.Name("Range").String(b.BufferRange.String())
	}
}

// WriteJSON writes a human-readable dump of the dependency info
func (d *DependencyInfo) WriteJSON(writer *jwriter.Writer) {
	json := writer.Object()
	defer json.End()

	json.Name("NodeCount").Int(d.NodeCount)

	frameStart := json.Name("FrameStart").Array()
	for i := range d.FrameStartImageBarriers {
		barrier := &d.FrameStartImageBarriers[i]
		obj := frameStart.Object()
		barrier.printJson(&obj)
		obj.Name("InitialLayout").String(barrier.InitialLayout.String())
		obj.Name("Preserve").Bool(barrier.Preserve)
		obj.Name("PreviousLayout").String(barrier.PreviousLayout.String())
		obj.End()
	}
	frameStart.End()

	nodes := json.Name("Nodes").Array()
	for nodeIndex, barriers := range d.NodeBarriers {
		if len(barriers) == 0 {
			continue
		}

		node := nodes.Object()
		node.Name("Node").Int(nodeIndex)
		list := node.Name("Barriers").Array()
		for i := range barriers {
			obj := list.Object()
			barriers[i].printJson(&obj)
			obj.End()
		}
		list.End()
		node.End()
	}
	nodes.End()

	frameEnd := json.Name("FrameEnd").Array()
	for i := range d.FrameEndImageBarriers {
		barrier := &d.FrameEndImageBarriers[i]
		obj := frameEnd.Object()
		barrier.printJson(&obj)
		obj.Name("Untouched").Bool(barrier.Untouched)
		obj.End()
	}
	frameEnd.End()

	deps := json.Name("Dependencies").Array()
	for _, dep := range d.Dependencies {
		obj := deps.Object()
		obj.Name("Resource").Int(int(dep.Resource))
		obj.Name("SrcNode").Int(dep.SrcNode)
		obj.Name("DstNode").Int(dep.DstNode)
		obj.Name("DstWrite").Bool(dep.DstWrite)
		if dep.Image {
			obj.Name("Range").String(dep.ImageRange.String())
		} else {
			obj.Name("Range").String(dep.BufferRange.String())
		}
		obj.End()
	}
	deps.End()
}
