package framegraph

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/barrier"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
	"golang.org/x/exp/slog"
)

// Synchronizer blocks until the GPU has finished with a frame index, usually by waiting on the
// fence that was signaled by that frame's last submission
type Synchronizer interface {
	WaitFrame(ctx context.Context, frameIndex int) error
}

type resourceRef struct {
	image  bool
	buffer BufferHandle
	img    ImageHandle
}

type resolver struct {
	graph *Graph
}

func (r resolver) Buffer(id barrier.ResourceID, frameIndex int) core1_0.Buffer {
	ref := r.graph.resourceRefs[id]
	return r.graph.NativeBuffer(ref.buffer, frameIndex)
}

func (r resolver) Image(id barrier.ResourceID, frameIndex int) core1_0.Image {
	ref := r.graph.resourceRefs[id]
	return r.graph.NativeImage(ref.img)
}

func (r resolver) ImageFirstUse(id barrier.ResourceID) bool {
	ref := r.graph.resourceRefs[id]
	resource := r.graph.images.GetPtr(ref.img.Handle)
	return resource != nil && resource.firstUse
}

func bufferRange(resource *bufferResource, usage BufferUsage) barrier.BufferRange {
	size := usage.Size
	if size == 0 {
		size = resource.size - usage.Offset
	}
	return barrier.BufferRange{Offset: usage.Offset, Size: size}
}

// UpdateDependencyInfo rebuilds the dependency info from the resources and accesses that are
// currently declared. It is called by Build, and by RecordFrame when resources were declared or
// removed since the last build.
func (g *Graph) UpdateDependencyInfo() error {
	if g.state == StateUninitialized {
		return errors.New("attempted to update the dependency info of a graph that was never built")
	}

	g.resourceRefs = g.resourceRefs[:0]
	g.buffers.Each(func(handle slotmap.Handle, resource *bufferResource) bool {
		g.resourceRefs = append(g.resourceRefs, resourceRef{buffer: BufferHandle{handle}})
		return false
	})
	g.images.Each(func(handle slotmap.Handle, resource *imageResource) bool {
		g.resourceRefs = append(g.resourceRefs, resourceRef{image: true, img: ImageHandle{handle}})
		return false
	})

	g.recorder.Reset(len(g.resourceRefs))
	for index, ref := range g.resourceRefs {
		id := barrier.ResourceID(index)

		if !ref.image {
			resource := g.buffers.GetPtr(ref.buffer.Handle)
			for _, use := range resource.uses {
				err := g.recorder.AddBufferAccess(id, barrier.BufferAccess{
					Node:   int(use.node),
					Range:  bufferRange(resource, use.usage),
					Write:  use.usage.Write,
					Stages: use.usage.Stages,
					Access: use.usage.Access,
				})
				if err != nil {
					return errors.Wrapf(err, "invalid access to buffer '%s'", resource.name)
				}
			}
			continue
		}

		resource := g.images.GetPtr(ref.img.Handle)
		if err := g.recorder.SetImageTraits(id, resource.traits); err != nil {
			return errors.Wrapf(err, "invalid image '%s'", resource.name)
		}

		for _, use := range resource.uses {
			rng := use.usage.Range
			if rng.AspectMask == 0 {
				rng = resource.traits.FullRange
			}

			err := g.recorder.AddImageAccess(id, barrier.ImageAccess{
				Node:        int(use.node),
				Range:       rng,
				Write:       use.usage.Write,
				Stages:      use.usage.Stages,
				Access:      use.usage.Access,
				Layout:      use.usage.Layout,
				FinalLayout: use.usage.FinalLayout,
			})
			if err != nil {
				return errors.Wrapf(err, "invalid access to image '%s'", resource.name)
			}
		}
	}

	info, err := g.synthesizer.GenerateDependencyInfo(g.recorder, len(g.nodes))
	if err != nil {
		return err
	}

	g.dependencyInfo = info
	g.dirty = false
	g.state = StateDependencyGraphBuilt

	g.logger.Debug("Graph::UpdateDependencyInfo",
		slog.Int("ResourceCount", len(g.resourceRefs)),
		slog.Int("BarrierCount", info.BarrierCount()),
	)

	return nil
}

// RecordFrame records every node to a command buffer, along with the barriers between them.
// The synchronizer, if any, is waited on before the allocator moves to frameIndex, so
// resources released during an earlier use of frameIndex are destroyed before recording
// begins.
func (g *Graph) RecordFrame(ctx context.Context, frameIndex int, target FrameTarget, commandBuffer CommandBuffer) error {
	if g.state == StateUninitialized {
		return errors.New("attempted to record a frame with a graph that was never built")
	}
	if frameIndex < 0 || frameIndex >= g.framesInFlight {
		return errors.Newf("frame index %d is out of range: the graph has %d frames in flight", frameIndex, g.framesInFlight)
	}
	if commandBuffer == nil {
		return errors.New("attempted to record a frame to a nil command buffer")
	}

	if g.synchronizer != nil {
		if err := g.synchronizer.WaitFrame(ctx, frameIndex); err != nil {
			return errors.Wrapf(err, "failed waiting for frame %d", frameIndex)
		}
	}

	if err := g.allocator.SetFrameIndex(frameIndex); err != nil {
		return err
	}

	if g.dirty || g.state == StateResourcesDeclared {
		if err := g.UpdateDependencyInfo(); err != nil {
			return err
		}
	}

	g.target = target
	barrierInfo, err := g.synthesizer.GenerateBarrierInfo(g.dependencyInfo, resolver{graph: g}, frameIndex, g.firstFrame)
	if err != nil {
		return err
	}

	if err := barrierInfo.FrameStart.Record(commandBuffer); err != nil {
		return errors.Wrap(err, "could not record frame start barriers")
	}

	recordCtx := RecordContext{
		Context:       ctx,
		Graph:         g,
		FrameIndex:    frameIndex,
		CommandBuffer: commandBuffer,
		Target:        target,
	}
	for index, node := range g.nodes {
		if err := barrierInfo.Nodes[index].Record(commandBuffer); err != nil {
			return errors.Wrapf(err, "could not record barriers for node %d (%s)", index, node.Name())
		}

		recordCtx.Node = NodeID(index)
		if err := node.Record(&recordCtx); err != nil {
			return errors.Wrapf(err, "node %d (%s) failed to record", index, node.Name())
		}
	}

	if err := barrierInfo.FrameEnd.Record(commandBuffer); err != nil {
		return errors.Wrap(err, "could not record frame end barriers")
	}

	g.firstFrame = false
	g.images.Each(func(handle slotmap.Handle, resource *imageResource) bool {
		resource.firstUse = false
		return false
	})
	g.state = StateRecording

	g.logger.LogAttrs(ctx, slog.LevelDebug, "Graph::RecordFrame",
		slog.Int("FrameIndex", frameIndex),
		slog.Int("FrameStartBarriers", len(barrierInfo.FrameStart.ImageBarriers)),
		slog.Int("FrameEndBarriers", len(barrierInfo.FrameEnd.ImageBarriers)),
	)

	return nil
}
