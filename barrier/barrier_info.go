package barrier

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Resolver maps resource IDs to the native objects that back them in a particular frame
type Resolver interface {
	Buffer(id ResourceID, frameIndex int) core1_0.Buffer
	Image(id ResourceID, frameIndex int) core1_0.Image
	// ImageFirstUse reports whether an image's native object has not been used by a previously
	// recorded frame, because it was created, recreated or imported since. Such an image is
	// still in its initial layout.
	ImageFirstUse(id ResourceID) bool
}

// PipelineBarrierRecorder is the part of core1_0.CommandBuffer that barrier batches are
// recorded with
type PipelineBarrierRecorder interface {
	CmdPipelineBarrier(srcStageMask, dstStageMask core1_0.PipelineStageFlags, dependencies core1_0.DependencyFlags, memoryBarriers []core1_0.MemoryBarrier, bufferMemoryBarriers []core1_0.BufferMemoryBarrier, imageMemoryBarriers []core1_0.ImageMemoryBarrier) error
}

// BarrierBatch is a set of native barriers recorded with a single pipeline barrier command
type BarrierBatch struct {
	SrcStages      core1_0.PipelineStageFlags
	DstStages      core1_0.PipelineStageFlags
	BufferBarriers []core1_0.BufferMemoryBarrier
	ImageBarriers  []core1_0.ImageMemoryBarrier
}

func (b *BarrierBatch) Empty() bool {
	return len(b.BufferBarriers) == 0 && len(b.ImageBarriers) == 0
}

// Record writes the batch to a command buffer. Empty batches record nothing.
func (b *BarrierBatch) Record(commandBuffer PipelineBarrierRecorder) error {
	if b.Empty() {
		return nil
	}

	srcStages := b.SrcStages
	if srcStages == 0 {
		srcStages = core1_0.PipelineStageTopOfPipe
	}
	dstStages := b.DstStages
	if dstStages == 0 {
		dstStages = core1_0.PipelineStageBottomOfPipe
	}

	return commandBuffer.CmdPipelineBarrier(srcStages, dstStages, 0, nil, b.BufferBarriers, b.ImageBarriers)
}

// BarrierInfo holds the native barriers for a single frame
type BarrierInfo struct {
	FrameStart BarrierBatch
	// Nodes holds, for each node index, the batch recorded just before the node executes
	Nodes    []BarrierBatch
	FrameEnd BarrierBatch
}

func (s *Synthesizer) addImageBarrier(batch *BarrierBatch, image core1_0.Image, b *Barrier, srcStages core1_0.PipelineStageFlags, srcAccess core1_0.AccessFlags, oldLayout core1_0.ImageLayout) {
	batch.SrcStages |= srcStages
	batch.DstStages |= b.DstStages
	batch.ImageBarriers = append(batch.ImageBarriers, core1_0.ImageMemoryBarrier{
		SrcAccessMask:       srcAccess,
		DstAccessMask:       b.DstAccess,
		OldLayout:           oldLayout,
		NewLayout:           b.NewLayout,
		SrcQueueFamilyIndex: s.queueFamilyIndex,
		DstQueueFamilyIndex: s.queueFamilyIndex,
		Image:               image,
		SubresourceRange:    b.ImageRange.SubresourceRange(),
	})
}

func (s *Synthesizer) missingResource(b *Barrier, frameIndex int) {
	s.logger.Warn("Synthesizer::GenerateBarrierInfo: resource has no native object",
		slog.Int("Resource", int(b.Resource)),
		slog.Int("FrameIndex", frameIndex),
		slog.Bool("Image", b.Image),
	)
}

// GenerateBarrierInfo converts dependency info into native barriers for one frame. firstFrame
// indicates that no previous frame has been recorded, so images are still in their initial
// layouts.
func (s *Synthesizer) GenerateBarrierInfo(info *DependencyInfo, resolver Resolver, frameIndex int, firstFrame bool) (*BarrierInfo, error) {
	if info == nil {
		return nil, errors.New("attempted to generate barrier info from nil dependency info")
	} else if resolver == nil {
		return nil, errors.New("attempted to generate barrier info with a nil resolver")
	}

	barrierInfo := &BarrierInfo{
		Nodes: make([]BarrierBatch, len(info.NodeBarriers)),
	}

	for i := range info.FrameStartImageBarriers {
		barrier := &info.FrameStartImageBarriers[i]

		oldLayout := barrier.InitialLayout
		var srcStages core1_0.PipelineStageFlags
		var srcAccess core1_0.AccessFlags
		if !firstFrame {
			if !resolver.ImageFirstUse(barrier.Resource) {
				oldLayout = core1_0.ImageLayoutUndefined
				if barrier.Preserve {
					oldLayout = barrier.PreviousLayout
				}
			}
			srcStages = barrier.PreviousStages
			srcAccess = barrier.PreviousAccess
		}

		if oldLayout == barrier.NewLayout && srcStages == 0 {
			continue
		}

		image := resolver.Image(barrier.Resource, frameIndex)
		if image == nil {
			s.missingResource(&barrier.Barrier, frameIndex)
			continue
		}

		s.addImageBarrier(&barrierInfo.FrameStart, image, &barrier.Barrier, srcStages, srcAccess, oldLayout)
	}

	for nodeIndex, barriers := range info.NodeBarriers {
		batch := &barrierInfo.Nodes[nodeIndex]

		for i := range barriers {
			barrier := &barriers[i]

			if barrier.Image {
				image := resolver.Image(barrier.Resource, frameIndex)
				if image == nil {
					s.missingResource(barrier, frameIndex)
					continue
				}

				s.addImageBarrier(batch, image, barrier, barrier.SrcStages, barrier.SrcAccess, barrier.OldLayout)
				continue
			}

			buffer := resolver.Buffer(barrier.Resource, frameIndex)
			if buffer == nil {
				s.missingResource(barrier, frameIndex)
				continue
			}

			batch.SrcStages |= barrier.SrcStages
			batch.DstStages |= barrier.DstStages
			batch.BufferBarriers = append(batch.BufferBarriers, core1_0.BufferMemoryBarrier{
				SrcAccessMask:       barrier.SrcAccess,
				DstAccessMask:       barrier.DstAccess,
				SrcQueueFamilyIndex: s.queueFamilyIndex,
				DstQueueFamilyIndex: s.queueFamilyIndex,
				Buffer:              buffer,
				Offset:              barrier.BufferRange.Offset,
				Size:                barrier.BufferRange.Size,
			})
		}
	}

	for i := range info.FrameEndImageBarriers {
		barrier := &info.FrameEndImageBarriers[i]

		oldLayout := barrier.OldLayout
		if barrier.Untouched {
			// Untouched subresources were moved to the final layout by the previous frame's end
			oldLayout = barrier.NewLayout
			if firstFrame || resolver.ImageFirstUse(barrier.Resource) {
				oldLayout = barrier.InitialLayout
			}
		}

		if oldLayout == barrier.NewLayout {
			continue
		}

		image := resolver.Image(barrier.Resource, frameIndex)
		if image == nil {
			s.missingResource(&barrier.Barrier, frameIndex)
			continue
		}

		s.addImageBarrier(&barrierInfo.FrameEnd, image, &barrier.Barrier, barrier.SrcStages, barrier.SrcAccess, oldLayout)
	}

	return barrierInfo, nil
}
