package framegraph

import (
	"context"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"
)

var colorWrite = ImageUsage{
	Write:  true,
	Stages: core1_0.PipelineStageColorAttachmentOutput,
	Access: core1_0.AccessColorAttachmentWrite,
	Layout: core1_0.ImageLayoutColorAttachmentOptimal,
}

// computeThenDraw adds a node that fills a vertex buffer and a node that reads it and draws to
// the swapchain image
func computeThenDraw(t *testing.T, rig *graphRig) *BufferHandle {
	vertices := &BufferHandle{}

	rig.addNode(t, &testNode{
		name: "compute",
		setup: func(g *Graph, id NodeID) error {
			*vertices = g.DeclareTransientBuffer(id, BufferInfo{
				Name:     "vertices",
				Size:     1024,
				Usage:    core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageStorageBuffer,
				PerFrame: true,
			}, BufferUsage{
				Write:  true,
				Stages: core1_0.PipelineStageComputeShader,
				Access: core1_0.AccessShaderWrite,
			})
			return nil
		},
	})
	rig.addNode(t, &testNode{
		name: "draw",
		setup: func(g *Graph, id NodeID) error {
			g.DeclareReferencedBuffer(id, *vertices, BufferUsage{
				Stages: core1_0.PipelineStageVertexInput,
				Access: core1_0.AccessVertexAttributeRead,
			})
			g.DeclareReferencedSwapchainImage(id, colorWrite)
			return nil
		},
	})

	return vertices
}

func TestNewErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	allocator := newFakeAllocator(ctrl, &eventLog{}, 2)

	_, err := New(nil, allocator, Options{})
	require.Error(t, err)

	_, err = New(logger, nil, Options{})
	require.Error(t, err)

	_, err = New(logger, allocator, Options{FramesInFlight: 3})
	require.EqualError(t, err, "framegraph.Options.FramesInFlight was 3, but the allocator has 2 frames in flight")

	graph, err := New(logger, allocator, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, graph.FramesInFlight())
	require.Equal(t, StateUninitialized, graph.State())
}

func TestBuildAndRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})
	vertices := computeThenDraw(t, rig)

	require.NoError(t, rig.graph.Build())
	require.Equal(t, StateDependencyGraphBuilt, rig.graph.State())
	require.True(t, vertices.IsValid())

	target := swapchainTarget(ctrl)
	rig.recordFrame(t, 1, target)
	require.Equal(t, StateRecording, rig.graph.State())

	require.Equal(t, []string{
		"frame:1",
		"barrier",
		"record:compute",
		"barrier",
		"record:draw",
		"barrier",
	}, rig.log.events)

	calls := rig.commandBuffer.calls
	require.Len(t, calls, 3)

	require.Len(t, calls[0].images, 1)
	require.Same(t, target.Image, calls[0].images[0].Image)
	require.Equal(t, core1_0.ImageLayoutUndefined, calls[0].images[0].OldLayout)
	require.Equal(t, core1_0.ImageLayoutColorAttachmentOptimal, calls[0].images[0].NewLayout)

	require.Len(t, calls[1].buffers, 1)
	require.Same(t, rig.graph.NativeBuffer(*vertices, 1), calls[1].buffers[0].Buffer)
	require.NotSame(t, rig.graph.NativeBuffer(*vertices, 0), calls[1].buffers[0].Buffer)
	require.Equal(t, 1024, calls[1].buffers[0].Size)
	require.Equal(t, core1_0.PipelineStageComputeShader, calls[1].srcStages)
	require.Equal(t, core1_0.PipelineStageVertexInput, calls[1].dstStages)

	require.Len(t, calls[2].images, 1)
	require.Same(t, target.Image, calls[2].images[0].Image)
	require.Equal(t, core1_0.ImageLayoutColorAttachmentOptimal, calls[2].images[0].OldLayout)
	require.Equal(t, khr_swapchain.ImageLayoutPresentSrc, calls[2].images[0].NewLayout)
}

func TestSwapchainTargetChangesEachFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})

	var swapchain ImageHandle
	var seen []core1_0.Image
	var seenViews []core1_0.ImageView
	rig.addNode(t, &testNode{
		name: "draw",
		setup: func(g *Graph, id NodeID) error {
			swapchain = g.DeclareReferencedSwapchainImage(id, colorWrite)
			return nil
		},
		record: func(ctx *RecordContext) error {
			seen = append(seen, ctx.Image(swapchain))
			seenViews = append(seenViews, ctx.ImageView(swapchain, 0))
			return nil
		},
	})
	require.NoError(t, rig.graph.Build())

	first := swapchainTarget(ctrl)
	second := swapchainTarget(ctrl)
	rig.recordFrame(t, 0, first)
	rig.recordFrame(t, 1, second)

	require.Len(t, seen, 2)
	require.Same(t, first.Image, seen[0])
	require.Same(t, second.Image, seen[1])
	require.Same(t, first.ImageView, seenViews[0])
	require.Same(t, second.ImageView, seenViews[1])

	// The second frame discards the previous contents and waits on the previous frame's use
	calls := rig.commandBuffer.calls
	require.Len(t, calls, 2)
	require.Same(t, second.Image, calls[0].images[0].Image)
	require.Equal(t, core1_0.ImageLayoutUndefined, calls[0].images[0].OldLayout)
	require.Equal(t, core1_0.PipelineStageAllCommands, calls[0].srcStages)
}

func TestStateTransitions(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})
	computeThenDraw(t, rig)

	err := rig.graph.RecordFrame(context.Background(), 0, swapchainTarget(ctrl), rig.commandBuffer)
	require.EqualError(t, err, "attempted to record a frame with a graph that was never built")

	require.NoError(t, rig.graph.Build())
	require.EqualError(t, rig.graph.Build(), "attempted to build a graph in state DependencyGraphBuilt")

	_, err = rig.graph.AddNode(&testNode{name: "late"})
	require.EqualError(t, err, "nodes cannot be added to a graph in state DependencyGraphBuilt")

	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Equal(t, StateRecording, rig.graph.State())

	// Declaring after the build creates the resource immediately and forces a rebuild
	staging := rig.graph.DeclareTransientBuffer(0, BufferInfo{Name: "staging", Size: 64}, BufferUsage{
		Write:  true,
		Stages: core1_0.PipelineStageTransfer,
		Access: core1_0.AccessTransferWrite,
	})
	require.True(t, staging.IsValid())
	require.NotNil(t, rig.graph.NativeBuffer(staging, 0))
	require.Equal(t, StateResourcesDeclared, rig.graph.State())

	rig.recordFrame(t, 1, swapchainTarget(ctrl))
	require.Equal(t, StateRecording, rig.graph.State())

	err = rig.graph.RecordFrame(context.Background(), 2, swapchainTarget(ctrl), rig.commandBuffer)
	require.EqualError(t, err, "frame index 2 is out of range: the graph has 2 frames in flight")
}

func TestResizeRecreatesTargetRelativeImages(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})

	var history, fixed ImageHandle
	rig.addNode(t, &testNode{
		name: "accumulate",
		setup: func(g *Graph, id NodeID) error {
			usage := colorWrite
			usage.Views = []ImageViewInfo{{}}

			history = g.DeclareTransientImage(id, ImageInfo{
				Name:                 "history",
				Format:               core1_0.FormatR16G16B16A16SignedFloat,
				TargetRelative:       true,
				Usage:                core1_0.ImageUsageColorAttachment,
				PreserveAcrossFrames: true,
			}, usage)
			fixed = g.DeclareTransientImage(id, ImageInfo{
				Name:   "lut",
				Format: core1_0.FormatR8G8B8A8UnsignedNormalized,
				Extent: core1_0.Extent3D{Width: 32, Height: 32, Depth: 1},
				Usage:  core1_0.ImageUsageColorAttachment,
			}, colorWrite)
			return nil
		},
	})
	require.NoError(t, rig.graph.Build())

	require.Len(t, rig.allocator.imageInfos, 2)
	require.Equal(t, core1_0.Extent3D{Width: 1920, Height: 1080, Depth: 1}, rig.allocator.imageInfos[0].Extent)
	require.Equal(t, core1_0.Extent3D{Width: 32, Height: 32, Depth: 1}, rig.allocator.imageInfos[1].Extent)

	require.Len(t, rig.allocator.viewInfos, 1)
	require.Equal(t, core1_0.ImageViewType2D, rig.allocator.viewInfos[0].ViewType)
	require.Equal(t, core1_0.FormatR16G16B16A16SignedFloat, rig.allocator.viewInfos[0].Format)
	require.Same(t, rig.graph.NativeImage(history), rig.allocator.viewInfos[0].Image)

	oldImage := rig.graph.NativeImage(history)
	oldView := rig.graph.ImageView(0, history, 0)
	require.NotNil(t, oldView)
	require.Nil(t, rig.graph.ImageView(0, history, 1))
	fixedImage := rig.graph.NativeImage(fixed)

	historyBarrier := func() core1_0.ImageMemoryBarrier {
		image := rig.graph.NativeImage(history)
		for _, b := range rig.commandBuffer.calls[0].images {
			if b.Image == image {
				return b
			}
		}
		require.FailNow(t, "no frame start barrier for the history image")
		return core1_0.ImageMemoryBarrier{}
	}

	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Equal(t, core1_0.ImageLayoutUndefined, historyBarrier().OldLayout)

	rig.recordFrame(t, 1, swapchainTarget(ctrl))
	require.Equal(t, core1_0.ImageLayoutColorAttachmentOptimal, historyBarrier().OldLayout)
	require.Equal(t, core1_0.AccessColorAttachmentWrite, historyBarrier().SrcAccessMask)

	require.NoError(t, rig.graph.Resize(640, 480))
	require.Equal(t, StateResourcesDeclared, rig.graph.State())
	require.Len(t, rig.allocator.imageInfos, 3)
	require.Equal(t, core1_0.Extent3D{Width: 640, Height: 480, Depth: 1}, rig.allocator.imageInfos[2].Extent)

	require.NotSame(t, oldImage, rig.graph.NativeImage(history))
	require.Same(t, fixedImage, rig.graph.NativeImage(fixed))
	require.Equal(t, []core1_0.ImageView{oldView}, rig.allocator.destroyedViews)
	require.NotSame(t, oldView, rig.graph.ImageView(0, history, 0))

	// The new image's contents can't be preserved
	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Equal(t, core1_0.ImageLayoutUndefined, historyBarrier().OldLayout)

	rig.recordFrame(t, 1, swapchainTarget(ctrl))
	require.Equal(t, core1_0.ImageLayoutColorAttachmentOptimal, historyBarrier().OldLayout)

	require.Error(t, rig.graph.Resize(0, 480))
}

func TestUnknownHandles(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})
	vertices := computeThenDraw(t, rig)
	require.NoError(t, rig.graph.Build())

	require.False(t, rig.graph.DeclareTransientBuffer(5, BufferInfo{Size: 16}, BufferUsage{}).IsValid())
	require.False(t, rig.graph.DeclareTransientBuffer(0, BufferInfo{}, BufferUsage{}).IsValid())
	require.False(t, rig.graph.DeclareReferencedBuffer(1, BufferHandle{}, BufferUsage{}).IsValid())
	require.False(t, rig.graph.DeclareReferencedImage(1, ImageHandle{}, ImageUsage{}).IsValid())
	require.False(t, rig.graph.DeclareImportedImage(0, nil, ImportedImageInfo{}, ImageUsage{}).IsValid())
	require.Nil(t, rig.graph.NativeImage(ImageHandle{}))
	require.Nil(t, rig.graph.ImageView(0, ImageHandle{}, 0))

	require.True(t, rig.graph.RemoveBuffer(*vertices))
	require.False(t, rig.graph.RemoveBuffer(*vertices))
	require.Nil(t, rig.graph.NativeBuffer(*vertices, 0))
	require.False(t, rig.graph.DeclareReferencedBuffer(1, *vertices, BufferUsage{}).IsValid())
	require.Equal(t, StateResourcesDeclared, rig.graph.State())

	// Only the swapchain transitions remain after the rebuild
	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Equal(t, []string{
		"frame:0",
		"barrier",
		"record:compute",
		"record:draw",
		"barrier",
	}, rig.log.events)
}

func TestImportedResources(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})

	texture := mocks.EasyMockImage(ctrl)
	uniforms := mocks.EasyMockBuffer(ctrl)

	var textureHandle ImageHandle
	rig.addNode(t, &testNode{
		name: "sample",
		setup: func(g *Graph, id NodeID) error {
			textureHandle = g.DeclareImportedImage(id, texture, ImportedImageInfo{
				Name:          "texture",
				Format:        core1_0.FormatR8G8B8A8UnsignedNormalized,
				FullRange:     fullColorRange(4, 1),
				InitialLayout: core1_0.ImageLayoutTransferDstOptimal,
			}, ImageUsage{
				Stages: core1_0.PipelineStageFragmentShader,
				Access: core1_0.AccessShaderRead,
				Layout: core1_0.ImageLayoutShaderReadOnlyOptimal,
				Views:  []ImageViewInfo{{}, {Range: fullColorRange(1, 1)}},
			})
			g.DeclareImportedBuffer(id, uniforms, 256, BufferUsage{
				Stages: core1_0.PipelineStageFragmentShader,
				Access: core1_0.AccessUniformRead,
			})
			return nil
		},
	})
	require.NoError(t, rig.graph.Build())

	require.Same(t, texture, rig.graph.NativeImage(textureHandle))
	require.Len(t, rig.allocator.viewInfos, 2)
	require.Equal(t, 4, rig.allocator.viewInfos[0].SubresourceRange.LevelCount)
	require.Equal(t, 1, rig.allocator.viewInfos[1].SubresourceRange.LevelCount)
	require.Equal(t, core1_0.FormatR8G8B8A8UnsignedNormalized, rig.allocator.viewInfos[1].Format)

	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Len(t, rig.commandBuffer.calls, 1)
	require.Equal(t, core1_0.ImageLayoutTransferDstOptimal, rig.commandBuffer.calls[0].images[0].OldLayout)
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, rig.commandBuffer.calls[0].images[0].NewLayout)

	rig.graph.Destroy()
	require.Len(t, rig.allocator.destroyedViews, 2)
	require.NotContains(t, rig.log.events, "destroyImage")
}

func TestImageImportedAfterFirstFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})

	sampleNode := rig.addNode(t, &testNode{name: "sample"})
	require.NoError(t, rig.graph.Build())

	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Empty(t, rig.commandBuffer.calls)

	texture := mocks.EasyMockImage(ctrl)
	handle := rig.graph.DeclareImportedImage(sampleNode, texture, ImportedImageInfo{
		Name:                 "texture",
		Format:               core1_0.FormatR8G8B8A8UnsignedNormalized,
		FullRange:            fullColorRange(1, 1),
		InitialLayout:        core1_0.ImageLayoutTransferDstOptimal,
		PreserveAcrossFrames: true,
	}, ImageUsage{
		Stages: core1_0.PipelineStageFragmentShader,
		Access: core1_0.AccessShaderRead,
		Layout: core1_0.ImageLayoutShaderReadOnlyOptimal,
	})
	require.True(t, handle.IsValid())

	// The image's first frame starts from its declared layout
	rig.recordFrame(t, 1, swapchainTarget(ctrl))
	require.Len(t, rig.commandBuffer.calls, 1)
	require.Len(t, rig.commandBuffer.calls[0].images, 1)
	require.Same(t, texture, rig.commandBuffer.calls[0].images[0].Image)
	require.Equal(t, core1_0.ImageLayoutTransferDstOptimal, rig.commandBuffer.calls[0].images[0].OldLayout)
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, rig.commandBuffer.calls[0].images[0].NewLayout)

	// Later frames start from where the previous frame left it
	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Len(t, rig.commandBuffer.calls, 1)
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, rig.commandBuffer.calls[0].images[0].OldLayout)
	require.Equal(t, core1_0.PipelineStageFragmentShader, rig.commandBuffer.calls[0].srcStages)
}

func TestNodeErrors(t *testing.T) {
	sentinel := errors.New("out of descriptors")

	testCases := map[string]struct {
		node          *testNode
		expectedBuild string
		expectedFrame string
	}{
		"SetupFails": {
			node: &testNode{
				name:  "broken",
				setup: func(g *Graph, id NodeID) error { return sentinel },
			},
			expectedBuild: "setup failed for node 0 (broken): out of descriptors",
		},
		"RecordFails": {
			node: &testNode{
				name:   "broken",
				record: func(ctx *RecordContext) error { return sentinel },
			},
			expectedFrame: "node 0 (broken) failed to record: out of descriptors",
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			rig := readyGraph(t, Options{})
			rig.addNode(t, testCase.node)

			err := rig.graph.Build()
			if testCase.expectedBuild != "" {
				require.EqualError(t, err, testCase.expectedBuild)
				require.True(t, errors.Is(err, sentinel))
				return
			}
			require.NoError(t, err)

			err = rig.graph.RecordFrame(context.Background(), 0, swapchainTarget(ctrl), rig.commandBuffer)
			require.EqualError(t, err, testCase.expectedFrame)
			require.True(t, errors.Is(err, sentinel))
		})
	}
}

func TestSynchronizer(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})
	synchronizer := &fakeSynchronizer{log: rig.log}
	rig.graph.synchronizer = synchronizer
	computeThenDraw(t, rig)
	require.NoError(t, rig.graph.Build())

	rig.recordFrame(t, 1, swapchainTarget(ctrl))
	require.Equal(t, []string{"wait:1", "frame:1"}, rig.log.events[:2])

	rig.log.events = nil
	synchronizer.err = errors.New("device lost")
	err := rig.graph.RecordFrame(context.Background(), 0, swapchainTarget(ctrl), rig.commandBuffer)
	require.EqualError(t, err, "failed waiting for frame 0: device lost")
	require.Equal(t, []string{"wait:0"}, rig.log.events)
}

func TestDestroy(t *testing.T) {
	rig := readyGraph(t, Options{})
	computeThenDraw(t, rig)
	require.NoError(t, rig.graph.Build())

	rig.log.events = nil
	rig.graph.Destroy()

	require.Equal(t, []string{
		"destroy:compute",
		"destroy:draw",
		"destroyBuffer:vertices",
	}, rig.log.events)
	require.Equal(t, StateUninitialized, rig.graph.State())
	require.Equal(t, 0, rig.graph.NodeCount())
	require.Equal(t, 0, rig.allocator.buffers.Len())
}

func TestDependencyInfoRebuild(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyGraph(t, Options{})
	computeThenDraw(t, rig)
	require.NoError(t, rig.graph.Build())

	info := rig.graph.DependencyInfo()
	require.NotNil(t, info)
	require.Equal(t, 2, info.NodeCount)

	rig.recordFrame(t, 0, swapchainTarget(ctrl))
	require.Same(t, info, rig.graph.DependencyInfo())

	require.NoError(t, rig.graph.Resize(800, 600))
	rig.recordFrame(t, 1, swapchainTarget(ctrl))
	require.NotSame(t, info, rig.graph.DependencyInfo())
}
