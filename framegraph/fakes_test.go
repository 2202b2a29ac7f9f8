package framegraph

import (
	"context"
	"fmt"
	"io"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/framegraph/barrier"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
	"github.com/vkngwrapper/framegraph/vam"
	"golang.org/x/exp/slog"
)

type eventLog struct {
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

type fakeBuffer struct {
	frames []core1_0.Buffer
	info   core1_0.BufferCreateInfo
	create vam.ResourceCreateInfo
}

type fakeAllocator struct {
	ctrl       *gomock.Controller
	log        *eventLog
	frameCount int

	buffers *slotmap.SlotMap[fakeBuffer]
	images  *slotmap.SlotMap[core1_0.Image]

	imageInfos     []core1_0.ImageCreateInfo
	viewInfos      []core1_0.ImageViewCreateInfo
	destroyedViews []core1_0.ImageView
}

func newFakeAllocator(ctrl *gomock.Controller, log *eventLog, frameCount int) *fakeAllocator {
	return &fakeAllocator{
		ctrl:       ctrl,
		log:        log,
		frameCount: frameCount,
		buffers:    slotmap.New[fakeBuffer](),
		images:     slotmap.New[core1_0.Image](),
	}
}

func (a *fakeAllocator) FrameCount() int { return a.frameCount }

func (a *fakeAllocator) SetFrameIndex(frameIndex int) error {
	a.log.add("frame:%d", frameIndex)
	return nil
}

func (a *fakeAllocator) CreateBuffer(bufferInfo core1_0.BufferCreateInfo, o vam.ResourceCreateInfo) (vam.BufferHandle, common.VkResult, error) {
	count := 1
	if o.Flags&vam.ResourceCreatePerFrame != 0 {
		count = a.frameCount
	}

	buffer := fakeBuffer{info: bufferInfo, create: o}
	for i := 0; i < count; i++ {
		buffer.frames = append(buffer.frames, mocks.EasyMockBuffer(a.ctrl))
	}

	a.log.add("createBuffer:%s", o.Name)
	return vam.BufferHandle{Handle: a.buffers.Insert(buffer)}, core1_0.VKSuccess, nil
}

func (a *fakeAllocator) CreateImage(imageInfo core1_0.ImageCreateInfo, o vam.ResourceCreateInfo) (vam.ImageHandle, common.VkResult, error) {
	a.imageInfos = append(a.imageInfos, imageInfo)
	a.log.add("createImage:%s", o.Name)
	return vam.ImageHandle{Handle: a.images.Insert(mocks.EasyMockImage(a.ctrl))}, core1_0.VKSuccess, nil
}

func (a *fakeAllocator) CreateImageView(viewInfo core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error) {
	a.viewInfos = append(a.viewInfos, viewInfo)
	return mocks.EasyMockImageView(a.ctrl), core1_0.VKSuccess, nil
}

func (a *fakeAllocator) Buffer(handle vam.BufferHandle, frameIndex int) core1_0.Buffer {
	buffer := a.buffers.GetPtr(handle.Handle)
	if buffer == nil {
		return nil
	}
	if len(buffer.frames) == 1 {
		return buffer.frames[0]
	}
	return buffer.frames[frameIndex]
}

func (a *fakeAllocator) Image(handle vam.ImageHandle) core1_0.Image {
	image, _ := a.images.Get(handle.Handle)
	return image
}

func (a *fakeAllocator) MappedData(handle vam.BufferHandle, frameIndex int) unsafe.Pointer {
	return nil
}

func (a *fakeAllocator) DestroyBuffer(handle vam.BufferHandle) error {
	buffer, ok := a.buffers.Remove(handle.Handle)
	if !ok {
		return errors.New("unknown buffer")
	}
	a.log.add("destroyBuffer:%s", buffer.create.Name)
	return nil
}

func (a *fakeAllocator) DestroyImage(handle vam.ImageHandle) error {
	if _, ok := a.images.Remove(handle.Handle); !ok {
		return errors.New("unknown image")
	}
	a.log.add("destroyImage")
	return nil
}

func (a *fakeAllocator) DestroyImageView(view core1_0.ImageView) {
	a.destroyedViews = append(a.destroyedViews, view)
}

type pipelineBarrierCall struct {
	srcStages, dstStages core1_0.PipelineStageFlags
	buffers              []core1_0.BufferMemoryBarrier
	images               []core1_0.ImageMemoryBarrier
}

type fakeCommandBuffer struct {
	log   *eventLog
	calls []pipelineBarrierCall
}

func (c *fakeCommandBuffer) CmdPipelineBarrier(srcStageMask, dstStageMask core1_0.PipelineStageFlags, dependencies core1_0.DependencyFlags, memoryBarriers []core1_0.MemoryBarrier, bufferMemoryBarriers []core1_0.BufferMemoryBarrier, imageMemoryBarriers []core1_0.ImageMemoryBarrier) error {
	c.log.add("barrier")
	c.calls = append(c.calls, pipelineBarrierCall{
		srcStages: srcStageMask,
		dstStages: dstStageMask,
		buffers:   bufferMemoryBarriers,
		images:    imageMemoryBarriers,
	})
	return nil
}

type fakeSynchronizer struct {
	log *eventLog
	err error
}

func (s *fakeSynchronizer) WaitFrame(ctx context.Context, frameIndex int) error {
	s.log.add("wait:%d", frameIndex)
	return s.err
}

type testNode struct {
	name   string
	log    *eventLog
	setup  func(g *Graph, id NodeID) error
	record func(ctx *RecordContext) error
}

func (n *testNode) Name() string { return n.name }

func (n *testNode) Setup(g *Graph, id NodeID) error {
	if n.setup == nil {
		return nil
	}
	return n.setup(g, id)
}

func (n *testNode) Record(ctx *RecordContext) error {
	n.log.add("record:%s", n.name)
	if n.record == nil {
		return nil
	}
	return n.record(ctx)
}

func (n *testNode) Destroy(g *Graph) {
	n.log.add("destroy:%s", n.name)
}

type graphRig struct {
	log           *eventLog
	allocator     *fakeAllocator
	commandBuffer *fakeCommandBuffer
	graph         *Graph
}

func readyGraph(t *testing.T, options Options) *graphRig {
	ctrl := gomock.NewController(t)
	log := &eventLog{}
	allocator := newFakeAllocator(ctrl, log, 2)

	if options.TargetExtent.Width == 0 {
		options.TargetExtent = core1_0.Extent2D{Width: 1920, Height: 1080}
	}

	graph, err := New(slog.New(slog.NewJSONHandler(io.Discard)), allocator, options)
	require.NoError(t, err)

	return &graphRig{
		log:           log,
		allocator:     allocator,
		commandBuffer: &fakeCommandBuffer{log: log},
		graph:         graph,
	}
}

func (r *graphRig) addNode(t *testing.T, node *testNode) NodeID {
	node.log = r.log
	id, err := r.graph.AddNode(node)
	require.NoError(t, err)
	return id
}

func (r *graphRig) recordFrame(t *testing.T, frameIndex int, target FrameTarget) {
	r.log.events = nil
	r.commandBuffer.calls = nil
	require.NoError(t, r.graph.RecordFrame(context.Background(), frameIndex, target, r.commandBuffer))
}

func swapchainTarget(ctrl *gomock.Controller) FrameTarget {
	return FrameTarget{
		Image:     mocks.EasyMockImage(ctrl),
		ImageView: mocks.EasyMockImageView(ctrl),
	}
}

func fullColorRange(mipLevels, arrayLayers int) barrier.ImageRange {
	return barrier.ImageRange{
		AspectMask: core1_0.ImageAspectColor,
		LevelCount: mipLevels,
		LayerCount: arrayLayers,
	}
}
