package framegraph

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"github.com/vkngwrapper/framegraph/barrier"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
	"github.com/vkngwrapper/framegraph/vam"
	"golang.org/x/exp/slog"
)

const swapchainFinalLayout = khr_swapchain.ImageLayoutPresentSrc

// ResourceAllocator creates the graph's transient resources. *vam.Allocator satisfies it.
type ResourceAllocator interface {
	FrameCount() int
	SetFrameIndex(frameIndex int) error

	CreateBuffer(bufferInfo core1_0.BufferCreateInfo, o vam.ResourceCreateInfo) (vam.BufferHandle, common.VkResult, error)
	CreateImage(imageInfo core1_0.ImageCreateInfo, o vam.ResourceCreateInfo) (vam.ImageHandle, common.VkResult, error)
	CreateImageView(viewInfo core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error)

	Buffer(handle vam.BufferHandle, frameIndex int) core1_0.Buffer
	Image(handle vam.ImageHandle) core1_0.Image
	MappedData(handle vam.BufferHandle, frameIndex int) unsafe.Pointer

	DestroyBuffer(handle vam.BufferHandle) error
	DestroyImage(handle vam.ImageHandle) error
	DestroyImageView(view core1_0.ImageView)
}

// State is the stage of a Graph's lifecycle
type State int

const (
	// StateUninitialized graphs are accepting nodes and have not been built
	StateUninitialized State = iota
	// StateResourcesDeclared graphs have run node setup and created their resources, but the
	// dependency info is out of date
	StateResourcesDeclared
	// StateDependencyGraphBuilt graphs have up to date dependency info
	StateDependencyGraphBuilt
	// StateRecording graphs have recorded at least one frame since the dependency info was built
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateResourcesDeclared:
		return "ResourcesDeclared"
	case StateDependencyGraphBuilt:
		return "DependencyGraphBuilt"
	case StateRecording:
		return "Recording"
	default:
		return "Unknown"
	}
}

// Options contains optional settings when creating a Graph
type Options struct {
	// FramesInFlight must match the allocator's frame count. Defaults to the allocator's frame count.
	FramesInFlight int
	// TargetExtent is the size of target-relative images
	TargetExtent core1_0.Extent2D
	// Synchronizer, if set, is waited on at the start of every frame
	Synchronizer Synchronizer
	// QueueFamilyIndex is the queue family the graph's command buffers are submitted to
	QueueFamilyIndex int
}

// Graph owns a list of nodes and the resources they declare, and records them to a command
// buffer each frame with the barriers they need between them. A Graph is not safe for
// concurrent use.
type Graph struct {
	logger       *slog.Logger
	allocator    ResourceAllocator
	synthesizer  *barrier.Synthesizer
	recorder     *barrier.Recorder
	synchronizer Synchronizer

	framesInFlight int
	targetExtent   core1_0.Extent2D

	state      State
	dirty      bool
	firstFrame bool

	nodes     []Node
	buffers   *slotmap.SlotMap[bufferResource]
	images    *slotmap.SlotMap[imageResource]
	swapchain ImageHandle

	dependencyInfo *barrier.DependencyInfo
	resourceRefs   []resourceRef
	target         FrameTarget
}

// New creates an empty graph
func New(logger *slog.Logger, allocator ResourceAllocator, options Options) (*Graph, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a frame graph with a nil logger")
	} else if allocator == nil {
		return nil, errors.New("attempted to create a frame graph with a nil allocator")
	}

	framesInFlight := options.FramesInFlight
	if framesInFlight == 0 {
		framesInFlight = allocator.FrameCount()
	}
	if framesInFlight != allocator.FrameCount() {
		return nil, errors.Newf("framegraph.Options.FramesInFlight was %d, but the allocator has %d frames in flight", framesInFlight, allocator.FrameCount())
	}

	synthesizer, err := barrier.NewSynthesizer(logger, barrier.SynthesizerOptions{
		QueueFamilyIndex: options.QueueFamilyIndex,
	})
	if err != nil {
		return nil, err
	}

	return &Graph{
		logger:         logger,
		allocator:      allocator,
		synthesizer:    synthesizer,
		recorder:       barrier.NewRecorder(),
		synchronizer:   options.Synchronizer,
		framesInFlight: framesInFlight,
		targetExtent:   options.TargetExtent,
		firstFrame:     true,
		buffers:        slotmap.New[bufferResource](),
		images:         slotmap.New[imageResource](),
	}, nil
}

func (g *Graph) State() State                   { return g.state }
func (g *Graph) FramesInFlight() int            { return g.framesInFlight }
func (g *Graph) TargetExtent() core1_0.Extent2D { return g.targetExtent }
func (g *Graph) NodeCount() int                 { return len(g.nodes) }

// DependencyInfo returns the most recently built dependency info, or nil
func (g *Graph) DependencyInfo() *barrier.DependencyInfo { return g.dependencyInfo }

// AddNode appends a node to the graph. Nodes execute in the order they are added.
func (g *Graph) AddNode(node Node) (NodeID, error) {
	if node == nil {
		return -1, errors.New("attempted to add a nil node")
	}
	if g.state != StateUninitialized {
		return -1, errors.Newf("nodes cannot be added to a graph in state %s", g.state)
	}

	g.nodes = append(g.nodes, node)
	return NodeID(len(g.nodes) - 1), nil
}

// Build runs every node's Setup in execution order, creates the transient resources they
// declared, and builds the dependency info
func (g *Graph) Build() error {
	if g.state != StateUninitialized {
		return errors.Newf("attempted to build a graph in state %s", g.state)
	}

	for index, node := range g.nodes {
		if err := node.Setup(g, NodeID(index)); err != nil {
			return errors.Wrapf(err, "setup failed for node %d (%s)", index, node.Name())
		}
	}

	g.state = StateResourcesDeclared

	var err error
	g.buffers.Each(func(handle slotmap.Handle, resource *bufferResource) bool {
		if resource.transient && !resource.physical.IsValid() {
			err = g.createBuffer(resource)
		}
		return err != nil
	})
	if err != nil {
		return err
	}

	g.images.Each(func(handle slotmap.Handle, resource *imageResource) bool {
		if resource.kind == imageTransient && !resource.physical.IsValid() {
			err = g.createImage(resource)
		}
		return err != nil
	})
	if err != nil {
		return err
	}

	g.logger.Debug("Graph::Build",
		slog.Int("NodeCount", len(g.nodes)),
		slog.Int("BufferCount", g.buffers.Len()),
		slog.Int("ImageCount", g.images.Len()),
	)

	return g.UpdateDependencyInfo()
}

func (g *Graph) createBuffer(resource *bufferResource) error {
	createInfo := vam.ResourceCreateInfo{
		RequiredFlags:  resource.info.RequiredFlags,
		PreferredFlags: resource.info.PreferredFlags,
		Name:           resource.name,
	}
	if resource.info.Mapped {
		createInfo.Flags |= vam.ResourceCreateMapped
	}
	if resource.info.PerFrame {
		createInfo.Flags |= vam.ResourceCreatePerFrame
	}

	physical, _, err := g.allocator.CreateBuffer(core1_0.BufferCreateInfo{
		Size:        resource.size,
		Usage:       resource.info.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	}, createInfo)
	if err != nil {
		return errors.Wrapf(err, "could not create transient buffer '%s'", resource.name)
	}

	resource.physical = physical
	return nil
}

func (g *Graph) imageExtent(info ImageInfo) core1_0.Extent3D {
	if !info.TargetRelative {
		return info.Extent
	}
	return core1_0.Extent3D{
		Width:  g.targetExtent.Width,
		Height: g.targetExtent.Height,
		Depth:  1,
	}
}

func (g *Graph) createImage(resource *imageResource) error {
	samples := resource.info.Samples
	if samples == 0 {
		samples = core1_0.Samples1
	}

	physical, _, err := g.allocator.CreateImage(core1_0.ImageCreateInfo{
		ImageType:     resource.info.ImageType,
		Format:        resource.info.Format,
		Extent:        g.imageExtent(resource.info),
		MipLevels:     resource.info.MipLevels,
		ArrayLayers:   resource.info.ArrayLayers,
		Samples:       samples,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         resource.info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	}, vam.ResourceCreateInfo{
		RequiredFlags:  resource.info.RequiredFlags,
		PreferredFlags: resource.info.PreferredFlags,
		Name:           resource.name,
	})
	if err != nil {
		return errors.Wrapf(err, "could not create transient image '%s'", resource.name)
	}

	resource.physical = physical
	resource.firstUse = true

	return g.createViews(resource, g.allocator.Image(physical))
}

func (g *Graph) createUseViews(resource *imageResource, image core1_0.Image, use *imageUse) ([]core1_0.ImageView, error) {
	views := make([]core1_0.ImageView, 0, len(use.usage.Views))
	for _, viewInfo := range use.usage.Views {
		rng := viewInfo.Range
		if rng.AspectMask == 0 {
			rng = use.usage.Range
		}
		if rng.AspectMask == 0 {
			rng = resource.traits.FullRange
		}

		viewType := viewInfo.ViewType
		if viewType == 0 {
			viewType = resource.viewType
		}
		format := viewInfo.Format
		if format == 0 {
			format = resource.format
		}

		view, _, err := g.allocator.CreateImageView(core1_0.ImageViewCreateInfo{
			Image:            image,
			ViewType:         viewType,
			Format:           format,
			SubresourceRange: rng.SubresourceRange(),
		})
		if err != nil {
			for _, created := range views {
				g.allocator.DestroyImageView(created)
			}
			return nil, err
		}
		views = append(views, view)
	}

	return views, nil
}

func (g *Graph) createViews(resource *imageResource, image core1_0.Image) error {
	for i := range resource.uses {
		views, err := g.createUseViews(resource, image, &resource.uses[i])
		if err != nil {
			return errors.Wrapf(err, "could not create views of image '%s'", resource.name)
		}
		resource.uses[i].views = views
	}
	return nil
}

func (g *Graph) releaseViews(resource *imageResource) {
	for i := range resource.uses {
		for _, view := range resource.uses[i].views {
			g.allocator.DestroyImageView(view)
		}
		resource.uses[i].views = nil
	}
}

func (g *Graph) releaseImage(resource *imageResource) {
	g.releaseViews(resource)
	if resource.kind == imageTransient && resource.physical.IsValid() {
		if err := g.allocator.DestroyImage(resource.physical); err != nil {
			g.logger.Error("Graph: could not destroy image", slog.String("Name", resource.name), slog.Any("Error", err))
		}
		resource.physical = vam.ImageHandle{}
	}
}

func (g *Graph) releaseBuffer(resource *bufferResource) {
	if resource.transient && resource.physical.IsValid() {
		if err := g.allocator.DestroyBuffer(resource.physical); err != nil {
			g.logger.Error("Graph: could not destroy buffer", slog.String("Name", resource.name), slog.Any("Error", err))
		}
		resource.physical = vam.BufferHandle{}
	}
}

// Resize changes the target extent. Target-relative images are recreated at the new size and
// the old ones are destroyed once the GPU is done with them.
func (g *Graph) Resize(width, height int) error {
	if width < 1 || height < 1 {
		return errors.Newf("attempted to resize a graph to %dx%d", width, height)
	}

	g.targetExtent = core1_0.Extent2D{Width: width, Height: height}
	if g.state == StateUninitialized {
		return nil
	}

	var err error
	var recreated int
	g.images.Each(func(handle slotmap.Handle, resource *imageResource) bool {
		if resource.kind != imageTransient || !resource.info.TargetRelative {
			return false
		}

		g.releaseImage(resource)
		err = g.createImage(resource)
		recreated++
		return err != nil
	})

	g.logger.Debug("Graph::Resize",
		slog.Int("Width", width),
		slog.Int("Height", height),
		slog.Int("RecreatedImages", recreated),
	)

	g.topologyChanged()
	return err
}

// Destroy calls every node's Destroy in execution order, then releases every resource the
// graph owns. The allocator is not destroyed.
func (g *Graph) Destroy() {
	for _, node := range g.nodes {
		node.Destroy(g)
	}

	g.buffers.Each(func(handle slotmap.Handle, resource *bufferResource) bool {
		g.releaseBuffer(resource)
		return false
	})
	g.images.Each(func(handle slotmap.Handle, resource *imageResource) bool {
		g.releaseImage(resource)
		return false
	})

	g.buffers.Clear()
	g.images.Clear()
	g.nodes = nil
	g.swapchain = ImageHandle{}
	g.dependencyInfo = nil
	g.resourceRefs = nil
	g.state = StateUninitialized
}
