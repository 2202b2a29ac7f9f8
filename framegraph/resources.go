package framegraph

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/barrier"
	"github.com/vkngwrapper/framegraph/memutils/slotmap"
	"github.com/vkngwrapper/framegraph/vam"
	"golang.org/x/exp/slog"
)

// BufferHandle identifies a logical buffer in a Graph. The zero value is never valid.
type BufferHandle struct {
	slotmap.Handle
}

// ImageHandle identifies a logical image in a Graph. The zero value is never valid.
type ImageHandle struct {
	slotmap.Handle
}

// BufferUsage is one node's access to a buffer
type BufferUsage struct {
	Write  bool
	Stages core1_0.PipelineStageFlags
	Access core1_0.AccessFlags
	// Offset and Size select the bytes the node accesses. A Size of 0 selects everything from
	// Offset to the end of the buffer.
	Offset int
	Size   int
}

// ImageViewInfo describes a view a node needs of an image
type ImageViewInfo struct {
	ViewType core1_0.ImageViewType
	// Format defaults to the image's format
	Format core1_0.Format
	// Range defaults to the subresources of the usage the view belongs to
	Range barrier.ImageRange
}

// ImageUsage is one node's access to an image
type ImageUsage struct {
	Write  bool
	Stages core1_0.PipelineStageFlags
	Access core1_0.AccessFlags
	Layout core1_0.ImageLayout
	// FinalLayout is the layout the node leaves the image in, if it transitions the image
	// itself (for instance, with a render pass). ImageLayoutUndefined means the same as Layout.
	FinalLayout core1_0.ImageLayout
	// Range selects the subresources the node accesses. A zero AspectMask selects the whole image.
	Range barrier.ImageRange
	// Views are created for the node when the image is created, and can be retrieved with
	// Graph.ImageView
	Views []ImageViewInfo
}

// BufferInfo describes a transient buffer
type BufferInfo struct {
	Name           string
	Size           int
	Usage          core1_0.BufferUsageFlags
	RequiredFlags  core1_0.MemoryPropertyFlags
	PreferredFlags core1_0.MemoryPropertyFlags
	// Mapped buffers are persistently mapped when placed in HOST_VISIBLE memory
	Mapped bool
	// PerFrame buffers have one copy for each frame in flight
	PerFrame bool
}

// ImageInfo describes a transient image
type ImageInfo struct {
	Name      string
	ImageType core1_0.ImageType
	Format    core1_0.Format
	// Extent is ignored for target-relative images
	Extent core1_0.Extent3D
	// TargetRelative images match the graph's target extent, and are recreated by Resize
	TargetRelative bool
	MipLevels      int
	ArrayLayers    int
	Samples        core1_0.SampleCountFlags
	Usage          core1_0.ImageUsageFlags
	// Aspects are the aspects of every subresource. Defaults to ImageAspectColor.
	Aspects        core1_0.ImageAspectFlags
	RequiredFlags  core1_0.MemoryPropertyFlags
	PreferredFlags core1_0.MemoryPropertyFlags
	// FinalLayout, if set, is the layout the image is moved to at the end of every frame
	FinalLayout core1_0.ImageLayout
	// PreserveAcrossFrames keeps the image contents from one frame to the next
	PreserveAcrossFrames bool
}

// ImportedImageInfo describes an image that the graph uses but does not own
type ImportedImageInfo struct {
	Name     string
	Format   core1_0.Format
	ViewType core1_0.ImageViewType
	// FullRange is every subresource of the image
	FullRange barrier.ImageRange
	// InitialLayout is the layout the image is in before the first frame
	InitialLayout        core1_0.ImageLayout
	FinalLayout          core1_0.ImageLayout
	PreserveAcrossFrames bool
}

type bufferUse struct {
	node  NodeID
	usage BufferUsage
}

type bufferResource struct {
	name    string
	creator NodeID
	size    int

	// transient buffers are created by the graph, and imported buffers are not
	transient bool
	info      BufferInfo
	physical  vam.BufferHandle
	imported  core1_0.Buffer

	uses []bufferUse
}

type imageUse struct {
	node  NodeID
	usage ImageUsage
	views []core1_0.ImageView
}

type imageKind int

const (
	imageTransient imageKind = iota
	imageImported
	imageSwapchain
)

type imageResource struct {
	name     string
	creator  NodeID
	kind     imageKind
	format   core1_0.Format
	viewType core1_0.ImageViewType
	traits   barrier.ImageTraits

	info     ImageInfo
	physical vam.ImageHandle
	imported core1_0.Image
	// firstUse is set until a frame using the current native image is recorded. The native
	// image is still in traits.InitialLayout.
	firstUse bool

	uses []imageUse
}

func (g *Graph) validNode(node NodeID, operation string) bool {
	if node < 0 || int(node) >= len(g.nodes) {
		g.logger.Error("Graph::"+operation+": unknown node", slog.Int("Node", int(node)), slog.Int("NodeCount", len(g.nodes)))
		return false
	}
	return true
}

func (g *Graph) topologyChanged() {
	g.dirty = true
	if g.state > StateResourcesDeclared {
		g.state = StateResourcesDeclared
	}
}

// DeclareTransientBuffer declares a buffer that the graph creates and owns, and records the
// creating node's access to it. An invalid handle is returned on failure.
func (g *Graph) DeclareTransientBuffer(node NodeID, info BufferInfo, usage BufferUsage) BufferHandle {
	if !g.validNode(node, "DeclareTransientBuffer") {
		return BufferHandle{}
	}
	if info.Size < 1 {
		g.logger.Error("Graph::DeclareTransientBuffer: buffer size must be positive", slog.String("Name", info.Name), slog.Int("Size", info.Size))
		return BufferHandle{}
	}

	resource := bufferResource{
		name:      info.Name,
		creator:   node,
		size:      info.Size,
		transient: true,
		info:      info,
		uses:      []bufferUse{{node: node, usage: usage}},
	}

	if g.state >= StateResourcesDeclared {
		if err := g.createBuffer(&resource); err != nil {
			g.logger.Error("Graph::DeclareTransientBuffer: could not create buffer", slog.String("Name", info.Name), slog.Any("Error", err))
			return BufferHandle{}
		}
	}

	handle := BufferHandle{g.buffers.Insert(resource)}
	g.topologyChanged()
	return handle
}

// DeclareImportedBuffer declares a buffer that the graph uses but does not own. size is the
// number of bytes in the buffer.
func (g *Graph) DeclareImportedBuffer(node NodeID, buffer core1_0.Buffer, size int, usage BufferUsage) BufferHandle {
	if !g.validNode(node, "DeclareImportedBuffer") {
		return BufferHandle{}
	}
	if buffer == nil || size < 1 {
		g.logger.Error("Graph::DeclareImportedBuffer: a native buffer and a positive size are required", slog.Int("Size", size))
		return BufferHandle{}
	}

	handle := BufferHandle{g.buffers.Insert(bufferResource{
		creator:  node,
		size:     size,
		imported: buffer,
		uses:     []bufferUse{{node: node, usage: usage}},
	})}
	g.topologyChanged()
	return handle
}

// DeclareReferencedBuffer records a node's access to a buffer declared by another node. Nodes
// must reference resources in execution order. The handle is returned, or an invalid handle
// if it is unknown.
func (g *Graph) DeclareReferencedBuffer(node NodeID, handle BufferHandle, usage BufferUsage) BufferHandle {
	if !g.validNode(node, "DeclareReferencedBuffer") {
		return BufferHandle{}
	}

	resource := g.buffers.GetPtr(handle.Handle)
	if resource == nil {
		g.logger.Error("Graph::DeclareReferencedBuffer: unknown buffer", slog.String("Handle", handle.String()), slog.Int("Node", int(node)))
		return BufferHandle{}
	}

	resource.uses = append(resource.uses, bufferUse{node: node, usage: usage})
	g.topologyChanged()
	return handle
}

func (g *Graph) fullImageRange(info ImageInfo) barrier.ImageRange {
	aspects := info.Aspects
	if aspects == 0 {
		aspects = core1_0.ImageAspectColor
	}
	return barrier.ImageRange{
		AspectMask: aspects,
		LevelCount: info.MipLevels,
		LayerCount: info.ArrayLayers,
	}
}

// DeclareTransientImage declares an image that the graph creates and owns, and records the
// creating node's access to it. An invalid handle is returned on failure.
func (g *Graph) DeclareTransientImage(node NodeID, info ImageInfo, usage ImageUsage) ImageHandle {
	if !g.validNode(node, "DeclareTransientImage") {
		return ImageHandle{}
	}

	if info.MipLevels == 0 {
		info.MipLevels = 1
	}
	if info.ArrayLayers == 0 {
		info.ArrayLayers = 1
	}
	if info.ImageType == 0 {
		info.ImageType = core1_0.ImageType2D
	}

	viewType := core1_0.ImageViewType2D
	if info.ArrayLayers > 1 {
		viewType = core1_0.ImageViewType2DArray
	}

	resource := imageResource{
		name:     info.Name,
		creator:  node,
		kind:     imageTransient,
		format:   info.Format,
		viewType: viewType,
		info:     info,
		traits: barrier.ImageTraits{
			FullRange:            g.fullImageRange(info),
			InitialLayout:        core1_0.ImageLayoutUndefined,
			FinalLayout:          info.FinalLayout,
			PreserveAcrossFrames: info.PreserveAcrossFrames,
		},
		uses: []imageUse{{node: node, usage: usage}},
	}

	if g.state >= StateResourcesDeclared {
		if err := g.createImage(&resource); err != nil {
			g.logger.Error("Graph::DeclareTransientImage: could not create image", slog.String("Name", info.Name), slog.Any("Error", err))
			return ImageHandle{}
		}
	}

	handle := ImageHandle{g.images.Insert(resource)}
	g.topologyChanged()
	return handle
}

// DeclareImportedImage declares an image that the graph uses but does not own
func (g *Graph) DeclareImportedImage(node NodeID, image core1_0.Image, info ImportedImageInfo, usage ImageUsage) ImageHandle {
	if !g.validNode(node, "DeclareImportedImage") {
		return ImageHandle{}
	}
	if image == nil || info.FullRange.LevelCount < 1 || info.FullRange.LayerCount < 1 || info.FullRange.AspectMask == 0 {
		g.logger.Error("Graph::DeclareImportedImage: a native image and a full subresource range are required", slog.String("Name", info.Name))
		return ImageHandle{}
	}

	viewType := info.ViewType
	if viewType == 0 && info.FullRange.LayerCount > 1 {
		viewType = core1_0.ImageViewType2DArray
	} else if viewType == 0 {
		viewType = core1_0.ImageViewType2D
	}

	resource := imageResource{
		name:     info.Name,
		creator:  node,
		kind:     imageImported,
		format:   info.Format,
		viewType: viewType,
		imported: image,
		firstUse: true,
		traits: barrier.ImageTraits{
			FullRange:            info.FullRange,
			InitialLayout:        info.InitialLayout,
			FinalLayout:          info.FinalLayout,
			PreserveAcrossFrames: info.PreserveAcrossFrames,
		},
		uses: []imageUse{{node: node, usage: usage}},
	}

	if err := g.createViews(&resource, image); err != nil {
		g.logger.Error("Graph::DeclareImportedImage: could not create views", slog.String("Name", info.Name), slog.Any("Error", err))
		return ImageHandle{}
	}

	handle := ImageHandle{g.images.Insert(resource)}
	g.topologyChanged()
	return handle
}

// DeclareReferencedImage records a node's access to an image declared by another node. Nodes
// must reference resources in execution order. The handle is returned, or an invalid handle
// if it is unknown.
func (g *Graph) DeclareReferencedImage(node NodeID, handle ImageHandle, usage ImageUsage) ImageHandle {
	if !g.validNode(node, "DeclareReferencedImage") {
		return ImageHandle{}
	}

	resource := g.images.GetPtr(handle.Handle)
	if resource == nil {
		g.logger.Error("Graph::DeclareReferencedImage: unknown image", slog.String("Handle", handle.String()), slog.Int("Node", int(node)))
		return ImageHandle{}
	}

	use := imageUse{node: node, usage: usage}
	if resource.kind != imageSwapchain {
		image := g.NativeImage(handle)
		if image != nil {
			views, err := g.createUseViews(resource, image, &use)
			if err != nil {
				g.logger.Error("Graph::DeclareReferencedImage: could not create views", slog.String("Handle", handle.String()), slog.Any("Error", err))
				return ImageHandle{}
			}
			use.views = views
		}
	}

	resource.uses = append(resource.uses, use)
	g.topologyChanged()
	return handle
}

// DeclareReferencedSwapchainImage records a node's access to the frame target. Every node
// shares a single swapchain image resource, which is created on first use. Its native image
// is the FrameTarget passed to RecordFrame.
func (g *Graph) DeclareReferencedSwapchainImage(node NodeID, usage ImageUsage) ImageHandle {
	if !g.validNode(node, "DeclareReferencedSwapchainImage") {
		return ImageHandle{}
	}

	resource := g.images.GetPtr(g.swapchain.Handle)
	if resource == nil {
		g.swapchain = ImageHandle{g.images.Insert(imageResource{
			name:     "swapchain",
			creator:  node,
			kind:     imageSwapchain,
			viewType: core1_0.ImageViewType2D,
			traits: barrier.ImageTraits{
				FullRange: barrier.ImageRange{
					AspectMask: core1_0.ImageAspectColor,
					LevelCount: 1,
					LayerCount: 1,
				},
				InitialLayout: core1_0.ImageLayoutUndefined,
				FinalLayout:   swapchainFinalLayout,
			},
		})}
		resource = g.images.GetPtr(g.swapchain.Handle)
	}

	resource.uses = append(resource.uses, imageUse{node: node, usage: usage})
	g.topologyChanged()
	return g.swapchain
}

// RemoveBuffer removes a buffer and every access to it. Transient buffers are destroyed once
// the GPU is done with them.
func (g *Graph) RemoveBuffer(handle BufferHandle) bool {
	resource, ok := g.buffers.Remove(handle.Handle)
	if !ok {
		g.logger.Error("Graph::RemoveBuffer: unknown buffer", slog.String("Handle", handle.String()))
		return false
	}

	g.releaseBuffer(&resource)
	g.topologyChanged()
	return true
}

// RemoveImage removes an image and every access to it. Transient images and all views are
// destroyed once the GPU is done with them.
func (g *Graph) RemoveImage(handle ImageHandle) bool {
	resource, ok := g.images.Remove(handle.Handle)
	if !ok {
		g.logger.Error("Graph::RemoveImage: unknown image", slog.String("Handle", handle.String()))
		return false
	}

	g.releaseImage(&resource)
	if handle == g.swapchain {
		g.swapchain = ImageHandle{}
	}
	g.topologyChanged()
	return true
}

// NativeBuffer returns the native buffer behind a handle for a frame index, or nil if the
// handle is unknown or not yet created
func (g *Graph) NativeBuffer(handle BufferHandle, frameIndex int) core1_0.Buffer {
	resource := g.buffers.GetPtr(handle.Handle)
	if resource == nil {
		return nil
	}

	if !resource.transient {
		return resource.imported
	}
	if !resource.physical.IsValid() {
		return nil
	}
	return g.allocator.Buffer(resource.physical, frameIndex)
}

// NativeImage returns the native image behind a handle. The swapchain image is the target of
// the frame being recorded.
func (g *Graph) NativeImage(handle ImageHandle) core1_0.Image {
	resource := g.images.GetPtr(handle.Handle)
	if resource == nil {
		return nil
	}

	switch resource.kind {
	case imageImported:
		return resource.imported
	case imageSwapchain:
		return g.target.Image
	}

	if !resource.physical.IsValid() {
		return nil
	}
	return g.allocator.Image(resource.physical)
}

// MappedData returns the host pointer of a mapped transient buffer for a frame index
func (g *Graph) MappedData(handle BufferHandle, frameIndex int) unsafe.Pointer {
	resource := g.buffers.GetPtr(handle.Handle)
	if resource == nil || !resource.transient || !resource.physical.IsValid() {
		return nil
	}

	return g.allocator.MappedData(resource.physical, frameIndex)
}

// ImageView returns one of the views a node declared for an image, or nil. The swapchain image
// has the single view passed with the frame target.
func (g *Graph) ImageView(node NodeID, handle ImageHandle, viewIndex int) core1_0.ImageView {
	resource := g.images.GetPtr(handle.Handle)
	if resource == nil {
		return nil
	}

	if resource.kind == imageSwapchain {
		if viewIndex != 0 {
			return nil
		}
		return g.target.ImageView
	}

	for _, use := range resource.uses {
		if use.node != node {
			continue
		}
		if viewIndex >= 0 && viewIndex < len(use.views) {
			return use.views[viewIndex]
		}
		return nil
	}
	return nil
}
