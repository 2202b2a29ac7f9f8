package barrier

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ResourceID identifies a resource within a single Recorder. IDs are dense indices
// starting at 0.
type ResourceID int

type resourceKind int

const (
	kindUnknown resourceKind = iota
	kindBuffer
	kindImage
)

func (k resourceKind) String() string {
	switch k {
	case kindBuffer:
		return "Buffer"
	case kindImage:
		return "Image"
	default:
		return "Unknown"
	}
}

// BufferAccess is a single node's use of a byte range of a buffer
type BufferAccess struct {
	// Node is the execution index of the node performing the access
	Node   int
	Range  BufferRange
	Write  bool
	Stages core1_0.PipelineStageFlags
	Access core1_0.AccessFlags
}

// ImageAccess is a single node's use of a set of image subresources
type ImageAccess struct {
	// Node is the execution index of the node performing the access
	Node   int
	Range  ImageRange
	Write  bool
	Stages core1_0.PipelineStageFlags
	Access core1_0.AccessFlags
	// Layout is the layout the subresources must be in while the node executes
	Layout core1_0.ImageLayout
	// FinalLayout is the layout the node leaves the subresources in, for nodes (such as render
	// passes) that transition images themselves. ImageLayoutUndefined means the same as Layout.
	FinalLayout core1_0.ImageLayout
}

// ImageTraits describes how an image's contents and layout relate to the frames before and
// after the one being recorded
type ImageTraits struct {
	// FullRange is every subresource of the image
	FullRange ImageRange
	// InitialLayout is the layout the image is in before the first frame is recorded
	InitialLayout core1_0.ImageLayout
	// FinalLayout, if not ImageLayoutUndefined, is the layout the image must be left in at the
	// end of each frame
	FinalLayout core1_0.ImageLayout
	// PreserveAcrossFrames indicates that the contents of the image at the start of a frame
	// must be the contents written by the previous frame
	PreserveAcrossFrames bool
}

type access struct {
	node        int
	write       bool
	rng         subrange
	stages      core1_0.PipelineStageFlags
	access      core1_0.AccessFlags
	layout      core1_0.ImageLayout
	finalLayout core1_0.ImageLayout
}

type resourceAccesses struct {
	kind          resourceKind
	traits        ImageTraits
	reads         []access
	modifications []access
}

// Recorder collects the accesses that each node in a frame makes to each resource. A Recorder
// is filled in once per build and handed to Synthesizer.GenerateDependencyInfo.
type Recorder struct {
	resources []resourceAccesses
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Reset discards all recorded accesses and sizes the recorder to hold resourceCount resources
func (r *Recorder) Reset(resourceCount int) {
	if cap(r.resources) >= resourceCount {
		r.resources = r.resources[:resourceCount]
		for i := range r.resources {
			r.resources[i] = resourceAccesses{
				reads:         r.resources[i].reads[:0],
				modifications: r.resources[i].modifications[:0],
			}
		}
		return
	}

	r.resources = make([]resourceAccesses, resourceCount)
}

func (r *Recorder) ResourceCount() int {
	return len(r.resources)
}

func (r *Recorder) resource(id ResourceID, kind resourceKind) (*resourceAccesses, error) {
	if id < 0 || int(id) >= len(r.resources) {
		return nil, errors.Newf("resource %d is out of range: the recorder holds %d resources", id, len(r.resources))
	}

	res := &r.resources[id]
	if res.kind == kindUnknown {
		res.kind = kind
	} else if res.kind != kind {
		return nil, errors.Newf("resource %d was recorded as a %s but is being accessed as a %s", id, res.kind, kind)
	}

	return res, nil
}

func (r *Recorder) addAccess(res *resourceAccesses, a access) {
	if a.write {
		res.modifications = append(res.modifications, a)
	} else {
		res.reads = append(res.reads, a)
	}
}

// AddBufferAccess records a node's access to a buffer range
func (r *Recorder) AddBufferAccess(id ResourceID, a BufferAccess) error {
	if a.Node < 0 {
		return errors.Newf("buffer access to resource %d has a negative node index %d", id, a.Node)
	}
	if a.Range.Offset < 0 || a.Range.Size <= 0 {
		return errors.Newf("buffer access to resource %d by node %d has an empty or negative range %s", id, a.Node, a.Range)
	}

	res, err := r.resource(id, kindBuffer)
	if err != nil {
		return err
	}

	r.addAccess(res, access{
		node:   a.Node,
		write:  a.Write,
		rng:    bufferSubrange(a.Range),
		stages: a.Stages,
		access: a.Access,
	})
	return nil
}

// AddImageAccess records a node's access to a set of image subresources
func (r *Recorder) AddImageAccess(id ResourceID, a ImageAccess) error {
	if a.Node < 0 {
		return errors.Newf("image access to resource %d has a negative node index %d", id, a.Node)
	}
	if imageSubrange(a.Range).empty() || a.Range.BaseMipLevel < 0 || a.Range.BaseArrayLayer < 0 {
		return errors.Newf("image access to resource %d by node %d has an empty or negative range %s", id, a.Node, a.Range)
	}

	res, err := r.resource(id, kindImage)
	if err != nil {
		return err
	}

	finalLayout := a.FinalLayout
	if finalLayout == core1_0.ImageLayoutUndefined {
		finalLayout = a.Layout
	}

	r.addAccess(res, access{
		node:        a.Node,
		write:       a.Write,
		rng:         imageSubrange(a.Range),
		stages:      a.Stages,
		access:      a.Access,
		layout:      a.Layout,
		finalLayout: finalLayout,
	})
	return nil
}

// SetImageTraits records how an image carries over between frames. Images that never have
// their traits set are treated as transient: their contents are discarded at the start of every
// frame and no final layout is required.
func (r *Recorder) SetImageTraits(id ResourceID, traits ImageTraits) error {
	if imageSubrange(traits.FullRange).empty() {
		return errors.Newf("image resource %d has an empty full range %s", id, traits.FullRange)
	}

	res, err := r.resource(id, kindImage)
	if err != nil {
		return err
	}

	res.traits = traits
	return nil
}
