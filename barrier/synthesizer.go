package barrier

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// SynthesizerOptions contains optional settings when creating a Synthesizer
type SynthesizerOptions struct {
	// QueueFamilyIndex is written to both the source and destination queue family of every
	// native barrier. All nodes are recorded to a single queue, so no ownership transfers
	// are ever generated.
	QueueFamilyIndex int
}

// Synthesizer turns the accesses collected by a Recorder into the barriers needed to execute
// the nodes in order without hazards
type Synthesizer struct {
	logger           *slog.Logger
	queueFamilyIndex int
}

func NewSynthesizer(logger *slog.Logger, options SynthesizerOptions) (*Synthesizer, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a barrier synthesizer with a nil logger")
	}
	if options.QueueFamilyIndex < 0 {
		return nil, errors.Newf("barrier.SynthesizerOptions.QueueFamilyIndex must not be negative, but was %d", options.QueueFamilyIndex)
	}

	return &Synthesizer{
		logger:           logger,
		queueFamilyIndex: options.QueueFamilyIndex,
	}, nil
}

// resourceState is the working copy of one resource's accesses during synthesis. Modifications
// gain synthetic entries as layout transitions are discovered, so the recorder's own lists are
// never touched.
type resourceState struct {
	id            ResourceID
	kind          resourceKind
	traits        ImageTraits
	reads         []access
	modifications []access
}

// writerMatch is a piece of a consumer's range along with the latest modification that covers it
type writerMatch struct {
	piece  subrange
	writer access
	found  bool
}

// collectWriters splits rng into pieces, each paired with the latest modification among
// modifications[:end] that overlaps it. Pieces that no modification covers are returned
// unmatched. The pieces cover rng exactly once.
func (r *resourceState) collectWriters(rng subrange, end int, matches []writerMatch) []writerMatch {
	for j := end - 1; j >= 0; j-- {
		writer := r.modifications[j]
		if !writer.rng.overlaps(rng) {
			continue
		}

		covered, remainders := rng.split(writer.rng)
		matches = append(matches, writerMatch{piece: covered, writer: writer, found: true})
		for _, remainder := range remainders {
			matches = r.collectWriters(remainder, j, matches)
		}
		return matches
	}

	return append(matches, writerMatch{piece: rng})
}

// readersBetween finds the reads strictly between two nodes that overlap rng
func (r *resourceState) readersBetween(rng subrange, after, before int) (latest int, stages core1_0.PipelineStageFlags, found bool) {
	start := sort.Search(len(r.reads), func(i int) bool {
		return r.reads[i].node > after
	})

	for i := start; i < len(r.reads) && r.reads[i].node < before; i++ {
		if !r.reads[i].rng.overlaps(rng) {
			continue
		}

		found = true
		latest = r.reads[i].node
		stages |= r.reads[i].stages
	}

	return latest, stages, found
}

// insertModification adds a modification after every existing modification at or before its node
func (r *resourceState) insertModification(mod access) {
	index := sort.Search(len(r.modifications), func(i int) bool {
		return r.modifications[i].node > mod.node
	})
	r.modifications = slices.Insert(r.modifications, index, mod)
}

type barrierKey struct {
	resource ResourceID
	srcNode  int
	// dstNode is only set for layout transitions, which can't be hoisted above other consumers
	// that still expect the old layout
	dstNode   int
	oldLayout core1_0.ImageLayout
	newLayout core1_0.ImageLayout
}

type synthesis struct {
	info *DependencyInfo

	barriers        []Barrier
	barrierIndex    *swiss.Map[barrierKey, []int]
	frameStart      []FrameStartBarrier
	frameStartIndex *swiss.Map[barrierKey, []int]
}

// mergeBarrier folds b into existing if their union is still a single range, so a merged
// barrier never covers bytes or subresources that neither barrier did
func mergeBarrier(existing *Barrier, b *Barrier) bool {
	if existing.Image {
		union, ok := exactImageUnion(existing.ImageRange, b.ImageRange)
		if !ok {
			return false
		}
		existing.ImageRange = union
	} else {
		union, ok := bufferUnion(existing.BufferRange, b.BufferRange)
		if !ok {
			return false
		}
		existing.BufferRange = union
	}

	existing.SrcStages |= b.SrcStages
	existing.SrcAccess |= b.SrcAccess
	existing.DstStages |= b.DstStages
	existing.DstAccess |= b.DstAccess
	if b.DstNode < existing.DstNode {
		existing.DstNode = b.DstNode
	}
	return true
}

func (s *synthesis) emitBarrier(b Barrier) {
	key := barrierKey{
		resource:  b.Resource,
		srcNode:   b.SrcNode,
		dstNode:   NoNode,
		oldLayout: b.OldLayout,
		newLayout: b.NewLayout,
	}
	if b.OldLayout != b.NewLayout {
		key.dstNode = b.DstNode
	}

	indices, _ := s.barrierIndex.Get(key)
	for _, index := range indices {
		if mergeBarrier(&s.barriers[index], &b) {
			return
		}
	}

	s.barriers = append(s.barriers, b)
	s.barrierIndex.Put(key, append(indices, len(s.barriers)-1))
}

func (s *synthesis) emitFrameStart(b FrameStartBarrier) {
	key := barrierKey{
		resource:  b.Resource,
		srcNode:   NoNode,
		dstNode:   NoNode,
		oldLayout: b.PreviousLayout,
		newLayout: b.NewLayout,
	}

	indices, _ := s.frameStartIndex.Get(key)
	for _, index := range indices {
		existing := &s.frameStart[index]
		if mergeBarrier(&existing.Barrier, &b.Barrier) {
			existing.PreviousStages |= b.PreviousStages
			existing.PreviousAccess |= b.PreviousAccess
			return
		}
	}

	s.frameStart = append(s.frameStart, b)
	s.frameStartIndex.Put(key, append(indices, len(s.frameStart)-1))
}

// GenerateDependencyInfo resolves every recorded access against the latest earlier
// modification of each piece of its range and emits the barriers between them. Every access
// must belong to a node in [0, nodeCount).
func (s *Synthesizer) GenerateDependencyInfo(recorder *Recorder, nodeCount int) (*DependencyInfo, error) {
	if recorder == nil {
		return nil, errors.New("attempted to generate dependency info from a nil recorder")
	}

	syn := &synthesis{
		info: &DependencyInfo{
			NodeCount:    nodeCount,
			NodeBarriers: make([][]Barrier, nodeCount),
		},
		barrierIndex:    swiss.NewMap[barrierKey, []int](uint32(nodeCount)),
		frameStartIndex: swiss.NewMap[barrierKey, []int](uint32(recorder.ResourceCount())),
	}

	for id := range recorder.resources {
		recorded := &recorder.resources[id]
		if recorded.kind == kindUnknown {
			continue
		}

		res := &resourceState{
			id:            ResourceID(id),
			kind:          recorded.kind,
			traits:        recorded.traits,
			reads:         slices.Clone(recorded.reads),
			modifications: slices.Clone(recorded.modifications),
		}

		for _, list := range [][]access{res.reads, res.modifications} {
			for _, a := range list {
				if a.node >= nodeCount {
					return nil, errors.Newf("resource %d was accessed by node %d, but the graph only has %d nodes", id, a.node, nodeCount)
				}
			}
		}

		sort.SliceStable(res.reads, func(i, j int) bool { return res.reads[i].node < res.reads[j].node })
		sort.SliceStable(res.modifications, func(i, j int) bool {
			return res.modifications[i].node < res.modifications[j].node
		})

		syn.processResource(res)
	}

	syn.relocate()

	s.logger.Debug("Synthesizer::GenerateDependencyInfo",
		slog.Int("NodeCount", nodeCount),
		slog.Int("ResourceCount", recorder.ResourceCount()),
		slog.Int("BarrierCount", len(syn.barriers)),
		slog.Int("FrameStartBarrierCount", len(syn.info.FrameStartImageBarriers)),
		slog.Int("FrameEndBarrierCount", len(syn.info.FrameEndImageBarriers)),
	)

	return syn.info, nil
}

func (s *synthesis) processResource(res *resourceState) {
	consumers := make([]access, 0, len(res.reads)+len(res.modifications))
	consumers = append(consumers, res.reads...)
	consumers = append(consumers, res.modifications...)
	sort.SliceStable(consumers, func(i, j int) bool { return consumers[i].node < consumers[j].node })

	var matches []writerMatch
	for _, consumer := range consumers {
		end := sort.Search(len(res.modifications), func(i int) bool {
			return res.modifications[i].node >= consumer.node
		})

		matches = res.collectWriters(consumer.rng, end, matches[:0])
		for _, match := range matches {
			s.resolve(res, consumer, match)
		}
	}

	if res.kind == kindImage {
		s.resolveFrameStart(res)
		s.resolveFrameEnd(res)
	}
}

func (s *synthesis) addDependency(res *resourceState, consumer access, piece subrange, srcNode int) {
	dep := Dependency{
		Resource: res.id,
		Image:    res.kind == kindImage,
		SrcNode:  srcNode,
		DstNode:  consumer.node,
		DstWrite: consumer.write,
	}
	if dep.Image {
		dep.ImageRange = piece.imageRange()
	} else {
		dep.BufferRange = piece.bufferRange()
	}
	s.info.Dependencies = append(s.info.Dependencies, dep)
}

func (s *synthesis) newBarrier(res *resourceState, consumer access, piece subrange) Barrier {
	b := Barrier{
		Resource:  res.id,
		Image:     res.kind == kindImage,
		SrcNode:   NoNode,
		DstNode:   consumer.node,
		DstStages: consumer.stages,
		DstAccess: consumer.access,
	}
	if b.Image {
		b.ImageRange = piece.imageRange()
		b.NewLayout = consumer.layout
	} else {
		b.BufferRange = piece.bufferRange()
	}
	return b
}

// resolve emits what a single piece of a consumer's range needs from its latest writer
func (s *synthesis) resolve(res *resourceState, consumer access, match writerMatch) {
	isImage := res.kind == kindImage

	if !match.found {
		s.addDependency(res, consumer, match.piece, NoNode)

		if isImage {
			s.frameStart = append(s.frameStart, FrameStartBarrier{
				Barrier:       s.newBarrier(res, consumer, match.piece),
				InitialLayout: res.traits.InitialLayout,
				Preserve:      res.traits.PreserveAcrossFrames,
			})
			if !consumer.write {
				s.addTransition(res, consumer, match.piece)
			}
			return
		}

		if consumer.write {
			// Nothing wrote this piece yet, but earlier reads must finish before it is overwritten
			latest, stages, found := res.readersBetween(match.piece, NoNode, consumer.node)
			if found {
				b := s.newBarrier(res, consumer, match.piece)
				b.SrcNode = latest
				b.SrcStages = stages
				s.emitBarrier(b)
			}
		}
		return
	}

	writer := match.writer
	s.addDependency(res, consumer, match.piece, writer.node)

	b := s.newBarrier(res, consumer, match.piece)
	b.SrcNode = writer.node
	b.SrcStages = writer.stages
	b.SrcAccess = writer.access
	if isImage {
		b.OldLayout = writer.finalLayout
	}

	// A layout transition rewrites the piece, so it must also wait for reads of the old layout
	if consumer.write || b.OldLayout != b.NewLayout {
		latest, stages, found := res.readersBetween(match.piece, writer.node, consumer.node)
		if found {
			b.SrcNode = latest
			b.SrcStages |= stages
		}
	}

	s.emitBarrier(b)

	if isImage && !consumer.write && b.OldLayout != b.NewLayout {
		s.addTransition(res, consumer, match.piece)
	}
}

// addTransition records that a read changed the layout of a piece. Later consumers must
// synchronize with the read rather than the original writer.
func (s *synthesis) addTransition(res *resourceState, consumer access, piece subrange) {
	res.insertModification(access{
		node:        consumer.node,
		write:       true,
		rng:         piece,
		stages:      consumer.stages,
		layout:      consumer.layout,
		finalLayout: consumer.layout,
	})
}

// lastUse finds the stages that touch a piece from its last modification to the end of the frame
func (s *synthesis) lastUse(res *resourceState, writer access, piece subrange) core1_0.PipelineStageFlags {
	stages := writer.stages
	start := sort.Search(len(res.reads), func(i int) bool {
		return res.reads[i].node >= writer.node
	})
	for i := start; i < len(res.reads); i++ {
		if res.reads[i].rng.overlaps(piece) {
			stages |= res.reads[i].stages
		}
	}
	return stages
}

// resolveFrameStart fills in where the previous frame left each piece served by the frame start.
// The pieces collected for a resource while resolving its consumers are split by that state
// and merged.
func (s *synthesis) resolveFrameStart(res *resourceState) {
	pending := s.frameStart
	s.frameStart = nil

	var matches []writerMatch
	for _, barrier := range pending {
		matches = res.collectWriters(imageSubrange(barrier.ImageRange), len(res.modifications), matches[:0])
		for _, match := range matches {
			piece := barrier
			piece.ImageRange = match.piece.imageRange()

			// Every frame-start piece has a first consumer, which is itself a modification
			if match.found {
				piece.PreviousLayout = match.writer.finalLayout
				piece.PreviousStages = s.lastUse(res, match.writer, match.piece)
				piece.PreviousAccess = match.writer.access
			}
			if res.traits.FinalLayout != core1_0.ImageLayoutUndefined {
				piece.PreviousLayout = res.traits.FinalLayout
				piece.PreviousStages = core1_0.PipelineStageAllCommands
				piece.PreviousAccess = 0
			}

			s.emitFrameStart(piece)
		}
	}

	s.info.FrameStartImageBarriers = append(s.info.FrameStartImageBarriers, s.frameStart...)
	s.frameStart = nil
	s.frameStartIndex = swiss.NewMap[barrierKey, []int](42)
}

// resolveFrameEnd moves every subresource of an image with a declared final layout into it
func (s *synthesis) resolveFrameEnd(res *resourceState) {
	finalLayout := res.traits.FinalLayout
	if finalLayout == core1_0.ImageLayoutUndefined {
		return
	}

	firstBarrier := len(s.info.FrameEndImageBarriers)
	matches := res.collectWriters(imageSubrange(res.traits.FullRange), len(res.modifications), nil)
	for _, match := range matches {
		barrier := FrameEndBarrier{
			Barrier: Barrier{
				Resource:   res.id,
				Image:      true,
				SrcNode:    NoNode,
				DstNode:    s.info.NodeCount,
				ImageRange: match.piece.imageRange(),
				NewLayout:  finalLayout,
			},
			InitialLayout: res.traits.InitialLayout,
			Preserve:      res.traits.PreserveAcrossFrames,
		}

		if match.found {
			if match.writer.finalLayout == finalLayout {
				continue
			}
			barrier.SrcNode = match.writer.node
			barrier.SrcStages = s.lastUse(res, match.writer, match.piece)
			barrier.SrcAccess = match.writer.access
			barrier.OldLayout = match.writer.finalLayout
		} else {
			barrier.Untouched = true
		}

		merged := false
		for i := firstBarrier; i < len(s.info.FrameEndImageBarriers); i++ {
			existing := &s.info.FrameEndImageBarriers[i]
			if existing.Untouched != barrier.Untouched || existing.OldLayout != barrier.OldLayout {
				continue
			}
			if mergeBarrier(&existing.Barrier, &barrier.Barrier) {
				merged = true
				break
			}
		}
		if !merged {
			s.info.FrameEndImageBarriers = append(s.info.FrameEndImageBarriers, barrier)
		}
	}
}

// relocate places every barrier just before the earliest node that consumes it. Barriers
// sharing a destination are batched in source node order.
func (s *synthesis) relocate() {
	sort.SliceStable(s.barriers, func(i, j int) bool {
		return s.barriers[i].SrcNode < s.barriers[j].SrcNode
	})

	for _, barrier := range s.barriers {
		s.info.NodeBarriers[barrier.DstNode] = append(s.info.NodeBarriers[barrier.DstNode], barrier)
	}
}
