package barrier

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// BufferRange is a half-open byte range [Offset, Offset+Size) of a buffer
type BufferRange struct {
	Offset int
	Size   int
}

func (r BufferRange) End() int { return r.Offset + r.Size }

func (r BufferRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Offset, r.End())
}

// ImageRange is a set of image subresources: every combination of the aspects in AspectMask,
// the mip levels [BaseMipLevel, BaseMipLevel+LevelCount) and the array layers
// [BaseArrayLayer, BaseArrayLayer+LayerCount)
type ImageRange struct {
	AspectMask     core1_0.ImageAspectFlags
	BaseMipLevel   int
	LevelCount     int
	BaseArrayLayer int
	LayerCount     int
}

func (r ImageRange) String() string {
	return fmt.Sprintf("%s mips [%d, %d) layers [%d, %d)", r.AspectMask,
		r.BaseMipLevel, r.BaseMipLevel+r.LevelCount,
		r.BaseArrayLayer, r.BaseArrayLayer+r.LayerCount)
}

// SubresourceRange converts the range to its native form
func (r ImageRange) SubresourceRange() core1_0.ImageSubresourceRange {
	return core1_0.ImageSubresourceRange{
		AspectMask:     r.AspectMask,
		BaseMipLevel:   r.BaseMipLevel,
		LevelCount:     r.LevelCount,
		BaseArrayLayer: r.BaseArrayLayer,
		LayerCount:     r.LayerCount,
	}
}

// bufferAspect stands in for the aspect axis of buffer ranges, which only have a byte axis
const bufferAspect core1_0.ImageAspectFlags = 1

// subrange is a box over four independent axes: bytes, aspects, array layers, and mip levels.
// Buffer ranges use only the byte axis and image ranges leave the byte axis at [0, 1), so both
// can be split and compared by the same code.
type subrange struct {
	offset, size          int
	aspects               core1_0.ImageAspectFlags
	baseLayer, layerCount int
	baseMip, mipCount     int
}

func bufferSubrange(r BufferRange) subrange {
	return subrange{
		offset:     r.Offset,
		size:       r.Size,
		aspects:    bufferAspect,
		layerCount: 1,
		mipCount:   1,
	}
}

func imageSubrange(r ImageRange) subrange {
	return subrange{
		size:       1,
		aspects:    r.AspectMask,
		baseLayer:  r.BaseArrayLayer,
		layerCount: r.LayerCount,
		baseMip:    r.BaseMipLevel,
		mipCount:   r.LevelCount,
	}
}

func (s subrange) bufferRange() BufferRange {
	return BufferRange{Offset: s.offset, Size: s.size}
}

func (s subrange) imageRange() ImageRange {
	return ImageRange{
		AspectMask:     s.aspects,
		BaseMipLevel:   s.baseMip,
		LevelCount:     s.mipCount,
		BaseArrayLayer: s.baseLayer,
		LayerCount:     s.layerCount,
	}
}

func (s subrange) empty() bool {
	return s.size <= 0 || s.aspects == 0 || s.layerCount <= 0 || s.mipCount <= 0
}

func spansOverlap(base, count, otherBase, otherCount int) bool {
	return base < otherBase+otherCount && otherBase < base+count
}

func (s subrange) overlaps(other subrange) bool {
	return spansOverlap(s.offset, s.size, other.offset, other.size) &&
		s.aspects&other.aspects != 0 &&
		spansOverlap(s.baseLayer, s.layerCount, other.baseLayer, other.layerCount) &&
		spansOverlap(s.baseMip, s.mipCount, other.baseMip, other.mipCount)
}

// split divides s into the part covered by other and the parts that are not. The byte, aspect,
// layer, and mip axes are split one after the other, so the remainders are disjoint boxes whose
// union with the covered part is exactly s. s and other must overlap.
func (s subrange) split(other subrange) (covered subrange, remainders []subrange) {
	covered = s

	// bytes
	if covered.offset < other.offset {
		below := covered
		below.size = other.offset - covered.offset
		remainders = append(remainders, below)
	}
	if covered.offset+covered.size > other.offset+other.size {
		above := covered
		above.offset = other.offset + other.size
		above.size = covered.offset + covered.size - above.offset
		remainders = append(remainders, above)
	}
	start, end := intersectSpan(covered.offset, covered.size, other.offset, other.size)
	covered.offset, covered.size = start, end-start

	// aspects
	if extra := covered.aspects &^ other.aspects; extra != 0 {
		rest := covered
		rest.aspects = extra
		remainders = append(remainders, rest)
	}
	covered.aspects &= other.aspects

	// layers
	if covered.baseLayer < other.baseLayer {
		below := covered
		below.layerCount = other.baseLayer - covered.baseLayer
		remainders = append(remainders, below)
	}
	if covered.baseLayer+covered.layerCount > other.baseLayer+other.layerCount {
		above := covered
		above.baseLayer = other.baseLayer + other.layerCount
		above.layerCount = covered.baseLayer + covered.layerCount - above.baseLayer
		remainders = append(remainders, above)
	}
	start, end = intersectSpan(covered.baseLayer, covered.layerCount, other.baseLayer, other.layerCount)
	covered.baseLayer, covered.layerCount = start, end-start

	// mips
	if covered.baseMip < other.baseMip {
		below := covered
		below.mipCount = other.baseMip - covered.baseMip
		remainders = append(remainders, below)
	}
	if covered.baseMip+covered.mipCount > other.baseMip+other.mipCount {
		above := covered
		above.baseMip = other.baseMip + other.mipCount
		above.mipCount = covered.baseMip + covered.mipCount - above.baseMip
		remainders = append(remainders, above)
	}
	start, end = intersectSpan(covered.baseMip, covered.mipCount, other.baseMip, other.mipCount)
	covered.baseMip, covered.mipCount = start, end-start

	return covered, remainders
}

func intersectSpan(base, count, otherBase, otherCount int) (start, end int) {
	start, end = base, base+count
	if otherBase > start {
		start = otherBase
	}
	if otherBase+otherCount < end {
		end = otherBase + otherCount
	}
	return start, end
}

// bufferUnion returns the union of two byte ranges, if they overlap or are adjacent
func bufferUnion(a, b BufferRange) (BufferRange, bool) {
	offset, size, ok := spanUnion(a.Offset, a.Size, b.Offset, b.Size)
	if !ok {
		return a, false
	}
	return BufferRange{Offset: offset, Size: size}, true
}

func spanUnion(base, count, otherBase, otherCount int) (int, int, bool) {
	// Disjoint, non-adjacent spans have no single-span union
	if base > otherBase+otherCount || otherBase > base+count {
		return 0, 0, false
	}

	start, end := base, base+count
	if otherBase < start {
		start = otherBase
	}
	if otherBase+otherCount > end {
		end = otherBase + otherCount
	}
	return start, end - start, true
}

// exactImageUnion returns the union of two image ranges if it can be expressed as a single range
func exactImageUnion(a, b ImageRange) (ImageRange, bool) {
	sameAspects := a.AspectMask == b.AspectMask
	sameMips := a.BaseMipLevel == b.BaseMipLevel && a.LevelCount == b.LevelCount
	sameLayers := a.BaseArrayLayer == b.BaseArrayLayer && a.LayerCount == b.LayerCount

	switch {
	case sameMips && sameLayers:
		a.AspectMask |= b.AspectMask
		return a, true
	case sameAspects && sameMips:
		base, count, ok := spanUnion(a.BaseArrayLayer, a.LayerCount, b.BaseArrayLayer, b.LayerCount)
		if !ok {
			return a, false
		}
		a.BaseArrayLayer, a.LayerCount = base, count
		return a, true
	case sameAspects && sameLayers:
		base, count, ok := spanUnion(a.BaseMipLevel, a.LevelCount, b.BaseMipLevel, b.LevelCount)
		if !ok {
			return a, false
		}
		a.BaseMipLevel, a.LevelCount = base, count
		return a, true
	}

	if imageRangeContains(a, b) {
		return a, true
	}
	if imageRangeContains(b, a) {
		return b, true
	}
	return a, false
}

func imageRangeContains(outer, inner ImageRange) bool {
	return inner.AspectMask&^outer.AspectMask == 0 &&
		inner.BaseMipLevel >= outer.BaseMipLevel &&
		inner.BaseMipLevel+inner.LevelCount <= outer.BaseMipLevel+outer.LevelCount &&
		inner.BaseArrayLayer >= outer.BaseArrayLayer &&
		inner.BaseArrayLayer+inner.LayerCount <= outer.BaseArrayLayer+outer.LayerCount
}
