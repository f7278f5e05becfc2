// Package coord implements the fixed-point coordinate model (spec.md C1):
// 64-bit integer projected coordinates at a fixed reference zoom, bounding
// boxes, and the tagged geometry variants built on top of them.
package coord

// ReferenceZoom is the fixed zoom level fixed-point coordinates are
// projected at (spec.md §3, "Fixed coordinate").
const ReferenceZoom = 20

// TileSizeBits is log2 of the pixel extent of a single tile's draw bounds
// at the reference zoom; combined with ReferenceZoom this bounds the
// valid coordinate range.
const TileSizeBits = 12

// Range is one past the largest valid coordinate value:
// [0, 2^(TileSizeBits+ReferenceZoom)).
const Range = int64(1) << (TileSizeBits + ReferenceZoom)

// Origin is the magic offset (half the range) used as the zero point for
// delta-encoding, so signed deltas are symmetric (spec.md §3).
const Origin = Range / 2

// Pt is a single fixed-point coordinate pair.
type Pt struct {
	X, Y int64
}

// Valid reports whether p lies inside the declared fixed-coordinate range.
func (p Pt) Valid() bool {
	return p.X >= 0 && p.X < Range && p.Y >= 0 && p.Y < Range
}

// Box is an axis-aligned bounding box in fixed-point coordinates.
type Box struct {
	MinX, MinY, MaxX, MaxY int64
}

// EmptyBox returns a box whose bounds are inverted, suitable as the
// starting accumulator for Box.Extend.
func EmptyBox() Box {
	return Box{MinX: Range, MinY: Range, MaxX: -1, MaxY: -1}
}

// Empty reports whether the box has never been extended.
func (b Box) Empty() bool {
	return b.MinX > b.MaxX || b.MinY > b.MaxY
}

// Extend grows b to also cover p, returning the new box.
func (b Box) Extend(p Pt) Box {
	if p.X < b.MinX {
		b.MinX = p.X
	}
	if p.Y < b.MinY {
		b.MinY = p.Y
	}
	if p.X > b.MaxX {
		b.MaxX = p.X
	}
	if p.Y > b.MaxY {
		b.MaxY = p.Y
	}
	return b
}

// Union returns the smallest box covering both a and b.
func Union(a, b Box) Box {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	return Box{
		MinX: min64(a.MinX, b.MinX),
		MinY: min64(a.MinY, b.MinY),
		MaxX: max64(a.MaxX, b.MaxX),
		MaxY: max64(a.MaxY, b.MaxY),
	}
}

// Contains reports whether b entirely contains o.
func (b Box) Contains(o Box) bool {
	return o.MinX >= b.MinX && o.MinY >= b.MinY && o.MaxX <= b.MaxX && o.MaxY <= b.MaxY
}

// Intersects reports whether b and o share any area.
func (b Box) Intersects(o Box) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY

}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
