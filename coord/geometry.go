package coord

// Kind tags the variant a Geometry holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindMultiPoint
	KindMultiPolyline
	KindMultiPolygon
)

// Ring is a closed polygon ring: the first point is repeated at the end.
type Ring []Pt

// Polygon is an outer ring plus any number of inner (hole) rings.
type Polygon struct {
	Outer  Ring
	Inners []Ring
}

// Geometry is a tagged variant over {null, multi_point, multi_polyline,
// multi_polygon} (spec.md §3).
type Geometry struct {
	Kind     Kind
	Points   []Pt       // KindMultiPoint
	Polylines [][]Pt    // KindMultiPolyline
	Polygons []Polygon  // KindMultiPolygon
}

// Null constructs the null-geometry variant.
func Null() Geometry { return Geometry{Kind: KindNull} }

// IsNull reports whether g holds no geometry.
func (g Geometry) IsNull() bool { return g.Kind == KindNull }

// BoundingBox computes the tight bounding box over every coordinate in g.
func (g Geometry) BoundingBox() Box {
	box := EmptyBox()
	switch g.Kind {
	case KindMultiPoint:
		for _, p := range g.Points {
			box = box.Extend(p)
		}
	case KindMultiPolyline:
		for _, line := range g.Polylines {
			for _, p := range line {
				box = box.Extend(p)
			}
		}
	case KindMultiPolygon:
		for _, poly := range g.Polygons {
			for _, p := range poly.Outer {
				box = box.Extend(p)
			}
			for _, inner := range poly.Inners {
				for _, p := range inner {
					box = box.Extend(p)
				}
			}
		}
	}
	return box
}

// SignedArea2 returns twice the signed area of a ring (shoelace formula).
// Positive means counter-clockwise in a Y-up coordinate system.
func SignedArea2(r Ring) int64 {
	if len(r) < 3 {
		return 0
	}
	var area int64
	for i := 0; i < len(r); i++ {
		j := (i + 1) % len(r)
		area += r[i].X*r[j].Y - r[j].X*r[i].Y
	}
	return area
}

// NormalizeOrientation ensures the outer ring is counter-clockwise and
// every inner ring is clockwise, the canonical orientation required on
// clip and on serialization (spec.md §3 "Geometry").
func (p *Polygon) NormalizeOrientation() {
	if SignedArea2(p.Outer) < 0 {
		reverseRing(p.Outer)
	}
	for i := range p.Inners {
		if SignedArea2(p.Inners[i]) > 0 {
			reverseRing(p.Inners[i])
		}
	}
}

func reverseRing(r Ring) {
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
}

// CloseRing appends the first point to the end if it is not already closed.
func CloseRing(r Ring) Ring {
	if len(r) == 0 {
		return r
	}
	if r[0] == r[len(r)-1] {
		return r
	}
	out := make(Ring, len(r)+1)
	copy(out, r)
	out[len(r)] = r[0]
	return out
}
