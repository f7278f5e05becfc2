package render

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/simplify"

	"github.com/protomaps-labs/vtstore/coord"
)

// overdrawFraction is how far past a tile's edge geometry is clipped,
// expressed as a fraction of the tile's world-unit width (spec.md §4.9
// step 4 "clip... with overdraw"). 1/8 matches the common vector-tile
// buffer convention of 512 out of a 4096 extent.
const overdrawFraction = 8

// drawBounds returns tile's clip window in world (reference-zoom) fixed
// point units, padded by the overdraw fraction.
func drawBounds(tile queryTile) orb.Bound {
	width := coord.Range >> tile.z
	buffer := width / overdrawFraction
	loX := int64(tile.x)*width - buffer
	loY := int64(tile.y)*width - buffer
	hiX := int64(tile.x)*width + width + buffer
	hiY := int64(tile.y)*width + width + buffer
	return orb.Bound{
		Min: orb.Point{float64(loX), float64(loY)},
		Max: orb.Point{float64(hiX), float64(hiY)},
	}
}

func toOrbGeometry(g coord.Geometry) orb.Geometry {
	switch g.Kind {
	case coord.KindMultiPoint:
		mp := make(orb.MultiPoint, len(g.Points))
		for i, p := range g.Points {
			mp[i] = orb.Point{float64(p.X), float64(p.Y)}
		}
		return mp
	case coord.KindMultiPolyline:
		mls := make(orb.MultiLineString, len(g.Polylines))
		for i, line := range g.Polylines {
			ls := make(orb.LineString, len(line))
			for j, p := range line {
				ls[j] = orb.Point{float64(p.X), float64(p.Y)}
			}
			mls[i] = ls
		}
		return mls
	case coord.KindMultiPolygon:
		mp := make(orb.MultiPolygon, len(g.Polygons))
		for i, poly := range g.Polygons {
			var out orb.Polygon
			out = append(out, ringToOrb(poly.Outer))
			for _, inner := range poly.Inners {
				out = append(out, ringToOrb(inner))
			}
			mp[i] = out
		}
		return mp
	default:
		return nil
	}
}

func ringToOrb(r coord.Ring) orb.Ring {
	ring := make(orb.Ring, len(r))
	for i, p := range r {
		ring[i] = orb.Point{float64(p.X), float64(p.Y)}
	}
	return ring
}

// clipShiftSimplify clips g to tile's overdrawn bounds, shifts from the
// reference zoom down to tile.z (spec.md §4.9 step 4 "right-shift by
// reference_zoom − Q.z"), and optionally simplifies with the
// zoom-dependent tolerance 2^(maxZoom − Q.z). Returns ok=false when the
// clipped geometry is empty.
func clipShiftSimplify(g coord.Geometry, tile queryTile, maxZoom uint8, doSimplify bool) (orb.Geometry, bool) {
	orbGeom := toOrbGeometry(g)
	if orbGeom == nil {
		return nil, false
	}
	bound := drawBounds(tile)
	clipped := clip.Geometry(bound, orbGeom)
	if clipped == nil || geometryEmpty(clipped) {
		return nil, false
	}

	width := coord.Range >> tile.z
	originX := float64(int64(tile.x) * width)
	originY := float64(int64(tile.y) * width)
	shift := float64(int64(1) << shiftAmount(tile.z))

	shifted := mapPoints(clipped, func(p orb.Point) orb.Point {
		return orb.Point{(p[0] - originX) / shift, (p[1] - originY) / shift}
	})

	if doSimplify {
		tolerance := float64(int64(1) << maxZoomTolerance(maxZoom, tile.z))
		shifted = simplify.DouglasPeucker(tolerance).Simplify(shifted)
	}
	if shifted == nil || geometryEmpty(shifted) {
		return nil, false
	}
	return shifted, true
}

// shiftAmount is reference_zoom − Q.z, clamped to 0 so tiles deeper than
// the reference zoom don't invert the shift direction (they are outside
// this system's supported zoom range in practice).
func shiftAmount(z uint8) uint {
	if int(coord.ReferenceZoom)-int(z) <= 0 {
		return 0
	}
	return uint(int(coord.ReferenceZoom) - int(z))
}

// maxZoomTolerance computes the exponent for the simplification
// tolerance 2^(max_zoom − Q.z); negative exponents (Q deeper than
// max_zoom) collapse to no simplification.
func maxZoomTolerance(maxZoom, z uint8) uint {
	if int(maxZoom)-int(z) <= 0 {
		return 0
	}
	return uint(int(maxZoom) - int(z))
}

func mapPoints(g orb.Geometry, fn func(orb.Point) orb.Point) orb.Geometry {
	switch v := g.(type) {
	case orb.Point:
		return fn(v)
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(v))
		for i, p := range v {
			out[i] = fn(p)
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(v))
		for i, p := range v {
			out[i] = fn(p)
		}
		return out
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(v))
		for i, ls := range v {
			out[i] = mapPoints(ls, fn).(orb.LineString)
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(v))
		for i, p := range v {
			out[i] = fn(p)
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(v))
		for i, r := range v {
			out[i] = mapPoints(r, fn).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(v))
		for i, p := range v {
			out[i] = mapPoints(p, fn).(orb.Polygon)
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, len(v))
		for i, e := range v {
			out[i] = mapPoints(e, fn)
		}
		return out
	default:
		return g
	}
}

func geometryEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) < 2
	case orb.MultiLineString:
		for _, ls := range v {
			if len(ls) >= 2 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(v) < 3
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) < 3
	case orb.MultiPolygon:
		for _, p := range v {
			if len(p) > 0 && len(p[0]) >= 3 {
				return false
			}
		}
		return true
	default:
		return g == nil
	}
}

// encodeGeometry converts an orb geometry already in local tile-pixel
// coordinates into the vector-tile command stream (spec.md §6: MoveTo,
// LineTo, ClosePath; parameter counts packed as (cmd&0x7)|(n<<3);
// coordinate pairs as zig-zag varints).
func encodeGeometry(g orb.Geometry) (GeomType, []uint32) {
	var cx, cy int32

	moveTo := func(out *[]uint32, x, y int32) {
		*out = append(*out, cmdMoveTo|1<<3)
		*out = append(*out, zigzagEncode32(x-cx), zigzagEncode32(y-cy))
		cx, cy = x, y
	}
	lineTo := func(out *[]uint32, pts []orb.Point) {
		if len(pts) == 0 {
			return
		}
		*out = append(*out, cmdLineTo|uint32(len(pts))<<3)
		for _, p := range pts {
			x, y := int32(p[0]), int32(p[1])
			*out = append(*out, zigzagEncode32(x-cx), zigzagEncode32(y-cy))
			cx, cy = x, y
		}
	}
	closePath := func(out *[]uint32) {
		*out = append(*out, cmdClosePath|1<<3)
	}

	var cmds []uint32
	switch v := g.(type) {
	case orb.MultiPoint:
		if len(v) == 0 {
			return GeomUnknown, nil
		}
		cmds = append(cmds, cmdMoveTo|uint32(len(v))<<3)
		for _, p := range v {
			x, y := int32(p[0]), int32(p[1])
			cmds = append(cmds, zigzagEncode32(x-cx), zigzagEncode32(y-cy))
			cx, cy = x, y
		}
		return GeomPoint, cmds
	case orb.LineString:
		encodeLine(v, &cmds, moveTo, lineTo)
		return GeomLine, cmds
	case orb.MultiLineString:
		for _, ls := range v {
			encodeLine(ls, &cmds, moveTo, lineTo)
		}
		return GeomLine, cmds
	case orb.Polygon:
		encodePolygon(v, &cmds, moveTo, lineTo, closePath)
		return GeomPolygon, cmds
	case orb.MultiPolygon:
		for _, p := range v {
			encodePolygon(p, &cmds, moveTo, lineTo, closePath)
		}
		return GeomPolygon, cmds
	default:
		return GeomUnknown, nil
	}
}

func encodeLine(ls orb.LineString, cmds *[]uint32, moveTo func(*[]uint32, int32, int32), lineTo func(*[]uint32, []orb.Point)) {
	if len(ls) < 2 {
		return
	}
	moveTo(cmds, int32(ls[0][0]), int32(ls[0][1]))
	lineTo(cmds, ls[1:])
}

func encodePolygon(p orb.Polygon, cmds *[]uint32, moveTo func(*[]uint32, int32, int32), lineTo func(*[]uint32, []orb.Point), closePath func(*[]uint32)) {
	for _, ring := range p {
		if len(ring) < 4 {
			continue
		}
		pts := []orb.Point(ring)
		if pts[0] == pts[len(pts)-1] {
			pts = pts[:len(pts)-1]
		}
		if len(pts) < 3 {
			continue
		}
		moveTo(cmds, int32(pts[0][0]), int32(pts[0][1]))
		lineTo(cmds, pts[1:])
		closePath(cmds)
	}
}
