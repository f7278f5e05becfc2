// Package render implements the render pipeline (spec.md C12): turning a
// stored query tile into a Mapbox Vector Tile by locating the source
// packs that cover it, decoding and clipping the features they hold, and
// re-encoding the survivors as a tile message (spec.md §4.9).
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/ingest"
	"github.com/protomaps-labs/vtstore/internal/metadata"
	"github.com/protomaps-labs/vtstore/internal/pack"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

// tileExtent is the MVT local coordinate grid width. It equals the tile
// width at the reference zoom (coord.Range >> ReferenceZoom), which is
// exactly what every feature's fixed-point coordinate collapses to once
// shifted down to a query tile's own zoom (spec.md §4.9 step 4).
const tileExtent uint32 = 1 << 12

// queryTile is the tile a render call is producing, addressed the same
// way as quadtree.Tile but kept as its own type since render's tiles are
// never "relative to a pack root" the way quadtree.Tile's doc comment
// describes.
type queryTile struct {
	z uint8
	x uint32
	y uint32
}

// RenderTile produces the MVT bytes for q, or nil with ok=false if q has
// no features at all (an empty tile, which callers may still choose to
// serve as a zero-length response per spec.md §6).
//
// layers may be nil only for tiles that are guaranteed precomputed (the
// `tiles` table short-circuit never needs it); any tile that falls
// through to on-the-fly rendering requires a populated table to resolve
// feature.Feature.Layer indices to names.
func RenderTile(db *tiledb.DB, heap *packheap.Heap, layers *metadata.LayerTable, maxZoom uint8, aggregate bool, q maptile.Tile) ([]byte, bool, error) {
	precomputedKey := tilekey.Pack(uint32(q.X), uint32(q.Y), uint8(q.Z), 0)
	if data, ok, err := db.GetTile(precomputedKey); err != nil {
		return nil, false, fmt.Errorf("render: checking precomputed tile: %w", err)
	} else if ok {
		return data, true, nil
	}

	qt := queryTile{z: uint8(q.Z), x: uint32(q.X), y: uint32(q.Y)}

	feats, err := gatherFeatures(db, heap, qt)
	if err != nil {
		return nil, false, err
	}
	if len(feats) == 0 {
		return nil, false, nil
	}

	units := clipAndGroup(feats, qt, maxZoom, aggregate)
	if len(units) == 0 {
		return nil, false, nil
	}

	mvtLayers, err := buildLayers(units, layers)
	if err != nil {
		return nil, false, err
	}
	return encodeTile(mvtLayers), true, nil
}

// indexZoomSources returns every tile at ingest.IndexZoom that could hold
// features visible in qt: qt's single ancestor if qt is at or below the
// index zoom, or the full grid of its descendants otherwise.
// quadtree.Walk already handles both directions once handed a (source,
// query) pair, so render only needs to enumerate the source set.
func indexZoomSources(qt queryTile) []quadtree.Tile {
	if qt.z >= ingest.IndexZoom {
		shift := qt.z - ingest.IndexZoom
		return []quadtree.Tile{{Z: ingest.IndexZoom, X: qt.x >> shift, Y: qt.y >> shift}}
	}
	shift := ingest.IndexZoom - qt.z
	side := uint32(1) << shift
	out := make([]quadtree.Tile, 0, side*side)
	for dy := uint32(0); dy < side; dy++ {
		for dx := uint32(0); dx < side; dx++ {
			out = append(out, quadtree.Tile{Z: ingest.IndexZoom, X: qt.x*side + dx, Y: qt.y*side + dy})
		}
	}
	return out
}

func gatherFeatures(db *tiledb.DB, heap *packheap.Heap, qt queryTile) ([]feature.Feature, error) {
	var out []feature.Feature
	for _, src := range indexZoomSources(qt) {
		records, err := db.GetFeatureRecordsForTile(src.X, src.Y, src.Z)
		if err != nil {
			return nil, fmt.Errorf("render: fetching records for tile %d/%d/%d: %w", src.Z, src.X, src.Y, err)
		}
		query := quadtree.Tile{Z: qt.z, X: qt.x, Y: qt.y}
		for _, rec := range records {
			raw, err := heap.Get(rec)
			if err != nil {
				return nil, fmt.Errorf("render: reading pack: %w", err)
			}
			r, err := pack.NewReader(raw)
			if err != nil {
				return nil, fmt.Errorf("render: parsing pack: %w", err)
			}

			var feats []feature.Feature
			if r.HasQuadTree() {
				feats, err = r.ScanTile(src, query)
			} else {
				// A not-yet-repacked quick pack carries no quad-tree
				// segment; render tolerates this by falling back to a
				// full scan (spec.md §7 "rendering stays correct even
				// between repacks").
				feats, err = r.ScanAll()
			}
			if err != nil {
				return nil, fmt.Errorf("render: scanning pack: %w", err)
			}
			out = append(out, feats...)
		}
	}
	return out, nil
}

// renderUnit is one surviving, already clipped/shifted/simplified piece
// of output: either a single feature's geometry, or (when aggregation
// merged several line features together) a synthetic stand-in with the
// group's shared layer and metadata.
type renderUnit struct {
	id       uint64
	layer    uint32
	meta     []feature.Pair
	geomType GeomType
	geom     orb.Geometry
}

// clipAndGroup applies the zoom/bbox pre-filter and clip/shift/simplify
// to every feature, then (when aggregate is set) joins same-(layer,
// metadata) line features at shared endpoints per spec.md §4.9.1. Point
// and polygon features are never joined — polygon aggregation is left to
// a true boolean-union step this package does not implement (spec.md
// §4.9 step 5 notes the aggregation library handles that outside this
// spec, and a naive ring concatenation would silently produce wrong
// geometry for anything but already-disjoint polygons).
func clipAndGroup(feats []feature.Feature, qt queryTile, maxZoom uint8, aggregate bool) []renderUnit {
	doSimplify := qt.z < maxZoom

	type lineGroup struct {
		sample feature.Feature
		segs   []lineSeg
	}
	lineGroups := map[string]*lineGroup{}
	var lineOrder []string

	var units []renderUnit
	for _, f := range feats {
		if !zoomVisible(f, qt.z) {
			continue
		}
		shifted, ok := clipShiftSimplify(f.Geometry, qt, maxZoom, doSimplify)
		if !ok {
			continue
		}
		geomType, _ := classify(shifted)

		if aggregate && geomType == GeomLine {
			key := groupIdentity(f.Layer, f.Meta)
			g, exists := lineGroups[key]
			if !exists {
				g = &lineGroup{sample: f}
				lineGroups[key] = g
				lineOrder = append(lineOrder, key)
			}
			oneway := featureOneway(f)
			for _, ls := range flattenLines(shifted) {
				g.segs = append(g.segs, lineSeg{pts: append([]orb.Point(nil), ls...), oneway: oneway})
			}
			continue
		}

		units = append(units, renderUnit{
			id:       f.ID,
			layer:    f.Layer,
			meta:     f.Meta,
			geomType: geomType,
			geom:     shifted,
		})
	}

	for _, key := range lineOrder {
		g := lineGroups[key]
		joined := aggregateLines(g.segs)
		mls := make(orb.MultiLineString, len(joined))
		for i, s := range joined {
			mls[i] = orb.LineString(s.pts)
		}
		units = append(units, renderUnit{
			id:       g.sample.ID,
			layer:    g.sample.Layer,
			meta:     g.sample.Meta,
			geomType: GeomLine,
			geom:     mls,
		})
	}
	return units
}

func zoomVisible(f feature.Feature, z uint8) bool {
	if z < f.MinZoom {
		return false
	}
	if f.MaxZoom != feature.MaxZoomAll && z > f.MaxZoom {
		return false
	}
	return true
}

func classify(g orb.Geometry) (GeomType, bool) {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return GeomPoint, true
	case orb.LineString, orb.MultiLineString:
		return GeomLine, true
	case orb.Polygon, orb.MultiPolygon:
		return GeomPolygon, true
	default:
		return GeomUnknown, false
	}
}

func flattenLines(g orb.Geometry) []orb.LineString {
	switch v := g.(type) {
	case orb.LineString:
		return []orb.LineString{v}
	case orb.MultiLineString:
		return v
	default:
		return nil
	}
}

func featureOneway(f feature.Feature) bool {
	for _, p := range f.Meta {
		if p.Key == "oneway" {
			return p.Value.Bool()
		}
	}
	return false
}

// groupIdentity is the aggregation grouping key: features only join if
// they share both a layer and an identical metadata tag set (spec.md
// §4.9 step 5 "group by (layer, metadata) identity").
func groupIdentity(layer uint32, meta []feature.Pair) string {
	cp := append([]feature.Pair(nil), meta...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Key < cp[j].Key })
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|", layer)
	for _, p := range cp {
		sb.WriteString(p.Key)
		sb.WriteByte('=')
		sb.WriteString(metaValueIdentity(p.Value))
		sb.WriteByte('\x00')
	}
	return sb.String()
}

func metaValueIdentity(v feature.MetaValue) string {
	switch v.Tag {
	case feature.TagBoolTrue:
		return "T"
	case feature.TagBoolFalse:
		return "F"
	case feature.TagString:
		return "s" + v.Str
	case feature.TagNumeric:
		return fmt.Sprintf("n%g", v.Numeric)
	case feature.TagInteger:
		return fmt.Sprintf("i%d", v.Integer)
	default:
		return ""
	}
}

// buildLayers groups units by layer index and assigns each layer its own
// local key/value dictionary (spec.md §4.9 step 6, spec.md §6 Layer).
func buildLayers(units []renderUnit, layerNames *metadata.LayerTable) ([]mvtLayer, error) {
	byLayer := map[uint32][]renderUnit{}
	var order []uint32
	for _, u := range units {
		if _, ok := byLayer[u.layer]; !ok {
			order = append(order, u.layer)
		}
		byLayer[u.layer] = append(byLayer[u.layer], u)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]mvtLayer, 0, len(order))
	for _, idx := range order {
		name, ok := layerNames.Name(idx)
		if !ok {
			return nil, fmt.Errorf("render: unknown layer index %d", idx)
		}
		out = append(out, buildLayer(name, byLayer[idx]))
	}
	return out, nil
}

func buildLayer(name string, units []renderUnit) mvtLayer {
	l := mvtLayer{name: name, extent: tileExtent}
	keyIndex := map[string]int{}
	valueIndex := map[encodedValue]int{}

	internKey := func(k string) uint32 {
		if i, ok := keyIndex[k]; ok {
			return uint32(i)
		}
		i := len(l.keys)
		keyIndex[k] = i
		l.keys = append(l.keys, k)
		return uint32(i)
	}
	internValue := func(v encodedValue) uint32 {
		if i, ok := valueIndex[v]; ok {
			return uint32(i)
		}
		i := len(l.values)
		valueIndex[v] = i
		l.values = append(l.values, v)
		return uint32(i)
	}

	for _, u := range units {
		geomType, cmds := encodeGeometry(u.geom)
		if geomType == GeomUnknown {
			continue
		}
		f := mvtFeature{id: u.id, geomType: geomType, commands: cmds}
		for _, p := range u.meta {
			ki := internKey(p.Key)
			vi := internValue(toEncodedValue(p.Value))
			f.tags = append(f.tags, ki, vi)
		}
		l.features = append(l.features, f)
	}
	return l
}

func toEncodedValue(v feature.MetaValue) encodedValue {
	switch v.Tag {
	case feature.TagBoolTrue:
		return encodedValue{field: valueBoolField, b: true}
	case feature.TagBoolFalse:
		return encodedValue{field: valueBoolField, b: false}
	case feature.TagString:
		return encodedValue{field: valueStringField, str: v.Str}
	case feature.TagNumeric:
		return encodedValue{field: valueDoubleField, f64: v.Numeric}
	case feature.TagInteger:
		return encodedValue{field: valueSintField, i64: v.Integer}
	default:
		return encodedValue{field: valueBoolField, b: false}
	}
}
