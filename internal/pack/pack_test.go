package pack

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
)

func pointFeature(id uint64, x, y int64) feature.Feature {
	return feature.Feature{
		ID:      id,
		Layer:   0,
		MinZoom: 0,
		MaxZoom: feature.MaxZoomAll,
		Geometry: coord.Geometry{
			Kind:   coord.KindMultiPoint,
			Points: []coord.Pt{{X: x, Y: y}},
		},
	}
}

func TestWriteQuickScanAllRoundTrip(t *testing.T) {
	features := []feature.Feature{
		pointFeature(1, 100, 200),
		pointFeature(2, 300, 400),
		pointFeature(3, 500, 600),
	}
	buf, err := WriteQuick(features)
	require.NoError(t, err)

	r, err := NewReader(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(3), r.FeatureCount())
	require.False(t, r.HasQuadTree())

	got, err := r.ScanAll()
	require.NoError(t, err)
	require.Equal(t, features, got)
}

func TestWriteOptimalScanAllRoundTrip(t *testing.T) {
	root := quadtree.Tile{Z: 0, X: 0, Y: 0}
	width := coord.Range >> 2
	features := []feature.Feature{
		pointFeature(1, width/2, width/2),                 // child (0,0) at z1, further nested
		pointFeature(2, width*3/2, width/2),                // different quadrant
		pointFeature(3, width/2, width*3/2),
		pointFeature(4, width*3/2, width*3/2),
	}
	buf, err := WriteOptimal(root, 10, features)
	require.NoError(t, err)

	r, err := NewReader(buf)
	require.NoError(t, err)
	require.True(t, r.HasQuadTree())

	got, err := r.ScanAll()
	require.NoError(t, err)
	require.Len(t, got, 4)

	gotIDs := make([]int, len(got))
	for i, f := range got {
		gotIDs[i] = int(f.ID)
	}
	sort.Ints(gotIDs)
	require.Equal(t, []int{1, 2, 3, 4}, gotIDs)
}

func TestWriteOptimalScanTileIsolatesSubtree(t *testing.T) {
	root := quadtree.Tile{Z: 0, X: 0, Y: 0}
	half := coord.Range / 2

	// two features confined entirely to the (0,0) quadrant at z1, one in (1,1)
	features := []feature.Feature{
		pointFeature(1, 10, 10),
		pointFeature(2, 20, 20),
		pointFeature(3, half+10, half+10),
	}
	buf, err := WriteOptimal(root, 8, features)
	require.NoError(t, err)

	r, err := NewReader(buf)
	require.NoError(t, err)

	sub00, err := r.ScanTile(root, quadtree.Tile{Z: 1, X: 0, Y: 0})
	require.NoError(t, err)
	ids := make([]int, len(sub00))
	for i, f := range sub00 {
		ids[i] = int(f.ID)
	}
	sort.Ints(ids)
	require.Equal(t, []int{1, 2}, ids)

	sub11, err := r.ScanTile(root, quadtree.Tile{Z: 1, X: 1, Y: 1})
	require.NoError(t, err)
	require.Len(t, sub11, 1)
	require.Equal(t, uint64(3), sub11[0].ID)

	sub01, err := r.ScanTile(root, quadtree.Tile{Z: 1, X: 1, Y: 0})
	require.NoError(t, err)
	require.Empty(t, sub01)
}

func TestBestTileStopsAtAmbiguity(t *testing.T) {
	root := quadtree.Tile{Z: 0, X: 0, Y: 0}
	// spans the entire root tile: no single child contains it
	bbox := coord.Box{MinX: 0, MinY: 0, MaxX: coord.Range - 1, MaxY: coord.Range - 1}
	require.Equal(t, root, BestTile(root, bbox, 10))
}

func TestBestTileDescendsWhenContained(t *testing.T) {
	root := quadtree.Tile{Z: 0, X: 0, Y: 0}
	quarter := coord.Range / 4
	bbox := coord.Box{MinX: quarter, MinY: quarter, MaxX: quarter + 10, MaxY: quarter + 10}
	best := BestTile(root, bbox, 10)
	require.True(t, best.Z > 0)
}
