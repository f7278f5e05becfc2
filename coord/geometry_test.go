package coord

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoundingBoxMultiPoint(t *testing.T) {
	g := Geometry{Kind: KindMultiPoint, Points: []Pt{{1, 2}, {5, -3}, {0, 10}}}
	box := g.BoundingBox()
	require.Equal(t, Box{MinX: 0, MinY: -3, MaxX: 5, MaxY: 10}, box)
}

func TestBoxContainsAndIntersects(t *testing.T) {
	outer := Box{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	inner := Box{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}
	require.True(t, outer.Contains(inner))
	require.False(t, inner.Contains(outer))
	require.True(t, outer.Intersects(inner))

	disjoint := Box{MinX: 200, MinY: 200, MaxX: 300, MaxY: 300}
	require.False(t, outer.Intersects(disjoint))
	require.False(t, outer.Contains(disjoint))
}

func TestNormalizeOrientation(t *testing.T) {
	// clockwise outer ring (negative signed area in this convention)
	cw := Ring{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}
	poly := Polygon{Outer: cw}
	poly.NormalizeOrientation()
	require.GreaterOrEqual(t, SignedArea2(poly.Outer), int64(0))
}

func TestCloseRing(t *testing.T) {
	open := Ring{{0, 0}, {1, 0}, {1, 1}}
	closed := CloseRing(open)
	require.Equal(t, open[0], closed[len(closed)-1])
	require.Equal(t, closed, CloseRing(closed)) // idempotent
}

func randomPolygon(rng *rand.Rand) Polygon {
	n := 3 + rng.Intn(5)
	outer := make(Ring, n)
	for i := range outer {
		outer[i] = Pt{X: int64(rng.Intn(1000)), Y: int64(rng.Intn(1000))}
	}
	outer = CloseRing(outer)
	return Polygon{Outer: outer}
}

func TestBoundingBoxMultiPolygonRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		g := Geometry{Kind: KindMultiPolygon, Polygons: []Polygon{randomPolygon(rng)}}
		box := g.BoundingBox()
		require.False(t, box.Empty())
	}
}
