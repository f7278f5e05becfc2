package geomcodec

import (
	"math/rand"
	"testing"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/stretchr/testify/require"
)

func TestRoundTripNull(t *testing.T) {
	g := coord.Null()
	got, err := Decode(Encode(g))
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestRoundTripMultiPoint(t *testing.T) {
	g := coord.Geometry{Kind: coord.KindMultiPoint, Points: []coord.Pt{
		{coord.Origin, coord.Origin}, {coord.Origin + 5, coord.Origin - 3}, {10, 20},
	}}
	got, err := Decode(Encode(g))
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestRoundTripMultiPolyline(t *testing.T) {
	g := coord.Geometry{Kind: coord.KindMultiPolyline, Polylines: [][]coord.Pt{
		{{1, 1}, {2, 2}, {3, 3}},
		{{100, 100}, {200, 50}},
	}}
	got, err := Decode(Encode(g))
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func randomPolygon(rng *rand.Rand) coord.Polygon {
	mkRing := func(n int) coord.Ring {
		r := make(coord.Ring, n)
		for i := range r {
			r[i] = coord.Pt{X: int64(rng.Intn(100000)), Y: int64(rng.Intn(100000))}
		}
		return coord.CloseRing(r)
	}
	p := coord.Polygon{Outer: mkRing(3 + rng.Intn(6))}
	innerCount := rng.Intn(3)
	for i := 0; i < innerCount; i++ {
		p.Inners = append(p.Inners, mkRing(3+rng.Intn(4)))
	}
	return p
}

func TestRoundTripMultiPolygonRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		g := coord.Geometry{Kind: coord.KindMultiPolygon, Polygons: []coord.Polygon{
			randomPolygon(rng), randomPolygon(rng),
		}}
		got, err := Decode(Encode(g))
		require.NoError(t, err)
		require.Equal(t, g, got)
	}
}

func TestDecodeEmptyInputErrors(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}

func TestDecodeTruncatedErrors(t *testing.T) {
	g := coord.Geometry{Kind: coord.KindMultiPoint, Points: []coord.Pt{{1, 2}, {3, 4}}}
	enc := Encode(g)
	_, err := Decode(enc[:len(enc)-1])
	require.Error(t, err)
}
