package tilekey

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct{ x, y uint32; z uint8; n uint32 }{
		{0, 0, 0, 0},
		{2097151, 2097151, 31, 131071},
		{1, 2, 3, 4},
	}
	for _, c := range cases {
		k := Pack(c.x, c.y, c.z, c.n)
		x, y, z, n := Unpack(k)
		require.Equal(t, c.x, x)
		require.Equal(t, c.y, y)
		require.Equal(t, c.z, z)
		require.Equal(t, c.n, n)
	}
}

func TestPackRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		x := uint32(rng.Intn(MaxCoord))
		y := uint32(rng.Intn(MaxCoord))
		z := uint8(rng.Intn(MaxZoom + 1))
		n := uint32(rng.Intn(MaxN))
		k := Pack(x, y, z, n)
		gx, gy, gz, gn := Unpack(k)
		require.Equal(t, x, gx)
		require.Equal(t, y, gy)
		require.Equal(t, z, gz)
		require.Equal(t, n, gn)
	}
}

func TestKeyOrderingMatchesZYXN(t *testing.T) {
	a := Pack(5, 5, 2, 0)
	b := Pack(5, 5, 2, 1)
	require.Less(t, a, b)

	c := Pack(4, 5, 2, 0)
	require.Less(t, c, a) // same z,y: smaller x first

	d := Pack(5, 4, 2, 0)
	require.Less(t, d, c) // smaller y first, dominates x

	e := Pack(9, 9, 1, 0)
	require.Less(t, e, d) // smaller z dominates everything
}

func TestPackOverflowPanics(t *testing.T) {
	require.Panics(t, func() { Pack(MaxCoord, 0, 0, 0) })
	require.Panics(t, func() { Pack(0, MaxCoord, 0, 0) })
	require.Panics(t, func() { Pack(0, 0, MaxZoom+1, 0) })
	require.Panics(t, func() { Pack(0, 0, 0, MaxN) })
}
