package nodeindex

import (
	"math/rand"
	"testing"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/stretchr/testify/require"
)

func buildSimple(t *testing.T, ids []uint64, pts []coord.Pt) *Reader {
	t.Helper()
	b := NewBuilder()
	for i, id := range ids {
		require.NoError(t, b.Push(id, pts[i]))
	}
	data, index := b.Finish()
	return NewReader(data, index)
}

func TestRoundTripContiguous(t *testing.T) {
	ids := []uint64{1, 2, 3, 4, 5}
	pts := []coord.Pt{{X: 10, Y: 5}, {X: 20, Y: 6}, {X: 30, Y: 7}, {X: 40, Y: 8}, {X: 50, Y: 9}}
	r := buildSimple(t, ids, pts)

	for i, id := range ids {
		p, ok, err := r.Lookup(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pts[i], p)
	}
}

func TestGapsReturnNotFound(t *testing.T) {
	ids := []uint64{1, 2, 10, 11}
	pts := []coord.Pt{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 10, Y: 10}, {X: 11, Y: 11}}
	r := buildSimple(t, ids, pts)

	for _, missing := range []uint64{3, 5, 9, 12} {
		_, ok, err := r.Lookup(missing)
		require.NoError(t, err)
		require.False(t, ok)
	}
	for i, id := range ids {
		p, ok, err := r.Lookup(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pts[i], p)
	}
}

func TestPushRequiresStrictlyIncreasingID(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Push(5, coord.Pt{X: 0, Y: 0}))
	require.Error(t, b.Push(5, coord.Pt{X: 1, Y: 1}))
	require.Error(t, b.Push(4, coord.Pt{X: 1, Y: 1}))
}

func TestPushRejectsOutOfRangeCoordinate(t *testing.T) {
	b := NewBuilder()
	require.Error(t, b.Push(1, coord.Pt{X: -1, Y: 0}))
	require.Error(t, b.Push(1, coord.Pt{X: coord.Range, Y: 0}))
}

func TestLargeSpanSplitOnDeltaOverflow(t *testing.T) {
	b := NewBuilder()
	ids := []uint64{1, 2}
	pts := []coord.Pt{{X: 0, Y: coord.Range - 1}, {X: coord.Range - 1, Y: 0}}
	for i, id := range ids {
		require.NoError(t, b.Push(id, pts[i]))
	}
	data, index := b.Finish()
	r := NewReader(data, index)
	for i, id := range ids {
		p, ok, err := r.Lookup(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pts[i], p)
	}
}

func TestRandomSparseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewBuilder()

	var ids []uint64
	var pts []coord.Pt
	id := uint64(0)
	for i := 0; i < 5000; i++ {
		id += uint64(1 + rng.Intn(5))
		p := coord.Pt{X: int64(rng.Intn(1 << 30)), Y: int64(rng.Intn(1 << 30))}
		require.NoError(t, b.Push(id, p))
		ids = append(ids, id)
		pts = append(pts, p)
	}
	data, index := b.Finish()
	r := NewReader(data, index)

	perm := rng.Perm(len(ids))
	for _, i := range perm[:500] {
		p, ok, err := r.Lookup(ids[i])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pts[i], p)
	}
}

func TestBatchCursorSequentialScan(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	b := NewBuilder()

	var ids []uint64
	var pts []coord.Pt
	id := uint64(0)
	for i := 0; i < 3000; i++ {
		id += uint64(1 + rng.Intn(3))
		p := coord.Pt{X: int64(rng.Intn(1 << 20)), Y: int64(rng.Intn(1 << 20))}
		require.NoError(t, b.Push(id, p))
		ids = append(ids, id)
		pts = append(pts, p)
	}
	data, index := b.Finish()
	r := NewReader(data, index)

	c := r.NewCursor()
	for i, id := range ids {
		p, ok, err := c.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pts[i], p)
	}
}

func TestLookupBeforeFirstID(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Push(100, coord.Pt{X: 1, Y: 1}))
	data, index := b.Finish()
	r := NewReader(data, index)
	_, ok, err := r.Lookup(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyBuilderFinish(t *testing.T) {
	b := NewBuilder()
	data, index := b.Finish()
	require.Empty(t, index)
	r := NewReader(data, index)
	_, ok, err := r.Lookup(1)
	require.NoError(t, err)
	require.False(t, ok)
}
