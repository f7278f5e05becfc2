package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/internal/feature"
)

func TestFinalizePrunesBelowThreshold(t *testing.T) {
	q := NewQueue()
	highway := feature.Pair{Key: "highway", Value: feature.StringValue("residential")}
	rare := feature.Pair{Key: "ref", Value: feature.StringValue("A1")}

	for i := 0; i < 5; i++ {
		q.Offer(highway)
	}
	q.Offer(rare)

	table := q.Finalize(2)
	require.Equal(t, 1, table.Len())

	id, ok := table.Encode(highway)
	require.True(t, ok)
	got, ok := table.Decode(id)
	require.True(t, ok)
	require.Equal(t, highway, got)

	_, ok = table.Encode(rare)
	require.False(t, ok)
}

func TestFinalizeSortsByDescendingCount(t *testing.T) {
	q := NewQueue()
	a := feature.Pair{Key: "k", Value: feature.StringValue("a")}
	b := feature.Pair{Key: "k", Value: feature.StringValue("b")}
	c := feature.Pair{Key: "k", Value: feature.StringValue("c")}

	for i := 0; i < 3; i++ {
		q.Offer(a)
	}
	for i := 0; i < 9; i++ {
		q.Offer(b)
	}
	q.Offer(c)

	table := q.Finalize(1)
	require.Equal(t, 3, table.Len())

	firstPair, ok := table.Decode(0)
	require.True(t, ok)
	require.Equal(t, b, firstPair)
}

func TestEncodeUnknownPairReturnsNotFound(t *testing.T) {
	q := NewQueue()
	q.Offer(feature.Pair{Key: "k", Value: feature.IntegerValue(1)})
	table := q.Finalize(1)

	_, ok := table.Encode(feature.Pair{Key: "k", Value: feature.IntegerValue(99)})
	require.False(t, ok)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	q := NewQueue()
	pairs := []feature.Pair{
		{Key: "highway", Value: feature.StringValue("residential")},
		{Key: "lanes", Value: feature.IntegerValue(2)},
		{Key: "bridge", Value: feature.BoolValue(true)},
		{Key: "maxspeed", Value: feature.NumericValue(50.5)},
	}
	for _, p := range pairs {
		for i := 0; i < 5; i++ {
			q.Offer(p)
		}
	}
	table := q.Finalize(1)

	blob := table.Marshal()
	restored, err := Unmarshal(blob)
	require.NoError(t, err)
	require.Equal(t, table.Len(), restored.Len())

	for _, p := range pairs {
		id, ok := table.Encode(p)
		require.True(t, ok)
		got, ok := restored.Decode(id)
		require.True(t, ok)
		require.Equal(t, p, got)
	}
}

func TestConsolidateThenOfferAccumulates(t *testing.T) {
	q := NewQueue()
	p := feature.Pair{Key: "k", Value: feature.StringValue("v")}
	q.Offer(p)
	q.Consolidate()
	q.Offer(p)

	table := q.Finalize(2)
	require.Equal(t, 1, table.Len())
}

func TestLayerTableReservesCoastlineAtZero(t *testing.T) {
	lt := NewLayerTable()
	idx, ok := lt.Name(0)
	require.True(t, ok)
	require.Equal(t, "coastline", idx)
}

func TestLayerTableGetOrCreateIndexIsStable(t *testing.T) {
	lt := NewLayerTable()
	a := lt.GetOrCreateIndex("buildings")
	b := lt.GetOrCreateIndex("roads")
	again := lt.GetOrCreateIndex("buildings")
	require.Equal(t, a, again)
	require.NotEqual(t, a, b)
}

func TestLayerNamesMarshalRoundTrip(t *testing.T) {
	lt := NewLayerTable()
	lt.GetOrCreateIndex("buildings")
	lt.GetOrCreateIndex("roads")

	blob := MarshalLayerNames(lt.Names())
	restored, err := UnmarshalLayerNames(blob)
	require.NoError(t, err)
	require.Equal(t, lt.Names(), restored.Names())

	idx, ok := restored.Name(0)
	require.True(t, ok)
	require.Equal(t, "coastline", idx)
}
