package source

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/metadata"
)

func TestJSONLineSourceDecodesAndAssignsLayerIndex(t *testing.T) {
	layers := metadata.NewLayerTable()
	const input = `
{"id":1,"layer":"roads","min_zoom":0,"max_zoom":127,"meta":[{"Key":"name","Value":{"Tag":2,"Str":"Main St"}}],"geometry":{"Kind":1,"Points":[{"X":10,"Y":20}]}}
{"id":2,"layer":"roads","min_zoom":0,"max_zoom":127,"geometry":{"Kind":1,"Points":[{"X":11,"Y":21}]}}
`
	src := NewJSONLineSource(strings.NewReader(input), layers)

	f1, ok, err := src.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), f1.ID)
	require.Equal(t, "Main St", f1.Meta[0].Value.Str)

	f2, ok, err := src.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f1.Layer, f2.Layer, "same layer name must resolve to the same index")

	_, ok, err = src.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJSONLineSourceAssignsDistinctLayerIndices(t *testing.T) {
	layers := metadata.NewLayerTable()
	const input = `
{"id":1,"layer":"roads","geometry":{"Kind":1,"Points":[{"X":0,"Y":0}]}}
{"id":2,"layer":"buildings","geometry":{"Kind":1,"Points":[{"X":0,"Y":0}]}}
`
	src := NewJSONLineSource(strings.NewReader(input), layers)
	f1, _, err := src.Next()
	require.NoError(t, err)
	f2, _, err := src.Next()
	require.NoError(t, err)
	require.NotEqual(t, f1.Layer, f2.Layer)

	name1, ok := layers.Name(f1.Layer)
	require.True(t, ok)
	require.Equal(t, "roads", name1)
	_ = feature.Feature{}
}
