package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/internal/quadtree"
)

func TestPackPathForReplacesExtension(t *testing.T) {
	require.Equal(t, "/data/region.pack", packPathFor("/data/region.idx"))
	require.Equal(t, "/data/region.pack", packPathFor("/data/region.db"))
}

func TestExpandTasksAllExpandsToFullList(t *testing.T) {
	require.Equal(t, allTasks, expandTasks([]string{"all"}))
}

func TestExpandTasksPassesThroughExplicitSubset(t *testing.T) {
	require.Equal(t, []string{"stats", "tiles"}, expandTasks([]string{"stats", "tiles"}))
}

func TestTaskMetaKeyIsNamespaced(t *testing.T) {
	require.Equal(t, "task_done:features", taskMetaKey("features"))
}

func TestDescendantsEnumeratesEveryIntermediateZoom(t *testing.T) {
	root := quadtree.Tile{Z: 10, X: 3, Y: 5}
	out := descendants(root, 12)
	// zoom 11 (4 tiles) plus zoom 12 (16 tiles): every level between
	// root and maxZoom is precomputed, not just the leaf grid.
	require.Len(t, out, 4+16)
}

func TestDescendantsReturnsNilWhenAlreadyAtOrPastMaxZoom(t *testing.T) {
	root := quadtree.Tile{Z: 12, X: 0, Y: 0}
	require.Nil(t, descendants(root, 12))
	require.Nil(t, descendants(root, 10))
}

func TestDescendantsChildrenAreContainedInParentQuadrant(t *testing.T) {
	root := quadtree.Tile{Z: 5, X: 2, Y: 1}
	out := descendants(root, 6)
	require.Len(t, out, 4)
	for _, c := range out {
		require.Equal(t, uint8(6), c.Z)
		require.Equal(t, root.X, c.X/2)
		require.Equal(t, root.Y, c.Y/2)
	}
}

func TestMaptileOfConvertsFields(t *testing.T) {
	q := maptileOf(quadtree.Tile{Z: 9, X: 12, Y: 34})
	require.EqualValues(t, 9, q.Z)
	require.Equal(t, uint32(12), q.X)
	require.Equal(t, uint32(34), q.Y)
}
