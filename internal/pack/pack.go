// Package pack implements the feature pack byte format (spec.md C7):
// a header with an optional segment table, a feature region, and an
// optional embedded quad-tree segment (internal/quadtree).
package pack

import (
	"encoding/binary"
	"fmt"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
)

// Reserved segment ids (spec.md §4.4).
const (
	SegFeatureIndex uint8 = 0
	SegQuadTree     uint8 = 1

	segTerminator uint8 = 0xFF
)

// WriteQuick concatenates the encoded features with no index segments.
// Used by the ingest flush path, where write speed matters more than
// query locality (spec.md §4.4 "Quick pack").
func WriteQuick(features []feature.Feature) ([]byte, error) {
	encoded, err := encodeAll(features)
	if err != nil {
		return nil, err
	}
	return WriteQuickEncoded(encoded), nil
}

// WriteQuickEncoded is WriteQuick for callers that have already encoded
// their features once (spec.md §4.6 ingest's "serialize the feature
// once" — a feature touching several index-zoom tiles is encoded a
// single time and the same bytes are reused across every bucket pack).
func WriteQuickEncoded(encoded [][]byte) []byte {
	var buf []byte
	buf = appendUint32(buf, uint32(len(encoded)))
	buf = append(buf, segTerminator)
	return appendFeatureRegion(buf, encoded)
}

// WriteOptimal assigns each feature a best tile under root (spec.md
// §4.5), reorders them into subtree-contiguous order, and appends a
// quad-tree segment. Used by the repack pipeline.
func WriteOptimal(root quadtree.Tile, maxZoom uint8, features []feature.Feature) ([]byte, error) {
	encoded, err := encodeAll(features)
	if err != nil {
		return nil, err
	}

	groups := map[quadtree.Tile][]int{}
	for i, f := range features {
		bt := BestTile(root, f.BoundingBox(), maxZoom)
		groups[bt] = append(groups[bt], i)
	}
	assignments := make([]quadtree.Assignment, 0, len(groups))
	for t, idxs := range groups {
		assignments = append(assignments, quadtree.Assignment{Tile: t, Indices: idxs})
	}
	nodes, order := quadtree.Build(root, assignments)

	byteOffsets := make([]uint32, len(order)+1)
	var cursor uint32
	for i, origIdx := range order {
		byteOffsets[i] = cursor
		cursor += uint32(uvarintLen(uint64(len(encoded[origIdx]))) + len(encoded[origIdx]))
	}
	byteOffsets[len(order)] = cursor

	for i := 0; i < len(nodes); i += 4 {
		ordOffset, selfCount, subtreeCount := nodes[i+1], nodes[i+2], nodes[i+3]
		nodes[i+1] = byteOffsets[ordOffset]
		nodes[i+2] = byteOffsets[ordOffset+selfCount] - byteOffsets[ordOffset]
		nodes[i+3] = byteOffsets[ordOffset+subtreeCount] - byteOffsets[ordOffset]
	}

	headerLen := uint32(4 + 5 + 1) // feature_count + one segment entry + terminator
	quadTreeOffset := headerLen + cursor + 1

	var buf []byte
	buf = appendUint32(buf, uint32(len(features)))
	buf = append(buf, SegQuadTree)
	buf = appendUint32(buf, quadTreeOffset)
	buf = append(buf, segTerminator)

	orderedEncoded := make([][]byte, len(order))
	for i, origIdx := range order {
		orderedEncoded[i] = encoded[origIdx]
	}
	buf = appendFeatureRegion(buf, orderedEncoded)

	for _, w := range nodes {
		buf = appendUint32(buf, w)
	}
	return buf, nil
}

// BestTile finds the deepest descendant of root whose tile bounds (no
// overdraw margin) entirely contain bbox, descending at most to maxZoom (spec.md §4.5
// "Best-tile assignment").
func BestTile(root quadtree.Tile, bbox coord.Box, maxZoom uint8) quadtree.Tile {
	if bbox.Empty() {
		return root
	}
	cur := root
	for cur.Z < maxZoom {
		width := coord.Range >> (cur.Z + 1)
		loX := int64(cur.X) * 2 * width
		midX := loX + width
		hiX := midX + width
		loY := int64(cur.Y) * 2 * width
		midY := loY + width
		hiY := midY + width

		var qx, qy int
		switch {
		case bbox.MinX >= loX && bbox.MaxX < midX:
			qx = 0
		case bbox.MinX >= midX && bbox.MaxX < hiX:
			qx = 1
		default:
			return cur
		}
		switch {
		case bbox.MinY >= loY && bbox.MaxY < midY:
			qy = 0
		case bbox.MinY >= midY && bbox.MaxY < hiY:
			qy = 1
		default:
			return cur
		}
		cur = quadtree.Tile{Z: cur.Z + 1, X: cur.X*2 + uint32(qx), Y: cur.Y*2 + uint32(qy)}
	}
	return cur
}

func encodeAll(features []feature.Feature) ([][]byte, error) {
	out := make([][]byte, len(features))
	for i, f := range features {
		enc, err := feature.Encode(f)
		if err != nil {
			return nil, fmt.Errorf("pack: encode feature %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func appendFeatureRegion(buf []byte, encoded [][]byte) []byte {
	for _, enc := range encoded {
		buf = appendUvarint(buf, uint64(len(enc)))
		buf = append(buf, enc...)
	}
	return appendUvarint(buf, 0)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
