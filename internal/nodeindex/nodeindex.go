// Package nodeindex implements the compressed, delta-encoded, span-structured
// map from node identifiers to fixed-point coordinates (spec.md C4 / §4.1).
//
// The on-disk layout is two files: a sorted index of (id, data-offset)
// entries taken every IndexStride coordinates, and a data stream of
// alternating coordinate spans and empty spans. Builder produces both;
// Reader answers single-point and ordered-batch lookups against them.
package nodeindex

import (
	"encoding/binary"
	"fmt"

	"github.com/protomaps-labs/vtstore/coord"
)

// IndexStride is the number of coordinates between index entries.
const IndexStride = 1024

// ReinitDistance is the gap (in ids) beyond which a batch reader falls
// back to a fresh binary search instead of walking forward from its
// current cursor (spec.md §4.1 "Read contract — ordered batch").
const ReinitDistance = 1024

// maxSpanDeltaBytes bounds the combined varint size of a point's (dx, dy)
// deltas before the builder starts a new span (spec.md §4.1).
const maxSpanDeltaBytes = 9

// IndexEntry is one (id, data-offset) pair in the on-disk index file.
type IndexEntry struct {
	ID     uint64
	Offset uint32
}

// --- Builder ---------------------------------------------------------------

// Builder accumulates a monotonically increasing (id, (x, y)) stream into
// the two-file on-disk representation.
type Builder struct {
	data []byte

	index []IndexEntry

	haveLast bool
	lastID   uint64

	// current open coordinate span, not yet flushed to data
	spanOpen     bool
	spanFirstID  uint64
	spanStartOff uint32
	spanPrevX    int64
	spanPrevY    int64
	spanPoints   []point // includes the first point

	pointsSinceIndex int
}

type point struct {
	x, y int64
}

// NewBuilder creates an empty coordinate-index builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Push appends (id, p) to the stream. id must be strictly greater than
// the id of the previous Push call (spec.md §4.1 build contract). p must
// lie inside the valid fixed-coordinate range (coord.Pt.Valid).
func (b *Builder) Push(id uint64, p coord.Pt) error {
	if !p.Valid() {
		return fmt.Errorf("nodeindex: coordinate %+v out of range", p)
	}
	x, y := p.X, p.Y
	if b.haveLast && id <= b.lastID {
		return fmt.Errorf("nodeindex: id %d not greater than last id %d", id, b.lastID)
	}

	if b.haveLast {
		gap := id - b.lastID - 1
		if gap > 0 {
			b.flushSpan()
			b.writeEmptySpan(gap)
		}
	}

	if b.spanOpen {
		dx := x - b.spanPrevX
		dy := y - b.spanPrevY
		if varintSize(zigzag(dx))+varintSize(zigzag(dy)) > maxSpanDeltaBytes {
			b.flushSpan()
		}
	}

	if !b.spanOpen {
		b.recordIndexEntryIfDue(id)
		b.spanOpen = true
		b.spanFirstID = id
		b.spanStartOff = uint32(len(b.data))
		b.spanPoints = b.spanPoints[:0]
	}

	b.spanPoints = append(b.spanPoints, point{x: x, y: y})
	b.spanPrevX, b.spanPrevY = x, y
	b.haveLast = true
	b.lastID = id
	b.pointsSinceIndex++

	return nil
}

func (b *Builder) recordIndexEntryIfDue(id uint64) {
	if len(b.index) == 0 || b.pointsSinceIndex >= IndexStride {
		b.index = append(b.index, IndexEntry{ID: id, Offset: uint32(len(b.data))})
		b.pointsSinceIndex = 0
	}
}

func (b *Builder) flushSpan() {
	if !b.spanOpen {
		return
	}
	n := len(b.spanPoints)
	header := uint64(n-1)<<1 | 0
	b.data = appendUvarint(b.data, header)

	first := b.spanPoints[0]
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(first.x))
	b.data = append(b.data, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(first.y))
	b.data = append(b.data, tmp[:]...)

	prevX, prevY := first.x, first.y
	for _, p := range b.spanPoints[1:] {
		dx := int64(p.x) - int64(prevX)
		dy := int64(p.y) - int64(prevY)
		b.data = appendUvarint(b.data, zigzag(dx))
		b.data = appendUvarint(b.data, zigzag(dy))
		prevX, prevY = p.x, p.y
	}

	b.spanOpen = false
}

func (b *Builder) writeEmptySpan(delta uint64) {
	header := delta<<1 | 1
	b.data = appendUvarint(b.data, header)
}

// Finish flushes any open span and appends the end-of-file marker (an
// empty span of length 0, spec.md §4.1), returning the final data and
// index bytes.
func (b *Builder) Finish() (data []byte, index []IndexEntry) {
	b.flushSpan()
	b.writeEmptySpan(0)
	return b.data, b.index
}

func varintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -(int64(v & 1))
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
