// Package geomcodec implements the length-prefixed, zig-zag delta-encoded
// binary serialization of coord.Geometry variants (spec.md C2).
package geomcodec

import (
	"encoding/binary"
	"fmt"

	"github.com/protomaps-labs/vtstore/coord"
)

// Encode serializes g into its binary representation.
func Encode(g coord.Geometry) []byte {
	var buf []byte
	buf = append(buf, byte(g.Kind))

	switch g.Kind {
	case coord.KindNull:
		// nothing further
	case coord.KindMultiPoint:
		buf = appendUvarint(buf, uint64(len(g.Points)))
		buf = appendDeltaPoints(buf, g.Points)
	case coord.KindMultiPolyline:
		buf = appendUvarint(buf, uint64(len(g.Polylines)))
		for _, line := range g.Polylines {
			buf = appendUvarint(buf, uint64(len(line)))
			buf = appendDeltaPoints(buf, line)
		}
	case coord.KindMultiPolygon:
		buf = appendUvarint(buf, uint64(len(g.Polygons)))
		for _, poly := range g.Polygons {
			buf = appendUvarint(buf, uint64(len(poly.Inners)))
			buf = appendRing(buf, poly.Outer)
			for _, inner := range poly.Inners {
				buf = appendRing(buf, inner)
			}
		}
	default:
		panic(fmt.Sprintf("geomcodec: unknown geometry kind %d", g.Kind))
	}
	return buf
}

func appendRing(buf []byte, r coord.Ring) []byte {
	buf = appendUvarint(buf, uint64(len(r)))
	return appendDeltaPoints(buf, r)
}

// Decode parses the binary representation produced by Encode.
func Decode(b []byte) (coord.Geometry, error) {
	if len(b) == 0 {
		return coord.Geometry{}, fmt.Errorf("geomcodec: empty input")
	}
	kind := coord.Kind(b[0])
	rest := b[1:]

	switch kind {
	case coord.KindNull:
		return coord.Null(), nil
	case coord.KindMultiPoint:
		count, n, err := readUvarint(rest)
		if err != nil {
			return coord.Geometry{}, err
		}
		rest = rest[n:]
		pts, _, err := readDeltaPoints(rest, count)
		if err != nil {
			return coord.Geometry{}, err
		}
		return coord.Geometry{Kind: coord.KindMultiPoint, Points: pts}, nil
	case coord.KindMultiPolyline:
		count, n, err := readUvarint(rest)
		if err != nil {
			return coord.Geometry{}, err
		}
		rest = rest[n:]
		lines := make([][]coord.Pt, 0, count)
		for i := uint64(0); i < count; i++ {
			ptCount, n, err := readUvarint(rest)
			if err != nil {
				return coord.Geometry{}, err
			}
			rest = rest[n:]
			pts, consumed, err := readDeltaPoints(rest, ptCount)
			if err != nil {
				return coord.Geometry{}, err
			}
			rest = rest[consumed:]
			lines = append(lines, pts)
		}
		return coord.Geometry{Kind: coord.KindMultiPolyline, Polylines: lines}, nil
	case coord.KindMultiPolygon:
		count, n, err := readUvarint(rest)
		if err != nil {
			return coord.Geometry{}, err
		}
		rest = rest[n:]
		polys := make([]coord.Polygon, 0, count)
		for i := uint64(0); i < count; i++ {
			innerCount, n, err := readUvarint(rest)
			if err != nil {
				return coord.Geometry{}, err
			}
			rest = rest[n:]

			outer, consumed, err := readRing(rest)
			if err != nil {
				return coord.Geometry{}, err
			}
			rest = rest[consumed:]

			var inners []coord.Ring
			if innerCount > 0 {
				inners = make([]coord.Ring, 0, innerCount)
			}
			for j := uint64(0); j < innerCount; j++ {
				inner, consumed, err := readRing(rest)
				if err != nil {
					return coord.Geometry{}, err
				}
				rest = rest[consumed:]
				inners = append(inners, inner)
			}
			polys = append(polys, coord.Polygon{Outer: outer, Inners: inners})
		}
		return coord.Geometry{Kind: coord.KindMultiPolygon, Polygons: polys}, nil
	default:
		return coord.Geometry{}, fmt.Errorf("geomcodec: unknown geometry kind %d", kind)
	}
}

func readRing(b []byte) (coord.Ring, int, error) {
	count, n, err := readUvarint(b)
	if err != nil {
		return nil, 0, err
	}
	pts, consumed, err := readDeltaPoints(b[n:], count)
	if err != nil {
		return nil, 0, err
	}
	return coord.Ring(pts), n + consumed, nil
}

// appendDeltaPoints writes the first point as a zigzag-delta from
// coord.Origin and every subsequent point as a zigzag-delta from its
// predecessor.
func appendDeltaPoints(buf []byte, pts []coord.Pt) []byte {
	prevX, prevY := coord.Origin, coord.Origin
	for _, p := range pts {
		buf = appendZigzag(buf, p.X-prevX)
		buf = appendZigzag(buf, p.Y-prevY)
		prevX, prevY = p.X, p.Y
	}
	return buf
}

func readDeltaPoints(b []byte, count uint64) ([]coord.Pt, int, error) {
	pts := make([]coord.Pt, 0, count)
	prevX, prevY := coord.Origin, coord.Origin
	offset := 0
	for i := uint64(0); i < count; i++ {
		dx, n, err := readZigzag(b[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("geomcodec: truncated point stream: %w", err)
		}
		offset += n
		dy, n, err := readZigzag(b[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("geomcodec: truncated point stream: %w", err)
		}
		offset += n
		prevX += dx
		prevY += dy
		pts = append(pts, coord.Pt{X: prevX, Y: prevY})
	}
	return pts, offset, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendZigzag(buf []byte, v int64) []byte {
	zz := uint64((v << 1) ^ (v >> 63))
	return appendUvarint(buf, zz)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("geomcodec: invalid varint")
	}
	return v, n, nil
}

func readZigzag(b []byte) (int64, int, error) {
	zz, n, err := readUvarint(b)
	if err != nil {
		return 0, 0, err
	}
	v := int64(zz>>1) ^ -(int64(zz & 1))
	return v, n, nil
}
