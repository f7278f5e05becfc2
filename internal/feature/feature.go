// Package feature implements the binary feature record (spec.md C3): id,
// layer, zoom range, metadata key/value pairs, and geometry.
package feature

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/geomcodec"
)

// MaxZoomAll is the sentinel max_zoom meaning "all zoom levels" (spec.md §3).
const MaxZoomAll = 0x7F

// MetaTag identifies the type of a metadata value's payload.
type MetaTag uint8

const (
	TagBoolFalse MetaTag = 0
	TagBoolTrue  MetaTag = 1
	TagString    MetaTag = 2
	TagNumeric   MetaTag = 3
	TagInteger   MetaTag = 4
)

// MetaValue is a tag-prefixed metadata value.
type MetaValue struct {
	Tag     MetaTag
	Str     string
	Numeric float64
	Integer int64
}

func BoolValue(b bool) MetaValue {
	if b {
		return MetaValue{Tag: TagBoolTrue}
	}
	return MetaValue{Tag: TagBoolFalse}
}

func StringValue(s string) MetaValue { return MetaValue{Tag: TagString, Str: s} }
func NumericValue(f float64) MetaValue { return MetaValue{Tag: TagNumeric, Numeric: f} }
func IntegerValue(i int64) MetaValue   { return MetaValue{Tag: TagInteger, Integer: i} }

// Bool returns the boolean value; only meaningful if Tag is TagBoolFalse/True.
func (v MetaValue) Bool() bool { return v.Tag == TagBoolTrue }

// Pair is a single (key, value) metadata entry.
type Pair struct {
	Key   string
	Value MetaValue
}

// Feature is immutable once built (spec.md §3 "Feature").
type Feature struct {
	ID       uint64
	Layer    uint32 // index into the global layer-name table
	MinZoom  uint8
	MaxZoom  uint8 // MaxZoomAll sentinel for "all"
	Meta     []Pair
	Geometry coord.Geometry
}

// BoundingBox is a convenience wrapper over the geometry's bounding box.
func (f Feature) BoundingBox() coord.Box {
	return f.Geometry.BoundingBox()
}

// Encode serializes f into its binary record form. The result is opaque
// to the pack heap (spec.md §4.2) and varint-length-prefixed by callers
// that embed it into a feature region (spec.md §4.4).
func Encode(f Feature) ([]byte, error) {
	if f.MinZoom > f.MaxZoom {
		return nil, fmt.Errorf("feature: min_zoom %d > max_zoom %d", f.MinZoom, f.MaxZoom)
	}
	if f.MaxZoom > 31 && f.MaxZoom != MaxZoomAll {
		return nil, fmt.Errorf("feature: max_zoom %d out of range", f.MaxZoom)
	}

	var buf []byte
	buf = appendUvarint(buf, f.ID)
	buf = appendUvarint(buf, uint64(f.Layer))
	buf = append(buf, f.MinZoom, f.MaxZoom)
	buf = appendUvarint(buf, uint64(len(f.Meta)))
	for _, p := range f.Meta {
		buf = appendString(buf, p.Key)
		buf = appendMetaValue(buf, p.Value)
	}
	buf = append(buf, geomcodec.Encode(f.Geometry)...)
	return buf, nil
}

// Decode parses the binary record form produced by Encode.
func Decode(b []byte) (Feature, error) {
	var f Feature
	id, n, err := readUvarint(b)
	if err != nil {
		return f, fmt.Errorf("feature: reading id: %w", err)
	}
	b = b[n:]
	f.ID = id

	layer, n, err := readUvarint(b)
	if err != nil {
		return f, fmt.Errorf("feature: reading layer: %w", err)
	}
	b = b[n:]
	f.Layer = uint32(layer)

	if len(b) < 2 {
		return f, fmt.Errorf("feature: truncated zoom range")
	}
	f.MinZoom, f.MaxZoom = b[0], b[1]
	b = b[2:]

	count, n, err := readUvarint(b)
	if err != nil {
		return f, fmt.Errorf("feature: reading meta count: %w", err)
	}
	b = b[n:]

	if count > 0 {
		f.Meta = make([]Pair, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		key, consumed, err := readString(b)
		if err != nil {
			return f, fmt.Errorf("feature: reading meta key: %w", err)
		}
		b = b[consumed:]

		val, consumed, err := readMetaValue(b)
		if err != nil {
			return f, fmt.Errorf("feature: reading meta value: %w", err)
		}
		b = b[consumed:]

		f.Meta = append(f.Meta, Pair{Key: key, Value: val})
	}

	geom, err := geomcodec.Decode(b)
	if err != nil {
		return f, fmt.Errorf("feature: reading geometry: %w", err)
	}
	f.Geometry = geom
	return f, nil
}

func appendMetaValue(buf []byte, v MetaValue) []byte {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case TagBoolFalse, TagBoolTrue:
		// no payload
	case TagString:
		buf = appendString(buf, v.Str)
	case TagNumeric:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Numeric))
		buf = append(buf, tmp[:]...)
	case TagInteger:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Integer))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func readMetaValue(b []byte) (MetaValue, int, error) {
	if len(b) < 1 {
		return MetaValue{}, 0, fmt.Errorf("truncated meta value tag")
	}
	tag := MetaTag(b[0])
	switch tag {
	case TagBoolFalse, TagBoolTrue:
		return MetaValue{Tag: tag}, 1, nil
	case TagString:
		s, n, err := readString(b[1:])
		if err != nil {
			return MetaValue{}, 0, err
		}
		return MetaValue{Tag: tag, Str: s}, 1 + n, nil
	case TagNumeric:
		if len(b) < 9 {
			return MetaValue{}, 0, fmt.Errorf("truncated numeric meta value")
		}
		bits := binary.LittleEndian.Uint64(b[1:9])
		return MetaValue{Tag: tag, Numeric: math.Float64frombits(bits)}, 9, nil
	case TagInteger:
		if len(b) < 9 {
			return MetaValue{}, 0, fmt.Errorf("truncated integer meta value")
		}
		v := int64(binary.LittleEndian.Uint64(b[1:9]))
		return MetaValue{Tag: tag, Integer: v}, 9, nil
	default:
		return MetaValue{}, 0, fmt.Errorf("unknown meta value tag %d", tag)
	}
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, int, error) {
	l, n, err := readUvarint(b)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b)-n) < l {
		return "", 0, fmt.Errorf("truncated string")
	}
	return string(b[n : uint64(n)+l]), n + int(l), nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("invalid varint")
	}
	return v, n, nil
}
