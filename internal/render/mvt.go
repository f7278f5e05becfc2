package render

import (
	"encoding/binary"
	"math"
)

// Wire tags for the canonical vector-tile message (spec.md §6). No
// ecosystem protobuf-codegen library is wired for this: the message
// shape is four small, fixed structs (Tile/Layer/Feature/Value) with a
// handful of scalar fields, so a generated struct-reflection-based
// codec would pull in far more machinery than a few appendTag/
// appendVarint calls need.
const (
	tileLayersField = 3

	layerNameField    = 1
	layerFeaturesField = 2
	layerKeysField    = 3
	layerValuesField  = 4
	layerExtentField  = 5
	layerVersionField = 15

	featureIDField       = 1
	featureTagsField     = 2
	featureTypeField     = 3
	featureGeometryField = 4

	valueStringField = 1
	valueFloatField  = 2
	valueDoubleField = 3
	valueIntField    = 4
	valueUintField   = 5
	valueSintField   = 6
	valueBoolField   = 7
)

// GeomType mirrors the vector-tile Feature.type enum.
type GeomType uint8

const (
	GeomUnknown GeomType = 0
	GeomPoint   GeomType = 1
	GeomLine    GeomType = 2
	GeomPolygon GeomType = 3
)

// Command identifies a geometry drawing instruction (spec.md §6).
const (
	cmdMoveTo    = 1
	cmdLineTo    = 2
	cmdClosePath = 7
)

// mvtFeature is one already-clipped-and-shifted feature ready to encode.
type mvtFeature struct {
	id       uint64
	tags     []uint32 // flattened (key_index, value_index) pairs
	geomType GeomType
	commands []uint32
}

// mvtLayer is one tile layer's worth of encoded features plus its local
// key/value dictionaries.
type mvtLayer struct {
	name     string
	extent   uint32
	features []mvtFeature
	keys     []string
	values   []encodedValue
}

// encodedValue is a Value message's already-chosen oneof variant.
type encodedValue struct {
	field int
	str   string
	f64   float64
	i64   int64
	u64   uint64
	b     bool
}

func encodeTile(layers []mvtLayer) []byte {
	var buf []byte
	for _, l := range layers {
		buf = appendEmbedded(buf, tileLayersField, encodeLayer(l))
	}
	return buf
}

func encodeLayer(l mvtLayer) []byte {
	var buf []byte
	buf = appendVarint(buf, layerVersionField, 2)
	buf = appendString(buf, layerNameField, l.name)
	for _, f := range l.features {
		buf = appendEmbedded(buf, layerFeaturesField, encodeFeature(f))
	}
	for _, k := range l.keys {
		buf = appendString(buf, layerKeysField, k)
	}
	for _, v := range l.values {
		buf = appendEmbedded(buf, layerValuesField, encodeValue(v))
	}
	buf = appendVarint(buf, layerExtentField, uint64(l.extent))
	return buf
}

func encodeFeature(f mvtFeature) []byte {
	var buf []byte
	buf = appendVarint(buf, featureIDField, f.id)
	if len(f.tags) > 0 {
		buf = appendPacked(buf, featureTagsField, f.tags)
	}
	buf = appendVarint(buf, featureTypeField, uint64(f.geomType))
	buf = appendPacked(buf, featureGeometryField, f.commands)
	return buf
}

func encodeValue(v encodedValue) []byte {
	var buf []byte
	switch v.field {
	case valueStringField:
		buf = appendString(buf, valueStringField, v.str)
	case valueFloatField:
		buf = appendFixed32(buf, valueFloatField, math.Float32bits(float32(v.f64)))
	case valueDoubleField:
		buf = appendFixed64(buf, valueDoubleField, math.Float64bits(v.f64))
	case valueIntField:
		buf = appendVarint(buf, valueIntField, uint64(v.i64))
	case valueUintField:
		buf = appendVarint(buf, valueUintField, v.u64)
	case valueSintField:
		buf = appendVarint(buf, valueSintField, zigzagEncode64(v.i64))
	case valueBoolField:
		u := uint64(0)
		if v.b {
			u = 1
		}
		buf = appendVarint(buf, valueBoolField, u)
	}
	return buf
}

func appendTag(buf []byte, field, wireType int) []byte {
	return appendUvarint(buf, uint64(field<<3|wireType))
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendVarint(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, 0)
	return appendUvarint(buf, v)
}

func appendFixed32(buf []byte, field int, v uint32) []byte {
	buf = appendTag(buf, field, 5)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendFixed64(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, 1)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, field int, s string) []byte {
	buf = appendTag(buf, field, 2)
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendEmbedded(buf []byte, field int, msg []byte) []byte {
	buf = appendTag(buf, field, 2)
	buf = appendUvarint(buf, uint64(len(msg)))
	return append(buf, msg...)
}

func appendPacked(buf []byte, field int, vals []uint32) []byte {
	var inner []byte
	for _, v := range vals {
		inner = appendUvarint(inner, uint64(v))
	}
	return appendEmbedded(buf, field, inner)
}

// zigzagEncode32 maps a signed local-coordinate delta to an unsigned
// varint-friendly value (spec.md §6 "coordinate pairs are zig-zag
// varints").
func zigzagEncode32(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func zigzagEncode64(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}
