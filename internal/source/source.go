// Package source is the boundary to vtstore's external collaborators:
// source-feed parsing (relation/way/area assembly from a geographic
// extract or coastline archive) and the scripting language that
// classifies each resulting feature into a layer (spec.md §1 "treated as
// external collaborators with only their interfaces specified in §6").
// Neither is implemented here — only the shape ingest needs to drive
// them.
package source

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/metadata"
)

// FeatureSource yields already-classified features one at a time. A real
// implementation wraps an OSM relation/way/area assembler and the
// scripting-language classifier named in spec.md §1; ingest only needs
// this narrow pull interface to drive its worker pool.
type FeatureSource interface {
	// Next returns the next feature. ok is false once the source is
	// exhausted, with err nil.
	Next() (f feature.Feature, ok bool, err error)
}

// rawFeature is the wire shape JSONLineSource reads: one JSON object per
// line, layer identified by name rather than by the process-wide
// LayerTable index (that index assignment is vtstore's job, not the
// feed's).
type rawFeature struct {
	ID       uint64         `json:"id"`
	Layer    string         `json:"layer"`
	MinZoom  uint8          `json:"min_zoom"`
	MaxZoom  uint8          `json:"max_zoom"`
	Meta     []feature.Pair `json:"meta"`
	Geometry coord.Geometry `json:"geometry"`
}

// JSONLineSource is a minimal, concrete FeatureSource reading
// newline-delimited JSON feature records (one rawFeature per line). It
// stands in for whatever emits already-classified features from the
// out-of-scope feed parser/scripting host — not a reimplementation of
// OSM extraction, just the pluggable seam a real one would sit behind.
type JSONLineSource struct {
	dec    *json.Decoder
	layers *metadata.LayerTable
}

// NewJSONLineSource reads records from r, resolving each record's layer
// name to a stable index via layers.
func NewJSONLineSource(r io.Reader, layers *metadata.LayerTable) *JSONLineSource {
	return &JSONLineSource{dec: json.NewDecoder(r), layers: layers}
}

// Next implements FeatureSource.
func (s *JSONLineSource) Next() (feature.Feature, bool, error) {
	var raw rawFeature
	if err := s.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return feature.Feature{}, false, nil
		}
		return feature.Feature{}, false, fmt.Errorf("source: decoding feature record: %w", err)
	}
	return feature.Feature{
		ID:       raw.ID,
		Layer:    s.layers.GetOrCreateIndex(raw.Layer),
		MinZoom:  raw.MinZoom,
		MaxZoom:  raw.MaxZoom,
		Meta:     raw.Meta,
		Geometry: raw.Geometry,
	}, true, nil
}
