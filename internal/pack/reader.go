package pack

import (
	"encoding/binary"
	"fmt"

	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
)

// Reader parses a pack's header and answers full and tile-restricted
// scans over its feature region.
type Reader struct {
	raw              []byte
	featureCount     uint32
	segments         map[uint8]uint32
	featureRegionOff uint32
}

// NewReader parses raw's header. The feature region and any segments are
// read lazily by ScanAll/ScanTile.
func NewReader(raw []byte) (*Reader, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("pack: truncated header")
	}
	count := binary.LittleEndian.Uint32(raw[0:4])
	pos := 4

	segments := map[uint8]uint32{}
	for {
		if pos >= len(raw) {
			return nil, fmt.Errorf("pack: truncated segment table")
		}
		id := raw[pos]
		pos++
		if id == segTerminator {
			break
		}
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("pack: truncated segment entry")
		}
		segments[id] = binary.LittleEndian.Uint32(raw[pos:])
		pos += 4
	}

	return &Reader{
		raw:              raw,
		featureCount:     count,
		segments:         segments,
		featureRegionOff: uint32(pos),
	}, nil
}

// FeatureCount returns the number of features declared in the header.
func (r *Reader) FeatureCount() uint32 {
	return r.featureCount
}

// HasQuadTree reports whether this pack carries a quad-tree segment.
func (r *Reader) HasQuadTree() bool {
	_, ok := r.segments[SegQuadTree]
	return ok
}

// ScanAll decodes every feature in declaration order (spec.md §4.4
// "Full scan").
func (r *Reader) ScanAll() ([]feature.Feature, error) {
	var out []feature.Feature
	err := r.scanRegion(r.featureRegionOff, nil, func(f feature.Feature) error {
		out = append(out, f)
		return nil
	})
	return out, err
}

// ScanTile walks the pack's quad-tree looking for query (a tile within
// root's subtree) and decodes only the features in the covered ranges
// (spec.md §4.4 "Tile-restricted scan").
func (r *Reader) ScanTile(root, query quadtree.Tile) ([]feature.Feature, error) {
	qtOffset, ok := r.segments[SegQuadTree]
	if !ok {
		return nil, fmt.Errorf("pack: no quad-tree segment present")
	}
	if int(qtOffset) > len(r.raw) || (len(r.raw)-int(qtOffset))%4 != 0 {
		return nil, fmt.Errorf("pack: malformed quad-tree segment")
	}
	words := make([]uint32, (len(r.raw)-int(qtOffset))/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(r.raw[int(qtOffset)+4*i:])
	}

	var out []feature.Feature
	var walkErr error
	quadtree.Walk(words, root, query, func(rg quadtree.Range) {
		if walkErr != nil {
			return
		}
		end := r.featureRegionOff + rg.Offset + rg.Size
		walkErr = r.scanRegion(r.featureRegionOff+rg.Offset, &end, func(f feature.Feature) error {
			out = append(out, f)
			return nil
		})
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

// scanRegion decodes length-prefixed features starting at offset until
// the terminating zero varint (when limit is nil) or until offset
// reaches *limit (when scanning a quad-tree range, which has no
// terminator of its own).
func (r *Reader) scanRegion(offset uint32, limit *uint32, fn func(feature.Feature) error) error {
	pos := int(offset)
	for {
		if limit != nil && uint32(pos) >= *limit {
			return nil
		}
		if pos >= len(r.raw) {
			return fmt.Errorf("pack: truncated feature region")
		}
		length, n := binary.Uvarint(r.raw[pos:])
		if n <= 0 {
			return fmt.Errorf("pack: invalid feature length varint")
		}
		pos += n
		if limit == nil && length == 0 {
			return nil // terminator
		}
		if uint64(len(r.raw)-pos) < length {
			return fmt.Errorf("pack: truncated feature blob")
		}
		f, err := feature.Decode(r.raw[pos : uint64(pos)+length])
		if err != nil {
			return fmt.Errorf("pack: decode feature: %w", err)
		}
		pos += int(length)
		if err := fn(f); err != nil {
			return err
		}
	}
}
