package metadata

import "sync"

// coastlineLayer is the reserved layer index for coastline geometry
// (spec.md §3 invariant, SUPPLEMENTED FEATURES "coastlines task").
const coastlineLayer = 0

// LayerTable is the process-wide layer-name table: an append-on-first-use
// map from name to index, built during ingest under a mutex (spec.md §9
// replaces the source's "shared mutable layer-name singleton" with this
// explicit builder, finalized once before repack). Every read also
// takes the mutex.
type LayerTable struct {
	mu      sync.Mutex
	byName  map[string]uint32
	byIndex []string
}

// NewLayerTable returns a table with index 0 reserved for "coastline".
func NewLayerTable() *LayerTable {
	t := &LayerTable{
		byName:  map[string]uint32{"coastline": coastlineLayer},
		byIndex: []string{"coastline"},
	}
	return t
}

// GetOrCreateIndex returns name's layer index, assigning the next index
// if name hasn't been seen before.
func (t *LayerTable) GetOrCreateIndex(name string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.byName[name]; ok {
		return idx
	}
	idx := uint32(len(t.byIndex))
	t.byName[name] = idx
	t.byIndex = append(t.byIndex, name)
	return idx
}

// Name returns the layer name for idx, or ok=false if idx is unassigned.
func (t *LayerTable) Name(idx uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.byIndex) {
		return "", false
	}
	return t.byIndex[idx], true
}

// Len returns the number of assigned layer indices.
func (t *LayerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIndex)
}

// Names returns a snapshot of all layer names in index order, suitable
// for persisting under the `layer_names` meta key (spec.md §6).
func (t *LayerTable) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.byIndex))
	copy(out, t.byIndex)
	return out
}

// MarshalLayerNames serializes names for the `layer_names` meta blob:
// varint count, then each name as a varint-length-prefixed string.
func MarshalLayerNames(names []string) []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(names)))
	for _, n := range names {
		buf = appendString(buf, n)
	}
	return buf
}

// UnmarshalLayerNames parses the bytes produced by MarshalLayerNames and
// rebuilds a LayerTable with the same index assignment.
func UnmarshalLayerNames(b []byte) (*LayerTable, error) {
	count, n, err := readUvarint(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]

	t := &LayerTable{byName: map[string]uint32{}}
	t.byIndex = make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		name, n, err := readString(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		t.byName[name] = uint32(len(t.byIndex))
		t.byIndex = append(t.byIndex, name)
	}
	return t, nil
}
