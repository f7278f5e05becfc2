// Package metadata implements the shared metadata coder (spec.md C11): a
// process-wide dictionary of (key, value) pairs contributed during
// ingest, consolidated and count-pruned, then persisted sorted by
// descending count so that encode is a binary search and decode is a
// direct index.
package metadata

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/protomaps-labs/vtstore/internal/feature"
)

// Queue accumulates (pair, count) contributions from ingest workers and
// periodically consolidates them into a running counts map. It replaces
// the lock-free-queue-plus-consolidation-thread design of the source
// (spec.md §9 "Global mutable state for the feature-pack shared metadata
// counter") with an owned, mutex-guarded accumulator: ingest workers call
// Offer concurrently, Consolidate runs from a single dedicated goroutine.
type Queue struct {
	mu      sync.Mutex
	pending []feature.Pair
	counts  map[feature.Pair]uint64
}

// NewQueue returns an empty accumulator.
func NewQueue() *Queue {
	return &Queue{counts: map[feature.Pair]uint64{}}
}

// Offer records one occurrence of pair. Safe for concurrent callers.
func (q *Queue) Offer(pair feature.Pair) {
	q.mu.Lock()
	q.pending = append(q.pending, pair)
	q.mu.Unlock()
}

// Consolidate drains everything offered so far into the running counts.
// Call it periodically from one goroutine (spec.md §4.8 "background
// consolidation step").
func (q *Queue) Consolidate() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	q.mu.Lock()
	for _, p := range pending {
		q.counts[p]++
	}
	q.mu.Unlock()
}

// Entry is a (pair, count) row of the finalized, sorted table.
type Entry struct {
	Pair  feature.Pair
	Count uint64
}

// Finalize drops pairs with count below threshold, sorts the remainder
// by descending count (ties broken by a stable hash of the encoded pair
// so Finalize is deterministic across runs), and returns a Table ready
// for persistence and lookup.
func (q *Queue) Finalize(threshold uint64) *Table {
	q.Consolidate()

	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]Entry, 0, len(q.counts))
	for p, c := range q.counts {
		if c < threshold {
			continue
		}
		entries = append(entries, Entry{Pair: p, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return pairHash(entries[i].Pair) < pairHash(entries[j].Pair)
	})
	return newTable(entries)
}

// Table is the persisted, sorted-by-pair encoding/decoding surface
// (spec.md §4.8 "encode(pair) -> Option<id>" / "Decoding is direct
// index"). Once built, a Table is immutable.
type Table struct {
	byCount []feature.Pair // index -> pair, in descending-count order (decode)
	sorted  []sortedEntry  // pair-sorted for encode's binary search
}

type sortedEntry struct {
	pair feature.Pair
	id   uint32
}

func newTable(entries []Entry) *Table {
	t := &Table{byCount: make([]feature.Pair, len(entries))}
	t.sorted = make([]sortedEntry, len(entries))
	for i, e := range entries {
		t.byCount[i] = e.Pair
		t.sorted[i] = sortedEntry{pair: e.Pair, id: uint32(i)}
	}
	sort.Slice(t.sorted, func(i, j int) bool {
		return pairLess(t.sorted[i].pair, t.sorted[j].pair)
	})
	return t
}

// Encode returns the id assigned to pair, or ok=false if pair was pruned
// (count below threshold at Finalize time, or never seen).
func (t *Table) Encode(pair feature.Pair) (id uint32, ok bool) {
	i := sort.Search(len(t.sorted), func(i int) bool {
		return !pairLess(t.sorted[i].pair, pair)
	})
	if i >= len(t.sorted) || t.sorted[i].pair != pair {
		return 0, false
	}
	return t.sorted[i].id, true
}

// Decode returns the pair assigned to id.
func (t *Table) Decode(id uint32) (feature.Pair, bool) {
	if int(id) >= len(t.byCount) {
		return feature.Pair{}, false
	}
	return t.byCount[id], true
}

// Len returns the number of entries in the table.
func (t *Table) Len() int { return len(t.byCount) }

func pairHash(p feature.Pair) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(p.Key)
	_ = h.WriteByte(byte(p.Value.Tag))
	switch p.Value.Tag {
	case feature.TagString:
		_, _ = h.WriteString(p.Value.Str)
	case feature.TagNumeric:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(p.Value.Numeric))
		_, _ = h.Write(tmp[:])
	case feature.TagInteger:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(p.Value.Integer))
		_, _ = h.Write(tmp[:])
	}
	return h.Sum64()
}

func pairLess(a, b feature.Pair) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if a.Value.Tag != b.Value.Tag {
		return a.Value.Tag < b.Value.Tag
	}
	switch a.Value.Tag {
	case feature.TagString:
		return a.Value.Str < b.Value.Str
	case feature.TagNumeric:
		return a.Value.Numeric < b.Value.Numeric
	case feature.TagInteger:
		return a.Value.Integer < b.Value.Integer
	default:
		return false
	}
}

// Marshal serializes t into the persisted `feature_meta_coding` meta blob
// (spec.md §6): a varint count followed by each entry's feature.Pair
// encoding (reusing feature.Encode's tag-prefixed value shape via a
// minimal key/value writer, since a Pair is not itself a Feature).
func (t *Table) Marshal() []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(t.byCount)))
	for _, p := range t.byCount {
		buf = appendString(buf, p.Key)
		buf = append(buf, byte(p.Value.Tag))
		switch p.Value.Tag {
		case feature.TagString:
			buf = appendString(buf, p.Value.Str)
		case feature.TagNumeric:
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(p.Value.Numeric))
			buf = append(buf, tmp[:]...)
		case feature.TagInteger:
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], uint64(p.Value.Integer))
			buf = append(buf, tmp[:]...)
		}
	}
	return buf
}

// Unmarshal rebuilds a Table from the bytes produced by Marshal.
func Unmarshal(b []byte) (*Table, error) {
	count, n, err := readUvarint(b)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading entry count: %w", err)
	}
	b = b[n:]

	entries := make([]Entry, count)
	for i := uint64(0); i < count; i++ {
		key, n, err := readString(b)
		if err != nil {
			return nil, fmt.Errorf("metadata: reading key %d: %w", i, err)
		}
		b = b[n:]
		if len(b) < 1 {
			return nil, fmt.Errorf("metadata: truncated value tag at entry %d", i)
		}
		tag := feature.MetaTag(b[0])
		b = b[1:]

		var val feature.MetaValue
		switch tag {
		case feature.TagBoolFalse, feature.TagBoolTrue:
			val = feature.MetaValue{Tag: tag}
		case feature.TagString:
			s, n, err := readString(b)
			if err != nil {
				return nil, fmt.Errorf("metadata: reading string value at entry %d: %w", i, err)
			}
			b = b[n:]
			val = feature.StringValue(s)
		case feature.TagNumeric:
			if len(b) < 8 {
				return nil, fmt.Errorf("metadata: truncated numeric value at entry %d", i)
			}
			val = feature.NumericValue(math.Float64frombits(binary.LittleEndian.Uint64(b[:8])))
			b = b[8:]
		case feature.TagInteger:
			if len(b) < 8 {
				return nil, fmt.Errorf("metadata: truncated integer value at entry %d", i)
			}
			val = feature.IntegerValue(int64(binary.LittleEndian.Uint64(b[:8])))
			b = b[8:]
		default:
			return nil, fmt.Errorf("metadata: unknown value tag %d at entry %d", tag, i)
		}

		entries[i] = Entry{Pair: feature.Pair{Key: key, Value: val}, Count: 0}
	}

	t := &Table{byCount: make([]feature.Pair, len(entries))}
	t.sorted = make([]sortedEntry, len(entries))
	for i, e := range entries {
		t.byCount[i] = e.Pair
		t.sorted[i] = sortedEntry{pair: e.Pair, id: uint32(i)}
	}
	sort.Slice(t.sorted, func(i, j int) bool {
		return pairLess(t.sorted[i].pair, t.sorted[j].pair)
	})
	return t, nil
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
