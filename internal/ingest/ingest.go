// Package ingest implements the ingest pipeline (spec.md C9): a
// fixed-size array of index-zoom cache buckets that features are
// inserted into from many worker goroutines, flushed into the pack
// heap and tile-index database once the in-memory cache grows past a
// threshold.
package ingest

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.uber.org/zap"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/pack"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

// IndexZoom is the fixed zoom level at which the primary tile-key
// partition lives (GLOSSARY "Index zoom").
const IndexZoom uint8 = 10

const tilesPerAxis = 1 << IndexZoom

// Default cache thresholds (spec.md §4.6 "e.g. 1 GiB").
const (
	ThresholdUpper = 1 << 30
	ThresholdLower = ThresholdUpper / 4 * 3
)

type bucket struct {
	x, y      uint32
	fillState uint32 // atomic; last pack-record ordinal written for this tile

	mu      sync.Mutex
	mem     [][]byte
	memSize int64
}

// Pipeline is the process-wide ingest cache plus its backing stores.
type Pipeline struct {
	heap *packheap.Heap
	db   *tiledb.DB
	log  *zap.Logger

	buckets   []bucket
	cacheSize int64 // atomic

	flushMu sync.Mutex
}

// Open builds a Pipeline over heap and db, restoring each bucket's
// fill_state from the database's existing feature rows so packs written
// after a reopen get fresh ordinals instead of overwriting the ones
// already stored. Features inserted again are stored again.
func Open(heap *packheap.Heap, db *tiledb.DB, log *zap.Logger) (*Pipeline, error) {
	p := &Pipeline{
		heap:    heap,
		db:      db,
		log:     log,
		buckets: make([]bucket, tilesPerAxis*tilesPerAxis),
	}
	for y := uint32(0); y < tilesPerAxis; y++ {
		for x := uint32(0); x < tilesPerAxis; x++ {
			b := &p.buckets[bucketIndex(x, y)]
			b.x, b.y = x, y
		}
	}

	err := db.IterateFeatureTiles(func(key tilekey.Key, records []packheap.Record) error {
		x, y, z, n := tilekey.Unpack(key)
		if z != IndexZoom {
			return nil
		}
		b := &p.buckets[bucketIndex(x, y)]
		if n > b.fillState {
			atomic.StoreUint32(&b.fillState, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: restoring fill state: %w", err)
	}
	return p, nil
}

func bucketIndex(x, y uint32) int {
	return int(y)*tilesPerAxis + int(x)
}

// touchedTiles returns the index-zoom tiles a feature's bounding box
// touches, clamped to the valid tile range.
func touchedTiles(f feature.Feature) []struct{ X, Y uint32 } {
	box := f.BoundingBox()
	if box.Empty() {
		return nil
	}
	width := coord.Range >> IndexZoom

	minX := clampTile(box.MinX / width)
	maxX := clampTile(box.MaxX / width)
	minY := clampTile(box.MinY / width)
	maxY := clampTile(box.MaxY / width)

	var out []struct{ X, Y uint32 }
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			out = append(out, struct{ X, Y uint32 }{x, y})
		}
	}
	return out
}

func clampTile(t int64) uint32 {
	if t < 0 {
		return 0
	}
	if t >= tilesPerAxis {
		return tilesPerAxis - 1
	}
	return uint32(t)
}

// Insert appends f's encoded bytes to every index-zoom bucket its
// bounding box touches, then triggers a threshold flush (spec.md §4.6
// "insert(feature)"). Safe for concurrent callers.
func (p *Pipeline) Insert(f feature.Feature) error {
	value, err := feature.Encode(f)
	if err != nil {
		return fmt.Errorf("ingest: encoding feature %d: %w", f.ID, err)
	}

	for _, t := range touchedTiles(f) {
		b := &p.buckets[bucketIndex(t.X, t.Y)]
		b.mu.Lock()
		b.mem = append(b.mem, value)
		b.memSize += int64(len(value))
		b.mu.Unlock()
		atomic.AddInt64(&p.cacheSize, int64(len(value)))
	}

	return p.Flush(ThresholdUpper, ThresholdLower)
}

type evicted struct {
	bucket *bucket
	mem    [][]byte
}

// Flush drains the smallest-first buckets until the cache falls below
// thresholdLower, writing one quick pack per evicted bucket in a single
// write transaction (spec.md §4.6 "flush"). A forced flush with
// thresholdUpper=thresholdLower=0 drains everything.
func (p *Pipeline) Flush(thresholdUpper, thresholdLower int64) error {
	if atomic.LoadInt64(&p.cacheSize) <= thresholdUpper {
		return nil
	}
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	if atomic.LoadInt64(&p.cacheSize) <= thresholdUpper {
		return nil
	}

	type sized struct {
		size int64
		b    *bucket
	}
	var candidates []sized
	for i := range p.buckets {
		b := &p.buckets[i]
		if atomic.LoadInt64(&b.memSize) > 0 {
			candidates = append(candidates, sized{atomic.LoadInt64(&b.memSize), b})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].size < candidates[j].size })

	touched := roaring64.New()
	var queue []evicted
	var persistedFeatures, persistedSize int

	for _, c := range candidates {
		if atomic.LoadInt64(&p.cacheSize) < thresholdLower {
			break
		}
		b := c.b
		b.mu.Lock()
		mem := b.mem
		size := b.memSize
		b.mem = nil
		b.memSize = 0
		b.mu.Unlock()

		atomic.AddInt64(&p.cacheSize, -size)
		persistedFeatures += len(mem)
		persistedSize += int(size)
		touched.Add(uint64(b.y)<<32 | uint64(b.x))
		queue = append(queue, evicted{bucket: b, mem: mem})
	}

	tx, err := p.db.BeginWrite()
	if err != nil {
		return fmt.Errorf("ingest: begin flush transaction: %w", err)
	}
	for _, e := range queue {
		n := atomic.AddUint32(&e.bucket.fillState, 1)
		key := tilekey.Pack(e.bucket.x, e.bucket.y, IndexZoom, n)
		packed := pack.WriteQuickEncoded(e.mem)
		rec, err := p.heap.Append(packed)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ingest: appending pack for tile (%d,%d,%d): %w", e.bucket.x, e.bucket.y, n, err)
		}
		if err := tx.PutFeatures(key, []packheap.Record{rec}); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ingest: writing feature record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ingest: committing flush transaction: %w", err)
	}

	if p.log != nil {
		p.log.Info("ingest flush",
			zap.Int("packs", len(queue)),
			zap.Int("features", persistedFeatures),
			zap.Int("bytes", persistedSize),
			zap.Uint64("touched_tiles", touched.GetCardinality()),
		)
	}
	return nil
}

// Close performs the final forced flush (spec.md §4.6 "On destruction,
// a final forced flush (0, 0) drains everything").
func (p *Pipeline) Close() error {
	return p.Flush(0, 0)
}
