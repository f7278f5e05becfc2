// Package repack implements the repack pipeline (spec.md C10): it
// defragments a pack heap full of quick packs accumulated by ingest,
// then rebuilds one optimal pack per tile in parallel, writing the
// results back into the tile-index database.
package repack

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/pack"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

// batchSize caps how many finished updates accumulate before they are
// handed to onBatch, so a long repack run doesn't hold an unbounded
// number of pending writes in memory (spec.md §4.7, kRepackBatchSize in
// the original).
const batchSize = 32

// PackFeaturesFunc rebuilds one tile's optimal pack from the raw bytes
// of every quick pack currently backing it.
type PackFeaturesFunc func(tile quadtree.Tile, packs [][]byte) ([]byte, error)

// OnBatchFunc persists a batch of finished updates, typically inside one
// tile-index database transaction.
type OnBatchFunc func(updates []Update) error

// Run defragments heap's free space and then repacks every task through
// workers concurrent goroutines, calling packFeatures once per task and
// onBatch once per batchSize results (plus a final, possibly shorter,
// batch). It simplifies the original's overlap between the initial
// defragmentation pass and the first worker batch (a throughput
// optimization, not a correctness requirement) into a strict
// defragment-then-process sequence.
func Run(ctx context.Context, heap *packheap.Heap, tasks []Task, workers int, packFeatures PackFeaturesFunc, onBatch OnBatchFunc) error {
	if workers < 1 {
		workers = 1
	}

	mgr := newManager(heap, tasks)
	if err := mgr.defragmentPackFile(); err != nil {
		return fmt.Errorf("repack: defragment: %w", err)
	}

	var pending []Task
	for {
		t, ok := mgr.dequeueTask()
		if !ok {
			break
		}
		pending = append(pending, t)
	}
	// dequeueTask pops the task whose lowest record is nearest the heap
	// front first; sorting ascending by that offset keeps pending in that
	// order explicitly.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Records[len(pending[i].Records)-1].Offset <
			pending[j].Records[len(pending[j].Records)-1].Offset
	})

	type result struct {
		tile quadtree.Tile
		buf  []byte
	}
	results := make(chan result, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers + 1)

	g.Go(func() error {
		defer close(results)
		sub, subCtx := errgroup.WithContext(gctx)
		sub.SetLimit(workers)
		for _, t := range pending {
			t := t
			select {
			case <-subCtx.Done():
				return sub.Wait()
			default:
			}
			sub.Go(func() error {
				packs := make([][]byte, len(t.Records))
				for i, r := range t.Records {
					raw, err := heap.Get(r)
					if err != nil {
						return fmt.Errorf("repack: reading tile %v record: %w", t.Tile, err)
					}
					packs[i] = raw
				}
				buf, err := packFeatures(t.Tile, packs)
				if err != nil {
					return fmt.Errorf("repack: packing tile %v: %w", t.Tile, err)
				}
				select {
				case results <- result{tile: t.Tile, buf: buf}:
				case <-subCtx.Done():
				}
				return nil
			})
		}
		return sub.Wait()
	})

	g.Go(func() error {
		var batch []Update
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := onBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
			return nil
		}
		for r := range results {
			if err := mgr.insertResult(r.tile, r.buf); err != nil {
				return fmt.Errorf("repack: insert result for tile %v: %w", r.tile, err)
			}
			u := mgr.updates[len(mgr.updates)-1]
			batch = append(batch, u)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	beforeBackStash := len(mgr.updates)
	if err := mgr.finishBackStash(); err != nil {
		return fmt.Errorf("repack: finishing back stash: %w", err)
	}
	if tail := mgr.updates[beforeBackStash:]; len(tail) > 0 {
		if err := onBatch(tail); err != nil {
			return fmt.Errorf("repack: writing back-stash batch: %w", err)
		}
	}
	return nil
}

// CollectTasks groups db's feature rows by index-zoom tile, merging
// every fill_state ordinal for a tile into one Task (spec.md §4.7 "Task
// model"). keys returns, for each tile, every tile_key currently backing
// it, so a caller can delete them once the tile is replaced with a
// single repacked record.
func CollectTasks(db *tiledb.DB) (tasks []Task, keys map[quadtree.Tile][]tilekey.Key, err error) {
	byTile := map[quadtree.Tile]*Task{}
	keys = map[quadtree.Tile][]tilekey.Key{}
	var order []quadtree.Tile

	err = db.IterateFeatureTiles(func(key tilekey.Key, records []packheap.Record) error {
		x, y, z, _ := tilekey.Unpack(key)
		t := quadtree.Tile{Z: z, X: x, Y: y}
		task, ok := byTile[t]
		if !ok {
			task = &Task{Tile: t}
			byTile[t] = task
			order = append(order, t)
		}
		task.Records = append(task.Records, records...)
		keys[t] = append(keys[t], key)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("repack: collecting tasks: %w", err)
	}

	tasks = make([]Task, len(order))
	for i, t := range order {
		tasks[i] = *byTile[t]
	}
	return tasks, keys, nil
}

// RepackDB runs a full repack over every index-zoom tile currently in
// db's features table: it merges every quick pack for a tile into one
// optimal pack (spec.md §4.5 best-tile assignment, up to maxZoom), then
// atomically swaps the old fragmented records for the single new one.
func RepackDB(heap *packheap.Heap, db *tiledb.DB, maxZoom uint8, workers int) error {
	tasks, keysByTile, err := CollectTasks(db)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	packFeatures := func(tile quadtree.Tile, packs [][]byte) ([]byte, error) {
		var all []feature.Feature
		for _, raw := range packs {
			r, err := pack.NewReader(raw)
			if err != nil {
				return nil, fmt.Errorf("repack: reading pack for tile %v: %w", tile, err)
			}
			feats, err := r.ScanAll()
			if err != nil {
				return nil, fmt.Errorf("repack: scanning pack for tile %v: %w", tile, err)
			}
			all = append(all, feats...)
		}
		return pack.WriteOptimal(tile, maxZoom, all)
	}

	onBatch := func(updates []Update) error {
		if len(updates) == 0 {
			return nil
		}
		tx, err := db.BeginWrite()
		if err != nil {
			return fmt.Errorf("repack: begin batch transaction: %w", err)
		}
		for _, u := range updates {
			for _, k := range keysByTile[u.Tile] {
				if err := tx.DeleteFeatures(k); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("repack: deleting old records for tile %v: %w", u.Tile, err)
				}
			}
			newKey := tilekey.Pack(u.Tile.X, u.Tile.Y, u.Tile.Z, 1)
			if err := tx.PutFeatures(newKey, []packheap.Record{u.Record}); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("repack: writing new record for tile %v: %w", u.Tile, err)
			}
		}
		return tx.Commit()
	}

	return Run(context.Background(), heap, tasks, workers, packFeatures, onBatch)
}
