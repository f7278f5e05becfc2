// Command vtstore is the CLI entrypoint: an import driver for building
// the pack heap/tile-index database from a feature feed, and a serve
// driver answering rendered tiles over HTTP (spec.md §6).
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb/maptile"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/protomaps-labs/vtstore/internal/ingest"
	"github.com/protomaps-labs/vtstore/internal/metadata"
	"github.com/protomaps-labs/vtstore/internal/pack"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/quadtree"
	"github.com/protomaps-labs/vtstore/internal/render"
	"github.com/protomaps-labs/vtstore/internal/repack"
	"github.com/protomaps-labs/vtstore/internal/server"
	"github.com/protomaps-labs/vtstore/internal/source"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

// Globals are the flags shared by every subcommand.
type Globals struct {
	DBPath string `name:"db_path" required:"" help:"path to the tile-index database (.idx)"`
}

// CLI is the top-level kong command tree (spec.md §6 "import driver"
// and "server driver").
var CLI struct {
	Globals
	Import ImportCmd `cmd:"" help:"ingest features/coastlines and run maintenance tasks"`
	Serve  ServeCmd  `cmd:"" help:"serve rendered tiles over HTTP"`
}

func main() {
	logger := log.New(os.Stderr, "vtstore: ", log.Ldate|log.Ltime)

	kctx := kong.Parse(&CLI,
		kong.Name("vtstore"),
		kong.Description("Batch-ingesting, on-disk vector-tile store."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&CLI.Globals, logger)
	if err != nil {
		logger.Println(err)
		os.Exit(1)
	}
}

func packPathFor(dbPath string) string {
	ext := filepath.Ext(dbPath)
	return strings.TrimSuffix(dbPath, ext) + ".pack"
}

// ---- import ----

const layerNamesMetaKey = "layer_names"

var allTasks = []string{"coastlines", "features", "stats", "tiles"}

// ImportCmd runs one or more maintenance tasks against the store,
// `--tasks` in spec.md §6 ("all|coastlines|features|stats|tiles").
type ImportCmd struct {
	OSMPath         string   `name:"osm_path" help:"path to the newline-delimited JSON feature feed"`
	CoastlinesPath  string   `name:"coastlines_path" help:"path to the newline-delimited JSON coastline feed"`
	Tasks           []string `enum:"all,coastlines,features,stats,tiles" default:"all" help:"tasks to run, in order"`
	MaxZoom         uint8    `default:"14" help:"max zoom level a feature is visible at"`
	MaxPreparedZoom uint8    `name:"max_prepared_zoom" default:"12" help:"max zoom level the tiles task precomputes (original_source/include/tiles/db/prepare_tiles.h)"`
	Workers         int      `default:"4" help:"repack worker goroutines"`
}

func (c *ImportCmd) Run(g *Globals, logger *log.Logger) error {
	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("vtstore: building logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck

	db, err := tiledb.Open(g.DBPath)
	if err != nil {
		return fmt.Errorf("vtstore: opening database: %w", err)
	}
	defer db.Close()

	heap, err := packheap.Open(packPathFor(g.DBPath))
	if err != nil {
		return fmt.Errorf("vtstore: opening pack heap: %w", err)
	}
	defer heap.Close()

	layers, err := loadOrCreateLayerTable(db)
	if err != nil {
		return err
	}

	pipeline, err := ingest.Open(heap, db, zl)
	if err != nil {
		return fmt.Errorf("vtstore: opening ingest pipeline: %w", err)
	}

	for _, task := range expandTasks(c.Tasks) {
		done, err := taskCompleted(db, task)
		if err != nil {
			return err
		}
		if done {
			logger.Printf("skipping already-completed task %q", task)
			continue
		}

		logger.Printf("running task %q", task)
		switch task {
		case "coastlines":
			err = c.runCoastlines(pipeline, layers, logger)
		case "features":
			err = c.runFeatures(pipeline, layers, logger)
		case "stats":
			err = runStats(db, heap, logger)
		case "tiles":
			err = runTiles(db, heap, layers, c.MaxZoom, c.MaxPreparedZoom, logger)
		}
		if err != nil {
			return fmt.Errorf("vtstore: task %q: %w", task, err)
		}
		if task != "stats" {
			if err := markTaskCompleted(db, task); err != nil {
				return err
			}
		}
	}

	if err := pipeline.Close(); err != nil {
		return fmt.Errorf("vtstore: final flush: %w", err)
	}
	if err := persistLayerTable(db, layers); err != nil {
		return err
	}
	return repack.RepackDB(heap, db, c.MaxZoom, c.Workers)
}

func expandTasks(tasks []string) []string {
	for _, t := range tasks {
		if t == "all" {
			return allTasks
		}
	}
	return tasks
}

func loadOrCreateLayerTable(db *tiledb.DB) (*metadata.LayerTable, error) {
	b, ok, err := db.GetMeta(layerNamesMetaKey)
	if err != nil {
		return nil, fmt.Errorf("vtstore: reading layer_names meta: %w", err)
	}
	if !ok {
		return metadata.NewLayerTable(), nil
	}
	return metadata.UnmarshalLayerNames(b)
}

func persistLayerTable(db *tiledb.DB, layers *metadata.LayerTable) error {
	tx, err := db.BeginWrite()
	if err != nil {
		return fmt.Errorf("vtstore: persisting layer_names: %w", err)
	}
	if err := tx.PutMeta(layerNamesMetaKey, metadata.MarshalLayerNames(layers.Names())); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("vtstore: persisting layer_names: %w", err)
	}
	return tx.Commit()
}

func taskMetaKey(task string) string { return "task_done:" + task }

func taskCompleted(db *tiledb.DB, task string) (bool, error) {
	_, ok, err := db.GetMeta(taskMetaKey(task))
	if err != nil {
		return false, fmt.Errorf("vtstore: checking task %q: %w", task, err)
	}
	return ok, nil
}

// markTaskCompleted records task as done (SUPPLEMENTED FEATURES
// "clear-database / idempotent re-ingest"), so re-running `--tasks all`
// after a partial run doesn't re-ingest what already landed.
func markTaskCompleted(db *tiledb.DB, task string) error {
	tx, err := db.BeginWrite()
	if err != nil {
		return fmt.Errorf("vtstore: marking task %q done: %w", task, err)
	}
	if err := tx.PutMeta(taskMetaKey(task), []byte{1}); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("vtstore: marking task %q done: %w", task, err)
	}
	return tx.Commit()
}

func (c *ImportCmd) runFeatures(p *ingest.Pipeline, layers *metadata.LayerTable, logger *log.Logger) error {
	if c.OSMPath == "" {
		return fmt.Errorf("--osm_path is required for the features task")
	}
	return ingestFeed(p, layers, c.OSMPath, logger, -1)
}

// runCoastlines ingests the separate coastline archive as layer index 0
// (SUPPLEMENTED FEATURES "coastlines task"), overriding whatever layer
// name the feed itself assigns.
func (c *ImportCmd) runCoastlines(p *ingest.Pipeline, layers *metadata.LayerTable, logger *log.Logger) error {
	if c.CoastlinesPath == "" {
		return fmt.Errorf("--coastlines_path is required for the coastlines task")
	}
	return ingestFeed(p, layers, c.CoastlinesPath, logger, 0)
}

// ingestFeed drains a JSON-line feature feed into the pipeline. When
// forceLayer >= 0, every feature is reassigned to that layer index
// regardless of what the feed named.
func ingestFeed(p *ingest.Pipeline, layers *metadata.LayerTable, path string, logger *log.Logger, forceLayer int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, _ := f.Stat()
	var bar *progressbar.ProgressBar
	if info != nil {
		bar = progressbar.DefaultBytes(info.Size(), "ingesting "+filepath.Base(path))
	}

	src := source.NewJSONLineSource(f, layers)
	var count int64
	for {
		feat, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if !ok {
			break
		}
		if forceLayer >= 0 {
			feat.Layer = uint32(forceLayer)
		}
		if err := p.Insert(feat); err != nil {
			return fmt.Errorf("inserting feature %d: %w", feat.ID, err)
		}
		if err := p.Flush(ingest.ThresholdUpper, ingest.ThresholdLower); err != nil {
			return fmt.Errorf("flushing: %w", err)
		}
		count++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	logger.Printf("ingested %s features from %s", humanize.Comma(count), path)
	return nil
}

// runStats walks the features table and reports per-zoom feature/tile
// counts and pack-heap utilization (original_source/include/tiles/db/
// database_stats.h, SUPPLEMENTED FEATURES "stats task").
func runStats(db *tiledb.DB, heap *packheap.Heap, logger *log.Logger) error {
	type zoomStats struct {
		tiles, features, compressedBytes int64
	}
	byZoom := map[uint8]*zoomStats{}

	err := db.IterateFeatureTiles(func(key tilekey.Key, records []packheap.Record) error {
		_, _, z, _ := tilekey.Unpack(key)
		st := byZoom[z]
		if st == nil {
			st = &zoomStats{}
			byZoom[z] = st
		}
		st.tiles++
		for _, rec := range records {
			st.compressedBytes += rec.Size
			raw, err := heap.Get(rec)
			if err != nil {
				return fmt.Errorf("reading pack record: %w", err)
			}
			r, err := pack.NewReader(raw)
			if err != nil {
				return fmt.Errorf("parsing pack: %w", err)
			}
			st.features += int64(r.FeatureCount())
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Printf("pack heap size: %s", humanize.Bytes(uint64(heap.Size())))
	for z := uint8(0); z <= tilekey.MaxZoom; z++ {
		st, ok := byZoom[z]
		if !ok {
			continue
		}
		logger.Printf("zoom %2d: %6d tiles, %8d features, %s compressed",
			z, st.tiles, st.features, humanize.Bytes(uint64(st.compressedBytes)))
	}
	return nil
}

// runTiles precomputes every tile from zoom 0 up to maxPreparedZoom that
// covers a populated index-zoom tile (its ancestors, itself and its
// descendants) and persists them into the tiles table (original_source/include/tiles/db/
// prepare_tiles.h, SUPPLEMENTED FEATURES "tiles precomputation task"),
// so render queries can short-circuit (spec.md §4.9 step 1).
func runTiles(db *tiledb.DB, heap *packheap.Heap, layers *metadata.LayerTable, maxZoom, maxPreparedZoom uint8, logger *log.Logger) error {
	indexTiles, err := distinctIndexZoomTiles(db)
	if err != nil {
		return err
	}

	seen := map[quadtree.Tile]bool{}
	var toRender []quadtree.Tile
	for _, t := range indexTiles {
		for anc := t; ; {
			if !seen[anc] && anc.Z <= maxPreparedZoom {
				seen[anc] = true
				toRender = append(toRender, anc)
			}
			if anc.Z == 0 {
				break
			}
			anc = anc.Parent()
		}
		if maxPreparedZoom > ingest.IndexZoom {
			toRender = append(toRender, descendants(t, maxPreparedZoom)...)
		}
	}

	bar := progressbar.Default(int64(len(toRender)), "precomputing tiles")
	for _, t := range toRender {
		q := maptileOf(t)
		data, ok, err := render.RenderTile(db, heap, layers, maxZoom, true, q)
		if err != nil {
			return fmt.Errorf("rendering tile z=%d x=%d y=%d: %w", t.Z, t.X, t.Y, err)
		}
		if ok {
			if err := putPrecomputedTile(db, t, data); err != nil {
				return err
			}
		}
		_ = bar.Add(1)
	}
	logger.Printf("precomputed %d tiles up to zoom %d", len(toRender), maxPreparedZoom)
	return nil
}

func distinctIndexZoomTiles(db *tiledb.DB) ([]quadtree.Tile, error) {
	seen := map[quadtree.Tile]bool{}
	var out []quadtree.Tile
	err := db.IterateFeatureTiles(func(key tilekey.Key, _ []packheap.Record) error {
		x, y, z, _ := tilekey.Unpack(key)
		if z != ingest.IndexZoom {
			return nil
		}
		t := quadtree.Tile{Z: z, X: x, Y: y}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func descendants(root quadtree.Tile, maxZoom uint8) []quadtree.Tile {
	if root.Z >= maxZoom {
		return nil
	}
	var out []quadtree.Tile
	frontier := []quadtree.Tile{root}
	for z := root.Z; z < maxZoom; z++ {
		var next []quadtree.Tile
		for _, t := range frontier {
			for dy := uint32(0); dy < 2; dy++ {
				for dx := uint32(0); dx < 2; dx++ {
					child := quadtree.Tile{Z: t.Z + 1, X: t.X*2 + dx, Y: t.Y*2 + dy}
					out = append(out, child)
					next = append(next, child)
				}
			}
		}
		frontier = next
	}
	return out
}

func putPrecomputedTile(db *tiledb.DB, t quadtree.Tile, data []byte) error {
	tx, err := db.BeginWrite()
	if err != nil {
		return fmt.Errorf("vtstore: storing precomputed tile: %w", err)
	}
	key := tilekey.Pack(t.X, t.Y, t.Z, 0)
	if err := tx.PutTile(key, data); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("vtstore: storing precomputed tile: %w", err)
	}
	return tx.Commit()
}

// ---- serve ----

// ServeCmd starts the HTTP tile server (spec.md §6 "server driver").
type ServeCmd struct {
	Addr       string `default:":8080" help:"address to listen on"`
	CORSOrigin string `name:"cors" help:"Access-Control-Allow-Origin value; empty disables CORS"`
	MaxZoom    uint8  `default:"14"`
	Aggregate  bool   `default:"true" help:"aggregate contiguous line features at render time"`
}

func (c *ServeCmd) Run(g *Globals, logger *log.Logger) error {
	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("vtstore: building logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck

	db, err := tiledb.Open(g.DBPath)
	if err != nil {
		return fmt.Errorf("vtstore: opening database: %w", err)
	}
	defer db.Close()

	heap, err := packheap.Open(packPathFor(g.DBPath))
	if err != nil {
		return fmt.Errorf("vtstore: opening pack heap: %w", err)
	}
	defer heap.Close()

	layers, err := loadOrCreateLayerTable(db)
	if err != nil {
		return err
	}

	s := server.New(server.Config{
		DB:         db,
		Heap:       heap,
		Layers:     layers,
		MaxZoom:    c.MaxZoom,
		Aggregate:  c.Aggregate,
		CORSOrigin: c.CORSOrigin,
		Logger:     zl,
	})
	logger.Printf("serving %s on %s (cors=%q)", g.DBPath, c.Addr, c.CORSOrigin)
	return s.ListenAndServe(c.Addr)
}

func maptileOf(t quadtree.Tile) maptile.Tile {
	return maptile.Tile{Z: maptile.Zoom(t.Z), X: t.X, Y: t.Y}
}
