package ingest

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/pack"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

func openPipeline(t *testing.T) (*Pipeline, *packheap.Heap, *tiledb.DB) {
	t.Helper()
	heap, err := packheap.Open(filepath.Join(t.TempDir(), "test.pack"))
	require.NoError(t, err)
	t.Cleanup(func() { heap.Close() })

	db, err := tiledb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := Open(heap, db, nil)
	require.NoError(t, err)
	return p, heap, db
}

func pointFeature(id uint64, x, y int64) feature.Feature {
	return feature.Feature{
		ID:      id,
		MinZoom: 0,
		MaxZoom: feature.MaxZoomAll,
		Geometry: coord.Geometry{
			Kind:   coord.KindMultiPoint,
			Points: []coord.Pt{{X: x, Y: y}},
		},
	}
}

func TestInsertThenForcedFlushWritesPack(t *testing.T) {
	p, heap, db := openPipeline(t)

	f := pointFeature(1, 100, 200)
	require.NoError(t, p.Insert(f))
	require.NoError(t, p.Close())

	width := coord.Range >> IndexZoom
	key := tilekey.Pack(uint32(100/width), uint32(200/width), IndexZoom, 1)

	records, err := db.GetFeatures(key)
	require.NoError(t, err)
	require.Len(t, records, 1)

	raw, err := heap.Get(records[0])
	require.NoError(t, err)

	r, err := pack.NewReader(raw)
	require.NoError(t, err)
	got, err := r.ScanAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, f.ID, got[0].ID)
}

func TestInsertSpanningTilesWritesMultipleBuckets(t *testing.T) {
	p, heap, db := openPipeline(t)
	width := coord.Range >> IndexZoom

	f := feature.Feature{
		ID:      7,
		MinZoom: 0,
		MaxZoom: feature.MaxZoomAll,
		Geometry: coord.Geometry{
			Kind: coord.KindMultiPolyline,
			Polylines: [][]coord.Pt{{
				{X: width - 10, Y: 10},
				{X: width + 10, Y: 10},
			}},
		},
	}
	require.NoError(t, p.Insert(f))
	require.NoError(t, p.Close())

	for _, x := range []uint32{0, 1} {
		key := tilekey.Pack(x, 0, IndexZoom, 1)
		records, err := db.GetFeatures(key)
		require.NoError(t, err)
		require.Lenf(t, records, 1, "tile x=%d", x)

		raw, err := heap.Get(records[0])
		require.NoError(t, err)
		r, err := pack.NewReader(raw)
		require.NoError(t, err)
		got, err := r.ScanAll()
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, f.ID, got[0].ID)
	}
}

func TestForceFlushThresholdDrainsBelowThresholdUpper(t *testing.T) {
	p, _, _ := openPipeline(t)
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, p.Insert(pointFeature(i, int64(i*1000), int64(i*1000))))
	}
	// all still below the default 1 GiB threshold, so nothing flushed yet
	require.Greater(t, p.cacheSize, int64(0))
	require.NoError(t, p.Flush(0, 0))
	require.Equal(t, int64(0), p.cacheSize)
}

func TestConcurrentInsertsAreRaceFree(t *testing.T) {
	p, _, _ := openPipeline(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := uint64(worker*1000 + i)
				_ = p.Insert(pointFeature(id, int64(i*100), int64(worker*100)))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, p.Close())
}

func TestReopenRestoresFillState(t *testing.T) {
	heapPath := filepath.Join(t.TempDir(), "reopen.pack")
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	heap, err := packheap.Open(heapPath)
	require.NoError(t, err)
	db, err := tiledb.Open(dbPath)
	require.NoError(t, err)

	p1, err := Open(heap, db, nil)
	require.NoError(t, err)
	require.NoError(t, p1.Insert(pointFeature(1, 5, 5)))
	require.NoError(t, p1.Close())
	require.NoError(t, heap.Close())
	require.NoError(t, db.Close())

	heap2, err := packheap.Open(heapPath)
	require.NoError(t, err)
	t.Cleanup(func() { heap2.Close() })
	db2, err := tiledb.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })

	p2, err := Open(heap2, db2, nil)
	require.NoError(t, err)

	key := tilekey.Pack(0, 0, IndexZoom, 1)
	_, err = db2.GetFeatures(key)
	require.NoError(t, err)

	require.NoError(t, p2.Insert(pointFeature(2, 6, 6)))
	require.NoError(t, p2.Close())

	// the second insert into the same tile must have fill_state 2, not
	// collide with the first pack written before reopen
	key2 := tilekey.Pack(0, 0, IndexZoom, 2)
	records, err := db2.GetFeatures(key2)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
