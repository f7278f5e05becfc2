package tiledb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiles.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetFeaturesRoundTrip(t *testing.T) {
	db := openTemp(t)
	key := tilekey.Pack(1, 2, 5, 0)
	records := []packheap.Record{{Offset: 0, Size: 10}, {Offset: 10, Size: 20}, {Offset: 30, Size: 5}}

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.PutFeatures(key, records))
	require.NoError(t, tx.Commit())

	got, err := db.GetFeatures(key)
	require.NoError(t, err)
	require.Equal(t, records, got)
}

func TestDeleteFeaturesReplacesBatch(t *testing.T) {
	db := openTemp(t)
	key := tilekey.Pack(3, 4, 5, 0)

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.PutFeatures(key, []packheap.Record{{Offset: 0, Size: 1}, {Offset: 1, Size: 2}}))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.DeleteFeatures(key))
	require.NoError(t, tx.PutFeatures(key, []packheap.Record{{Offset: 100, Size: 9}}))
	require.NoError(t, tx.Commit())

	got, err := db.GetFeatures(key)
	require.NoError(t, err)
	require.Equal(t, []packheap.Record{{Offset: 100, Size: 9}}, got)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	db := openTemp(t)
	key := tilekey.Pack(0, 0, 0, 0)

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.PutFeatures(key, []packheap.Record{{Offset: 0, Size: 1}}))
	require.NoError(t, tx.Rollback())

	got, err := db.GetFeatures(key)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPutGetTile(t *testing.T) {
	db := openTemp(t)
	key := tilekey.Pack(7, 8, 9, 0)

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.PutTile(key, []byte("rendered tile bytes")))
	require.NoError(t, tx.Commit())

	data, ok, err := db.GetTile(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rendered tile bytes", string(data))

	_, ok, err = db.GetTile(tilekey.Pack(1, 1, 1, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutGetMeta(t *testing.T) {
	db := openTemp(t)

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.PutMeta("max_precomputed_zoom", []byte{14}))
	require.NoError(t, tx.Commit())

	got, ok, err := db.GetMeta("max_precomputed_zoom")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{14}, got)

	_, ok, err = db.GetMeta("missing_key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutGetMetaCompressesLargeBlobsTransparently(t *testing.T) {
	db := openTemp(t)

	large := bytes.Repeat([]byte("coastline attribution text "), 1000)
	require.Greater(t, len(large), metaCompressThreshold)

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.PutMeta("attribution", large))
	require.NoError(t, tx.Commit())

	got, ok, err := db.GetMeta("attribution")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, large, got)
}

func TestIterateFeatureTilesInKeyOrder(t *testing.T) {
	db := openTemp(t)
	keys := []tilekey.Key{
		tilekey.Pack(5, 5, 4, 0),
		tilekey.Pack(1, 1, 3, 0),
		tilekey.Pack(9, 9, 4, 0),
	}

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, tx.PutFeatures(k, []packheap.Record{{Offset: int64(k), Size: 1}}))
	}
	require.NoError(t, tx.Commit())

	var seen []tilekey.Key
	require.NoError(t, db.IterateFeatureTiles(func(key tilekey.Key, records []packheap.Record) error {
		seen = append(seen, key)
		require.Len(t, records, 1)
		return nil
	}))

	require.True(t, seen[0] < seen[1])
	require.True(t, seen[1] < seen[2])
}
