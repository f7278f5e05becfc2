// Package tiledb implements the small transactional key/value store
// backing the tile index: a features table mapping index-zoom tile keys
// to pack-heap records, a tiles table of precomputed rendered tiles, and
// a meta table of small global blobs (spec.md C5 / §4.3).
package tiledb

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/tilekey"
)

// metaCompressThreshold is the blob size above which PutMeta transparently
// zstd-compresses the value before storing it — large free-text blobs
// (a coastline archive's attribution text, a big `layer_names` table)
// rather than the small fixed-format tables internal/metadata.Table
// already keeps compact on its own.
const metaCompressThreshold = 4096

const (
	metaFlagPlain byte = 0
	metaFlagZstd  byte = 1
)

const schema = `
CREATE TABLE IF NOT EXISTS features (
	tile_key INTEGER NOT NULL,
	record_offset INTEGER NOT NULL,
	record_size INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS features_tile_key ON features(tile_key);
CREATE TABLE IF NOT EXISTS tiles (
	tile_key INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// DB is the tile-index database: one writer connection, a pool of reader
// connections (spec.md §4.3 "single writer, multiple concurrent readers").
type DB struct {
	path string

	wmu       sync.Mutex
	writeConn *sqlite.Conn

	readers *sqlitex.Pool

	zEnc *zstd.Encoder
	zDec *zstd.Decoder
}

// Open opens (creating if necessary) the tile-index database at path.
func Open(path string) (*DB, error) {
	writeConn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("tiledb: open write connection: %w", err)
	}
	if err := execScript(writeConn, schema); err != nil {
		writeConn.Close()
		return nil, fmt.Errorf("tiledb: create schema: %w", err)
	}

	readers, err := sqlitex.Open(path, sqlite.OpenReadOnly|sqlite.OpenWAL, 4)
	if err != nil {
		writeConn.Close()
		return nil, fmt.Errorf("tiledb: open reader pool: %w", err)
	}

	zEnc, err := zstd.NewWriter(nil)
	if err != nil {
		writeConn.Close()
		readers.Close()
		return nil, fmt.Errorf("tiledb: building zstd encoder: %w", err)
	}
	zDec, err := zstd.NewReader(nil)
	if err != nil {
		zEnc.Close()
		writeConn.Close()
		readers.Close()
		return nil, fmt.Errorf("tiledb: building zstd decoder: %w", err)
	}

	return &DB{path: path, writeConn: writeConn, readers: readers, zEnc: zEnc, zDec: zDec}, nil
}

// Close releases the writer connection and reader pool.
func (db *DB) Close() error {
	db.zEnc.Close()
	db.zDec.Close()
	if err := db.readers.Close(); err != nil {
		return err
	}
	return db.writeConn.Close()
}

func execScript(conn *sqlite.Conn, script string) error {
	remaining := script
	for len(remaining) > 0 {
		stmt, trailing, err := conn.PrepareTransient(remaining)
		if err != nil {
			return err
		}
		if stmt == nil {
			break
		}
		_, err = stmt.Step()
		finalizeErr := stmt.Finalize()
		if err != nil {
			return err
		}
		if finalizeErr != nil {
			return finalizeErr
		}
		remaining = trailing
	}
	return nil
}

// Tx is a single write transaction. All writes inside a Tx commit or
// roll back atomically (spec.md §4.3).
type Tx struct {
	db   *DB
	conn *sqlite.Conn
}

// BeginWrite starts the single write transaction. Callers must Commit or
// Rollback it before starting another.
func (db *DB) BeginWrite() (*Tx, error) {
	db.wmu.Lock()
	if err := execScript(db.writeConn, "BEGIN IMMEDIATE;"); err != nil {
		db.wmu.Unlock()
		return nil, fmt.Errorf("tiledb: begin: %w", err)
	}
	return &Tx{db: db, conn: db.writeConn}, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	defer tx.db.wmu.Unlock()
	if err := execScript(tx.conn, "COMMIT;"); err != nil {
		return fmt.Errorf("tiledb: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction, undoing every write made through it.
func (tx *Tx) Rollback() error {
	defer tx.db.wmu.Unlock()
	if err := execScript(tx.conn, "ROLLBACK;"); err != nil {
		return fmt.Errorf("tiledb: rollback: %w", err)
	}
	return nil
}

// PutFeatures appends records under key, preserving the order given.
func (tx *Tx) PutFeatures(key tilekey.Key, records []packheap.Record) error {
	stmt := tx.conn.Prep("INSERT INTO features (tile_key, record_offset, record_size) VALUES (?, ?, ?)")
	defer stmt.Reset()
	for _, r := range records {
		stmt.BindInt64(1, int64(key))
		stmt.BindInt64(2, r.Offset)
		stmt.BindInt64(3, r.Size)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("tiledb: put features: %w", err)
		}
		stmt.Reset()
	}
	return nil
}

// DeleteFeatures removes every record stored under key, typically before
// a repack pass replaces them with a single optimal pack.
func (tx *Tx) DeleteFeatures(key tilekey.Key) error {
	stmt := tx.conn.Prep("DELETE FROM features WHERE tile_key = ?")
	defer stmt.Reset()
	stmt.BindInt64(1, int64(key))
	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("tiledb: delete features: %w", err)
	}
	return nil
}

// PutTile upserts a precomputed tile. The bytes are stored as given;
// PutTile does not compress them.
func (tx *Tx) PutTile(key tilekey.Key, data []byte) error {
	stmt := tx.conn.Prep("INSERT INTO tiles (tile_key, data) VALUES (?, ?) ON CONFLICT(tile_key) DO UPDATE SET data = excluded.data")
	defer stmt.Reset()
	stmt.BindInt64(1, int64(key))
	stmt.BindBytes(2, data)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("tiledb: put tile: %w", err)
	}
	return nil
}

// PutMeta upserts a global blob, transparently zstd-compressing it first
// when it's larger than metaCompressThreshold.
func (tx *Tx) PutMeta(key string, value []byte) error {
	stored := append([]byte{metaFlagPlain}, value...)
	if len(value) > metaCompressThreshold {
		stored = append([]byte{metaFlagZstd}, tx.db.zEnc.EncodeAll(value, nil)...)
	}

	stmt := tx.conn.Prep("INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value")
	defer stmt.Reset()
	stmt.BindText(1, key)
	stmt.BindBytes(2, stored)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("tiledb: put meta: %w", err)
	}
	return nil
}

// GetFeatures returns the records stored under key, in insertion order,
// using a reader connection from the pool.
func (db *DB) GetFeatures(key tilekey.Key) ([]packheap.Record, error) {
	conn, err := db.readers.Take(nil)
	if err != nil {
		return nil, fmt.Errorf("tiledb: get features: %w", err)
	}
	defer db.readers.Put(conn)

	stmt, _, err := conn.PrepareTransient("SELECT record_offset, record_size FROM features WHERE tile_key = ? ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("tiledb: get features: %w", err)
	}
	defer stmt.Finalize()
	stmt.BindInt64(1, int64(key))

	var out []packheap.Record
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("tiledb: get features: %w", err)
		}
		if !hasRow {
			break
		}
		out = append(out, packheap.Record{
			Offset: stmt.ColumnInt64(0),
			Size:   stmt.ColumnInt64(1),
		})
	}
	return out, nil
}

// GetFeatureRecordsForTile returns every record stored under any tile
// key sharing (x, y, z), regardless of the fill-state ordinal n. Since
// tile keys order as (z, y, x, n) (tilekey.Pack), every such key forms
// one contiguous range once x, y, z are fixed.
func (db *DB) GetFeatureRecordsForTile(x, y uint32, z uint8) ([]packheap.Record, error) {
	conn, err := db.readers.Take(nil)
	if err != nil {
		return nil, fmt.Errorf("tiledb: get feature records for tile: %w", err)
	}
	defer db.readers.Put(conn)

	lo := int64(tilekey.Pack(x, y, z, 0))
	hi := int64(tilekey.Pack(x, y, z, tilekey.MaxN-1))

	stmt, _, err := conn.PrepareTransient(
		"SELECT record_offset, record_size FROM features WHERE tile_key >= ? AND tile_key <= ? ORDER BY tile_key, rowid")
	if err != nil {
		return nil, fmt.Errorf("tiledb: get feature records for tile: %w", err)
	}
	defer stmt.Finalize()
	stmt.BindInt64(1, lo)
	stmt.BindInt64(2, hi)

	var out []packheap.Record
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("tiledb: get feature records for tile: %w", err)
		}
		if !hasRow {
			break
		}
		out = append(out, packheap.Record{
			Offset: stmt.ColumnInt64(0),
			Size:   stmt.ColumnInt64(1),
		})
	}
	return out, nil
}

// GetTile returns the precomputed tile for key, if one exists.
func (db *DB) GetTile(key tilekey.Key) (data []byte, ok bool, err error) {
	conn, err := db.readers.Take(nil)
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get tile: %w", err)
	}
	defer db.readers.Put(conn)

	stmt, _, err := conn.PrepareTransient("SELECT data FROM tiles WHERE tile_key = ?")
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get tile: %w", err)
	}
	defer stmt.Finalize()
	stmt.BindInt64(1, int64(key))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get tile: %w", err)
	}
	if !hasRow {
		return nil, false, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stmt.ColumnReader(0)); err != nil {
		return nil, false, fmt.Errorf("tiledb: get tile: %w", err)
	}
	return buf.Bytes(), true, nil
}

// GetMeta returns the blob stored under key, if one exists.
func (db *DB) GetMeta(key string) (value []byte, ok bool, err error) {
	conn, err := db.readers.Take(nil)
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get meta: %w", err)
	}
	defer db.readers.Put(conn)

	stmt, _, err := conn.PrepareTransient("SELECT value FROM meta WHERE key = ?")
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get meta: %w", err)
	}
	defer stmt.Finalize()
	stmt.BindText(1, key)

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get meta: %w", err)
	}
	if !hasRow {
		return nil, false, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stmt.ColumnReader(0)); err != nil {
		return nil, false, fmt.Errorf("tiledb: get meta: %w", err)
	}
	stored := buf.Bytes()
	if len(stored) == 0 {
		return nil, false, fmt.Errorf("tiledb: get meta: empty stored blob for %q", key)
	}

	flag, payload := stored[0], stored[1:]
	if flag == metaFlagPlain {
		return payload, true, nil
	}
	decoded, err := db.zDec.DecodeAll(payload, nil)
	if err != nil {
		return nil, false, fmt.Errorf("tiledb: get meta: zstd decode %q: %w", key, err)
	}
	return decoded, true, nil
}

// IterateFeatureTiles walks every tile key present in the features table
// in ascending order, invoking fn with the records stored under each.
func (db *DB) IterateFeatureTiles(fn func(key tilekey.Key, records []packheap.Record) error) error {
	conn, err := db.readers.Take(nil)
	if err != nil {
		return fmt.Errorf("tiledb: iterate: %w", err)
	}
	defer db.readers.Put(conn)

	stmt, _, err := conn.PrepareTransient("SELECT tile_key, record_offset, record_size FROM features ORDER BY tile_key, rowid")
	if err != nil {
		return fmt.Errorf("tiledb: iterate: %w", err)
	}
	defer stmt.Finalize()

	var curKey tilekey.Key
	var curRecords []packheap.Record
	haveCur := false

	flush := func() error {
		if haveCur {
			return fn(curKey, curRecords)
		}
		return nil
	}

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return fmt.Errorf("tiledb: iterate: %w", err)
		}
		if !hasRow {
			break
		}
		key := tilekey.Key(stmt.ColumnInt64(0))
		rec := packheap.Record{Offset: stmt.ColumnInt64(1), Size: stmt.ColumnInt64(2)}

		if haveCur && key != curKey {
			if err := flush(); err != nil {
				return err
			}
			curRecords = nil
		}
		curKey = key
		curRecords = append(curRecords, rec)
		haveCur = true
	}
	return flush()
}
