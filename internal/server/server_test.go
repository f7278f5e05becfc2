package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protomaps-labs/vtstore/coord"
	"github.com/protomaps-labs/vtstore/internal/feature"
	"github.com/protomaps-labs/vtstore/internal/ingest"
	"github.com/protomaps-labs/vtstore/internal/metadata"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	heap, err := packheap.Open(filepath.Join(t.TempDir(), "test.pack"))
	require.NoError(t, err)
	t.Cleanup(func() { heap.Close() })

	db, err := tiledb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := ingest.Open(heap, db, nil)
	require.NoError(t, err)

	layers := metadata.NewLayerTable()
	roads := layers.GetOrCreateIndex("roads")

	width := coord.Range >> ingest.IndexZoom
	f := feature.Feature{
		ID:      1,
		Layer:   roads,
		MinZoom: 0,
		MaxZoom: feature.MaxZoomAll,
		Geometry: coord.Geometry{
			Kind: coord.KindMultiPolyline,
			Polylines: [][]coord.Pt{{
				{X: width/2 - 5, Y: width / 2},
				{X: width/2 + 5, Y: width / 2},
			}},
		},
	}
	require.NoError(t, p.Insert(f))
	require.NoError(t, p.Close())

	return New(Config{
		DB:        db,
		Heap:      heap,
		Layers:    layers,
		MaxZoom:   14,
		Aggregate: true,
	})
}

func TestServeTileReturnsMVTForCoveredTile(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/10/0/0.mvt", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/x-protobuf", w.Header().Get("Content-Type"))
	require.NotEmpty(t, w.Body.Bytes())
}

func TestServeTileReturnsNoContentForEmptyTile(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/10/1000/1000.mvt", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestServeTileReturns404ForUnknownPath(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/not-a-tile", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeTileSetsCORSHeaderWhenConfigured(t *testing.T) {
	s := newTestServer(t)
	s.cfg.CORSOrigin = "https://example.com"

	req := httptest.NewRequest(http.MethodGet, "/10/0/0.mvt", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
