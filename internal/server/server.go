// Package server implements the HTTP tile server (spec.md §6): a single
// `GET /{z}/{x}/{y}.mvt` route backed by internal/render, with CORS
// headers and request metrics in the teacher's pmtiles/server.go shape.
package server

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/paulmach/orb/maptile"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/protomaps-labs/vtstore/internal/metadata"
	"github.com/protomaps-labs/vtstore/internal/packheap"
	"github.com/protomaps-labs/vtstore/internal/render"
	"github.com/protomaps-labs/vtstore/internal/tiledb"
)

var tilePattern = regexp.MustCompile(`^/(\d+)/(\d+)/(\d+)\.mvt$`)

// Config is everything Server needs to answer a tile request.
type Config struct {
	DB        *tiledb.DB
	Heap      *packheap.Heap
	Layers    *metadata.LayerTable
	MaxZoom   uint8
	Aggregate bool
	// CORSOrigin is the Access-Control-Allow-Origin value. Empty disables
	// CORS entirely (no middleware wrapping, matching the teacher's
	// `if len(cors) > 0` gate in pmtiles/server.go).
	CORSOrigin string
	Logger     *zap.Logger
}

// Server answers vector-tile requests against a tiledb/packheap pair.
type Server struct {
	cfg     Config
	metrics *metrics
}

// New builds a Server. cfg.DB/cfg.Heap/cfg.Layers must be non-nil.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, metrics: createMetrics(nil)}
}

// Handler returns the server's http.Handler, wrapped with CORS
// middleware when cfg.CORSOrigin is set (spec.md §6 "appropriate CORS
// headers").
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveTile)
	if s.cfg.CORSOrigin == "" {
		return mux
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.CORSOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	})
	return c.Handler(mux)
}

// ListenAndServe starts the HTTP listener on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request) {
	tracker := s.metrics.startRequest()
	status, body := s.renderPath(r.URL.Path)
	if status == http.StatusOK {
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
	tracker.finish(status, len(body))
}

// renderPath answers one tile path, unknown paths returning 404 (spec.md
// §6 "unknown paths return HTTP 404"). A path matching the tile pattern
// whose query tile has no features renders as an empty 204 response,
// distinct from "no such route".
func (s *Server) renderPath(path string) (int, []byte) {
	m := tilePattern.FindStringSubmatch(path)
	if m == nil {
		return http.StatusNotFound, []byte("not found")
	}
	z, errZ := strconv.ParseUint(m[1], 10, 8)
	x, errX := strconv.ParseUint(m[2], 10, 32)
	y, errY := strconv.ParseUint(m[3], 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		return http.StatusNotFound, []byte("not found")
	}

	q := maptile.Tile{Z: maptile.Zoom(z), X: uint32(x), Y: uint32(y)}
	data, ok, err := render.RenderTile(s.cfg.DB, s.cfg.Heap, s.cfg.Layers, s.cfg.MaxZoom, s.cfg.Aggregate, q)
	if err != nil {
		s.metrics.renderErrors.Inc()
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error("render tile",
				zap.Uint64("z", z), zap.Uint64("x", x), zap.Uint64("y", y), zap.Error(err))
		}
		return http.StatusInternalServerError, []byte("internal error")
	}
	if !ok {
		return http.StatusNoContent, nil
	}
	return http.StatusOK, data
}
