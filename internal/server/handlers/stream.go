// internal/server/handlers/stream.go

package handlers

import (
	"context"
	"net/http"

	"taxistream/internal/domain/stream"
	"taxistream/internal/domain/trip"
	"taxistream/internal/service/pipeline"
)

// StatsProvider reports the state of the broadcast
type StatsProvider interface {
	Stats() stream.Stats
}

// RouteQuery is the live frequent-routes query
type RouteQuery interface {
	Top(n int) []trip.RouteCount
	Stats() pipeline.QueryStats
	EdgeMeters() float64
}

// AreaQuery is the live profitable-areas query
type AreaQuery interface {
	Top(n int) []pipeline.AreaScore
	Stats() pipeline.QueryStats
}

// StoredRoutes reads persisted route counts
type StoredRoutes interface {
	TopRoutes(ctx context.Context, edgeMeters float64, limit int) ([]trip.RouteCount, error)
}

// StreamHandler handles stream and query HTTP requests
type StreamHandler struct {
	stats  StatsProvider
	routes RouteQuery
	areas  AreaQuery
	stored StoredRoutes
	topN   int
}

// NewStreamHandler creates a new stream handler. routes, areas and stored
// may be nil when the matching query is not running.
func NewStreamHandler(stats StatsProvider, routes RouteQuery, areas AreaQuery, stored StoredRoutes, topN int) *StreamHandler {
	if topN <= 0 {
		topN = 10
	}
	return &StreamHandler{
		stats:  stats,
		routes: routes,
		areas:  areas,
		stored: stored,
		topN:   topN,
	}
}

type routesResponse struct {
	EdgeMeters float64              `json:"size"`
	Stats      *pipeline.QueryStats `json:"stats,omitempty"`
	Routes     []trip.RouteCount    `json:"routes"`
}

type areasResponse struct {
	Stats pipeline.QueryStats  `json:"stats"`
	Areas []pipeline.AreaScore `json:"areas"`
}

// GetStats returns broadcaster statistics
func (h *StreamHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.stats.Stats())
}

// GetTopRoutes returns the most frequent routes seen so far
func (h *StreamHandler) GetTopRoutes(w http.ResponseWriter, r *http.Request) {
	if h.routes == nil {
		respondWithError(w, http.StatusNotFound, "Route query not running", nil)
		return
	}
	n, ok := h.limit(w, r)
	if !ok {
		return
	}

	stats := h.routes.Stats()
	respondWithJSON(w, http.StatusOK, routesResponse{
		EdgeMeters: h.routes.EdgeMeters(),
		Stats:      &stats,
		Routes:     nonNil(h.routes.Top(n)),
	})
}

// GetStoredRoutes returns the most frequent routes of the last completed run
func (h *StreamHandler) GetStoredRoutes(w http.ResponseWriter, r *http.Request) {
	if h.stored == nil || h.routes == nil {
		respondWithError(w, http.StatusNotFound, "Route store not configured", nil)
		return
	}
	n, ok := h.limit(w, r)
	if !ok {
		return
	}

	routes, err := h.stored.TopRoutes(r.Context(), h.routes.EdgeMeters(), n)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get stored routes", err)
		return
	}

	respondWithJSON(w, http.StatusOK, routesResponse{
		EdgeMeters: h.routes.EdgeMeters(),
		Routes:     nonNil(routes),
	})
}

// GetTopAreas returns the most profitable pickup cells seen so far
func (h *StreamHandler) GetTopAreas(w http.ResponseWriter, r *http.Request) {
	if h.areas == nil {
		respondWithError(w, http.StatusNotFound, "Area query not running", nil)
		return
	}
	n, ok := h.limit(w, r)
	if !ok {
		return
	}

	areas := h.areas.Top(n)
	if areas == nil {
		areas = []pipeline.AreaScore{}
	}
	respondWithJSON(w, http.StatusOK, areasResponse{
		Stats: h.areas.Stats(),
		Areas: areas,
	})
}

func (h *StreamHandler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := intParam(r, "n", h.topN)
	if err != nil || n <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid n", err)
		return 0, false
	}
	return n, true
}

func nonNil(routes []trip.RouteCount) []trip.RouteCount {
	if routes == nil {
		return []trip.RouteCount{}
	}
	return routes
}
