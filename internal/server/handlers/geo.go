// internal/server/handlers/geo.go

package handlers

import (
	"errors"
	"net/http"

	"taxistream/internal/domain/geo"
	geoService "taxistream/internal/service/geo"
)

// GridHandler handles grid lookup HTTP requests
type GridHandler struct {
	grids       *geoService.GridRegistry
	region      geo.Region
	defaultEdge float64
}

// NewGridHandler creates a new grid handler. Requests without a size use
// defaultEdge.
func NewGridHandler(grids *geoService.GridRegistry, region geo.Region, defaultEdge float64) *GridHandler {
	return &GridHandler{
		grids:       grids,
		region:      region,
		defaultEdge: defaultEdge,
	}
}

type cellResponse struct {
	Cell         geo.CellID     `json:"cell"`
	ID           string         `json:"id"`
	EdgeMeters   float64        `json:"size"`
	Centroid     geo.Coordinate `json:"centroid"`
	OffsetMeters *float64       `json:"offset_meters,omitempty"`
}

type gridResponse struct {
	Origin            geo.Coordinate `json:"origin"`
	WidthMeters       float64        `json:"width_meters"`
	HeightMeters      float64        `json:"height_meters"`
	ReferenceLatitude float64        `json:"reference_latitude"`
	Resolutions       []resolution   `json:"resolutions"`
}

type resolution struct {
	EdgeMeters float64 `json:"size"`
	Columns    int     `json:"columns"`
	Rows       int     `json:"rows"`
}

// GetGrid describes the covered region and the available cell sizes
func (h *GridHandler) GetGrid(w http.ResponseWriter, r *http.Request) {
	resp := gridResponse{
		Origin:            h.region.Origin,
		WidthMeters:       h.region.WidthMeters,
		HeightMeters:      h.region.HeightMeters,
		ReferenceLatitude: h.region.ReferenceLatitude,
	}
	for _, edge := range h.grids.Resolutions() {
		g, _ := h.grids.Get(edge)
		resp.Resolutions = append(resp.Resolutions, resolution{
			EdgeMeters: edge,
			Columns:    g.Columns(),
			Rows:       g.Rows(),
		})
	}

	respondWithJSON(w, http.StatusOK, resp)
}

// GetCell returns the cell containing a coordinate
func (h *GridHandler) GetCell(w http.ResponseWriter, r *http.Request) {
	grid, ok := h.grid(w, r)
	if !ok {
		return
	}

	lat, err := floatParam(r, "lat")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid latitude", err)
		return
	}
	lng, err := floatParam(r, "lng")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid longitude", err)
		return
	}

	point := geo.Coordinate{Latitude: lat, Longitude: lng}
	id, err := grid.CellOf(point)
	if err != nil {
		respondWithGridError(w, err)
		return
	}

	h.respondWithCell(w, grid, id, &point)
}

// GetCentroid returns the center of a cell
func (h *GridHandler) GetCentroid(w http.ResponseWriter, r *http.Request) {
	grid, ok := h.grid(w, r)
	if !ok {
		return
	}

	col, err := requiredIntParam(r, "col")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid column", err)
		return
	}
	row, err := requiredIntParam(r, "row")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid row", err)
		return
	}

	h.respondWithCell(w, grid, geo.CellID{Column: col, Row: row}, nil)
}

// respondWithCell writes the cell and its centroid. from, when set, is the
// coordinate that was looked up.
func (h *GridHandler) respondWithCell(w http.ResponseWriter, grid *geoService.Grid, id geo.CellID, from *geo.Coordinate) {
	centroid, err := grid.CentroidOf(id)
	if err != nil {
		respondWithGridError(w, err)
		return
	}

	resp := cellResponse{
		Cell:       id,
		ID:         id.String(),
		EdgeMeters: grid.EdgeMeters(),
		Centroid:   centroid,
	}
	if from != nil {
		offset := geoService.CalculateDistance(*from, centroid)
		resp.OffsetMeters = &offset
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *GridHandler) grid(w http.ResponseWriter, r *http.Request) (*geoService.Grid, bool) {
	edge := h.defaultEdge
	if r.URL.Query().Get("size") != "" {
		var err error
		if edge, err = floatParam(r, "size"); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid cell size", err)
			return nil, false
		}
	}

	g, ok := h.grids.Get(edge)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Unsupported cell size", nil)
		return nil, false
	}
	return g, true
}

func respondWithGridError(w http.ResponseWriter, err error) {
	var oob *geo.OutOfBoundsError
	if errors.As(err, &oob) {
		respondWithError(w, http.StatusUnprocessableEntity, "Outside the grid", err)
		return
	}
	respondWithError(w, http.StatusInternalServerError, "Grid lookup failed", err)
}
