// internal/service/geo/service.go

package geo

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"taxistream/internal/domain/geo"
)

// MetersPerDegree is the length of one degree of latitude (and of longitude
// at the equator) on the WGS84 ellipsoid's equatorial radius.
const MetersPerDegree = 111319.49

// Grid implements geo.Index for one cell edge length using a local
// equirectangular projection anchored at the region's southwest corner.
// Grid is immutable and safe for concurrent use.
type Grid struct {
	region        geo.Region
	edge          float64
	metersPerLat  float64
	metersPerLng  float64
	columns, rows int
}

// NewGrid creates a grid of square cells with the given edge length
func NewGrid(region geo.Region, edgeMeters float64) (*Grid, error) {
	if err := region.Validate(); err != nil {
		return nil, fmt.Errorf("invalid region: %w", err)
	}
	if !(edgeMeters > 0) || math.IsInf(edgeMeters, 0) {
		return nil, fmt.Errorf("cell edge must be positive, got %g", edgeMeters)
	}

	g := &Grid{
		region:       region,
		edge:         edgeMeters,
		metersPerLat: MetersPerDegree,
		metersPerLng: MetersPerDegree * math.Cos(region.ReferenceLatitude*math.Pi/180.0),
		// Only whole cells belong to the grid
		columns: int(math.Floor(region.WidthMeters / edgeMeters)),
		rows:    int(math.Floor(region.HeightMeters / edgeMeters)),
	}
	if g.columns == 0 || g.rows == 0 {
		return nil, fmt.Errorf("cell edge %gm does not fit in a %gx%gm region",
			edgeMeters, region.WidthMeters, region.HeightMeters)
	}

	return g, nil
}

// EdgeMeters returns the cell edge length
func (g *Grid) EdgeMeters() float64 {
	return g.edge
}

// Columns returns the number of cells west to east
func (g *Grid) Columns() int {
	return g.columns
}

// Rows returns the number of cells south to north
func (g *Grid) Rows() int {
	return g.rows
}

// CellOf returns the cell containing c. Cells are half-open on their north
// and east edges, so a coordinate on a boundary belongs to the cell
// north/east of it.
func (g *Grid) CellOf(c geo.Coordinate) (geo.CellID, error) {
	x, y := g.project(c)

	col := math.Floor(x / g.edge)
	row := math.Floor(y / g.edge)

	// NaN fails every comparison, so it is rejected here as well
	if !(col >= 0 && col < float64(g.columns) && row >= 0 && row < float64(g.rows)) {
		return geo.CellID{}, &geo.OutOfBoundsError{Coordinate: &c, EdgeMeters: g.edge}
	}

	return geo.CellID{Column: int(col), Row: int(row)}, nil
}

// CentroidOf returns the center of the cell
func (g *Grid) CentroidOf(id geo.CellID) (geo.Coordinate, error) {
	if id.Column < 0 || id.Column >= g.columns || id.Row < 0 || id.Row >= g.rows {
		return geo.Coordinate{}, &geo.OutOfBoundsError{Cell: &id, EdgeMeters: g.edge}
	}

	x := (float64(id.Column) + 0.5) * g.edge
	y := (float64(id.Row) + 0.5) * g.edge

	return g.unproject(x, y), nil
}

// project converts a coordinate to meters east and north of the origin
func (g *Grid) project(c geo.Coordinate) (x, y float64) {
	x = (c.Longitude - g.region.Origin.Longitude) * g.metersPerLng
	y = (c.Latitude - g.region.Origin.Latitude) * g.metersPerLat
	return x, y
}

func (g *Grid) unproject(x, y float64) geo.Coordinate {
	return geo.Coordinate{
		Latitude:  g.region.Origin.Latitude + y/g.metersPerLat,
		Longitude: g.region.Origin.Longitude + x/g.metersPerLng,
	}
}

// CellOf maps a coordinate to a cell of the given edge length over the
// default region.
func CellOf(c geo.Coordinate, edgeMeters float64) (geo.CellID, error) {
	g, err := NewGrid(geo.DefaultRegion, edgeMeters)
	if err != nil {
		return geo.CellID{}, err
	}
	return g.CellOf(c)
}

// CentroidOf returns the center of a cell of the given edge length over the
// default region.
func CentroidOf(id geo.CellID, edgeMeters float64) (geo.Coordinate, error) {
	g, err := NewGrid(geo.DefaultRegion, edgeMeters)
	if err != nil {
		return geo.Coordinate{}, err
	}
	return g.CentroidOf(id)
}

// GridRegistry holds the grids of every configured resolution
type GridRegistry struct {
	grids map[float64]*Grid
	mu    sync.RWMutex
}

// NewGridRegistry creates a registry with one grid per edge length
func NewGridRegistry(region geo.Region, edges ...float64) (*GridRegistry, error) {
	r := &GridRegistry{
		grids: make(map[float64]*Grid, len(edges)),
	}
	for _, edge := range edges {
		if _, err := r.Add(region, edge); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a grid for an edge length, returning the existing one if present
func (r *GridRegistry) Add(region geo.Region, edgeMeters float64) (*Grid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.grids[edgeMeters]; ok {
		return g, nil
	}

	g, err := NewGrid(region, edgeMeters)
	if err != nil {
		return nil, err
	}
	r.grids[edgeMeters] = g
	return g, nil
}

// Get returns the grid for an edge length
func (r *GridRegistry) Get(edgeMeters float64) (*Grid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grids[edgeMeters]
	return g, ok
}

// Resolutions returns the registered edge lengths, smallest first
func (r *GridRegistry) Resolutions() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	edges := make([]float64, 0, len(r.grids))
	for edge := range r.grids {
		edges = append(edges, edge)
	}
	sort.Float64s(edges)
	return edges
}

// CalculateDistance calculates the distance between two coordinates in meters
func CalculateDistance(a, b geo.Coordinate) float64 {
	// Haversine formula for distance on a sphere
	const earthRadiusMeters = 6371000.0

	lat1 := a.Latitude * math.Pi / 180.0
	lon1 := a.Longitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	lon2 := b.Longitude * math.Pi / 180.0

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	hSin := math.Sin(dLat / 2)
	hSin *= hSin

	vSin := math.Sin(dLon / 2)
	vSin *= vSin

	h := hSin + math.Cos(lat1)*math.Cos(lat2)*vSin

	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
