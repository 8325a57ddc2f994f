// internal/domain/geo/service.go

package geo

import (
	"fmt"
	"math"
)

// Coordinate is a point in decimal degrees
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// CellID identifies one square of a grid, counted from the southwest origin
type CellID struct {
	Column int `json:"col"`
	Row    int `json:"row"`
}

// String renders the cell as "col.row"
func (c CellID) String() string {
	return fmt.Sprintf("%d.%d", c.Column, c.Row)
}

// Region is the rectangular area covered by a grid. The origin is the
// southwest corner; the area extends WidthMeters east and HeightMeters north.
type Region struct {
	Origin            Coordinate
	WidthMeters       float64
	HeightMeters      float64
	ReferenceLatitude float64
}

// DefaultRegion covers the 150km x 150km taxi area around New York City
var DefaultRegion = Region{
	Origin:            Coordinate{Latitude: 40.129716, Longitude: -74.916578},
	WidthMeters:       150000,
	HeightMeters:      150000,
	ReferenceLatitude: 41.386,
}

// Validate checks that the region describes a usable area
func (r Region) Validate() error {
	switch {
	case math.IsNaN(r.Origin.Latitude) || math.IsNaN(r.Origin.Longitude):
		return fmt.Errorf("region origin is not a number")
	case r.Origin.Latitude < -90 || r.Origin.Latitude > 90:
		return fmt.Errorf("region origin latitude %f out of range", r.Origin.Latitude)
	case r.Origin.Longitude < -180 || r.Origin.Longitude > 180:
		return fmt.Errorf("region origin longitude %f out of range", r.Origin.Longitude)
	case r.WidthMeters <= 0 || r.HeightMeters <= 0:
		return fmt.Errorf("region extent must be positive, got %fx%f", r.WidthMeters, r.HeightMeters)
	case r.ReferenceLatitude <= -90 || r.ReferenceLatitude >= 90:
		return fmt.Errorf("reference latitude %f out of range", r.ReferenceLatitude)
	}
	return nil
}

// Index maps coordinates to cells of a single resolution and back
type Index interface {
	// CellOf returns the cell containing the coordinate
	CellOf(c Coordinate) (CellID, error)

	// CentroidOf returns the center point of a cell
	CentroidOf(id CellID) (Coordinate, error)

	// EdgeMeters returns the cell edge length
	EdgeMeters() float64
}

// OutOfBoundsError reports a coordinate or cell outside the grid
type OutOfBoundsError struct {
	Coordinate *Coordinate
	Cell       *CellID
	EdgeMeters float64
}

func (e *OutOfBoundsError) Error() string {
	if e.Cell != nil {
		return fmt.Sprintf("cell %s is outside the %gm grid", e.Cell, e.EdgeMeters)
	}
	if e.Coordinate != nil {
		return fmt.Sprintf("coordinate (%f, %f) is outside the %gm grid",
			e.Coordinate.Latitude, e.Coordinate.Longitude, e.EdgeMeters)
	}
	return "out of grid bounds"
}
