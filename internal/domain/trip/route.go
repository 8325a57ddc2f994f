// internal/domain/trip/route.go

package trip

import (
	"time"

	"taxistream/internal/domain/geo"
)

// Route is a trip from one cell to another
type Route struct {
	Start geo.CellID `json:"start"`
	End   geo.CellID `json:"end"`
}

// RouteCount is the number of trips seen on a route
type RouteCount struct {
	Route
	Count       int       `json:"count"`
	LastDropoff time.Time `json:"last_dropoff"`
	LastSeq     uint64    `json:"last_seq"`
}
