// internal/service/pipeline/routes.go

package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"taxistream/internal/domain/geo"
	"taxistream/internal/domain/stream"
	"taxistream/internal/domain/trip"
)

// RouteStore persists route counts
type RouteStore interface {
	SaveRouteCounts(ctx context.Context, edgeMeters float64, counts []trip.RouteCount) error
}

// QueryStats reports how many records a query pipeline consumed
type QueryStats struct {
	Processed uint64 `json:"processed"`
	Skipped   uint64 `json:"skipped"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// RouteCounter counts trips per (pickup cell, dropoff cell) route
type RouteCounter struct {
	index  geo.Index
	store  RouteStore
	logger *zap.Logger

	mu     sync.RWMutex
	counts map[trip.Route]*trip.RouteCount
	stats  QueryStats
}

// NewRouteCounter creates a route counter on the given grid. store may be nil.
func NewRouteCounter(index geo.Index, store RouteStore, logger *zap.Logger) *RouteCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouteCounter{
		index:  index,
		store:  store,
		logger: logger,
		counts: make(map[trip.Route]*trip.RouteCount),
	}
}

// HandleRecord counts the trip's route. Malformed and out-of-grid trips are
// skipped.
func (rc *RouteCounter) HandleRecord(ctx context.Context, rec stream.Record) error {
	tr, err := trip.Parse(rec)
	if err != nil {
		rc.skip(rec, err)
		return nil
	}

	start, err := rc.index.CellOf(tr.Pickup)
	if err != nil {
		rc.skip(rec, err)
		return nil
	}
	end, err := rc.index.CellOf(tr.Dropoff)
	if err != nil {
		rc.skip(rec, err)
		return nil
	}

	route := trip.Route{Start: start, End: end}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.stats.Processed++
	c, ok := rc.counts[route]
	if !ok {
		c = &trip.RouteCount{Route: route}
		rc.counts[route] = c
	}
	c.Count++
	if !tr.DropoffDatetime.Before(c.LastDropoff) {
		c.LastDropoff = tr.DropoffDatetime
		c.LastSeq = tr.Seq
	}

	return nil
}

// HandleEnd saves the final counts when the stream completed
func (rc *RouteCounter) HandleEnd(ctx context.Context, err error) {
	rc.mu.Lock()
	rc.stats.Done = true
	if err != nil {
		rc.stats.Error = err.Error()
	}
	stats := rc.stats
	rc.mu.Unlock()

	if err != nil {
		rc.logger.Warn("Route counting ended early", zap.Error(err), zap.Uint64("processed", stats.Processed))
		return
	}

	counts := rc.Top(0)
	rc.logger.Info("Route counting completed",
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("skipped", stats.Skipped),
		zap.Int("routes", len(counts)))

	if rc.store == nil {
		return
	}
	if err := rc.store.SaveRouteCounts(ctx, rc.index.EdgeMeters(), counts); err != nil {
		rc.logger.Error("Failed to save route counts", zap.Error(err))
	}
}

// Top returns the n most frequent routes, most recent dropoff first among
// equal counts. n <= 0 returns every route.
func (rc *RouteCounter) Top(n int) []trip.RouteCount {
	rc.mu.RLock()
	out := make([]trip.RouteCount, 0, len(rc.counts))
	for _, c := range rc.counts {
		out = append(out, *c)
	}
	rc.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastDropoff.Equal(out[j].LastDropoff) {
			return out[i].LastDropoff.After(out[j].LastDropoff)
		}
		return out[i].LastSeq > out[j].LastSeq
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns the counters of the query
func (rc *RouteCounter) Stats() QueryStats {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.stats
}

// EdgeMeters returns the cell size routes are counted at
func (rc *RouteCounter) EdgeMeters() float64 {
	return rc.index.EdgeMeters()
}

func (rc *RouteCounter) skip(rec stream.Record, err error) {
	rc.mu.Lock()
	rc.stats.Skipped++
	rc.mu.Unlock()

	var oob *geo.OutOfBoundsError
	if errors.As(err, &oob) {
		rc.logger.Debug("Trip outside grid", zap.Uint64("seq", rec.Seq()))
		return
	}
	rc.logger.Debug("Skipping malformed trip", zap.Uint64("seq", rec.Seq()), zap.Error(err))
}
