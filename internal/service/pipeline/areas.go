// internal/service/pipeline/areas.go

package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"taxistream/internal/domain/geo"
	"taxistream/internal/domain/stream"
	"taxistream/internal/domain/trip"
)

// AreaScore is the profitability of one pickup cell
type AreaScore struct {
	Cell          geo.CellID `json:"cell"`
	Trips         int        `json:"trips"`
	MedianProfit  float64    `json:"median_profit"`
	EmptyTaxis    int        `json:"empty_taxis"`
	Profitability float64    `json:"profitability"`
}

type taxiPosition struct {
	cell    geo.CellID
	dropoff time.Time
}

// ProfitableAreas ranks pickup cells by median fare plus tip divided by the
// number of taxis whose most recent dropoff is in the cell
type ProfitableAreas struct {
	index  geo.Index
	logger *zap.Logger

	mu      sync.RWMutex
	profits map[geo.CellID][]float64
	taxis   map[string]taxiPosition
	stats   QueryStats
}

// NewProfitableAreas creates the query on the given grid
func NewProfitableAreas(index geo.Index, logger *zap.Logger) *ProfitableAreas {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfitableAreas{
		index:   index,
		logger:  logger,
		profits: make(map[geo.CellID][]float64),
		taxis:   make(map[string]taxiPosition),
	}
}

// HandleRecord adds the trip's profit to its pickup cell and moves the taxi
// to its dropoff cell
func (pa *ProfitableAreas) HandleRecord(ctx context.Context, rec stream.Record) error {
	t, err := trip.Parse(rec)
	if err != nil {
		pa.skip(rec, err)
		return nil
	}

	pickup, err := pa.index.CellOf(t.Pickup)
	if err != nil {
		pa.skip(rec, err)
		return nil
	}
	dropoff, err := pa.index.CellOf(t.Dropoff)
	if err != nil {
		pa.skip(rec, err)
		return nil
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()

	pa.stats.Processed++
	pa.profits[pickup] = append(pa.profits[pickup], t.Profit())

	if pos, ok := pa.taxis[t.Medallion]; !ok || !t.DropoffDatetime.Before(pos.dropoff) {
		pa.taxis[t.Medallion] = taxiPosition{cell: dropoff, dropoff: t.DropoffDatetime}
	}

	return nil
}

// HandleEnd marks the query done
func (pa *ProfitableAreas) HandleEnd(ctx context.Context, err error) {
	pa.mu.Lock()
	pa.stats.Done = true
	if err != nil {
		pa.stats.Error = err.Error()
	}
	stats := pa.stats
	cells := len(pa.profits)
	pa.mu.Unlock()

	if err != nil {
		pa.logger.Warn("Profitable areas ended early", zap.Error(err), zap.Uint64("processed", stats.Processed))
		return
	}
	pa.logger.Info("Profitable areas completed",
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("skipped", stats.Skipped),
		zap.Int("cells", cells))
}

// Top returns the n most profitable cells. n <= 0 returns every cell.
func (pa *ProfitableAreas) Top(n int) []AreaScore {
	pa.mu.RLock()
	empty := make(map[geo.CellID]int, len(pa.taxis))
	for _, pos := range pa.taxis {
		empty[pos.cell]++
	}

	out := make([]AreaScore, 0, len(pa.profits))
	for cell, profits := range pa.profits {
		median := median(profits)
		taxis := empty[cell]
		out = append(out, AreaScore{
			Cell:          cell,
			Trips:         len(profits),
			MedianProfit:  median,
			EmptyTaxis:    taxis,
			Profitability: median / float64(max(taxis, 1)),
		})
	}
	pa.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Profitability != out[j].Profitability {
			return out[i].Profitability > out[j].Profitability
		}
		if out[i].Cell.Column != out[j].Cell.Column {
			return out[i].Cell.Column < out[j].Cell.Column
		}
		return out[i].Cell.Row < out[j].Cell.Row
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns the counters of the query
func (pa *ProfitableAreas) Stats() QueryStats {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	return pa.stats
}

func (pa *ProfitableAreas) skip(rec stream.Record, err error) {
	pa.mu.Lock()
	pa.stats.Skipped++
	pa.mu.Unlock()

	pa.logger.Debug("Skipping trip", zap.Uint64("seq", rec.Seq()), zap.Error(err))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
