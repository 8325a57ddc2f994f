package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taxistream/internal/domain/stream"
	"taxistream/internal/service/broadcast"
	"taxistream/internal/service/source"
)

func tripFile(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		from, to := pointA, pointB
		if i%3 == 0 {
			from, to = pointB, pointA
		}
		rec := tripRecord(uint64(i+1), tripSpec{
			medallion: fmt.Sprintf("M%03d", i%250),
			dropoff:   "2013-01-01 00:10:00",
			pickup:    from,
			dest:      to,
			fare:      float64(5 + i%20),
			tip:       1,
		})
		sb.WriteString(strings.Join(rec.Fields(), ","))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func TestManager_PacedReplayReachesEveryPipeline(t *testing.T) {
	const trips = 20000

	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src, err := source.OpenReader(strings.NewReader(tripFile(trips)), source.Options{})
	require.NoError(t, err)

	b := broadcast.NewBroadcaster(broadcast.Config{
		QueueCapacity:    16,
		RecordsPerSecond: 10000,
		Burst:            500,
	}, logger, nil)

	store := &fakeRouteStore{}
	routes := NewRouteCounter(newGrid(t, 500), store, logger)
	areas := NewProfitableAreas(newGrid(t, 250), logger)

	m := NewManager(b, 8192, logger)
	require.NoError(t, m.Register("routes", routes))
	require.NoError(t, m.Register("areas", areas))
	require.NoError(t, m.Start(ctx))

	// a remote client that never reads keeps the default queue
	client, err := b.Subscribe()
	require.NoError(t, err)

	require.NoError(t, b.Run(ctx, src))
	require.NoError(t, m.Wait(ctx))

	assert.NoError(t, m.Err("routes"))
	assert.NoError(t, m.Err("areas"))

	rs := routes.Stats()
	assert.Equal(t, uint64(trips), rs.Processed)
	assert.True(t, rs.Done)
	assert.Empty(t, rs.Error)

	as := areas.Stats()
	assert.Equal(t, uint64(trips), as.Processed)
	assert.True(t, as.Done)
	assert.Empty(t, as.Error)

	store.mu.Lock()
	total := 0
	for _, c := range store.counts {
		total += c.Count
	}
	calls := store.calls
	store.mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, trips, total)

	stats := b.Stats()
	assert.Equal(t, stream.StateCompleted, stats.State)
	assert.Equal(t, uint64(trips), stats.Published)
	assert.Equal(t, uint64(1), stats.SlowDropped)

	var received int
	for {
		d, err := client.Receive(ctx)
		require.NoError(t, err)
		if d.IsTerminal() {
			assert.ErrorIs(t, d.Err, stream.ErrSlowSubscriber)
			break
		}
		received++
	}
	assert.Equal(t, 16, received)
}
