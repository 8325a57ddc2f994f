package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taxistream/internal/domain/stream"
)

type sliceSource struct {
	rows [][]string
	err  error
	pos  int
}

func (s *sliceSource) Next() (stream.Record, error) {
	if s.pos < len(s.rows) {
		s.pos++
		return stream.NewRecord(uint64(s.pos), s.rows[s.pos-1]), nil
	}
	if s.err != nil {
		return stream.Record{}, s.err
	}
	return stream.Record{}, io.EOF
}

func numberedRows(n int) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = []string{fmt.Sprintf("%d", i+1)}
	}
	return rows
}

func newTestBroadcaster(t *testing.T, capacity int) *Broadcaster {
	t.Helper()
	return NewBroadcaster(Config{QueueCapacity: capacity}, zaptest.NewLogger(t), NewMetrics(prometheus.NewRegistry()))
}

// collect drains a subscription until its terminal delivery
func collect(ctx context.Context, sub *Subscription, delay time.Duration) ([]string, stream.Delivery, error) {
	var fields []string
	for {
		d, err := sub.Receive(ctx)
		if err != nil {
			return fields, stream.Delivery{}, err
		}
		if d.IsTerminal() {
			return fields, d, nil
		}
		fields = append(fields, d.Record.Field(0))
		if delay > 0 {
			time.Sleep(delay)
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBroadcaster_TwoSubscribersSeeSameOrder(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 16)

	fast, err := b.Subscribe()
	require.NoError(t, err)
	slow, err := b.Subscribe()
	require.NoError(t, err)

	type result struct {
		fields []string
		final  stream.Delivery
		err    error
	}
	results := make([]result, 2)

	var wg sync.WaitGroup
	for i, tc := range []struct {
		sub   *Subscription
		delay time.Duration
	}{{fast, 0}, {slow, 20 * time.Millisecond}} {
		wg.Add(1)
		go func(i int, sub *Subscription, delay time.Duration) {
			defer wg.Done()
			f, d, err := collect(ctx, sub, delay)
			results[i] = result{f, d, err}
		}(i, tc.sub, tc.delay)
	}

	src := &sliceSource{rows: [][]string{{"A"}, {"B"}, {"C"}}}
	require.NoError(t, b.Run(ctx, src))
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, []string{"A", "B", "C"}, r.fields)
		assert.Equal(t, stream.KindCompleted, r.final.Kind)
	}
}

func TestBroadcaster_FanOutCompleteness(t *testing.T) {
	const records, subscribers = 2000, 6
	ctx := testContext(t)
	b := newTestBroadcaster(t, records)

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		sub, err := b.Subscribe()
		require.NoError(t, err)
		subs[i] = sub
	}

	var wg sync.WaitGroup
	got := make([][]string, subscribers)
	finals := make([]stream.Delivery, subscribers)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			var err error
			got[i], finals[i], err = collect(ctx, sub, 0)
			assert.NoError(t, err)
		}(i, sub)
	}

	require.NoError(t, b.Run(ctx, &sliceSource{rows: numberedRows(records)}))
	wg.Wait()

	for i := range subs {
		require.Len(t, got[i], records)
		for j, f := range got[i] {
			require.Equal(t, fmt.Sprintf("%d", j+1), f)
		}
		assert.Equal(t, stream.KindCompleted, finals[i].Kind)
		assert.Equal(t, uint64(records), subs[i].Position())

		// the terminal signal is delivered exactly once
		_, err := subs[i].Receive(ctx)
		assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)
	}

	stats := b.Stats()
	assert.Equal(t, stream.StateCompleted, stats.State)
	assert.Equal(t, uint64(records), stats.Published)
	assert.Zero(t, stats.ActiveSubscriptions)
}

func TestBroadcaster_SlowSubscriberIsolated(t *testing.T) {
	ctx := testContext(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	b := NewBroadcaster(Config{QueueCapacity: 2}, zaptest.NewLogger(t), metrics)

	stalled, err := b.Subscribe()
	require.NoError(t, err)
	healthy, err := b.Subscribe()
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, b.Publish(stream.NewRecord(uint64(i), []string{fmt.Sprintf("%d", i)})))

		d, err := healthy.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%d", i), d.Record.Field(0))
	}
	require.NoError(t, b.Complete())

	d, err := healthy.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.KindCompleted, d.Kind)

	// the stalled subscriber keeps what fit in its queue, then fails
	fields, final, err := collect(ctx, stalled, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, fields)
	assert.Equal(t, stream.KindFailed, final.Kind)
	assert.ErrorIs(t, final.Err, stream.ErrSlowSubscriber)

	var slowErr *stream.SlowSubscriberError
	require.True(t, errors.As(final.Err, &slowErr))
	assert.Equal(t, stalled.ID(), slowErr.SubscriptionID)
	assert.Equal(t, uint64(3), slowErr.Seq)

	assert.Equal(t, uint64(1), b.Stats().SlowDropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.slowDropped))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.recordsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.terminals.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.terminals.WithLabelValues("failed")))
}

func TestBroadcaster_ProducerNeverBlocks(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 4)

	// nobody ever reads from this subscription
	_, err := b.Subscribe()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, &sliceSource{rows: numberedRows(10000)})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a stalled subscriber")
	}
	assert.Equal(t, uint64(10000), b.Stats().Published)
}

func TestBroadcaster_LateSubscriptionRejected(t *testing.T) {
	ctx := testContext(t)

	t.Run("after completion", func(t *testing.T) {
		b := newTestBroadcaster(t, 8)
		require.NoError(t, b.Run(ctx, &sliceSource{rows: numberedRows(3)}))

		sub, err := b.Subscribe()
		assert.Nil(t, sub)
		assert.ErrorIs(t, err, stream.ErrStreamClosed)
	})

	t.Run("after failure", func(t *testing.T) {
		b := newTestBroadcaster(t, 8)
		require.NoError(t, b.Fail(errors.New("boom")))

		_, err := b.Subscribe()
		assert.ErrorIs(t, err, stream.ErrStreamClosed)
	})

	t.Run("publish after completion", func(t *testing.T) {
		b := newTestBroadcaster(t, 8)
		require.NoError(t, b.Complete())

		assert.ErrorIs(t, b.Publish(stream.NewRecord(1, []string{"A"})), stream.ErrStreamClosed)
		assert.ErrorIs(t, b.Complete(), stream.ErrStreamClosed)
		assert.ErrorIs(t, b.Fail(errors.New("late")), stream.ErrStreamClosed)
	})
}

func TestBroadcaster_LateSubscriberMissesEarlierRecords(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 8)

	require.NoError(t, b.Publish(stream.NewRecord(1, []string{"A"})))

	sub, err := b.Subscribe()
	require.NoError(t, err)

	require.NoError(t, b.Publish(stream.NewRecord(2, []string{"B"})))
	require.NoError(t, b.Complete())

	fields, final, err := collect(ctx, sub, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, fields)
	assert.Equal(t, stream.KindCompleted, final.Kind)
}

func TestBroadcaster_SourceFailurePropagates(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 8)

	subs := make([]*Subscription, 3)
	for i := range subs {
		sub, err := b.Subscribe()
		require.NoError(t, err)
		subs[i] = sub
	}

	cause := &stream.SourceError{Line: 3, Err: errors.New("invalid byte")}
	err := b.Run(ctx, &sliceSource{rows: [][]string{{"A"}, {"B"}}, err: cause})
	require.ErrorIs(t, err, cause)

	for _, sub := range subs {
		fields, final, err := collect(ctx, sub, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, fields)
		assert.Equal(t, stream.KindFailed, final.Kind)

		var serr *stream.SourceError
		assert.True(t, errors.As(final.Err, &serr))
	}

	assert.Equal(t, stream.StateFailed, b.Stats().State)
	assert.Equal(t, cause, b.Err())

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after failure")
	}
}

func TestBroadcaster_ContextCancelFailsStream(t *testing.T) {
	b := newTestBroadcaster(t, 8)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = b.Run(ctx, &sliceSource{rows: numberedRows(5)})
	assert.ErrorIs(t, err, context.Canceled)

	d, err := sub.Receive(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, stream.KindFailed, d.Kind)
	assert.ErrorIs(t, d.Err, context.Canceled)
}

func TestBroadcaster_ZeroSubscribers(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 8)

	require.NoError(t, b.Run(ctx, &sliceSource{rows: numberedRows(100)}))

	stats := b.Stats()
	assert.Equal(t, uint64(100), stats.Published)
	assert.Equal(t, stream.StateCompleted, stats.State)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 8)

	leaving, err := b.Subscribe()
	require.NoError(t, err)
	staying, err := b.Subscribe()
	require.NoError(t, err)

	require.NoError(t, b.Publish(stream.NewRecord(1, []string{"A"})))

	b.Unsubscribe(leaving)
	b.Unsubscribe(leaving)
	b.Unsubscribe(nil)

	require.NoError(t, b.Publish(stream.NewRecord(2, []string{"B"})))
	require.NoError(t, b.Complete())

	// queued records are not delivered after cancellation
	_, err = leaving.Receive(ctx)
	assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)
	assert.Equal(t, uint64(0), leaving.Position())

	fields, final, err := collect(ctx, staying, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, fields)
	assert.Equal(t, stream.KindCompleted, final.Kind)
}

func TestBroadcaster_UnsubscribeWakesBlockedReceiver(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 8)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Receive(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe(sub)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver still blocked after unsubscribe")
	}
	assert.Zero(t, b.Stats().ActiveSubscriptions)
}

func TestSubscription_ReceiveHonoursContext(t *testing.T) {
	b := newTestBroadcaster(t, 8)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the subscription is still usable afterwards
	require.NoError(t, b.Publish(stream.NewRecord(1, []string{"A"})))
	d, err := sub.Receive(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "A", d.Record.Field(0))
}

func TestBroadcaster_ConcurrentChurn(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 64)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				sub, err := b.Subscribe()
				if err != nil {
					assert.ErrorIs(t, err, stream.ErrStreamClosed)
					return
				}

				// read a few records in order, then leave
				var last uint64
				for n := rng.Intn(20); n > 0; n-- {
					d, err := sub.Receive(ctx)
					if err != nil || d.IsTerminal() {
						break
					}
					assert.Greater(t, d.Record.Seq(), last)
					last = d.Record.Seq()
				}
				b.Unsubscribe(sub)
			}
		}(int64(i))
	}

	require.NoError(t, b.Run(ctx, &sliceSource{rows: numberedRows(20000)}))
	close(stop)
	wg.Wait()

	assert.Equal(t, stream.StateCompleted, b.Stats().State)
}

func TestBroadcaster_SubscribeWithCapacity(t *testing.T) {
	ctx := testContext(t)
	b := newTestBroadcaster(t, 2)

	deep, err := b.SubscribeWithCapacity(8)
	require.NoError(t, err)
	shallow, err := b.SubscribeWithCapacity(0)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(stream.NewRecord(uint64(i), []string{fmt.Sprintf("%d", i)})))
	}
	assert.Equal(t, 5, deep.Pending())
	require.NoError(t, b.Complete())

	fields, final, err := collect(ctx, deep, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, fields)
	assert.Equal(t, stream.KindCompleted, final.Kind)

	// zero capacity falls back to the configured queue of 2
	fields, final, err = collect(ctx, shallow, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, fields)
	var slowErr *stream.SlowSubscriberError
	require.True(t, errors.As(final.Err, &slowErr))
	assert.Equal(t, 2, slowErr.Capacity)
}

func TestBroadcaster_RunPaced(t *testing.T) {
	ctx := testContext(t)
	b := NewBroadcaster(Config{QueueCapacity: 64, RecordsPerSecond: 100, Burst: 1}, zaptest.NewLogger(t), nil)

	sub, err := b.Subscribe()
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Run(ctx, &sliceSource{rows: numberedRows(21)}))
	elapsed := time.Since(start)

	// one record up front, then 20 more at 10ms intervals
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)

	fields, final, err := collect(ctx, sub, 0)
	require.NoError(t, err)
	assert.Len(t, fields, 21)
	assert.Equal(t, stream.KindCompleted, final.Kind)
}

func TestBroadcaster_RunPacedCancel(t *testing.T) {
	b := NewBroadcaster(Config{RecordsPerSecond: 1, Burst: 1}, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := b.Run(ctx, &sliceSource{rows: numberedRows(5)})
	assert.ErrorIs(t, err, context.Canceled)

	stats := b.Stats()
	assert.Equal(t, stream.StateFailed, stats.State)
	assert.Equal(t, uint64(1), stats.Published)
}
