// internal/service/broadcast/broadcaster.go

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"taxistream/internal/domain/stream"
)

// DefaultQueueCapacity is the per-subscription queue size when none is configured
const DefaultQueueCapacity = 1024

// RecordSource yields records in order and io.EOF at the end
type RecordSource interface {
	Next() (stream.Record, error)
}

// Config contains configuration for the broadcaster
type Config struct {
	// QueueCapacity bounds each subscription's queue. A subscription whose
	// queue is full when a record arrives is dropped.
	QueueCapacity int

	// RecordsPerSecond paces Run. Zero reads the source as fast as it yields.
	RecordsPerSecond float64

	// Burst is the number of records Run may publish back to back when paced
	Burst int
}

// Broadcaster replicates one ordered record sequence to a dynamic set of
// subscriptions. The producer never blocks on subscribers: each subscription
// has its own bounded queue and is dropped with stream.ErrSlowSubscriber when
// that queue overflows.
type Broadcaster struct {
	config  Config
	logger  *zap.Logger
	metrics *Metrics

	limiter *rate.Limiter

	mu    sync.Mutex
	subs  map[string]*Subscription
	view  []*Subscription // copy-on-write snapshot of subs
	state stream.State
	err   error
	done  chan struct{}

	published   atomic.Uint64
	slowDropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster in the open state
func NewBroadcaster(config Config, logger *zap.Logger, metrics *Metrics) *Broadcaster {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if config.RecordsPerSecond > 0 && config.Burst <= 0 {
		config.Burst = 1
	}

	b := &Broadcaster{
		config:  config,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]*Subscription),
		state:   stream.StateOpen,
		done:    make(chan struct{}),
	}
	if config.RecordsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(config.RecordsPerSecond), config.Burst)
	}

	return b
}

// Subscribe admits a new subscriber. It fails with stream.ErrStreamClosed once
// the stream has completed or failed; there is no replay of earlier records.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	return b.SubscribeWithCapacity(b.config.QueueCapacity)
}

// SubscribeWithCapacity is Subscribe with a queue of the given size. In-process
// consumers that are trusted to keep up with a paced stream use a deeper queue
// than remote clients. A capacity of zero or less uses the configured default.
func (b *Broadcaster) SubscribeWithCapacity(capacity int) (*Subscription, error) {
	if capacity <= 0 {
		capacity = b.config.QueueCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stream.StateOpen {
		return nil, fmt.Errorf("subscribe: %w", stream.ErrStreamClosed)
	}

	sub := newSubscription(uuid.New().String(), capacity)
	b.subs[sub.id] = sub
	b.rebuildView()

	b.metrics.activeSubscriptions.Set(float64(len(b.subs)))
	b.logger.Debug("Subscription added",
		zap.String("subscription_id", sub.id),
		zap.Int("capacity", capacity),
		zap.Uint64("from_seq", b.published.Load()+1))

	return sub, nil
}

// Unsubscribe removes a subscription. No further records are delivered to it.
// It is idempotent and safe to call concurrently with delivery.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.cancelled.Store(true)

	if b.remove(sub) {
		b.logger.Debug("Subscription cancelled",
			zap.String("subscription_id", sub.id),
			zap.Uint64("position", sub.Position()))
	}
	sub.finish(stream.Delivery{Kind: stream.KindFailed, Err: stream.ErrSubscriptionClosed})
}

// Publish delivers a record to every active subscription. Subscriptions
// whose queue is full are dropped.
func (b *Broadcaster) Publish(rec stream.Record) error {
	b.mu.Lock()
	if b.state != stream.StateOpen {
		b.mu.Unlock()
		return fmt.Errorf("publish: %w", stream.ErrStreamClosed)
	}
	subs := b.view
	b.mu.Unlock()

	b.published.Add(1)
	b.metrics.recordsPublished.Inc()

	var slow []*Subscription
	for _, sub := range subs {
		if sub.cancelled.Load() {
			continue
		}
		if !sub.offer(rec) {
			slow = append(slow, sub)
		}
	}

	for _, sub := range slow {
		b.dropSlow(sub, rec.Seq())
	}

	return nil
}

// Complete delivers the completion signal to every active subscription,
// after the records already queued for it. No subscription is admitted
// afterwards.
func (b *Broadcaster) Complete() error {
	subs, err := b.close(stream.StateCompleted, nil)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		sub.finish(stream.Delivery{Kind: stream.KindCompleted})
	}
	b.metrics.terminal(stream.KindCompleted, len(subs))

	b.logger.Info("Stream completed",
		zap.Uint64("published", b.published.Load()),
		zap.Int("subscriptions", len(subs)))

	return nil
}

// Fail delivers a failure signal carrying cause to every active subscription
// instead of completion. Records already delivered stay valid.
func (b *Broadcaster) Fail(cause error) error {
	if cause == nil {
		cause = errors.New("stream failed")
	}

	subs, err := b.close(stream.StateFailed, cause)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		sub.finish(stream.Delivery{Kind: stream.KindFailed, Err: cause})
	}
	b.metrics.terminal(stream.KindFailed, len(subs))

	b.logger.Error("Stream failed",
		zap.Error(cause),
		zap.Uint64("published", b.published.Load()),
		zap.Int("subscriptions", len(subs)))

	return nil
}

// Run reads src until it is exhausted, publishing every record. It completes
// the stream on io.EOF and fails it on any other error or when ctx is done.
// With RecordsPerSecond set, records are read no faster than that rate.
func (b *Broadcaster) Run(ctx context.Context, src RecordSource) error {
	b.logger.Info("Broadcast started", zap.Float64("records_per_second", b.config.RecordsPerSecond))

	for {
		if err := ctx.Err(); err != nil {
			b.Fail(err)
			return err
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				b.Fail(err)
				return err
			}
		}

		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return b.Complete()
		}
		if err != nil {
			b.Fail(err)
			return err
		}

		if err := b.Publish(rec); err != nil {
			return err
		}
	}
}

// Done is closed when the stream completes or fails
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

// Err returns the failure cause once the stream failed
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stats returns a snapshot of the broadcaster
func (b *Broadcaster) Stats() stream.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return stream.Stats{
		State:               b.state,
		Published:           b.published.Load(),
		ActiveSubscriptions: len(b.subs),
		SlowDropped:         b.slowDropped.Load(),
	}
}

func (b *Broadcaster) dropSlow(sub *Subscription, seq uint64) {
	if !b.remove(sub) {
		return
	}

	cause := &stream.SlowSubscriberError{
		SubscriptionID: sub.id,
		Seq:            seq,
		Capacity:       cap(sub.queue),
	}
	if !sub.finish(stream.Delivery{Kind: stream.KindFailed, Err: cause}) {
		return
	}

	b.slowDropped.Add(1)
	b.metrics.slowDropped.Inc()
	b.metrics.terminal(stream.KindFailed, 1)

	b.logger.Warn("Dropping slow subscriber",
		zap.String("subscription_id", sub.id),
		zap.Uint64("seq", seq),
		zap.Uint64("position", sub.Position()),
		zap.Int("capacity", cap(sub.queue)))
}

// close moves the stream to a terminal state and returns the subscriptions
// that were active at that moment
func (b *Broadcaster) close(state stream.State, cause error) ([]*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stream.StateOpen {
		return nil, fmt.Errorf("%s: %w", state, stream.ErrStreamClosed)
	}

	b.state = state
	b.err = cause
	subs := b.view

	b.subs = make(map[string]*Subscription)
	b.view = nil
	b.metrics.activeSubscriptions.Set(0)
	close(b.done)

	return subs, nil
}

func (b *Broadcaster) remove(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return false
	}
	delete(b.subs, sub.id)
	b.rebuildView()
	b.metrics.activeSubscriptions.Set(float64(len(b.subs)))
	return true
}

// rebuildView must be called with mu held
func (b *Broadcaster) rebuildView() {
	view := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		view = append(view, sub)
	}
	b.view = view
}
