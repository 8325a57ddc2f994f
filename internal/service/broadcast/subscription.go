// internal/service/broadcast/subscription.go

package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"taxistream/internal/domain/stream"
)

// Subscription is one registered consumer of the broadcast. It owns a bounded
// queue filled by the broadcaster and drained by a single worker via Receive.
type Subscription struct {
	id    string
	queue chan stream.Record

	end     chan struct{}
	endOnce sync.Once
	final   stream.Delivery

	cancelled atomic.Bool
	received  atomic.Uint64

	// guards finished; Receive is meant for one worker at a time
	recvMu   sync.Mutex
	finished bool
}

func newSubscription(id string, capacity int) *Subscription {
	return &Subscription{
		id:    id,
		queue: make(chan stream.Record, capacity),
		end:   make(chan struct{}),
	}
}

// ID returns the subscription identifier
func (s *Subscription) ID() string {
	return s.id
}

// Position returns the number of records received so far
func (s *Subscription) Position() uint64 {
	return s.received.Load()
}

// Pending returns the number of queued records not yet received
func (s *Subscription) Pending() int {
	return len(s.queue)
}

// Receive blocks until the next delivery is available. Records arrive in
// source order, followed by exactly one Completed or Failed delivery. After
// that, or after Unsubscribe, it returns stream.ErrSubscriptionClosed.
func (s *Subscription) Receive(ctx context.Context) (stream.Delivery, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if s.finished || s.cancelled.Load() {
		return stream.Delivery{}, stream.ErrSubscriptionClosed
	}

	select {
	case rec := <-s.queue:
		return s.deliver(rec)

	case <-s.end:
		if s.cancelled.Load() {
			return stream.Delivery{}, stream.ErrSubscriptionClosed
		}
		// records queued before the terminal signal come first
		select {
		case rec := <-s.queue:
			return s.deliver(rec)
		default:
		}
		s.finished = true
		return s.final, nil

	case <-ctx.Done():
		return stream.Delivery{}, ctx.Err()
	}
}

func (s *Subscription) deliver(rec stream.Record) (stream.Delivery, error) {
	if s.cancelled.Load() {
		return stream.Delivery{}, stream.ErrSubscriptionClosed
	}
	s.received.Add(1)
	return stream.Delivery{Kind: stream.KindRecord, Record: rec}, nil
}

// offer enqueues without blocking and reports whether the queue had room
func (s *Subscription) offer(rec stream.Record) bool {
	select {
	case s.queue <- rec:
		return true
	default:
		return false
	}
}

// finish records the terminal delivery; only the first call has effect
func (s *Subscription) finish(d stream.Delivery) bool {
	done := false
	s.endOnce.Do(func() {
		s.final = d
		close(s.end)
		done = true
	})
	return done
}
