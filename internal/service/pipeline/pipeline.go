// internal/service/pipeline/pipeline.go

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"taxistream/internal/domain/stream"
	"taxistream/internal/service/broadcast"
)

// Handler consumes the deliveries of one subscription
type Handler interface {
	// HandleRecord processes one record. A returned error stops the pipeline.
	HandleRecord(ctx context.Context, rec stream.Record) error

	// HandleEnd is called exactly once when the pipeline stops. err is nil
	// when the stream completed normally.
	HandleEnd(ctx context.Context, err error)
}

// Receiver is the consuming side of a subscription
type Receiver interface {
	Receive(ctx context.Context) (stream.Delivery, error)
}

// Run drains sub into h until the stream ends, h fails or ctx is done. It
// returns nil only when the stream completed.
func Run(ctx context.Context, sub Receiver, h Handler) error {
	for {
		d, err := sub.Receive(ctx)
		if err != nil {
			h.HandleEnd(ctx, err)
			return err
		}

		switch d.Kind {
		case stream.KindRecord:
			if err := h.HandleRecord(ctx, d.Record); err != nil {
				err = fmt.Errorf("record %d: %w", d.Record.Seq(), err)
				h.HandleEnd(ctx, err)
				return err
			}
		case stream.KindCompleted:
			h.HandleEnd(ctx, nil)
			return nil
		case stream.KindFailed:
			h.HandleEnd(ctx, d.Err)
			return d.Err
		default:
			err := fmt.Errorf("unknown delivery kind %q", d.Kind)
			h.HandleEnd(ctx, err)
			return err
		}
	}
}

// Broadcaster admits and removes subscriptions
type Broadcaster interface {
	SubscribeWithCapacity(capacity int) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

type registration struct {
	name    string
	handler Handler
	sub     *broadcast.Subscription
	err     error
}

// Manager runs a fixed set of named pipelines, one worker each
type Manager struct {
	broadcaster   Broadcaster
	queueCapacity int
	logger        *zap.Logger

	mu        sync.Mutex
	pipelines []*registration
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewManager creates a pipeline manager on top of a broadcaster. Every
// pipeline subscribes with a queue of queueCapacity records; zero or less
// uses the broadcaster's default.
func NewManager(b Broadcaster, queueCapacity int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		broadcaster:   b,
		queueCapacity: queueCapacity,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Register adds a pipeline. Pipelines must be registered before Start so that
// none misses the head of the stream.
func (m *Manager) Register(name string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("pipeline %s: manager already started", name)
	}
	for _, p := range m.pipelines {
		if p.name == name {
			return fmt.Errorf("pipeline %s already registered", name)
		}
	}

	m.pipelines = append(m.pipelines, &registration{name: name, handler: h})
	return nil
}

// Start subscribes every registered pipeline and launches its worker
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("manager already started")
	}

	for _, p := range m.pipelines {
		sub, err := m.broadcaster.SubscribeWithCapacity(m.queueCapacity)
		if err != nil {
			for _, q := range m.pipelines {
				if q.sub != nil {
					m.broadcaster.Unsubscribe(q.sub)
					q.sub = nil
				}
			}
			return fmt.Errorf("subscribe pipeline %s: %w", p.name, err)
		}
		p.sub = sub
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	for _, p := range m.pipelines {
		m.wg.Add(1)
		go m.run(ctx, p)
	}

	go func() {
		m.wg.Wait()
		close(m.done)
	}()

	m.logger.Info("Pipelines started",
		zap.Int("count", len(m.pipelines)),
		zap.Int("queue_capacity", m.queueCapacity))
	return nil
}

func (m *Manager) run(ctx context.Context, p *registration) {
	defer m.wg.Done()

	logger := m.logger.With(zap.String("pipeline", p.name), zap.String("subscription_id", p.sub.ID()))
	logger.Debug("Pipeline worker started")

	err := Run(ctx, p.sub, p.handler)

	m.mu.Lock()
	p.err = err
	m.mu.Unlock()

	switch {
	case err == nil:
		logger.Info("Pipeline completed", zap.Uint64("records", p.sub.Position()))
	case errors.Is(err, stream.ErrSubscriptionClosed), errors.Is(err, context.Canceled):
		logger.Info("Pipeline stopped", zap.Uint64("records", p.sub.Position()))
	default:
		logger.Error("Pipeline failed",
			zap.Error(err),
			zap.Uint64("records", p.sub.Position()),
			zap.Int("pending", p.sub.Pending()))
	}

	// a failed handler must not keep its queue registered
	m.broadcaster.Unsubscribe(p.sub)
}

// Wait blocks until every pipeline has stopped or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels every pipeline and waits for the workers to return
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	subs := make([]*broadcast.Subscription, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		subs = append(subs, p.sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.broadcaster.Unsubscribe(sub)
	}

	return m.Wait(ctx)
}

// Err returns the result of a stopped pipeline
func (m *Manager) Err(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pipelines {
		if p.name == name {
			return p.err
		}
	}
	return fmt.Errorf("pipeline %s not registered", name)
}
