// internal/adapter/relay/nats.go

package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"taxistream/internal/domain/stream"
)

// Header keys set on relayed messages
const (
	HeaderSeq   = "Stream-Seq"
	HeaderCount = "Stream-Count"
)

// Publisher is the part of a NATS connection the relay needs
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	Flush() error
}

// NATSRelay republishes the stream on NATS subjects: every record on
// <subject>.records and the terminal signal on <subject>.completed or
// <subject>.failed
type NATSRelay struct {
	conn    Publisher
	subject string
	logger  *zap.Logger

	published atomic.Uint64
}

// NewNATSRelay creates a relay publishing under subject
func NewNATSRelay(conn Publisher, subject string, logger *zap.Logger) *NATSRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRelay{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// HandleRecord publishes one record as comma-joined fields
func (r *NATSRelay) HandleRecord(ctx context.Context, rec stream.Record) error {
	msg := nats.NewMsg(r.subject + ".records")
	msg.Header.Set(HeaderSeq, strconv.FormatUint(rec.Seq(), 10))
	msg.Data = []byte(rec.String())

	if err := r.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish record %d: %w", rec.Seq(), err)
	}
	r.published.Add(1)
	return nil
}

// HandleEnd publishes the terminal signal. Nothing is published when the
// relay itself was stopped.
func (r *NATSRelay) HandleEnd(ctx context.Context, err error) {
	if errors.Is(err, stream.ErrSubscriptionClosed) || errors.Is(err, context.Canceled) {
		r.logger.Info("NATS relay stopped", zap.Uint64("published", r.published.Load()))
		return
	}

	var msg *nats.Msg
	if err == nil {
		msg = nats.NewMsg(r.subject + ".completed")
	} else {
		msg = nats.NewMsg(r.subject + ".failed")
		msg.Data = []byte(err.Error())
	}
	msg.Header.Set(HeaderCount, strconv.FormatUint(r.published.Load(), 10))

	if perr := r.conn.PublishMsg(msg); perr != nil {
		r.logger.Error("Failed to publish terminal signal", zap.String("subject", msg.Subject), zap.Error(perr))
		return
	}
	if ferr := r.conn.Flush(); ferr != nil {
		r.logger.Error("Failed to flush NATS connection", zap.Error(ferr))
		return
	}

	r.logger.Info("NATS relay finished",
		zap.String("subject", msg.Subject),
		zap.Uint64("published", r.published.Load()))
}

// Published returns the number of records relayed
func (r *NATSRelay) Published() uint64 {
	return r.published.Load()
}
