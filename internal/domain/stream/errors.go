// internal/domain/stream/errors.go

package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamClosed is returned when subscribing to or publishing on a
	// stream that already completed or failed
	ErrStreamClosed = errors.New("stream closed")

	// ErrSlowSubscriber is the failure delivered to a subscription whose
	// queue overflowed
	ErrSlowSubscriber = errors.New("slow subscriber")

	// ErrProtocolViolation is returned when the source is read past its end
	ErrProtocolViolation = errors.New("protocol violation: read after end of stream")

	// ErrSubscriptionClosed is returned by Receive after the terminal
	// delivery was consumed or the subscription was cancelled
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// SourceError reports unreadable or undecodable upstream data. It is fatal
// to the whole stream.
type SourceError struct {
	Line int64
	Err  error
}

func (e *SourceError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("source error at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("source error: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// SlowSubscriberError reports which subscription was dropped and at which
// record its queue overflowed.
type SlowSubscriberError struct {
	SubscriptionID string
	Seq            uint64
	Capacity       int
}

func (e *SlowSubscriberError) Error() string {
	return fmt.Sprintf("subscription %s dropped at record %d: queue of %d full",
		e.SubscriptionID, e.Seq, e.Capacity)
}

func (e *SlowSubscriberError) Unwrap() error {
	return ErrSlowSubscriber
}
