// internal/domain/stream/model.go

package stream

import (
	"strings"
)

// Record is one raw trip event as read from the source. Records are
// immutable and shared by reference between every subscriber.
type Record struct {
	seq    uint64
	fields []string
}

// NewRecord creates a record at position seq. The fields are copied.
func NewRecord(seq uint64, fields []string) Record {
	f := make([]string, len(fields))
	copy(f, fields)
	return Record{seq: seq, fields: f}
}

// Seq returns the record's position in source order, starting at 1
func (r Record) Seq() uint64 {
	return r.seq
}

// Len returns the number of fields
func (r Record) Len() int {
	return len(r.fields)
}

// Field returns the i-th field, or "" when out of range
func (r Record) Field(i int) string {
	if i < 0 || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

// Fields returns a copy of all fields
func (r Record) Fields() []string {
	f := make([]string, len(r.fields))
	copy(f, r.fields)
	return f
}

// String joins the fields with commas
func (r Record) String() string {
	return strings.Join(r.fields, ",")
}

// Kind defines what a delivery carries
type Kind string

const (
	KindRecord    Kind = "record"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Delivery is one item observed by a subscriber: a record, or the terminal
// completion or failure signal.
type Delivery struct {
	Kind   Kind
	Record Record
	Err    error
}

// IsTerminal reports whether no further deliveries follow
func (d Delivery) IsTerminal() bool {
	return d.Kind == KindCompleted || d.Kind == KindFailed
}

// State defines the lifecycle of a stream
type State string

const (
	StateOpen      State = "open"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Stats is a snapshot of a broadcaster
type Stats struct {
	State               State  `json:"state"`
	Published           uint64 `json:"published"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	SlowDropped         uint64 `json:"slow_dropped"`
}
