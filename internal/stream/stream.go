// Package stream is the durable, last-value-per-subject message stream
// between the replication pipeline and the index consumers.
package stream

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed stream
var ErrClosed = errors.New("stream closed")

// Publisher appends a message to the stream. Publishing to a subject
// replaces the retained message of that subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Stream hands out durable consumers besides publishing
type Stream interface {
	Publisher
	Consumer(ctx context.Context, durable string) (Consumer, error)
	Close() error
}

// Consumer pulls batches for one durable consumer. Fetch returns fewer than
// batch messages (possibly none) when wait elapses first. It returns
// messages or an error, never both.
type Consumer interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error)
}

// Message is a delivered message awaiting acknowledgement
type Message interface {
	Subject() string
	Data() []byte
	// Ack marks the message as processed
	Ack(ctx context.Context) error
	// Nak asks for redelivery
	Nak(ctx context.Context) error
	// Term drops the message without redelivery
	Term(ctx context.Context) error
}

// AckAll acknowledges every message and returns the first error
func AckAll(ctx context.Context, msgs []Message) error {
	var first error
	for _, m := range msgs {
		if err := m.Ack(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NakAll requests redelivery of every message and returns the first error
func NakAll(ctx context.Context, msgs []Message) error {
	var first error
	for _, m := range msgs {
		if err := m.Nak(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
