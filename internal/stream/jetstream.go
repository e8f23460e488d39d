package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/franz/fpmatch/internal/util"
)

// JetStream is a stream backed by a NATS JetStream stream that keeps one
// message per subject.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	name   string
	prefix string
}

// DialJetStream connects to NATS and makes sure the stream exists with
// subjects "<prefix>.*" and MaxMsgsPerSubject = 1.
func DialJetStream(ctx context.Context, url, name, prefix string) (*JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("fpm"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				util.WarnLog("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			util.InfoLog("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}

	s := &JetStream{nc: nc, js: js, name: name, prefix: prefix}
	if err := s.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// EnsureStream creates the stream or updates its configuration
func (s *JetStream) EnsureStream(ctx context.Context) error {
	stream, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              s.name,
		Subjects:          []string{s.prefix + ".*"},
		MaxMsgsPerSubject: 1,
		Storage:           jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", s.name, err)
	}
	s.stream = stream

	info := stream.CachedInfo()
	util.InfoLog("Stream %s ready (%d messages, %d subjects)", s.name, info.State.Msgs, info.State.NumSubjects)
	return nil
}

// Publish stores data under subject and waits for the server ack
func (s *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Consumer returns the durable pull consumer with the given name
func (s *JetStream) Consumer(ctx context.Context, durable string) (Consumer, error) {
	cons, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		FilterSubject: s.prefix + ".*",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}
	return &jetStreamConsumer{cons: cons}, nil
}

// Close drains the NATS connection
func (s *JetStream) Close() error {
	return s.nc.Drain()
}

type jetStreamConsumer struct {
	cons jetstream.Consumer
}

// Fetch pulls up to batch messages. Messages that already arrived are
// Nak'ed when the pull fails or ctx is cancelled, so they are redelivered
// right away instead of after the ack wait.
func (c *jetStreamConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mb, err := c.cons.Fetch(batch, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	return collectBatch(ctx, mb.Messages(), mb.Error)
}

// collectBatch reads incoming until it is closed. batchErr reports why the
// pull ended and is only called after incoming is closed.
func collectBatch(ctx context.Context, incoming <-chan jetstream.Msg, batchErr func() error) ([]Message, error) {
	var received []jetstream.Msg
collect:
	for {
		select {
		case m, ok := <-incoming:
			if !ok {
				break collect
			}
			received = append(received, m)
		case <-ctx.Done():
			nakReceived(received)
			// The rest of the pull may still arrive
			go func() {
				for m := range incoming {
					m.Nak()
				}
			}()
			return nil, ctx.Err()
		}
	}

	if err := batchErr(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		nakReceived(received)
		return nil, fmt.Errorf("fetch interrupted: %w", err)
	}

	msgs := make([]Message, len(received))
	for i, m := range received {
		msgs[i] = jetStreamMessage{m}
	}
	return msgs, nil
}

func nakReceived(msgs []jetstream.Msg) {
	for _, m := range msgs {
		if err := m.Nak(); err != nil {
			util.DebugLog("Failed to nak %s: %v", m.Subject(), err)
		}
	}
}

type jetStreamMessage struct {
	msg jetstream.Msg
}

func (m jetStreamMessage) Subject() string { return m.msg.Subject() }
func (m jetStreamMessage) Data() []byte    { return m.msg.Data() }

func (m jetStreamMessage) Ack(ctx context.Context) error {
	return m.msg.DoubleAck(ctx)
}

func (m jetStreamMessage) Nak(context.Context) error {
	return m.msg.Nak()
}

func (m jetStreamMessage) Term(context.Context) error {
	return m.msg.TermWithReason("malformed change event")
}
