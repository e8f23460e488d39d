package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout:
//
//	q                   -> last sequence number
//	m<seq>              -> record (subject + data)
//	s<subject>          -> seq of the retained message of subject
//	c<durable>          -> ack floor of a durable consumer
//	x<durable>\x00<seq> -> dead-lettered record
const (
	prefixMessage = 'm'
	prefixSubject = 's'
	prefixCursor  = 'c'
	prefixDead    = 'x'
)

var seqKey = []byte{'q'}

type record struct {
	Subject string `msgpack:"s"`
	Data    []byte `msgpack:"d"`
}

// Pebble is a single-node stream stored in an embedded Pebble database. It
// has the same retention as the JetStream stream: one message per subject.
type Pebble struct {
	db *pebble.DB

	mu        sync.Mutex
	seq       uint64
	notify    chan struct{}
	consumers map[string]*pebbleConsumer
	closed    bool
}

// PebbleOptions configures an embedded stream
type PebbleOptions struct {
	InMemory bool // Keep everything in memory, for tests
}

// OpenPebble opens or creates an embedded stream in dir
func OpenPebble(dir string, opts *PebbleOptions) (*Pebble, error) {
	if opts == nil {
		opts = &PebbleOptions{}
	}

	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream database: %w", err)
	}

	s := &Pebble{
		db:        db,
		notify:    make(chan struct{}),
		consumers: make(map[string]*pebbleConsumer),
	}

	seq, err := s.getUint64(seqKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.seq = seq
	return s, nil
}

// DB exposes the underlying database, e.g. for metrics collection
func (s *Pebble) DB() *pebble.DB {
	return s.db
}

func (s *Pebble) getUint64(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %q: %w", key, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt value for %q", key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func msgKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixMessage}, seq)
}

func subjectKey(subject string) []byte {
	return append([]byte{prefixSubject}, subject...)
}

func cursorKey(durable string) []byte {
	return append([]byte{prefixCursor}, durable...)
}

func deadPrefix(durable string) []byte {
	return append(append([]byte{prefixDead}, durable...), 0)
}

func deadKey(durable string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(deadPrefix(durable), seq)
}

func uint64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// Publish appends data under subject and drops the previous message of the
// same subject.
func (s *Pebble) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := msgpack.Marshal(&record{Subject: subject, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prev, err := s.getUint64(subjectKey(subject))
	if err != nil {
		return err
	}

	seq := s.seq + 1
	b := s.db.NewBatch()
	defer b.Close()
	if prev != 0 {
		b.Delete(msgKey(prev), nil)
	}
	b.Set(msgKey(seq), rec, nil)
	b.Set(subjectKey(subject), uint64Bytes(seq), nil)
	b.Set(seqKey, uint64Bytes(seq), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	s.seq = seq
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// Consumer returns the durable consumer with the given name. Delivery
// resumes after the last acknowledged position.
func (s *Pebble) Consumer(ctx context.Context, durable string) (Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if c, ok := s.consumers[durable]; ok {
		return c, nil
	}

	floor, err := s.getUint64(cursorKey(durable))
	if err != nil {
		return nil, err
	}
	c := &pebbleConsumer{
		s:        s,
		durable:  durable,
		next:     floor + 1,
		inflight: make(map[uint64]struct{}),
	}
	s.consumers[durable] = c
	return c, nil
}

// DeadLetters returns the dead-lettered records of a durable consumer
func (s *Pebble) DeadLetters(durable string) ([]DeadLetter, error) {
	prefix := deadPrefix(durable)
	upper := append(slices.Clone(prefix[:len(prefix)-1]), 1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DeadLetter
	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := msgpack.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt dead letter: %w", err)
		}
		out = append(out, DeadLetter{
			Seq:     binary.BigEndian.Uint64(iter.Key()[len(prefix):]),
			Subject: rec.Subject,
			Data:    rec.Data,
		})
	}
	return out, iter.Error()
}

// DeadLetter is a message a consumer gave up on
type DeadLetter struct {
	Seq     uint64
	Subject string
	Data    []byte
}

// Close closes the database. Pending fetches return ErrClosed.
func (s *Pebble) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.notify)
	s.mu.Unlock()
	return s.db.Close()
}

type pebbleConsumer struct {
	s       *Pebble
	durable string

	mu        sync.Mutex
	next      uint64
	inflight  map[uint64]struct{}
	redeliver []uint64
}

func (c *pebbleConsumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		c.s.mu.Lock()
		closed, notify := c.s.closed, c.s.notify
		c.s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		msgs, err := c.take(batch)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (c *pebbleConsumer) take(batch int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Message

	for len(c.redeliver) > 0 && len(out) < batch {
		seq := c.redeliver[0]
		c.redeliver = c.redeliver[1:]
		msg, ok, err := c.load(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			// superseded by a newer message of the same subject
			continue
		}
		c.inflight[seq] = struct{}{}
		out = append(out, msg)
	}

	if len(out) >= batch {
		return out, nil
	}

	iter, err := c.s.db.NewIter(&pebble.IterOptions{
		LowerBound: msgKey(c.next),
		UpperBound: []byte{prefixMessage + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid() && len(out) < batch; iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[1:])
		var rec record
		if err := msgpack.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt record %d: %w", seq, err)
		}
		c.inflight[seq] = struct{}{}
		c.next = seq + 1
		out = append(out, &pebbleMessage{c: c, seq: seq, subject: rec.Subject, data: rec.Data})
	}
	return out, iter.Error()
}

func (c *pebbleConsumer) load(seq uint64) (*pebbleMessage, bool, error) {
	val, closer, err := c.s.db.Get(msgKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	var rec record
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt record %d: %w", seq, err)
	}
	return &pebbleMessage{c: c, seq: seq, subject: rec.Subject, data: rec.Data}, true, nil
}

// floor is the highest sequence below which everything is acknowledged
func (c *pebbleConsumer) floor() uint64 {
	low := c.next
	for seq := range c.inflight {
		low = min(low, seq)
	}
	for _, seq := range c.redeliver {
		low = min(low, seq)
	}
	return low - 1
}

func (c *pebbleConsumer) settle(seq uint64, dead *record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, seq)

	b := c.s.db.NewBatch()
	defer b.Close()
	if dead != nil {
		rec, err := msgpack.Marshal(dead)
		if err != nil {
			return err
		}
		b.Set(deadKey(c.durable, seq), rec, nil)
	}
	b.Set(cursorKey(c.durable), uint64Bytes(c.floor()), nil)
	// A lost cursor update only causes redelivery
	return b.Commit(pebble.NoSync)
}

func (c *pebbleConsumer) nak(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[seq]; !ok {
		return
	}
	delete(c.inflight, seq)
	c.redeliver = append(c.redeliver, seq)
}

type pebbleMessage struct {
	c       *pebbleConsumer
	seq     uint64
	subject string
	data    []byte
}

func (m *pebbleMessage) Subject() string { return m.subject }
func (m *pebbleMessage) Data() []byte    { return m.data }

func (m *pebbleMessage) Ack(ctx context.Context) error {
	return m.c.settle(m.seq, nil)
}

func (m *pebbleMessage) Nak(ctx context.Context) error {
	m.c.nak(m.seq)
	return nil
}

func (m *pebbleMessage) Term(ctx context.Context) error {
	return m.c.settle(m.seq, &record{Subject: m.subject, Data: m.data})
}
