// Package changelog defines the change events published for every insert,
// update or delete of a fingerprint row and consumed by the index updaters.
package changelog

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/franz/fpmatch/internal/fingerprint"
)

const (
	// StreamName is the name of the stream carrying fingerprint changes
	StreamName = "fpindex"

	// SubjectPrefix is prepended to the fingerprint id to form the subject
	SubjectPrefix = "fingerprints"

	// HashVersion is the algorithm version written into event payloads
	HashVersion uint8 = 0
)

// ErrMalformed is returned for payloads that are not valid change events
var ErrMalformed = errors.New("malformed change event")

// Op is the kind of change
type Op string

const (
	OpInsert Op = "I"
	OpUpdate Op = "U"
	OpDelete Op = "D"
)

// Event is one fingerprint change. Snapshot rows are published as inserts
// with XID and LSN 0.
type Event struct {
	Op      Op     `msgpack:"o"`
	XID     int64  `msgpack:"x"`
	LSN     uint64 `msgpack:"l"`
	ID      int64  `msgpack:"i"`
	Hashes  []byte `msgpack:"h,omitempty"`
	SimHash uint32 `msgpack:"s,omitempty"`
}

// NewInsert builds an insert event for a fingerprint
func NewInsert(xid int64, lsn uint64, id int64, hashes []int32) Event {
	return withHashes(Event{Op: OpInsert, XID: xid, LSN: lsn, ID: id}, hashes)
}

// NewUpdate builds an update event for a fingerprint
func NewUpdate(xid int64, lsn uint64, id int64, hashes []int32) Event {
	return withHashes(Event{Op: OpUpdate, XID: xid, LSN: lsn, ID: id}, hashes)
}

// NewDelete builds a delete event for a fingerprint
func NewDelete(xid int64, lsn uint64, id int64) Event {
	return Event{Op: OpDelete, XID: xid, LSN: lsn, ID: id}
}

func withHashes(e Event, hashes []int32) Event {
	e.Hashes = fingerprint.Compress(hashes, HashVersion)
	e.SimHash = fingerprint.SimHash(hashes)
	return e
}

// Fingerprint decodes the hashes carried by an insert or update
func (e Event) Fingerprint() ([]int32, error) {
	if e.Op == OpDelete {
		return nil, fmt.Errorf("%w: delete event %d carries no hashes", ErrMalformed, e.ID)
	}
	hashes, _, err := fingerprint.Decompress(e.Hashes)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint %d: %w", ErrMalformed, e.ID, err)
	}
	return hashes, nil
}

// Subject returns the stream subject of event e
func (e Event) Subject(prefix string) string {
	return Subject(prefix, e.ID)
}

// Subject returns "<prefix>.<id>"
func Subject(prefix string, id int64) string {
	return prefix + "." + strconv.FormatInt(id, 10)
}

// Encode serializes e as a msgpack map
func Encode(e Event) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return data, nil
}

// Decode parses a msgpack change event
func Decode(data []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) validate() error {
	switch e.Op {
	case OpInsert, OpUpdate:
		if len(e.Hashes) == 0 {
			return fmt.Errorf("%w: %s event %d without hashes", ErrMalformed, e.Op, e.ID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformed, e.Op)
	}
	if e.ID <= 0 {
		return fmt.Errorf("%w: missing fingerprint id", ErrMalformed)
	}
	return nil
}
