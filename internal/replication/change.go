package replication

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/fingerprint"
)

const (
	replicatedSchema = "public"
	replicatedTable  = "fingerprint"
)

// ErrBadChange is returned for a fingerprint change that cannot be decoded
var ErrBadChange = errors.New("bad replication change")

// Change is one decoded slot entry. Op is empty for entries that do not
// touch the fingerprint table; they only move the LSN forward.
type Change struct {
	LSN    uint64
	XID    int64
	Op     changelog.Op
	ID     int64
	Hashes []int32
}

// Event converts the change into a change event. It reports false for
// no-op changes.
func (c Change) Event() (changelog.Event, bool) {
	switch c.Op {
	case changelog.OpInsert:
		return changelog.NewInsert(c.XID, c.LSN, c.ID, c.Hashes), true
	case changelog.OpUpdate:
		return changelog.NewUpdate(c.XID, c.LSN, c.ID, c.Hashes), true
	case changelog.OpDelete:
		return changelog.NewDelete(c.XID, c.LSN, c.ID), true
	}
	return changelog.Event{}, false
}

// ParseLSN parses the textual "XXX/XXX" form of a log sequence number
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("invalid lsn %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return h<<32 | l, nil
}

// FormatLSN is the inverse of ParseLSN
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, uint32(lsn))
}

// wal2json format-version 2 record
type walRecord struct {
	Action   string      `json:"action"`
	Schema   string      `json:"schema"`
	Table    string      `json:"table"`
	Columns  []walColumn `json:"columns"`
	Identity []walColumn `json:"identity"`
}

type walColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func findColumn(cols []walColumn, name string) (walColumn, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return walColumn{}, false
}

// ParseWal2JSON decodes one wal2json (format-version 2) record. Begin and
// commit markers, messages, truncates, changes of other tables and updates
// without the fingerprint column become no-op changes.
func ParseWal2JSON(lsn uint64, xid int64, data []byte) (Change, error) {
	c := Change{LSN: lsn, XID: xid}

	var rec walRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return c, fmt.Errorf("%w: %v", ErrBadChange, err)
	}
	if rec.Schema != replicatedSchema || rec.Table != replicatedTable {
		return c, nil
	}

	var keyCols []walColumn
	switch rec.Action {
	case "I":
		keyCols = rec.Columns
	case "U", "D":
		keyCols = rec.Identity
	default:
		return c, nil
	}

	idCol, ok := findColumn(keyCols, "id")
	if !ok {
		return c, fmt.Errorf("%w: no fingerprint id found", ErrBadChange)
	}
	id, err := strconv.ParseInt(string(bytes.Trim(idCol.Value, `"`)), 10, 64)
	if err != nil || id <= 0 {
		return c, fmt.Errorf("%w: invalid fingerprint id %s", ErrBadChange, idCol.Value)
	}
	c.ID = id
	c.Op = changelog.Op(rec.Action)

	if c.Op == changelog.OpDelete {
		return c, nil
	}

	fpCol, ok := findColumn(rec.Columns, "fingerprint")
	if !ok && c.Op == changelog.OpUpdate {
		// Unchanged TOASTed columns are left out of updates. Hashes never
		// change after insert, so there is nothing to publish.
		return Change{LSN: lsn, XID: xid}, nil
	}
	if !ok {
		return c, fmt.Errorf("%w: no fingerprint data found for %d", ErrBadChange, id)
	}
	c.Hashes, err = decodeFingerprintColumn(fpCol)
	if err != nil {
		return c, fmt.Errorf("%w: fingerprint %d: %v", ErrBadChange, id, err)
	}
	return c, nil
}

// decodeFingerprintColumn decodes either a bytea value ("\x..." hex) holding
// a compressed fingerprint or a plain integer array ("{1,2,3}").
func decodeFingerprintColumn(col walColumn) ([]int32, error) {
	var text string
	if err := json.Unmarshal(col.Value, &text); err != nil {
		return nil, fmt.Errorf("expected a string value: %w", err)
	}
	if strings.HasPrefix(text, "{") {
		return parseIntArray(text)
	}
	raw, ok := strings.CutPrefix(text, `\x`)
	if !ok {
		return nil, fmt.Errorf("unsupported bytea encoding")
	}
	blob, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	hashes, _, err := fingerprint.Decompress(blob)
	return hashes, err
}

func parseIntArray(text string) ([]int32, error) {
	inner, ok := strings.CutSuffix(strings.TrimPrefix(text, "{"), "}")
	if !ok {
		return nil, fmt.Errorf("unterminated array")
	}
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	hashes := make([]int32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid array element %q", p)
		}
		hashes[i] = int32(v)
	}
	return hashes, nil
}
