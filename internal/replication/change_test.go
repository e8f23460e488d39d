package replication

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/fingerprint"
)

func byteaValue(hashes []int32) string {
	return `"\\x` + hex.EncodeToString(fingerprint.Compress(hashes, 0)) + `"`
}

func TestParseWal2JSON(t *testing.T) {
	hashes := []int32{1, -2, 3, 400000, -5000000}

	tests := []struct {
		name   string
		data   string
		op     changelog.Op
		id     int64
		hashes []int32
	}{
		{
			name: "insert",
			data: `{"action":"I","schema":"public","table":"fingerprint","columns":[` +
				`{"name":"id","type":"integer","value":42},` +
				`{"name":"fingerprint","type":"bytea","value":` + byteaValue(hashes) + `}]}`,
			op:     changelog.OpInsert,
			id:     42,
			hashes: hashes,
		},
		{
			name: "update",
			data: `{"action":"U","schema":"public","table":"fingerprint",` +
				`"columns":[{"name":"id","type":"integer","value":7},{"name":"fingerprint","type":"bytea","value":` + byteaValue(hashes) + `}],` +
				`"identity":[{"name":"id","type":"integer","value":7}]}`,
			op:     changelog.OpUpdate,
			id:     7,
			hashes: hashes,
		},
		{
			name: "update with integer array",
			data: `{"action":"U","schema":"public","table":"fingerprint",` +
				`"columns":[{"name":"fingerprint","type":"integer[]","value":"{1,-2,3}"}],` +
				`"identity":[{"name":"id","type":"integer","value":8}]}`,
			op:     changelog.OpUpdate,
			id:     8,
			hashes: []int32{1, -2, 3},
		},
		{
			name: "update without toasted fingerprint",
			data: `{"action":"U","schema":"public","table":"fingerprint",` +
				`"columns":[{"name":"id","type":"integer","value":42},{"name":"submission_count","type":"integer","value":3}],` +
				`"identity":[{"name":"id","type":"integer","value":42}]}`,
		},
		{
			name: "delete",
			data: `{"action":"D","schema":"public","table":"fingerprint","identity":[{"name":"id","type":"integer","value":9}]}`,
			op:   changelog.OpDelete,
			id:   9,
		},
		{
			name: "begin",
			data: `{"action":"B"}`,
		},
		{
			name: "commit",
			data: `{"action":"C"}`,
		},
		{
			name: "other table",
			data: `{"action":"I","schema":"public","table":"track","columns":[{"name":"id","type":"integer","value":1}]}`,
		},
		{
			name: "truncate",
			data: `{"action":"T","schema":"public","table":"fingerprint"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseWal2JSON(100, 5, []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, uint64(100), c.LSN)
			assert.Equal(t, int64(5), c.XID)
			assert.Equal(t, tt.op, c.Op)
			assert.Equal(t, tt.id, c.ID)
			assert.Equal(t, tt.hashes, c.Hashes)

			_, ok := c.Event()
			assert.Equal(t, tt.op != "", ok)
		})
	}
}

func TestParseWal2JSONErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"action":`},
		{"insert without id", `{"action":"I","schema":"public","table":"fingerprint","columns":[]}`},
		{"update without identity", `{"action":"U","schema":"public","table":"fingerprint","columns":[{"name":"id","type":"integer","value":1}]}`},
		{"insert without fingerprint", `{"action":"I","schema":"public","table":"fingerprint","columns":[{"name":"id","type":"integer","value":1}]}`},
		{"bad bytea", `{"action":"I","schema":"public","table":"fingerprint","columns":[{"name":"id","value":1},{"name":"fingerprint","value":"\\xzz"}]}`},
		{"bad id", `{"action":"D","schema":"public","table":"fingerprint","identity":[{"name":"id","value":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWal2JSON(1, 1, []byte(tt.data))
			assert.ErrorIs(t, err, ErrBadChange)
		})
	}
}

func TestChangeEvent(t *testing.T) {
	hashes := []int32{10, 20, 30}

	e, ok := Change{LSN: 12, XID: 3, Op: changelog.OpInsert, ID: 4, Hashes: hashes}.Event()
	require.True(t, ok)
	assert.Equal(t, changelog.OpInsert, e.Op)
	assert.Equal(t, uint64(12), e.LSN)
	assert.Equal(t, int64(3), e.XID)
	got, err := e.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, hashes, got)

	e, ok = Change{LSN: 13, Op: changelog.OpDelete, ID: 4}.Event()
	require.True(t, ok)
	assert.Empty(t, e.Hashes)
	assert.Equal(t, "fingerprints.4", e.Subject(changelog.SubjectPrefix))
}

func TestLSN(t *testing.T) {
	lsn, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x16)<<32|0xB374D848, lsn)
	assert.Equal(t, "16/B374D848", FormatLSN(lsn))
	assert.Equal(t, "0/0", FormatLSN(0))

	for _, bad := range []string{"", "16", "x/1", "1/y", fmt.Sprintf("%X/1", uint64(1)<<33)} {
		_, err := ParseLSN(bad)
		assert.Error(t, err, bad)
	}
}
