package fingerprint

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sequentialHashes(n int) []int32 {
	hashes := make([]int32, n)
	for i := range hashes {
		hashes[i] = int32((i + 1) << 4)
	}
	return hashes
}

func TestExtractQueryStartOffset(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		size      int
		start     int
		wantFirst int32
		wantLen   int
	}{
		{"default start", 200, 120, 80, 81 << 4, 120},
		{"clamped to fit", 150, 120, 80, 31 << 4, 120},
		{"shorter than size", 5, 10, 80, 1 << 4, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := ExtractQuery(sequentialHashes(tt.n), tt.size, tt.start)
			assert.Len(t, query, tt.wantLen)
			assert.Equal(t, uint32(tt.wantFirst), query[0])
		})
	}
}

func TestExtractQueryBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	hashes := make([]int32, 1000)
	for i := range hashes {
		// low bits collapse under the mask, so this input is full of near-duplicates
		hashes[i] = int32(rng.Uint32N(64) << 26)
	}

	query := ExtractQuery(hashes, 120, 80)
	assert.LessOrEqual(t, len(query), 120)

	seen := make(map[uint32]bool)
	for _, h := range query {
		assert.False(t, seen[h], "duplicate %#x", h)
		seen[h] = true
		assert.Zero(t, h&^QueryBitMask)
	}
}

func TestExtractQuerySilence(t *testing.T) {
	silence := make([]int32, 300)
	for i := range silence {
		silence[i] = int32(SilenceHash)
	}
	assert.Empty(t, ExtractQuery(silence, 120, 80))
	assert.Empty(t, ExtractQuery(nil, 120, 80))

	mixed := append([]int32{int32(SilenceHash), 0x100}, silence[:3]...)
	assert.Equal(t, []uint32{0x100}, ExtractQuery(mixed, 120, 80))
}

func TestExtractQueryNonPositiveSize(t *testing.T) {
	assert.Empty(t, ExtractQuery(sequentialHashes(200), 0, 80))
	assert.Empty(t, ExtractQuery(sequentialHashes(200), -1, 80))
}

func TestUniqueCount(t *testing.T) {
	assert.Equal(t, 0, UniqueCount(nil))
	assert.Equal(t, 3, UniqueCount([]int32{1, 2, 2, 3, 1}))
}
