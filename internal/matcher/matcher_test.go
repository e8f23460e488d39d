package matcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/fpindex"
	"github.com/franz/fpmatch/internal/store"
)

func randomHashes(seed uint64, n int) []int32 {
	rng := rand.New(rand.NewPCG(seed, 3))
	hashes := make([]int32, n)
	for i := range hashes {
		hashes[i] = int32(rng.Uint32())
	}
	return hashes
}

func flipBits(hashes []int32, seed uint64, every int) []int32 {
	rng := rand.New(rand.NewPCG(seed, 5))
	out := append([]int32(nil), hashes...)
	for i := 0; i < len(out); i += every {
		out[i] ^= 1 << rng.IntN(16)
	}
	return out
}

// countingSource records how often the store is scanned
type countingSource struct {
	*store.Store
	finds int
}

func (c *countingSource) FindCandidates(ctx context.Context, hashes []uint32, minLength, maxLength int) ([]*store.Fingerprint, error) {
	c.finds++
	return c.Store.FindCandidates(ctx, hashes, minLength, maxLength)
}

type fakeIndex struct {
	results []fpindex.SearchResult
	err     error
	calls   int
}

func (f *fakeIndex) SearchIndex(ctx context.Context, query []uint32, limit int) ([]fpindex.SearchResult, error) {
	f.calls++
	return f.results, f.err
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addFingerprint(t *testing.T, s *store.Store, trackID int64, hashes []int32, length int) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	if trackID == 0 {
		var err error
		trackID, err = s.InsertTrack(ctx)
		require.NoError(t, err)
	}
	id, err := s.InsertFingerprint(ctx, &store.Fingerprint{TrackID: trackID, Hashes: hashes, Length: length}, 0, 0)
	require.NoError(t, err)
	return id, trackID
}

func TestSearchFindsIdenticalFingerprint(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	hashes := randomHashes(1, 1000)
	fpID, trackID := addFingerprint(t, s, 0, hashes, 120)
	addFingerprint(t, s, 0, randomHashes(2, 1000), 120)

	matches, err := New(s).Search(ctx, hashes, 121)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fpID, matches[0].FingerprintID)
	assert.Equal(t, trackID, matches[0].TrackID)
	assert.NotEmpty(t, matches[0].TrackGID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestSearchFindsNoisyCopy(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	hashes := randomHashes(3, 1000)
	fpID, _ := addFingerprint(t, s, 0, hashes, 200)

	matches, err := New(s).Search(ctx, flipBits(hashes, 1, 7), 200)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fpID, matches[0].FingerprintID)
	assert.Greater(t, matches[0].Score, 0.9)
}

func TestSearchLengthWindow(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	hashes := randomHashes(4, 800)
	addFingerprint(t, s, 0, hashes, 100)

	matches, err := New(s).Search(ctx, hashes, 107)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = New(s).Search(ctx, hashes, 108)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchNoCandidates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	addFingerprint(t, s, 0, randomHashes(5, 800), 100)

	matches, err := New(s).Search(ctx, randomHashes(6, 800), 100)
	require.NoError(t, err)
	assert.Empty(t, matches)

	silence := make([]int32, 500)
	for i := range silence {
		silence[i] = int32(fingerprint.SilenceHash)
	}
	matches, err = New(s).Search(ctx, silence, 100)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchDeduplicatesTracks(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	hashes := randomHashes(7, 1000)
	bestID, trackID := addFingerprint(t, s, 0, hashes, 150)
	addFingerprint(t, s, trackID, flipBits(hashes, 2, 5), 150)
	otherID, otherTrack := addFingerprint(t, s, 0, flipBits(hashes, 3, 3), 150)

	matches, err := New(s, WithParts(Part{1, 120})).Search(ctx, hashes, 150)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, bestID, matches[0].FingerprintID)
	assert.Equal(t, trackID, matches[0].TrackID)
	assert.Equal(t, otherID, matches[1].FingerprintID)
	assert.Equal(t, otherTrack, matches[1].TrackID)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestSearchStopsWhenGoodEnough(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	hashes := randomHashes(8, 1000)
	addFingerprint(t, s, 0, hashes, 100)

	src := &countingSource{Store: s}
	matches, err := New(src).Search(ctx, hashes, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, src.finds)

	// nothing good enough: every part is scanned
	src.finds = 0
	_, err = New(src).Search(ctx, randomHashes(9, 1000), 100)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultParts), src.finds)
}

func TestSearchIndexFastPath(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	hashes := randomHashes(10, 1000)
	fpID, _ := addFingerprint(t, s, 0, hashes, 100)
	otherID, _ := addFingerprint(t, s, 0, randomHashes(11, 1000), 100)

	index := &fakeIndex{results: []fpindex.SearchResult{
		{ID: uint32(otherID), Score: 10},
		{ID: uint32(fpID), Score: 50},
	}}
	src := &countingSource{Store: s}

	matches, err := New(src, WithIndex(index, true)).Search(ctx, hashes, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fpID, matches[0].FingerprintID)
	assert.Equal(t, 1, index.calls)
	assert.Equal(t, 0, src.finds)
}

func TestSearchIndexTimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	hashes := randomHashes(12, 1000)
	fpID, _ := addFingerprint(t, s, 0, hashes, 100)

	for _, fast := range []bool{true, false} {
		index := &fakeIndex{err: fpindex.ErrTimeout}
		src := &countingSource{Store: s}

		matches, err := New(src, WithIndex(index, fast)).Search(ctx, hashes, 100)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, fpID, matches[0].FingerprintID)
		assert.Positive(t, src.finds)
	}
}

func TestSearchIndexErrors(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	hashes := randomHashes(13, 1000)
	addFingerprint(t, s, 0, hashes, 100)

	boom := errors.New("boom")

	matches, err := New(s, WithIndex(&fakeIndex{err: boom}, true)).Search(ctx, hashes, 100)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = New(s, WithIndex(&fakeIndex{err: boom}, false)).Search(ctx, hashes, 100)
	assert.ErrorIs(t, err, boom)
}

func TestSearchIndexMissCombinesWithStore(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	hashes := randomHashes(14, 1000)
	fpID, _ := addFingerprint(t, s, 0, hashes, 100)

	// the index has not caught up yet
	index := &fakeIndex{}
	matches, err := New(s, WithIndex(index, false)).Search(ctx, hashes, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fpID, matches[0].FingerprintID)

	matches, err = New(s, WithIndex(index, true)).Search(ctx, hashes, 100)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSelectCandidates(t *testing.T) {
	results := []fpindex.SearchResult{
		{ID: 1, Score: 5},
		{ID: 2, Score: 100},
		{ID: 3, Score: 40},
		{ID: 4, Score: 41},
		{ID: 5, Score: 11},
	}

	assert.Equal(t, []int64{2, 4}, selectCandidates(results, 10, 40))
	assert.Equal(t, []int64{2, 4, 3, 5}, selectCandidates(results, 10, 10))
	assert.Equal(t, []int64{2, 4}, selectCandidates(results, 2, 10))
	assert.Empty(t, selectCandidates(nil, 10, 10))
}
