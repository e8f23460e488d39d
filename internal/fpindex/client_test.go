package fpindex

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIndexIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeIndex(t)
	c := NewClient(srv.URL + "/")

	exists, err := c.IndexExists(ctx, "main")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.CreateIndex(ctx, "main"))
	require.NoError(t, c.CreateIndex(ctx, "main"))
	f.with(func(f *fakeIndex) { assert.Equal(t, 1, f.creates) })

	exists, err = c.IndexExists(ctx, "main")
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := c.GetIndexInfo(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Docs)
}

func TestDeleteMissingIndex(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeIndex(t)
	c := NewClient(srv.URL)

	require.NoError(t, c.DeleteIndex(ctx, "nope"))

	require.NoError(t, c.CreateIndex(ctx, "main"))
	require.NoError(t, c.DeleteIndex(ctx, "main"))
	exists, err := c.IndexExists(ctx, "main")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateAndSearch(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeIndex(t)
	c := NewClient(srv.URL)
	require.NoError(t, c.CreateIndex(ctx, "main"))

	b := &Batch{}
	b.Insert(1, []uint32{10, 11, 12})
	b.Insert(2, []uint32{10, 20, 30})
	b.SetAttribute(MaxLSNAttribute, 500)
	require.NoError(t, c.Update(ctx, "main", b))
	assert.Equal(t, uint64(500), f.attr("main", MaxLSNAttribute))

	results, err := c.Search(ctx, "main", []uint32{10, 11}, 2*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SearchResult{ID: 1, Score: 2}, results[0])
	assert.Equal(t, SearchResult{ID: 2, Score: 1}, results[1])

	f.with(func(f *fakeIndex) {
		assert.Equal(t, 2000, f.lastSearch.Timeout)
		assert.Equal(t, 10, f.lastSearch.Limit)
	})
}

func TestUpdateReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeIndex(t)
	c := NewClient(srv.URL)
	require.NoError(t, c.CreateIndex(ctx, "main"))

	b := &Batch{}
	b.Insert(7, []uint32{1, 2, 3})
	b.Delete(99)
	require.NoError(t, c.Update(ctx, "main", b))
	require.NoError(t, c.Update(ctx, "main", b))

	docs := f.docs("main")
	assert.Len(t, docs, 1)
	assert.Equal(t, []uint32{1, 2, 3}, docs[7])
}

func TestFingerprintDocuments(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeIndex(t)
	c := NewClient(srv.URL)
	require.NoError(t, c.CreateIndex(ctx, "main"))

	info, err := c.GetFingerprint(ctx, "main", 5)
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, c.PutFingerprint(ctx, "main", 5, []uint32{1}))

	exists, err := c.FingerprintExists(ctx, "main", 5)
	require.NoError(t, err)
	assert.True(t, exists)

	info, err = c.GetFingerprint(ctx, "main", 5)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint64(1), info.Version)

	require.NoError(t, c.DeleteFingerprint(ctx, "main", 5))
	exists, err = c.FingerprintExists(ctx, "main", 5)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGatewayTimeout(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeIndex(t)
	c := NewClient(srv.URL)
	require.NoError(t, c.CreateIndex(ctx, "main"))
	f.with(func(f *fakeIndex) { f.searchStatus = http.StatusGatewayTimeout })

	_, err := c.Search(ctx, "main", []uint32{1}, time.Second, 10)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClientDeadline(t *testing.T) {
	f, srv := newFakeIndex(t)
	f.with(func(f *fakeIndex) { f.delay = 500 * time.Millisecond })
	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond))

	_, err := c.IndexExists(context.Background(), "main")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	f, srv := newFakeIndex(t)
	f.with(func(f *fakeIndex) { f.delay = 500 * time.Millisecond })
	c := NewClient(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.IndexExists(ctx, "main")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnexpectedStatus(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeIndex(t)
	c := NewClient(srv.URL)

	_, err := c.GetIndexInfo(ctx, "missing")
	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, http.StatusNotFound, cerr.Status)
	assert.Equal(t, "index not found", cerr.Body)
}

func TestHealthcheckAndMetrics(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeIndex(t)
	c := NewClient(srv.URL, WithRateLimit(100, 10))

	require.NoError(t, c.Healthcheck(ctx, ""))
	assert.Error(t, c.Healthcheck(ctx, "main"))
	require.NoError(t, c.CreateIndex(ctx, "main"))
	require.NoError(t, c.Healthcheck(ctx, "main"))

	text, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "fpindex_docs")
}

func TestBatch(t *testing.T) {
	b := &Batch{}
	assert.True(t, b.Empty())

	b.SetAttribute(MaxLSNAttribute, 0)
	assert.Equal(t, 0, b.Len())

	b.SetAttribute(MaxLSNAttribute, 3)
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.Empty())

	b.Delete(1)
	assert.False(t, b.Empty())
}

func TestIndexSearcher(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeIndex(t)
	c := NewClient(srv.URL)
	require.NoError(t, c.CreateIndex(ctx, "main"))
	b := &Batch{}
	b.Insert(3, []uint32{42})
	require.NoError(t, c.Update(ctx, "main", b))

	s := NewIndexSearcher(c, "main", 300*time.Millisecond)
	results, err := s.SearchIndex(ctx, []uint32{42}, 5)
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{{ID: 3, Score: 1}}, results)
	f.with(func(f *fakeIndex) { assert.Equal(t, 300, f.lastSearch.Timeout) })
}
