package fpindex

import (
	"context"
	"time"
)

// IndexSearcher binds a client to one index and a search timeout
type IndexSearcher struct {
	client  *Client
	index   string
	timeout time.Duration
}

// NewIndexSearcher returns a searcher over index
func NewIndexSearcher(client *Client, index string, timeout time.Duration) *IndexSearcher {
	return &IndexSearcher{client: client, index: index, timeout: timeout}
}

// SearchIndex returns up to limit candidates for query
func (s *IndexSearcher) SearchIndex(ctx context.Context, query []uint32, limit int) ([]SearchResult, error) {
	return s.client.Search(ctx, s.index, query, s.timeout, limit)
}
