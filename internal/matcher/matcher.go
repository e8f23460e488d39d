// Package matcher finds stored fingerprints that match a query fingerprint.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/fpindex"
	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/util"
)

const (
	DefaultMinScore        = 0.3
	DefaultMaxLengthDiff   = 7
	DefaultMaxOffset       = 80
	DefaultGoodEnoughScore = 0.85
)

// Part is a 1-based inclusive range of the extracted query
type Part struct {
	Start, End int
}

// DefaultParts searches a narrow slice first, then a wider one
var DefaultParts = []Part{{1, 20}, {21, 100}}

// Match is one search result
type Match struct {
	FingerprintID int64
	TrackID       int64
	TrackGID      string
	Score         float64
}

// CandidateSource provides stored fingerprints. *store.Store and *store.Tx
// implement it.
type CandidateSource interface {
	FindCandidates(ctx context.Context, hashes []uint32, minLength, maxLength int) ([]*store.Fingerprint, error)
	GetFingerprintsByIDs(ctx context.Context, ids []int64, minLength, maxLength int) ([]*store.Fingerprint, error)
	LookupTrackGIDs(ctx context.Context, trackIDs []int64) (map[int64]string, error)
}

// IndexSearcher queries the external fingerprint index
type IndexSearcher interface {
	SearchIndex(ctx context.Context, query []uint32, limit int) ([]fpindex.SearchResult, error)
}

// Searcher runs fingerprint searches
type Searcher struct {
	MinScore        float64
	MaxLengthDiff   int
	MaxOffset       int
	GoodEnoughScore float64
	Parts           []Part

	// Fast trusts the index alone and tolerates index failures. Otherwise
	// index candidates are combined with a store scan and index errors other
	// than timeouts fail the search.
	Fast bool

	source CandidateSource
	index  IndexSearcher
	events *report.EventLogger
}

// Option configures a Searcher
type Option func(*Searcher)

// WithMinScore sets the score a candidate must exceed
func WithMinScore(score float64) Option {
	return func(s *Searcher) { s.MinScore = score }
}

// WithIndex enables the external index path
func WithIndex(index IndexSearcher, fast bool) Option {
	return func(s *Searcher) {
		s.index = index
		s.Fast = fast
	}
}

// WithParts replaces the query parts scanned in the store
func WithParts(parts ...Part) Option {
	return func(s *Searcher) { s.Parts = parts }
}

// WithEvents logs every match to the event log
func WithEvents(events *report.EventLogger) Option {
	return func(s *Searcher) { s.events = events }
}

// New creates a searcher over source
func New(source CandidateSource, opts ...Option) *Searcher {
	s := &Searcher{
		MinScore:        DefaultMinScore,
		MaxLengthDiff:   DefaultMaxLengthDiff,
		MaxOffset:       DefaultMaxOffset,
		GoodEnoughScore: DefaultGoodEnoughScore,
		Parts:           DefaultParts,
		source:          source,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// search holds the state of one Search call
type search struct {
	s       *Searcher
	hashes  []int32
	minLen  int
	maxLen  int
	scored  *roaring64.Bitmap
	matches []Match
	best    float64
}

// consider scores candidates that were not scored yet
func (q *search) consider(candidates []*store.Fingerprint) {
	for _, c := range candidates {
		if !q.scored.CheckedAdd(uint64(c.ID)) {
			continue
		}
		score := fingerprint.Compare(q.hashes, c.Hashes, q.s.MaxOffset)
		if score <= q.s.MinScore {
			continue
		}
		q.matches = append(q.matches, Match{FingerprintID: c.ID, TrackID: c.TrackID, Score: score})
		q.best = max(q.best, score)
	}
}

// Search returns the fingerprints matching hashes whose declared length is
// within MaxLengthDiff seconds of length, best first, one per track. No
// candidates is not an error.
func (s *Searcher) Search(ctx context.Context, hashes []int32, length int) ([]Match, error) {
	start := time.Now()

	query := fingerprint.DefaultQuery(hashes)
	if len(query) == 0 {
		return nil, nil
	}

	q := &search{
		s:      s,
		hashes: hashes,
		minLen: length - s.MaxLengthDiff,
		maxLen: length + s.MaxLengthDiff,
		scored: roaring64.New(),
	}

	path := "store"
	indexed := false
	if s.index != nil {
		ok, err := s.searchIndex(ctx, q, query)
		if err != nil {
			return nil, err
		}
		if ok {
			indexed = true
			path = "index"
		}
	}

	if !indexed || !s.Fast {
		if err := s.searchStore(ctx, q, query); err != nil {
			return nil, err
		}
	}

	matches, err := s.finish(ctx, q.matches)
	if err != nil {
		return nil, err
	}

	metrics.Since(metrics.SearchDuration.WithLabelValues(path), start)
	metrics.SearchResults.Observe(float64(len(matches)))
	for _, m := range matches {
		s.events.LogMatch(m.FingerprintID, m.TrackID, m.Score)
	}
	return matches, nil
}

// searchStore scans the store part by part, stopping once a match is good
// enough.
func (s *Searcher) searchStore(ctx context.Context, q *search, query []uint32) error {
	for _, part := range s.Parts {
		if part.Start < 1 || part.Start > len(query) || part.End < part.Start {
			continue
		}
		sub := query[part.Start-1 : min(part.End, len(query))]

		candidates, err := s.source.FindCandidates(ctx, sub, q.minLen, q.maxLen)
		if err != nil {
			return fmt.Errorf("failed to find candidates: %w", err)
		}
		q.consider(candidates)

		if q.best > s.GoodEnoughScore {
			util.DebugLog("Search stopped after part %d-%d (best score %.3f)", part.Start, part.End, q.best)
			break
		}
	}
	return nil
}

// searchIndex scores the candidates returned by the external index. It
// reports false when the store has to be scanned instead.
func (s *Searcher) searchIndex(ctx context.Context, q *search, query []uint32) (bool, error) {
	maxCandidates, minScorePct := 20, 10
	if s.Fast {
		maxCandidates, minScorePct = 10, 40
	}

	results, err := s.index.SearchIndex(ctx, query, 0)
	switch {
	case err == nil:
	case errors.Is(err, fpindex.ErrTimeout):
		util.DebugLog("Index search timed out, scanning the store")
		metrics.IndexFallbacks.WithLabelValues("timeout").Inc()
		return false, nil
	case s.Fast && ctx.Err() == nil:
		util.WarnLog("Index search failed, scanning the store: %v", err)
		metrics.IndexFallbacks.WithLabelValues("error").Inc()
		return false, nil
	default:
		return false, fmt.Errorf("index search failed: %w", err)
	}

	ids := selectCandidates(results, maxCandidates, minScorePct)
	if len(ids) == 0 {
		return true, nil
	}

	candidates, err := s.source.GetFingerprintsByIDs(ctx, ids, q.minLen, q.maxLen)
	if err != nil {
		return false, fmt.Errorf("failed to load index candidates: %w", err)
	}
	q.consider(candidates)
	return true, nil
}

// selectCandidates keeps the results scoring above minScorePct percent of
// the top score, at most maxCandidates of them.
func selectCandidates(results []fpindex.SearchResult, maxCandidates, minScorePct int) []int64 {
	if len(results) == 0 {
		return nil
	}
	sorted := append([]fpindex.SearchResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	threshold := float64(sorted[0].Score) * float64(minScorePct) / 100
	ids := make([]int64, 0, maxCandidates)
	for _, r := range sorted {
		if float64(r.Score) <= threshold {
			break
		}
		ids = append(ids, int64(r.ID))
		if len(ids) == maxCandidates {
			break
		}
	}
	return ids
}

// finish sorts by score, keeps the best fingerprint per track and attaches
// track GIDs.
func (s *Searcher) finish(ctx context.Context, matches []Match) ([]Match, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].FingerprintID < matches[j].FingerprintID
	})

	seen := make(map[int64]bool, len(matches))
	out := matches[:0]
	for _, m := range matches {
		if seen[m.TrackID] {
			continue
		}
		seen[m.TrackID] = true
		out = append(out, m)
	}

	trackIDs := make([]int64, len(out))
	for i, m := range out {
		trackIDs[i] = m.TrackID
	}
	gids, err := s.source.LookupTrackGIDs(ctx, trackIDs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].TrackGID = gids[out[i].TrackID]
	}
	return out, nil
}
