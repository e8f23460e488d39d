// Package merge decides which fingerprints and tracks belong together and
// collapses tracks and MBIDs in the store.
package merge

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/store"
)

const (
	// TrackMergeThreshold is the score a fingerprint needs to join a track on import
	TrackMergeThreshold = 0.7
	// TrackGroupMergeThreshold is the minimum score between any two
	// fingerprints of the same track
	TrackGroupMergeThreshold = 0.3
	// FingerprintMergeThreshold is the score above which a submission is
	// counted against an existing fingerprint instead of stored
	FingerprintMergeThreshold = 0.95
	// FingerprintMinUniqueItems is the minimum number of distinct hashes of
	// an importable fingerprint
	FingerprintMinUniqueItems = 80
	TrackMaxOffset            = 80
	FingerprintMaxLengthDiff  = 7
)

// FingerprintLister loads the fingerprints of tracks. *store.Store and
// *store.Tx implement it.
type FingerprintLister interface {
	ListTrackFingerprints(ctx context.Context, trackIDs ...int64) ([]*store.Fingerprint, error)
}

func compatible(a []int32, aLength int, b []int32, bLength int) bool {
	if abs(aLength-bLength) > FingerprintMaxLengthDiff {
		return false
	}
	return fingerprint.Compare(a, b, TrackMaxOffset) >= TrackGroupMergeThreshold
}

// CanAddFingerprintToTrack reports whether a fingerprint fits every
// fingerprint already on the track. A single incompatible one vetoes.
func CanAddFingerprintToTrack(ctx context.Context, q FingerprintLister, trackID int64, hashes []int32, length int) (bool, error) {
	existing, err := q.ListTrackFingerprints(ctx, trackID)
	if err != nil {
		return false, fmt.Errorf("failed to load fingerprints of track %d: %w", trackID, err)
	}
	for _, fp := range existing {
		if !compatible(hashes, length, fp.Hashes, fp.Length) {
			return false, nil
		}
	}
	return true, nil
}

// pairStats is the worst fingerprint pair between two tracks
type pairStats struct {
	minScore      float64
	maxLengthDiff int
}

func (p pairStats) mergeable() bool {
	return p.minScore >= TrackGroupMergeThreshold && p.maxLengthDiff <= FingerprintMaxLengthDiff
}

// CanMergeTracks groups the given tracks into sets that may be merged. Two
// tracks are mergeable when every fingerprint pair between them scores at
// least TrackGroupMergeThreshold and no pair differs in length by more than
// FingerprintMaxLengthDiff. Mergeable pairs are joined transitively. Each
// group is sorted, singletons are omitted and groups are ordered by their
// smallest id.
func CanMergeTracks(ctx context.Context, q FingerprintLister, trackIDs []int64) ([][]int64, error) {
	ids := slices.Clone(trackIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) < 2 {
		return nil, nil
	}

	fps, err := q.ListTrackFingerprints(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	byTrack := make(map[int64][]*store.Fingerprint, len(ids))
	for _, fp := range fps {
		byTrack[fp.TrackID] = append(byTrack[fp.TrackID], fp)
	}

	sets := newDisjointSet(ids)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			stats, ok := comparePair(byTrack[a], byTrack[b])
			if ok && stats.mergeable() {
				sets.union(a, b)
			}
		}
	}
	return sets.groups(), nil
}

// comparePair scores every fingerprint of one track against every
// fingerprint of the other. Tracks without fingerprints never merge.
func comparePair(a, b []*store.Fingerprint) (pairStats, bool) {
	if len(a) == 0 || len(b) == 0 {
		return pairStats{}, false
	}
	stats := pairStats{minScore: math.Inf(1)}
	for _, fa := range a {
		for _, fb := range b {
			stats.maxLengthDiff = max(stats.maxLengthDiff, abs(fa.Length-fb.Length))
			stats.minScore = min(stats.minScore, fingerprint.Compare(fa.Hashes, fb.Hashes, TrackMaxOffset))
		}
	}
	return stats, true
}

// disjointSet is a union-find over track ids
type disjointSet struct {
	parent map[int64]int64
	rank   map[int64]int
}

func newDisjointSet(ids []int64) *disjointSet {
	s := &disjointSet{
		parent: make(map[int64]int64, len(ids)),
		rank:   make(map[int64]int, len(ids)),
	}
	for _, id := range ids {
		s.parent[id] = id
	}
	return s
}

func (s *disjointSet) find(id int64) int64 {
	root := id
	for s.parent[root] != root {
		root = s.parent[root]
	}
	for id != root {
		next := s.parent[id]
		s.parent[id] = root
		id = next
	}
	return root
}

func (s *disjointSet) union(a, b int64) {
	ra, rb := s.find(a), s.find(b)
	if ra == rb {
		return
	}
	switch {
	case s.rank[ra] < s.rank[rb]:
		s.parent[ra] = rb
	case s.rank[ra] > s.rank[rb]:
		s.parent[rb] = ra
	default:
		s.parent[rb] = ra
		s.rank[ra]++
	}
}

func (s *disjointSet) groups() [][]int64 {
	members := make(map[int64][]int64)
	for id := range s.parent {
		root := s.find(id)
		members[root] = append(members[root], id)
	}

	var groups [][]int64
	for _, group := range members {
		if len(group) < 2 {
			continue
		}
		slices.Sort(group)
		groups = append(groups, group)
	}
	slices.SortFunc(groups, func(a, b []int64) int {
		return cmp.Compare(a[0], b[0])
	})
	return groups
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
