package merge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/franz/fpmatch/internal/store"
)

// MergeTracks moves everything attached to the source tracks onto target
// and redirects the sources to it. External ids linked to more than one of
// the tracks collapse into a single row. It must run inside tx so that a
// half-merged state is never visible.
//
// Redirected tracks are resolved first, so target and sources always name
// the tracks holding the data and the redirects stay acyclic.
func MergeTracks(ctx context.Context, tx *store.Tx, target int64, sources []int64) error {
	target, err := tx.ResolveTrackID(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to resolve target track: %w", err)
	}
	resolved := make([]int64, 0, len(sources))
	for _, id := range sources {
		r, err := tx.ResolveTrackID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to resolve source track: %w", err)
		}
		if r != target {
			resolved = append(resolved, r)
		}
	}
	sources = resolved
	slices.Sort(sources)
	sources = slices.Compact(sources)
	if len(sources) == 0 {
		return nil
	}

	all := append([]int64{target}, sources...)
	for _, kind := range store.ExternalIDKinds {
		rows, err := tx.ListTrackExternalIDs(ctx, kind, all)
		if err != nil {
			return err
		}
		for _, group := range groupByKey(rows) {
			if len(group) == 1 && group[0].TrackID == target {
				continue
			}
			survivor := pickSurvivor(group, func(e store.ExternalID) bool { return e.TrackID == target })
			if err := tx.MergeExternalIDRows(ctx, kind, survivor, group, target, survivor.Value); err != nil {
				return fmt.Errorf("failed to merge %s %s: %w", kind.Name, survivor.Key(), err)
			}
		}
	}

	if _, err := tx.ReassignFingerprints(ctx, sources, target); err != nil {
		return err
	}
	return tx.SetTrackRedirect(ctx, sources, target)
}

// MergeMBIDs replaces the source MBIDs with target on every track linked to
// any of them. It returns the number of tracks that changed.
func MergeMBIDs(ctx context.Context, tx *store.Tx, target string, sources []string) (int, error) {
	target = strings.ToLower(target)
	values := []string{target}
	for _, s := range sources {
		s = strings.ToLower(s)
		if s != target && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	if len(values) == 1 {
		return 0, nil
	}

	rows, err := tx.ListExternalIDsByValue(ctx, store.MBIDKind, values)
	if err != nil {
		return 0, err
	}

	byTrack := make(map[int64][]store.ExternalID)
	var trackIDs []int64
	for _, row := range rows {
		if _, ok := byTrack[row.TrackID]; !ok {
			trackIDs = append(trackIDs, row.TrackID)
		}
		byTrack[row.TrackID] = append(byTrack[row.TrackID], row)
	}
	slices.Sort(trackIDs)

	changed := 0
	for _, trackID := range trackIDs {
		group := byTrack[trackID]
		if len(group) == 1 && group[0].Key() == target {
			continue
		}
		survivor := pickSurvivor(group, func(e store.ExternalID) bool { return e.Key() == target })
		if err := tx.MergeExternalIDRows(ctx, store.MBIDKind, survivor, group, trackID, target); err != nil {
			return changed, fmt.Errorf("failed to merge mbids of track %d: %w", trackID, err)
		}
		changed++
	}
	return changed, nil
}

// groupByKey groups rows by external id value, in order of first appearance
func groupByKey(rows []store.ExternalID) [][]store.ExternalID {
	index := make(map[string]int)
	var groups [][]store.ExternalID
	for _, row := range rows {
		key := row.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	return groups
}

// pickSurvivor prefers the row already in its final place, then the oldest
func pickSurvivor(group []store.ExternalID, preferred func(store.ExternalID) bool) store.ExternalID {
	for _, row := range group {
		if preferred(row) {
			return row
		}
	}
	return group[0]
}
