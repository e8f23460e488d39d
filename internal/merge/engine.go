package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/util"
)

// MergeMissingMBIDLock is the advisory lock name guarding MBID redirects
const MergeMissingMBIDLock = "merge_missing_mbid"

// Resolver looks up whether an MBID was merged into another one upstream
type Resolver interface {
	Resolve(ctx context.Context, mbid string) (newMBID string, found bool, err error)
}

// Engine runs merges in their own transactions
type Engine struct {
	store    *store.Store
	resolver Resolver
	events   *report.EventLogger
}

// NewEngine creates an engine. resolver may be nil when MergeMissingMBID is
// not used.
func NewEngine(s *store.Store, resolver Resolver, events *report.EventLogger) *Engine {
	return &Engine{store: s, resolver: resolver, events: events}
}

// MergeTracks merges sources into target in a single transaction
func (e *Engine) MergeTracks(ctx context.Context, target int64, sources []int64) error {
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		return MergeTracks(ctx, tx, target, sources)
	})
	if err != nil {
		return fmt.Errorf("failed to merge tracks into %d: %w", target, err)
	}

	util.InfoLog("Merged tracks %v into %d", sources, target)
	metrics.TrackMerges.Add(float64(len(sources)))
	e.events.LogMerge(target, sources)
	return nil
}

// MergeMBIDs merges the source MBIDs into target in a single transaction
func (e *Engine) MergeMBIDs(ctx context.Context, target string, sources []string) (int, error) {
	var changed int
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		changed, err = MergeMBIDs(ctx, tx, target, sources)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to merge mbids into %s: %w", target, err)
	}
	return changed, nil
}

// MergeMissingMBID follows the upstream redirect of oldMBID, if any, and
// merges it into its target. It reports false without error when there is
// nothing to merge or another worker holds the lock for oldMBID.
func (e *Engine) MergeMissingMBID(ctx context.Context, oldMBID string) (bool, error) {
	if e.resolver == nil {
		return false, fmt.Errorf("%w: no mbid resolver configured", util.ErrInvalidConfig)
	}
	oldMBID = strings.ToLower(oldMBID)

	// resolved before the transaction so the lock is never held across the
	// network call
	newMBID, found, err := e.resolver.Resolve(ctx, oldMBID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", oldMBID, err)
	}
	if !found || newMBID == oldMBID {
		util.DebugLog("MBID %s has no redirect", oldMBID)
		return false, nil
	}

	locked := false
	changed := 0
	err = e.store.Transaction(ctx, func(tx *store.Tx) error {
		ok, err := tx.TryAdvisoryLock(ctx, MergeMissingMBIDLock, oldMBID)
		if err != nil {
			return err
		}
		if !ok {
			locked = true
			return nil
		}
		changed, err = MergeMBIDs(ctx, tx, newMBID, []string{oldMBID})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to merge %s into %s: %w", oldMBID, newMBID, err)
	}
	if locked {
		util.InfoLog("Skipping MBID %s, another worker is merging it", oldMBID)
		return false, nil
	}

	util.InfoLog("Merged MBID %s into %s on %d tracks", oldMBID, newMBID, changed)
	e.events.LogMBIDMerge(oldMBID, newMBID, changed)
	return true, nil
}

// MergeAllMissingMBIDs runs MergeMissingMBID over every linked MBID, pageSize
// at a time. Failures of single MBIDs are logged and skipped.
func (e *Engine) MergeAllMissingMBIDs(ctx context.Context, pageSize int) (int, error) {
	merged := 0
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		mbids, err := e.store.DistinctMBIDs(ctx, after, pageSize)
		if err != nil {
			return merged, err
		}
		if len(mbids) == 0 {
			return merged, nil
		}
		for _, mbid := range mbids {
			ok, err := e.MergeMissingMBID(ctx, mbid)
			if err != nil {
				if ctx.Err() != nil {
					return merged, ctx.Err()
				}
				util.WarnLog("Failed to merge MBID %s: %v", mbid, err)
				e.events.LogError(report.EventMerge, 0, err)
				continue
			}
			if ok {
				merged++
			}
		}
		after = mbids[len(mbids)-1]
	}
}
