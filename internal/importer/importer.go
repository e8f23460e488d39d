// Package importer moves queued submissions into the fingerprint store.
package importer

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/matcher"
	"github.com/franz/fpmatch/internal/merge"
	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/util"
)

const (
	FingerprintLock = "import.fp"
	MBIDLock        = "import.mbid"

	// NullUUID is sent by clients that have no MBID or PUID
	NullUUID = "00000000-0000-0000-0000-000000000000"
)

// Outcome is what happened to one submission
type Outcome string

const (
	OutcomeNewTrack          Outcome = "new_track"
	OutcomeMatched           Outcome = "matched"
	OutcomeReusedFingerprint Outcome = "reused_fingerprint"
	OutcomeSkipped           Outcome = "skipped"
	OutcomeLocked            Outcome = "locked"
	OutcomeFailed            Outcome = "failed"
)

// Skip reasons
const (
	ReasonNoMetadata   = "missing metadata"
	ReasonFewItems     = "too few unique items"
	ReasonEmptyQuery   = "no data to index"
	ReasonNotFound     = "submission not found or already handled"
	ReasonLockConflict = "related submission being imported"
)

// Result describes an imported submission
type Result struct {
	SubmissionID  int64
	TrackID       int64
	FingerprintID int64
	Outcome       Outcome
	Reason        string
	Score         float64
}

// Options configures an Importer
type Options struct {
	// AutoMerge merges the candidate tracks of a submission when their
	// fingerprints are close enough to each other
	AutoMerge bool

	// Index, when set, is searched together with the store
	Index matcher.IndexSearcher

	Events  *report.EventLogger
	Summary *report.SummaryReport
}

// Importer imports submissions
type Importer struct {
	store *store.Store
	opts  Options
}

// New creates an importer writing to s
func New(s *store.Store, opts Options) *Importer {
	return &Importer{store: s, opts: opts}
}

func validUUID(s string) bool {
	return s != "" && s != NullUUID
}

// ImportSubmission imports sub inside tx. It returns a nil result without
// error when a related submission is being imported concurrently; sub is
// then left pending for a later run. Skipped submissions are marked handled
// and reported with OutcomeSkipped.
func (im *Importer) ImportSubmission(ctx context.Context, tx *store.Tx, sub *store.Submission) (*Result, error) {
	fpKey := fingerprint.ComputeGID(0, sub.Fingerprint).String()
	if ok, err := tx.TryAdvisoryLock(ctx, FingerprintLock, fpKey); err != nil || !ok {
		if err == nil {
			util.InfoLog("Skipping import of submission %d because a related submission is being imported (will be retried)", sub.ID)
		}
		return nil, err
	}
	if ok, err := tx.TryAdvisoryLock(ctx, MBIDLock, sub.MBID); err != nil || !ok {
		if err == nil {
			util.InfoLog("Skipping import of submission %d because a related submission is being imported (will be retried)", sub.ID)
		}
		return nil, err
	}

	handledAt := time.Now()
	if err := tx.MarkSubmissionHandled(ctx, sub.ID, handledAt); err != nil {
		return nil, err
	}
	util.DebugLog("Importing submission %d with MBID %q", sub.ID, sub.MBID)

	hasMBID := validUUID(sub.MBID)
	hasPUID := validUUID(sub.PUID)
	hasMeta := sub.MetaID != 0 || (sub.Meta != nil && !sub.Meta.IsEmpty())

	skip := func(reason string) (*Result, error) {
		util.DebugLog("Skipping submission %d: %s", sub.ID, reason)
		return &Result{SubmissionID: sub.ID, Outcome: OutcomeSkipped, Reason: reason}, nil
	}
	if !hasMBID && !hasPUID && !hasMeta {
		return skip(ReasonNoMetadata)
	}
	if n := fingerprint.UniqueCount(sub.Fingerprint); n < merge.FingerprintMinUniqueItems {
		return skip(ReasonFewItems)
	}
	if len(fingerprint.DefaultQuery(sub.Fingerprint)) == 0 {
		return skip(ReasonEmptyQuery)
	}

	result := &Result{SubmissionID: sub.ID}
	fp := &store.Fingerprint{
		Hashes:   sub.Fingerprint,
		Length:   sub.Length,
		Bitrate:  sub.Bitrate,
		FormatID: sub.FormatID,
	}
	if fp.FormatID == 0 && sub.Format != "" {
		id, err := tx.FindOrInsertFormat(ctx, sub.Format)
		if err != nil {
			return nil, err
		}
		fp.FormatID = id
	}

	if err := im.assignTrack(ctx, tx, sub, fp, result); err != nil {
		return nil, err
	}

	if fp.TrackID == 0 {
		id, err := tx.InsertTrack(ctx)
		if err != nil {
			return nil, err
		}
		fp.TrackID = id
		result.Outcome = OutcomeNewTrack
	}
	result.TrackID = fp.TrackID

	if fp.ID == 0 {
		if _, err := tx.InsertFingerprint(ctx, fp, sub.ID, sub.SourceID); err != nil {
			return nil, err
		}
	} else {
		if err := tx.IncFingerprintSubmissionCount(ctx, fp.ID, sub.ID, sub.SourceID); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeReusedFingerprint
	}
	result.FingerprintID = fp.ID

	sr := &store.SubmissionResult{
		SubmissionID:  sub.ID,
		Created:       sub.Created,
		HandledAt:     handledAt,
		SourceID:      sub.SourceID,
		TrackID:       fp.TrackID,
		FingerprintID: fp.ID,
	}
	if err := im.linkExternalIDs(ctx, tx, sub, sr, hasMBID, hasPUID, hasMeta); err != nil {
		return nil, err
	}
	if err := tx.InsertSubmissionResult(ctx, sr); err != nil {
		return nil, err
	}
	return result, nil
}

// assignTrack picks the first matching track the fingerprint fits on and
// reuses a nearly identical fingerprint.
func (im *Importer) assignTrack(ctx context.Context, tx *store.Tx, sub *store.Submission, fp *store.Fingerprint, result *Result) error {
	opts := []matcher.Option{matcher.WithMinScore(merge.TrackMergeThreshold), matcher.WithEvents(im.opts.Events)}
	if im.opts.Index != nil {
		opts = append(opts, matcher.WithIndex(im.opts.Index, false))
	}
	matches, err := matcher.New(tx, opts...).Search(ctx, sub.Fingerprint, sub.Length)
	if err != nil {
		return fmt.Errorf("failed to search for matching tracks: %w", err)
	}

	var possible []int64
	for _, m := range matches {
		util.DebugLog("Fingerprint %d with track %d is %d%% similar", m.FingerprintID, m.TrackID, int(m.Score*100))
		ok, err := merge.CanAddFingerprintToTrack(ctx, tx, m.TrackID, sub.Fingerprint, sub.Length)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		possible = append(possible, m.TrackID)
		if fp.TrackID != 0 {
			continue
		}
		fp.TrackID = m.TrackID
		result.Score = m.Score
		result.Outcome = OutcomeMatched
		if m.Score > merge.FingerprintMergeThreshold {
			fp.ID = m.FingerprintID
		}
	}

	if !im.opts.AutoMerge || len(possible) < 2 {
		return nil
	}

	groups, err := merge.CanMergeTracks(ctx, tx, possible)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if !slices.Contains(group, fp.TrackID) {
			continue
		}
		target, sources := group[0], group[1:]
		if err := merge.MergeTracks(ctx, tx, target, sources); err != nil {
			return err
		}
		metrics.TrackMerges.Add(float64(len(sources)))
		im.opts.Events.LogMerge(target, sources)
		util.InfoLog("Merged tracks %v into %d while importing submission %d", sources, target, sub.ID)
		fp.TrackID = target
		break
	}
	return nil
}

func (im *Importer) linkExternalIDs(ctx context.Context, tx *store.Tx, sub *store.Submission, sr *store.SubmissionResult, hasMBID, hasPUID, hasMeta bool) error {
	if hasMBID {
		if _, err := tx.InsertMBID(ctx, sr.TrackID, sub.MBID, sub.ID, sub.SourceID); err != nil {
			return err
		}
		sr.MBID = sub.MBID
	}

	if hasPUID {
		if _, err := tx.InsertPUID(ctx, sr.TrackID, sub.PUID, sub.ID, sub.SourceID); err != nil {
			return err
		}
		sr.PUID = sub.PUID
	}

	if hasMeta {
		metaID, metaGID := sub.MetaID, ""
		if metaID == 0 {
			var err error
			metaID, metaGID, err = tx.FindOrInsertMeta(ctx, *sub.Meta)
			if err != nil {
				return err
			}
		} else {
			gid, found, err := tx.CheckMetaID(ctx, metaID)
			if err != nil {
				return err
			}
			if !found {
				util.ErrorLog("Submission %d refers to missing meta %d", sub.ID, metaID)
				metaID = 0
			}
			metaGID = gid
		}
		if metaID != 0 {
			if _, err := tx.InsertTrackMeta(ctx, sr.TrackID, metaID, sub.ID, sub.SourceID); err != nil {
				return err
			}
			sr.MetaID = metaID
			sr.MetaGID = metaGID
		}
	}

	if sub.ForeignIDID != 0 || sub.ForeignID != "" {
		foreignIDID, foreignID := sub.ForeignIDID, sub.ForeignID
		var err error
		if foreignIDID == 0 {
			foreignIDID, err = tx.FindOrInsertForeignID(ctx, foreignID)
		} else {
			foreignID, err = tx.GetForeignID(ctx, foreignIDID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.InsertTrackForeignID(ctx, sr.TrackID, foreignIDID, sub.ID, sub.SourceID); err != nil {
			return err
		}
		sr.ForeignID = foreignID
	}
	return nil
}

