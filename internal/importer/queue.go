package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/util"
)

// Import claims and imports one pending submission in its own transaction.
// A submission that is already handled, or locked by another importer,
// reports OutcomeSkipped or OutcomeLocked.
func (im *Importer) Import(ctx context.Context, submissionID int64) (*Result, error) {
	var result *Result
	err := im.store.Transaction(ctx, func(tx *store.Tx) error {
		sub, err := tx.ClaimSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub == nil {
			result = &Result{SubmissionID: submissionID, Outcome: OutcomeSkipped, Reason: ReasonNotFound}
			return nil
		}

		result, err = im.ImportSubmission(ctx, tx, sub)
		if err != nil {
			return err
		}
		if result == nil {
			result = &Result{SubmissionID: submissionID, Outcome: OutcomeLocked, Reason: ReasonLockConflict}
		}
		return nil
	})
	if err != nil {
		im.record(&Result{SubmissionID: submissionID, Outcome: OutcomeFailed}, err)
		return nil, fmt.Errorf("failed to import submission %d: %w", submissionID, err)
	}

	im.record(result, nil)
	return result, nil
}

// record reports an outcome to metrics, the event log and the run summary
func (im *Importer) record(r *Result, err error) {
	metrics.Imports.WithLabelValues(string(r.Outcome)).Inc()

	switch r.Outcome {
	case OutcomeFailed:
		im.opts.Events.LogError(report.EventImport, r.SubmissionID, err)
	case OutcomeSkipped, OutcomeLocked:
		im.opts.Events.LogSkip(r.SubmissionID, r.Reason)
	default:
		im.opts.Events.LogImport(r.SubmissionID, r.TrackID, r.FingerprintID, string(r.Outcome), r.Score)
	}

	reason := ""
	if r.Outcome == OutcomeSkipped || r.Outcome == OutcomeLocked {
		reason = r.Reason
	}
	im.opts.Summary.Record(string(r.Outcome), reason, err)
}

// ImportQueued imports up to limit pending submissions, oldest first, each
// in its own transaction. A failing submission is logged and left for the
// next run. It returns the number of submissions that were processed.
func (im *Importer) ImportQueued(ctx context.Context, limit int) (int, error) {
	ids, err := im.store.PendingSubmissionIDs(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, util.ErrShutdown
		}

		result, err := im.Import(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return processed, util.ErrShutdown
			}
			util.ErrorLog("%v", err)
			errs = append(errs, err)
			continue
		}
		processed++

		switch result.Outcome {
		case OutcomeSkipped, OutcomeLocked:
			util.DebugLog("Submission %d %s: %s", id, result.Outcome, result.Reason)
		default:
			util.DebugLog("Submission %d %s: track %d, fingerprint %d", id, result.Outcome, result.TrackID, result.FingerprintID)
		}
	}

	if len(errs) > 0 && processed == 0 {
		return 0, errors.Join(errs...)
	}
	return processed, nil
}
