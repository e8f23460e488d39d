package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/franz/fpmatch/internal/fingerprint"
)

// Submission is a client-submitted fingerprint waiting to be imported
type Submission struct {
	ID          int64
	Fingerprint []int32
	Length      int
	Bitrate     int
	FormatID    int64
	Format      string
	MBID        string
	PUID        string
	MetaID      int64
	Meta        *Meta
	ForeignIDID int64
	ForeignID   string
	SourceID    int64
	Handled     bool
	Created     time.Time
}

// SubmissionResult records what an imported submission resolved to
type SubmissionResult struct {
	SubmissionID  int64
	Created       time.Time
	HandledAt     time.Time
	SourceID      int64
	TrackID       int64
	FingerprintID int64
	MBID          string
	PUID          string
	MetaID        int64
	MetaGID       string
	ForeignID     string
}

// InsertSubmission queues a submission for import
func (q *Queries) InsertSubmission(ctx context.Context, s *Submission) (int64, error) {
	var meta sql.NullString
	if s.Meta != nil && !s.Meta.IsEmpty() {
		data, err := json.Marshal(s.Meta)
		if err != nil {
			return 0, fmt.Errorf("failed to encode meta: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	id, err := q.insertReturningID(ctx, `
		INSERT INTO submission (fingerprint, length, bitrate, format_id, format, mbid, puid,
			meta_id, meta, foreignid_id, foreignid, source_id, handled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fingerprint.Compress(s.Fingerprint, 1), s.Length, nullInt64(int64(s.Bitrate)),
		nullInt64(s.FormatID), nullString(s.Format), nullString(s.MBID), nullString(s.PUID),
		nullInt64(s.MetaID), meta, nullInt64(s.ForeignIDID), nullString(s.ForeignID),
		nullInt64(s.SourceID), false)
	if err != nil {
		return 0, fmt.Errorf("failed to insert submission: %w", err)
	}
	s.ID = id
	return id, nil
}

const submissionColumns = `id, fingerprint, length, bitrate, format_id, format, mbid, puid,
	meta_id, meta, foreignid_id, foreignid, source_id, handled, created`

func scanSubmission(row interface{ Scan(...any) error }) (*Submission, error) {
	s := &Submission{}
	var (
		data                                   []byte
		bitrate, formatID, metaID, foreignIDID sql.NullInt64
		sourceID                               sql.NullInt64
		format, mbid, puid, meta, foreignID    sql.NullString
		handled                                any
		created                                sql.NullTime
	)
	err := row.Scan(&s.ID, &data, &s.Length, &bitrate, &formatID, &format, &mbid, &puid,
		&metaID, &meta, &foreignIDID, &foreignID, &sourceID, &handled, &created)
	if err != nil {
		return nil, err
	}

	s.Fingerprint, _, err = fingerprint.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("submission %d: %w", s.ID, err)
	}
	if meta.Valid && meta.String != "" {
		s.Meta = &Meta{}
		if err := json.Unmarshal([]byte(meta.String), s.Meta); err != nil {
			return nil, fmt.Errorf("submission %d: invalid meta: %w", s.ID, err)
		}
	}

	s.Bitrate = int(bitrate.Int64)
	s.FormatID = formatID.Int64
	s.Format = format.String
	s.MBID = mbid.String
	s.PUID = puid.String
	s.MetaID = metaID.Int64
	s.ForeignIDID = foreignIDID.Int64
	s.ForeignID = foreignID.String
	s.SourceID = sourceID.Int64
	s.Handled = asBool(handled)
	s.Created = created.Time
	return s, nil
}

// PendingSubmissionIDs returns up to limit unhandled submission ids, oldest first
func (q *Queries) PendingSubmissionIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := q.query(ctx, "SELECT id FROM submission WHERE handled = ? ORDER BY id LIMIT ?", false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending submissions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan submission id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimSubmission loads an unhandled submission for import. On Postgres the
// row is locked for the rest of the transaction and rows locked by another
// importer are skipped. Returns nil when there is nothing to claim.
func (q *Queries) ClaimSubmission(ctx context.Context, id int64) (*Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submission WHERE id = ? AND handled = ?"
	if q.dialect == Postgres {
		query += " FOR UPDATE SKIP LOCKED"
	}

	s, err := scanSubmission(q.queryRow(ctx, query, id, false))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim submission: %w", err)
	}
	return s, nil
}

// GetSubmission retrieves a submission regardless of its state
func (q *Queries) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	s, err := scanSubmission(q.queryRow(ctx, "SELECT "+submissionColumns+" FROM submission WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, nil
}

// MarkSubmissionHandled flags a submission as processed
func (q *Queries) MarkSubmissionHandled(ctx context.Context, id int64, at time.Time) error {
	_, err := q.exec(ctx, "UPDATE submission SET handled = ?, handled_at = ? WHERE id = ?", true, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark submission handled: %w", err)
	}
	return nil
}

// InsertSubmissionResult stores the outcome of an import
func (q *Queries) InsertSubmissionResult(ctx context.Context, r *SubmissionResult) error {
	var created sql.NullTime
	if !r.Created.IsZero() {
		created = sql.NullTime{Time: r.Created.UTC(), Valid: true}
	}
	_, err := q.exec(ctx, `
		INSERT INTO submission_result (submission_id, created, handled_at, source_id, track_id,
			fingerprint_id, mbid, puid, meta_id, meta_gid, foreignid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SubmissionID, created, r.HandledAt.UTC(), nullInt64(r.SourceID), r.TrackID,
		r.FingerprintID, nullString(r.MBID), nullString(r.PUID), nullInt64(r.MetaID),
		nullString(r.MetaGID), nullString(r.ForeignID))
	if err != nil {
		return fmt.Errorf("failed to insert submission result: %w", err)
	}
	return nil
}

// GetSubmissionResult retrieves the outcome of an imported submission
func (q *Queries) GetSubmissionResult(ctx context.Context, submissionID int64) (*SubmissionResult, error) {
	r := &SubmissionResult{SubmissionID: submissionID}
	var (
		sourceID, metaID               sql.NullInt64
		mbid, puid, metaGID, foreignID sql.NullString
	)
	err := q.queryRow(ctx, `
		SELECT source_id, track_id, fingerprint_id, mbid, puid, meta_id, meta_gid, foreignid
		FROM submission_result WHERE submission_id = ?
	`, submissionID).Scan(&sourceID, &r.TrackID, &r.FingerprintID, &mbid, &puid, &metaID, &metaGID, &foreignID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission result: %w", err)
	}
	r.SourceID = sourceID.Int64
	r.MBID = mbid.String
	r.PUID = puid.String
	r.MetaID = metaID.Int64
	r.MetaGID = metaGID.String
	r.ForeignID = foreignID.String
	return r, nil
}

// LookupSubmissionStatus maps imported submission ids to the GID of the
// track their fingerprint ended up on.
func (q *Queries) LookupSubmissionStatus(ctx context.Context, submissionIDs []int64) (map[int64]string, error) {
	result := make(map[int64]string)
	if len(submissionIDs) == 0 {
		return result, nil
	}

	rows, err := q.query(ctx, fmt.Sprintf(`
		SELECT fs.submission_id, t.gid
		FROM fingerprint_source fs
		JOIN fingerprint f ON f.id = fs.fingerprint_id
		JOIN track t ON t.id = f.track_id
		WHERE fs.submission_id IN (%s)
	`, placeholders(len(submissionIDs))), int64Args(submissionIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup submission status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var gid string
		if err := rows.Scan(&id, &gid); err != nil {
			return nil, fmt.Errorf("failed to scan submission status: %w", err)
		}
		result[id] = gid
	}
	return result, rows.Err()
}

// CountPendingSubmissions returns the number of unhandled submissions
func (q *Queries) CountPendingSubmissions(ctx context.Context) (int64, error) {
	var n int64
	if err := q.queryRow(ctx, "SELECT COUNT(*) FROM submission WHERE handled = ?", false).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending submissions: %w", err)
	}
	return n, nil
}
