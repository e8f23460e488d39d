package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/franz/fpmatch/internal/fingerprint"
)

// Fingerprint is a stored fingerprint with its hashes decoded
type Fingerprint struct {
	ID              int64
	TrackID         int64
	Hashes          []int32
	Version         uint8
	Length          int
	Bitrate         int
	FormatID        int64
	SubmissionCount int
}

const fingerprintColumns = "id, track_id, fingerprint, length, bitrate, format_id, submission_count"

func scanFingerprint(row interface{ Scan(...any) error }) (*Fingerprint, error) {
	fp := &Fingerprint{}
	var (
		data     []byte
		bitrate  sql.NullInt64
		formatID sql.NullInt64
	)
	if err := row.Scan(&fp.ID, &fp.TrackID, &data, &fp.Length, &bitrate, &formatID, &fp.SubmissionCount); err != nil {
		return nil, err
	}

	hashes, version, err := fingerprint.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %d: %w", fp.ID, err)
	}
	fp.Hashes = hashes
	fp.Version = version
	fp.Bitrate = int(bitrate.Int64)
	fp.FormatID = formatID.Int64
	return fp, nil
}

func (q *Queries) queryFingerprints(ctx context.Context, query string, args ...any) ([]*Fingerprint, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []*Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// InsertFingerprint stores a new fingerprint with submission_count 1 along
// with its query hashes. A non-zero submissionID is recorded as the source.
func (q *Queries) InsertFingerprint(ctx context.Context, fp *Fingerprint, submissionID, sourceID int64) (int64, error) {
	id, err := q.insertReturningID(ctx, `
		INSERT INTO fingerprint (fingerprint, length, bitrate, format_id, track_id, submission_count)
		VALUES (?, ?, ?, ?, ?, 1)`,
		fingerprint.Compress(fp.Hashes, fp.Version), fp.Length,
		nullInt64(int64(fp.Bitrate)), nullInt64(fp.FormatID), fp.TrackID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert fingerprint: %w", err)
	}

	if err := q.insertQueryHashes(ctx, id, fingerprint.DefaultQuery(fp.Hashes)); err != nil {
		return 0, err
	}

	if submissionID != 0 {
		if err := q.insertFingerprintSource(ctx, id, submissionID, sourceID); err != nil {
			return 0, err
		}
	}

	fp.ID = id
	fp.SubmissionCount = 1
	return id, nil
}

func (q *Queries) insertQueryHashes(ctx context.Context, fingerprintID int64, hashes []uint32) error {
	if len(hashes) == 0 {
		return nil
	}

	values := make([]string, len(hashes))
	args := make([]any, 0, 2*len(hashes))
	for i, h := range hashes {
		values[i] = "(?, ?)"
		args = append(args, fingerprintID, int64(h))
	}

	_, err := q.exec(ctx, "INSERT INTO fingerprint_query (fingerprint_id, hash) VALUES "+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("failed to insert query hashes: %w", err)
	}
	return nil
}

func (q *Queries) insertFingerprintSource(ctx context.Context, fingerprintID, submissionID, sourceID int64) error {
	_, err := q.exec(ctx, `
		INSERT INTO fingerprint_source (fingerprint_id, submission_id, source_id)
		VALUES (?, ?, ?)
	`, fingerprintID, submissionID, nullInt64(sourceID))
	if err != nil {
		return fmt.Errorf("failed to insert fingerprint source: %w", err)
	}
	return nil
}

// IncFingerprintSubmissionCount records one more submission of an existing
// fingerprint.
func (q *Queries) IncFingerprintSubmissionCount(ctx context.Context, id, submissionID, sourceID int64) error {
	res, err := q.exec(ctx, `
		UPDATE fingerprint SET submission_count = submission_count + 1, updated = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to increment fingerprint submission count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("fingerprint %d does not exist", id)
	}

	if submissionID != 0 {
		return q.insertFingerprintSource(ctx, id, submissionID, sourceID)
	}
	return nil
}

// GetFingerprint retrieves a fingerprint by id
func (q *Queries) GetFingerprint(ctx context.Context, id int64) (*Fingerprint, error) {
	fp, err := scanFingerprint(q.queryRow(ctx, "SELECT "+fingerprintColumns+" FROM fingerprint WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, nil
}

// ListTrackFingerprints returns all fingerprints owned by the given tracks
func (q *Queries) ListTrackFingerprints(ctx context.Context, trackIDs ...int64) ([]*Fingerprint, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	return q.queryFingerprints(ctx, fmt.Sprintf(
		"SELECT %s FROM fingerprint WHERE track_id IN (%s) ORDER BY id",
		fingerprintColumns, placeholders(len(trackIDs))), int64Args(trackIDs)...)
}

// FindCandidates returns fingerprints whose query hashes intersect the given
// masked hashes and whose length lies within [minLength, maxLength].
func (q *Queries) FindCandidates(ctx context.Context, hashes []uint32, minLength, maxLength int) ([]*Fingerprint, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(hashes)+2)
	for _, h := range hashes {
		args = append(args, int64(h))
	}
	args = append(args, minLength, maxLength)

	return q.queryFingerprints(ctx, fmt.Sprintf(`
		SELECT %s FROM fingerprint
		WHERE id IN (SELECT fingerprint_id FROM fingerprint_query WHERE hash IN (%s))
		  AND length BETWEEN ? AND ?
		ORDER BY id
	`, fingerprintColumns, placeholders(len(hashes))), args...)
}

// GetFingerprintsByIDs returns the fingerprints with the given ids whose
// length lies within [minLength, maxLength].
func (q *Queries) GetFingerprintsByIDs(ctx context.Context, ids []int64, minLength, maxLength int) ([]*Fingerprint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append(int64Args(ids), minLength, maxLength)
	return q.queryFingerprints(ctx, fmt.Sprintf(`
		SELECT %s FROM fingerprint
		WHERE id IN (%s) AND length BETWEEN ? AND ?
		ORDER BY id
	`, fingerprintColumns, placeholders(len(ids))), args...)
}

// ReassignFingerprints moves all fingerprints of the source tracks to target
func (q *Queries) ReassignFingerprints(ctx context.Context, sourceTrackIDs []int64, target int64) (int64, error) {
	if len(sourceTrackIDs) == 0 {
		return 0, nil
	}
	args := append([]any{target}, int64Args(sourceTrackIDs)...)
	res, err := q.exec(ctx, fmt.Sprintf(`
		UPDATE fingerprint SET track_id = ?, updated = CURRENT_TIMESTAMP
		WHERE track_id IN (%s)
	`, placeholders(len(sourceTrackIDs))), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign fingerprints: %w", err)
	}
	return res.RowsAffected()
}

// ScanFingerprints pages through all fingerprints in id order, returning up
// to limit rows with id > afterID.
func (q *Queries) ScanFingerprints(ctx context.Context, afterID int64, limit int) ([]*Fingerprint, error) {
	return q.queryFingerprints(ctx,
		"SELECT "+fingerprintColumns+" FROM fingerprint WHERE id > ? ORDER BY id LIMIT ?",
		afterID, limit)
}

// CountFingerprints returns the number of stored fingerprints
func (q *Queries) CountFingerprints(ctx context.Context) (int64, error) {
	var n int64
	if err := q.queryRow(ctx, "SELECT COUNT(*) FROM fingerprint").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return n, nil
}

// MaxFingerprintID returns the highest fingerprint id, 0 when empty
func (q *Queries) MaxFingerprintID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := q.queryRow(ctx, "SELECT MAX(id) FROM fingerprint").Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get max fingerprint id: %w", err)
	}
	return id.Int64, nil
}
