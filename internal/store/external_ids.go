package store

import (
	"context"
	"fmt"
	"strings"
)

// ExternalIDKind describes one of the track_* link tables that attach an
// external identifier to a track.
type ExternalIDKind struct {
	Name        string // mbid, puid, meta, foreignid
	table       string
	column      string
	sourceTable string
	sourceFK    string
	changeTable string // only MBIDs keep an audit history
	hasDisabled bool
}

var (
	MBIDKind = ExternalIDKind{
		Name: "mbid", table: "track_mbid", column: "mbid",
		sourceTable: "track_mbid_source", sourceFK: "track_mbid_id",
		changeTable: "track_mbid_change", hasDisabled: true,
	}
	PUIDKind = ExternalIDKind{
		Name: "puid", table: "track_puid", column: "puid",
		sourceTable: "track_puid_source", sourceFK: "track_puid_id",
	}
	MetaKind = ExternalIDKind{
		Name: "meta", table: "track_meta", column: "meta_id",
		sourceTable: "track_meta_source", sourceFK: "track_meta_id",
	}
	ForeignIDKind = ExternalIDKind{
		Name: "foreignid", table: "track_foreignid", column: "foreignid_id",
		sourceTable: "track_foreignid_source", sourceFK: "track_foreignid_id",
	}
)

// ExternalIDKinds lists every link table, in merge order
var ExternalIDKinds = []ExternalIDKind{MBIDKind, PUIDKind, MetaKind, ForeignIDKind}

// ExternalID is one row of a track_* link table. Value is a string for
// MBIDs and PUIDs and an int64 row id for meta and foreign ids.
type ExternalID struct {
	ID              int64
	TrackID         int64
	Value           any
	SubmissionCount int
	Disabled        bool
}

// Key returns Value in a form usable for grouping
func (e ExternalID) Key() string {
	switch v := e.Value.(type) {
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// linkExternalID attaches value to a track, or bumps submission_count when
// the pair is already linked, and records the submission as a source.
func (q *Queries) linkExternalID(ctx context.Context, kind ExternalIDKind, trackID int64, value any, submissionID, sourceID int64) (int64, error) {
	var id int64
	err := q.queryRow(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (track_id, %[2]s, submission_count) VALUES (?, ?, 1)
		ON CONFLICT (track_id, %[2]s) DO UPDATE SET
			submission_count = %[1]s.submission_count + 1,
			updated = CURRENT_TIMESTAMP
		RETURNING id
	`, kind.table, kind.column), trackID, value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to link %s to track %d: %w", kind.Name, trackID, err)
	}

	if submissionID != 0 || sourceID != 0 {
		_, err := q.exec(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s, submission_id, source_id) VALUES (?, ?, ?)",
			kind.sourceTable, kind.sourceFK),
			id, nullInt64(submissionID), nullInt64(sourceID))
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s source: %w", kind.Name, err)
		}
	}
	return id, nil
}

// InsertMBID links an MBID to a track
func (q *Queries) InsertMBID(ctx context.Context, trackID int64, mbid string, submissionID, sourceID int64) (int64, error) {
	return q.linkExternalID(ctx, MBIDKind, trackID, strings.ToLower(mbid), submissionID, sourceID)
}

// InsertPUID links a PUID to a track
func (q *Queries) InsertPUID(ctx context.Context, trackID int64, puid string, submissionID, sourceID int64) (int64, error) {
	return q.linkExternalID(ctx, PUIDKind, trackID, strings.ToLower(puid), submissionID, sourceID)
}

// InsertTrackMeta links a meta row to a track
func (q *Queries) InsertTrackMeta(ctx context.Context, trackID, metaID int64, submissionID, sourceID int64) (int64, error) {
	return q.linkExternalID(ctx, MetaKind, trackID, metaID, submissionID, sourceID)
}

// InsertTrackForeignID links a foreign id row to a track
func (q *Queries) InsertTrackForeignID(ctx context.Context, trackID, foreignID int64, submissionID, sourceID int64) (int64, error) {
	return q.linkExternalID(ctx, ForeignIDKind, trackID, foreignID, submissionID, sourceID)
}

func (q *Queries) queryExternalIDs(ctx context.Context, kind ExternalIDKind, where string, args ...any) ([]ExternalID, error) {
	disabled := "0"
	if kind.hasDisabled {
		disabled = "disabled"
	}
	rows, err := q.query(ctx, fmt.Sprintf(
		"SELECT id, track_id, %s, submission_count, %s FROM %s WHERE %s ORDER BY id",
		kind.column, disabled, kind.table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind.table, err)
	}
	defer rows.Close()

	var result []ExternalID
	for rows.Next() {
		var e ExternalID
		var disabledValue any
		if err := rows.Scan(&e.ID, &e.TrackID, &e.Value, &e.SubmissionCount, &disabledValue); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind.table, err)
		}
		e.Disabled = asBool(disabledValue)
		if b, ok := e.Value.([]byte); ok {
			e.Value = string(b)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ListTrackExternalIDs returns the rows of one link table for the given tracks
func (q *Queries) ListTrackExternalIDs(ctx context.Context, kind ExternalIDKind, trackIDs []int64) ([]ExternalID, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	return q.queryExternalIDs(ctx, kind,
		fmt.Sprintf("track_id IN (%s)", placeholders(len(trackIDs))), int64Args(trackIDs)...)
}

// ListExternalIDsByValue returns the rows of one link table holding any of
// the given values, across all tracks.
func (q *Queries) ListExternalIDsByValue(ctx context.Context, kind ExternalIDKind, values []string) ([]ExternalID, error) {
	if len(values) == 0 {
		return nil, nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return q.queryExternalIDs(ctx, kind,
		fmt.Sprintf("%s IN (%s)", kind.column, placeholders(len(values))), args...)
}

// ListTrackMBIDs returns all MBID links of a track, disabled ones included
func (q *Queries) ListTrackMBIDs(ctx context.Context, trackID int64) ([]ExternalID, error) {
	return q.ListTrackExternalIDs(ctx, MBIDKind, []int64{trackID})
}

// MergeExternalIDRows collapses rows of one link table into survivor. The
// survivor ends up on trackID with the given value, its submission_count is
// the sum over all rows and it is disabled only if every row was disabled.
// Source and change rows of the merged rows are repointed to the survivor.
func (q *Queries) MergeExternalIDRows(ctx context.Context, kind ExternalIDKind, survivor ExternalID, others []ExternalID, trackID int64, value any) error {
	count := survivor.SubmissionCount
	disabled := survivor.Disabled
	otherIDs := make([]int64, 0, len(others))
	for _, o := range others {
		if o.ID == survivor.ID {
			continue
		}
		count += o.SubmissionCount
		disabled = disabled && o.Disabled
		otherIDs = append(otherIDs, o.ID)
	}

	if len(otherIDs) > 0 {
		refTables := []string{kind.sourceTable}
		if kind.changeTable != "" {
			refTables = append(refTables, kind.changeTable)
		}
		for _, table := range refTables {
			args := append([]any{survivor.ID}, int64Args(otherIDs)...)
			_, err := q.exec(ctx, fmt.Sprintf("UPDATE %[1]s SET %[2]s = ? WHERE %[2]s IN (%[3]s)",
				table, kind.sourceFK, placeholders(len(otherIDs))), args...)
			if err != nil {
				return fmt.Errorf("failed to repoint %s rows: %w", table, err)
			}
		}

		_, err := q.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)",
			kind.table, placeholders(len(otherIDs))), int64Args(otherIDs)...)
		if err != nil {
			return fmt.Errorf("failed to delete merged %s rows: %w", kind.table, err)
		}
	}

	set := "track_id = ?, " + kind.column + " = ?, submission_count = ?, updated = CURRENT_TIMESTAMP"
	args := []any{trackID, value, count}
	if kind.hasDisabled {
		set += ", disabled = ?"
		args = append(args, disabled)
	}
	args = append(args, survivor.ID)

	if _, err := q.exec(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", kind.table, set), args...); err != nil {
		return fmt.Errorf("failed to update surviving %s row: %w", kind.table, err)
	}
	return nil
}

// DisableMBID enables or disables an MBID link and records the change
func (q *Queries) DisableMBID(ctx context.Context, trackMBIDID int64, disabled bool, accountID int64, note string) error {
	res, err := q.exec(ctx, "UPDATE track_mbid SET disabled = ?, updated = CURRENT_TIMESTAMP WHERE id = ?", disabled, trackMBIDID)
	if err != nil {
		return fmt.Errorf("failed to update track_mbid: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("track_mbid %d does not exist", trackMBIDID)
	}

	_, err = q.exec(ctx, `
		INSERT INTO track_mbid_change (track_mbid_id, account_id, disabled, note)
		VALUES (?, ?, ?, ?)
	`, trackMBIDID, nullInt64(accountID), disabled, nullString(note))
	if err != nil {
		return fmt.Errorf("failed to insert track_mbid_change: %w", err)
	}
	return nil
}

// CountSources returns the number of source rows pointing at a link row
func (q *Queries) CountSources(ctx context.Context, kind ExternalIDKind, id int64) (int, error) {
	var n int
	err := q.queryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", kind.sourceTable, kind.sourceFK), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind.sourceTable, err)
	}
	return n, nil
}

// DistinctMBIDs pages through every linked MBID in lexical order
func (q *Queries) DistinctMBIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := q.query(ctx, `
		SELECT DISTINCT CAST(mbid AS TEXT) AS m FROM track_mbid
		WHERE CAST(mbid AS TEXT) > ? ORDER BY m LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query mbids: %w", err)
	}
	defer rows.Close()

	var mbids []string
	for rows.Next() {
		var mbid string
		if err := rows.Scan(&mbid); err != nil {
			return nil, fmt.Errorf("failed to scan mbid: %w", err)
		}
		mbids = append(mbids, mbid)
	}
	return mbids, rows.Err()
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case []byte:
		return len(b) > 0 && b[0] != '0' && b[0] != 'f'
	case string:
		return b != "" && b != "0" && b != "false"
	default:
		return false
	}
}
