package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/franz/fpmatch/internal/util"
)

// maxRedirectDepth bounds new_id chains; longer chains indicate a cycle
const maxRedirectDepth = 64

// Track is a logical recording identity. NewID is non-zero when the track
// was merged into another one.
type Track struct {
	ID    int64
	GID   string
	NewID int64
}

// InsertTrack creates a new track with a random GID
func (q *Queries) InsertTrack(ctx context.Context) (int64, error) {
	id, err := q.insertReturningID(ctx, "INSERT INTO track (gid) VALUES (?)", uuid.NewString())
	if err != nil {
		return 0, fmt.Errorf("failed to insert track: %w", err)
	}
	return id, nil
}

// GetTrack retrieves a track by id
func (q *Queries) GetTrack(ctx context.Context, id int64) (*Track, error) {
	t := &Track{}
	var newID sql.NullInt64
	err := q.queryRow(ctx, "SELECT id, gid, new_id FROM track WHERE id = ?", id).Scan(&t.ID, &t.GID, &newID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}
	t.NewID = newID.Int64
	return t, nil
}

// ResolveTrackID follows the new_id redirect chain of a track to the track
// that currently holds its data.
func (q *Queries) ResolveTrackID(ctx context.Context, id int64) (int64, error) {
	current := id
	for range maxRedirectDepth {
		t, err := q.GetTrack(ctx, current)
		if err != nil {
			return 0, err
		}
		if t == nil {
			return 0, fmt.Errorf("track %d: %w", current, util.ErrNotFound)
		}
		if t.NewID == 0 {
			return t.ID, nil
		}
		current = t.NewID
	}
	return 0, fmt.Errorf("track %d: redirect chain longer than %d, probably a cycle", id, maxRedirectDepth)
}

// SetTrackRedirect points the given tracks, and every track already
// redirected to one of them, at target. Target itself is never redirected.
func (q *Queries) SetTrackRedirect(ctx context.Context, trackIDs []int64, target int64) error {
	if len(trackIDs) == 0 {
		return nil
	}
	args := append([]any{target}, int64Args(trackIDs)...)
	args = append(args, int64Args(trackIDs)...)
	args = append(args, target)
	_, err := q.exec(ctx, fmt.Sprintf(`
		UPDATE track SET new_id = ?
		WHERE (id IN (%[1]s) OR new_id IN (%[1]s)) AND id <> ?
	`, placeholders(len(trackIDs))), args...)
	if err != nil {
		return fmt.Errorf("failed to redirect tracks: %w", err)
	}
	return nil
}

// LookupTrackGIDs maps track ids to their GIDs
func (q *Queries) LookupTrackGIDs(ctx context.Context, trackIDs []int64) (map[int64]string, error) {
	result := make(map[int64]string, len(trackIDs))
	if len(trackIDs) == 0 {
		return result, nil
	}

	rows, err := q.query(ctx, fmt.Sprintf("SELECT id, gid FROM track WHERE id IN (%s)",
		placeholders(len(trackIDs))), int64Args(trackIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query track gids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var gid string
		if err := rows.Scan(&id, &gid); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		result[id] = gid
	}
	return result, rows.Err()
}

// CountTracks returns the number of tracks that were not merged away
func (q *Queries) CountTracks(ctx context.Context) (int64, error) {
	var n int64
	if err := q.queryRow(ctx, "SELECT COUNT(*) FROM track WHERE new_id IS NULL").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracks: %w", err)
	}
	return n, nil
}
