package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetMBIDRedirect returns the cached redirect target of an MBID. newMBID is
// empty when the MBID was checked and is canonical.
func (q *Queries) GetMBIDRedirect(ctx context.Context, mbid string, maxAge time.Duration) (newMBID string, found bool, err error) {
	var checked sql.NullTime
	err = q.queryRow(ctx, "SELECT new_mbid, checked FROM musicbrainz_redirect WHERE mbid = ?", mbid).Scan(&newMBID, &checked)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get mbid redirect: %w", err)
	}
	if maxAge > 0 && checked.Valid && time.Since(checked.Time) > maxAge {
		return "", false, nil
	}
	return newMBID, true, nil
}

// PutMBIDRedirect caches the redirect target of an MBID
func (q *Queries) PutMBIDRedirect(ctx context.Context, mbid, newMBID string) error {
	_, err := q.exec(ctx, `
		INSERT INTO musicbrainz_redirect (mbid, new_mbid, checked) VALUES (?, ?, ?)
		ON CONFLICT (mbid) DO UPDATE SET new_mbid = excluded.new_mbid, checked = excluded.checked
	`, mbid, newMBID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache mbid redirect: %w", err)
	}
	return nil
}
