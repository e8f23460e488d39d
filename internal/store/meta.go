package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// MetaGIDNamespace is the UUIDv5 namespace of meta GIDs
var MetaGIDNamespace = uuid.MustParse("3b3bd228-5d2c-11ea-b498-60f67731bf41")

const maxTrackNumber = 10000

// Meta is free-text track metadata submitted without an MBID. Field order
// matters: it defines the content hash behind the GID.
type Meta struct {
	Track       string `json:"track,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	AlbumArtist string `json:"album_artist,omitempty"`
	TrackNo     int    `json:"track_no,omitempty"`
	DiscNo      int    `json:"disc_no,omitempty"`
	Year        int    `json:"year,omitempty"`
}

var whitespaceRun = regexp.MustCompile(`[\s\x00]+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(norm.NFC.String(s), " "))
}

// NormalizeMeta NFC-normalizes text fields, collapses whitespace runs and
// drops implausible track and disc numbers.
func NormalizeMeta(m Meta) Meta {
	m.Track = normalizeText(m.Track)
	m.Artist = normalizeText(m.Artist)
	m.Album = normalizeText(m.Album)
	m.AlbumArtist = normalizeText(m.AlbumArtist)
	if m.TrackNo > maxTrackNumber || m.TrackNo < 0 {
		m.TrackNo = 0
	}
	if m.DiscNo > maxTrackNumber || m.DiscNo < 0 {
		m.DiscNo = 0
	}
	return m
}

// IsEmpty reports whether no field is set
func (m Meta) IsEmpty() bool {
	return m == Meta{}
}

// MetaGID derives the content-addressed GID of a meta record
func MetaGID(m Meta) uuid.UUID {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a flat struct of strings and ints cannot fail
	_ = enc.Encode(m)
	return uuid.NewSHA1(MetaGIDNamespace, bytes.TrimRight(buf.Bytes(), "\n"))
}

// FindOrInsertMeta returns the id and GID of the meta row with the same
// normalized content, inserting it when missing.
func (q *Queries) FindOrInsertMeta(ctx context.Context, m Meta) (int64, string, error) {
	m = NormalizeMeta(m)
	gid := MetaGID(m).String()

	id, err := q.findMetaID(ctx, gid)
	if err != nil || id != 0 {
		return id, gid, err
	}

	_, err = q.exec(ctx, `
		INSERT INTO meta (gid, track, artist, album, album_artist, track_no, disc_no, year)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gid) DO NOTHING
	`, gid, nullString(m.Track), nullString(m.Artist), nullString(m.Album), nullString(m.AlbumArtist),
		nullInt64(int64(m.TrackNo)), nullInt64(int64(m.DiscNo)), nullInt64(int64(m.Year)))
	if err != nil {
		return 0, "", fmt.Errorf("failed to insert meta: %w", err)
	}

	id, err = q.findMetaID(ctx, gid)
	if err != nil {
		return 0, "", err
	}
	if id == 0 {
		return 0, "", fmt.Errorf("meta %s vanished after insert", gid)
	}
	return id, gid, nil
}

func (q *Queries) findMetaID(ctx context.Context, gid string) (int64, error) {
	var id int64
	err := q.queryRow(ctx, "SELECT id FROM meta WHERE gid = ?", gid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find meta: %w", err)
	}
	return id, nil
}

// CheckMetaID returns the GID of an existing meta row
func (q *Queries) CheckMetaID(ctx context.Context, id int64) (string, bool, error) {
	var gid sql.NullString
	err := q.queryRow(ctx, "SELECT gid FROM meta WHERE id = ?", id).Scan(&gid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to check meta: %w", err)
	}
	return gid.String, true, nil
}

// FindOrInsertFormat returns the id of a named audio format
func (q *Queries) FindOrInsertFormat(ctx context.Context, name string) (int64, error) {
	return q.findOrInsertByName(ctx, "format", name)
}

func (q *Queries) findOrInsertByName(ctx context.Context, table, name string) (int64, error) {
	var id int64
	err := q.queryRow(ctx, fmt.Sprintf("SELECT id FROM %s WHERE name = ?", table), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to find %s: %w", table, err)
	}

	id, err = q.insertReturningID(ctx, fmt.Sprintf("INSERT INTO %s (name) VALUES (?)", table), name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", table, err)
	}
	return id, nil
}

// FindOrInsertForeignID returns the id of a "vendor:name" foreign id
func (q *Queries) FindOrInsertForeignID(ctx context.Context, fullName string) (int64, error) {
	vendor, name, ok := strings.Cut(fullName, ":")
	if !ok || vendor == "" || name == "" {
		return 0, fmt.Errorf("invalid foreign id %q, expected vendor:name", fullName)
	}

	vendorID, err := q.findOrInsertByName(ctx, "foreignid_vendor", vendor)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.queryRow(ctx, "SELECT id FROM foreignid WHERE vendor_id = ? AND name = ?", vendorID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to find foreign id: %w", err)
	}

	id, err = q.insertReturningID(ctx, "INSERT INTO foreignid (vendor_id, name) VALUES (?, ?)", vendorID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert foreign id: %w", err)
	}
	return id, nil
}

// GetForeignID returns the "vendor:name" form of a foreign id, "" if missing
func (q *Queries) GetForeignID(ctx context.Context, id int64) (string, error) {
	var vendor, name string
	err := q.queryRow(ctx, `
		SELECT v.name, f.name FROM foreignid f
		JOIN foreignid_vendor v ON v.id = f.vendor_id
		WHERE f.id = ?
	`, id).Scan(&vendor, &name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get foreign id: %w", err)
	}
	return vendor + ":" + name, nil
}
