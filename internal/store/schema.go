package store

import "strings"

var dialectTypes = map[Dialect]*strings.Replacer{
	SQLite: strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{blob}}", "BLOB",
		"{{bool}}", "INTEGER",
		"{{false}}", "0",
		"{{ts}}", "DATETIME",
		"{{uuid}}", "TEXT",
	),
	Postgres: strings.NewReplacer(
		"{{pk}}", "BIGSERIAL PRIMARY KEY",
		"{{blob}}", "BYTEA",
		"{{bool}}", "BOOLEAN",
		"{{false}}", "FALSE",
		"{{ts}}", "TIMESTAMPTZ",
		"{{uuid}}", "UUID",
	),
}

func schemaVersionTable(d Dialect) string {
	return dialectTypes[d].Replace(`
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at {{ts}} DEFAULT CURRENT_TIMESTAMP
)`)
}

func schemaV1(d Dialect) string {
	return dialectTypes[d].Replace(schemaV1Template)
}

// splitStatements drops "--" comment lines and splits a DDL script on
// semicolons. The schema contains no string literals or bodies with embedded
// semicolons.
func splitStatements(script string) []string {
	lines := strings.Split(script, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			kept = append(kept, line)
		}
	}

	var stmts []string
	for _, s := range strings.Split(strings.Join(kept, "\n"), ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Schema v1 - fingerprint database
const schemaV1Template = `
CREATE TABLE IF NOT EXISTS track (
  id {{pk}},
  gid {{uuid}} NOT NULL UNIQUE,
  new_id BIGINT REFERENCES track(id),
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_track_new_id ON track(new_id);

CREATE TABLE IF NOT EXISTS format (
  id {{pk}},
  name TEXT NOT NULL UNIQUE
);

-- Hashes are stored in the compressed binary fingerprint format
CREATE TABLE IF NOT EXISTS fingerprint (
  id {{pk}},
  fingerprint {{blob}} NOT NULL,
  length INTEGER NOT NULL,
  bitrate INTEGER,
  format_id BIGINT REFERENCES format(id),
  track_id BIGINT NOT NULL REFERENCES track(id),
  submission_count INTEGER NOT NULL DEFAULT 1,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP,
  updated {{ts}}
);

CREATE INDEX IF NOT EXISTS idx_fingerprint_track_id ON fingerprint(track_id);
CREATE INDEX IF NOT EXISTS idx_fingerprint_length ON fingerprint(length);

-- Masked query hashes of each fingerprint, used for candidate lookup
CREATE TABLE IF NOT EXISTS fingerprint_query (
  fingerprint_id BIGINT NOT NULL REFERENCES fingerprint(id) ON DELETE CASCADE,
  hash BIGINT NOT NULL,
  PRIMARY KEY (fingerprint_id, hash)
);

CREATE INDEX IF NOT EXISTS idx_fingerprint_query_hash ON fingerprint_query(hash);

CREATE TABLE IF NOT EXISTS fingerprint_source (
  id {{pk}},
  fingerprint_id BIGINT NOT NULL REFERENCES fingerprint(id),
  submission_id BIGINT NOT NULL,
  source_id BIGINT,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fingerprint_source_submission_id ON fingerprint_source(submission_id);

CREATE TABLE IF NOT EXISTS track_mbid (
  id {{pk}},
  track_id BIGINT NOT NULL REFERENCES track(id),
  mbid {{uuid}} NOT NULL,
  submission_count INTEGER NOT NULL DEFAULT 1,
  disabled {{bool}} NOT NULL DEFAULT {{false}},
  created {{ts}} DEFAULT CURRENT_TIMESTAMP,
  updated {{ts}},
  UNIQUE (track_id, mbid)
);

CREATE INDEX IF NOT EXISTS idx_track_mbid_mbid ON track_mbid(mbid);

CREATE TABLE IF NOT EXISTS track_mbid_source (
  id {{pk}},
  track_mbid_id BIGINT NOT NULL REFERENCES track_mbid(id),
  submission_id BIGINT,
  source_id BIGINT,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_track_mbid_source_track_mbid_id ON track_mbid_source(track_mbid_id);

CREATE TABLE IF NOT EXISTS track_mbid_change (
  id {{pk}},
  track_mbid_id BIGINT NOT NULL REFERENCES track_mbid(id),
  account_id BIGINT,
  disabled {{bool}} NOT NULL,
  note TEXT,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_track_mbid_change_track_mbid_id ON track_mbid_change(track_mbid_id);

CREATE TABLE IF NOT EXISTS track_puid (
  id {{pk}},
  track_id BIGINT NOT NULL REFERENCES track(id),
  puid {{uuid}} NOT NULL,
  submission_count INTEGER NOT NULL DEFAULT 1,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP,
  updated {{ts}},
  UNIQUE (track_id, puid)
);

CREATE TABLE IF NOT EXISTS track_puid_source (
  id {{pk}},
  track_puid_id BIGINT NOT NULL REFERENCES track_puid(id),
  submission_id BIGINT,
  source_id BIGINT,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_track_puid_source_track_puid_id ON track_puid_source(track_puid_id);

CREATE TABLE IF NOT EXISTS meta (
  id {{pk}},
  gid {{uuid}} UNIQUE,
  track TEXT,
  artist TEXT,
  album TEXT,
  album_artist TEXT,
  track_no INTEGER,
  disc_no INTEGER,
  year INTEGER,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS track_meta (
  id {{pk}},
  track_id BIGINT NOT NULL REFERENCES track(id),
  meta_id BIGINT NOT NULL REFERENCES meta(id),
  submission_count INTEGER NOT NULL DEFAULT 1,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP,
  updated {{ts}},
  UNIQUE (track_id, meta_id)
);

CREATE TABLE IF NOT EXISTS track_meta_source (
  id {{pk}},
  track_meta_id BIGINT NOT NULL REFERENCES track_meta(id),
  submission_id BIGINT,
  source_id BIGINT,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_track_meta_source_track_meta_id ON track_meta_source(track_meta_id);

CREATE TABLE IF NOT EXISTS foreignid_vendor (
  id {{pk}},
  name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS foreignid (
  id {{pk}},
  vendor_id BIGINT NOT NULL REFERENCES foreignid_vendor(id),
  name TEXT NOT NULL,
  UNIQUE (vendor_id, name)
);

CREATE TABLE IF NOT EXISTS track_foreignid (
  id {{pk}},
  track_id BIGINT NOT NULL REFERENCES track(id),
  foreignid_id BIGINT NOT NULL REFERENCES foreignid(id),
  submission_count INTEGER NOT NULL DEFAULT 1,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP,
  updated {{ts}},
  UNIQUE (track_id, foreignid_id)
);

CREATE TABLE IF NOT EXISTS track_foreignid_source (
  id {{pk}},
  track_foreignid_id BIGINT NOT NULL REFERENCES track_foreignid(id),
  submission_id BIGINT,
  source_id BIGINT,
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_track_foreignid_source_track_foreignid_id ON track_foreignid_source(track_foreignid_id);

-- Incoming submissions waiting for import
CREATE TABLE IF NOT EXISTS submission (
  id {{pk}},
  fingerprint {{blob}} NOT NULL,
  length INTEGER NOT NULL,
  bitrate INTEGER,
  format_id BIGINT,
  format TEXT,
  mbid TEXT,
  puid TEXT,
  meta_id BIGINT,
  meta TEXT,
  foreignid_id BIGINT,
  foreignid TEXT,
  source_id BIGINT,
  handled {{bool}} NOT NULL DEFAULT {{false}},
  handled_at {{ts}},
  created {{ts}} DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_submission_handled ON submission(handled, id);

CREATE TABLE IF NOT EXISTS submission_result (
  submission_id BIGINT PRIMARY KEY,
  created {{ts}},
  handled_at {{ts}},
  source_id BIGINT,
  track_id BIGINT NOT NULL,
  fingerprint_id BIGINT NOT NULL,
  mbid TEXT,
  puid TEXT,
  meta_id BIGINT,
  meta_gid TEXT,
  foreignid TEXT
);

-- Cache of upstream MBID redirects, new_mbid is empty when the id is canonical
CREATE TABLE IF NOT EXISTS musicbrainz_redirect (
  mbid TEXT PRIMARY KEY,
  new_mbid TEXT NOT NULL,
  checked {{ts}} DEFAULT CURRENT_TIMESTAMP
)
`
