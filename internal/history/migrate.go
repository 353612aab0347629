package history

import (
	"database/sql"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
    id                TEXT PRIMARY KEY,
    started_at        DATETIME NOT NULL,
    finished_at       DATETIME NOT NULL,
    target_count      INTEGER NOT NULL DEFAULT 0,
    open_count        INTEGER NOT NULL DEFAULT 0,
    closed_count      INTEGER NOT NULL DEFAULT 0,
    filtered_count    INTEGER NOT NULL DEFAULT 0,
    error_count       INTEGER NOT NULL DEFAULT 0,
    incomplete_count  INTEGER NOT NULL DEFAULT 0,
    invalid_count     INTEGER NOT NULL DEFAULT 0,
    deadline_exceeded BOOLEAN NOT NULL DEFAULT 0,
    cancelled         BOOLEAN NOT NULL DEFAULT 0,
    report            BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    scan_id      TEXT NOT NULL REFERENCES scans(id),
    idx          INTEGER NOT NULL,
    host         TEXT NOT NULL,
    port         INTEGER NOT NULL,
    status       TEXT NOT NULL,
    latency_ns   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scans_started ON scans(started_at);
CREATE INDEX IF NOT EXISTS idx_results_scan ON results(scan_id);
CREATE INDEX IF NOT EXISTS idx_results_trend ON results(host, port);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	// v2: leaf identity for trend queries (idempotent)
	for _, stmt := range []string{
		"ALTER TABLE results ADD COLUMN tls_version TEXT DEFAULT ''",
		"ALTER TABLE results ADD COLUMN leaf_fingerprint TEXT DEFAULT ''",
		"ALTER TABLE results ADD COLUMN leaf_issuer TEXT DEFAULT ''",
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
