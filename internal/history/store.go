// Package history persists scan reports in SQLite.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/ppiankov/otterhound/internal/store"
)

// ErrNotFound is returned when no scan matches an ID.
var ErrNotFound = errors.New("scan not found")

// ScanSummary is a compact row of the scan list.
type ScanSummary struct {
	StartedAt        time.Time     `json:"startedAt"`
	ID               string        `json:"id"`
	Duration         time.Duration `json:"duration"`
	Targets          int           `json:"targets"`
	Open             int           `json:"open"`
	Closed           int           `json:"closed"`
	Filtered         int           `json:"filtered"`
	Errors           int           `json:"errors"`
	Incomplete       int           `json:"incomplete"`
	Invalid          int           `json:"invalid"`
	DeadlineExceeded bool          `json:"deadlineExceeded"`
	Cancelled        bool          `json:"cancelled"`
}

// TrendPoint is one observation of a target across scans.
type TrendPoint struct {
	StartedAt       time.Time     `json:"startedAt"`
	ScanID          string        `json:"scanId"`
	Status          string        `json:"status"`
	TLSVersion      string        `json:"tlsVersion,omitempty"`
	LeafFingerprint string        `json:"leafFingerprint,omitempty"`
	Latency         time.Duration `json:"latency"`
}

// Store persists reports to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// each connection to ":memory:" would be a separate database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists r and returns its ID. A report without an ID gets a new one,
// written back to r.
func (s *Store) Save(r *store.Report) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	blob, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	c := r.CountByStatus()
	_, err = tx.Exec(`INSERT INTO scans (id, started_at, finished_at, target_count, open_count, closed_count,
		filtered_count, error_count, incomplete_count, invalid_count, deadline_exceeded, cancelled, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC(), r.FinishedAt.UTC(), len(r.Entries),
		c[store.StatusOpen], c[store.StatusClosed], c[store.StatusFiltered], c[store.StatusError], c[store.StatusIncomplete],
		len(r.InvalidSpecs), r.DeadlineExceeded, r.Cancelled, blob,
	)
	if err != nil {
		return "", fmt.Errorf("inserting scan: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO results (scan_id, idx, host, port, status, latency_ns, tls_version, leaf_fingerprint, leaf_issuer)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("preparing result insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // statement lifetime bounded by tx

	for i := range r.Entries {
		e := &r.Entries[i]
		var version, fingerprint, issuer string
		if e.TLS != nil {
			version = e.TLS.Version
			if leaf := e.TLS.Leaf(); leaf != nil {
				fingerprint, issuer = leaf.FingerprintSHA256, leaf.Issuer
			}
		}
		if _, err := stmt.Exec(r.ID, e.Index, e.Target.Host, int(e.Target.Port), string(e.Probe.Status),
			int64(e.Probe.Latency), version, fingerprint, issuer); err != nil {
			return "", fmt.Errorf("inserting result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing scan: %w", err)
	}
	return r.ID, nil
}

// List returns the most recent scan summaries, newest first.
func (s *Store) List(limit int) ([]ScanSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`SELECT id, started_at, finished_at, target_count, open_count, closed_count,
		filtered_count, error_count, incomplete_count, invalid_count, deadline_exceeded, cancelled
		FROM scans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []ScanSummary
	for rows.Next() {
		var (
			sm       ScanSummary
			finished time.Time
		)
		if err := rows.Scan(&sm.ID, &sm.StartedAt, &finished, &sm.Targets, &sm.Open, &sm.Closed,
			&sm.Filtered, &sm.Errors, &sm.Incomplete, &sm.Invalid, &sm.DeadlineExceeded, &sm.Cancelled); err != nil {
			return nil, fmt.Errorf("scanning scan row: %w", err)
		}
		sm.Duration = finished.Sub(sm.StartedAt)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Get returns the full report stored under id.
func (s *Store) Get(id string) (*store.Report, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT report FROM scans WHERE id = ?", id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan %s: %w", id, err)
	}
	return decode(blob)
}

// Latest returns the most recent report, or nil if none is stored.
func (s *Store) Latest() (*store.Report, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT report FROM scans ORDER BY started_at DESC LIMIT 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest scan: %w", err)
	}
	return decode(blob)
}

// Trend returns the observations of host:port across scans, newest first.
func (s *Store) Trend(host string, port uint16, limit int) ([]TrendPoint, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.started_at, r.status, r.latency_ns, r.tls_version, r.leaf_fingerprint
		FROM results r
		JOIN scans s ON s.id = r.scan_id
		WHERE r.host = ? AND r.port = ?
		ORDER BY s.started_at DESC
		LIMIT ?`,
		host, int(port), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trend: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var points []TrendPoint
	for rows.Next() {
		var (
			p       TrendPoint
			latency int64
		)
		if err := rows.Scan(&p.ScanID, &p.StartedAt, &p.Status, &latency, &p.TLSVersion, &p.LeafFingerprint); err != nil {
			return nil, fmt.Errorf("scanning trend point: %w", err)
		}
		p.Latency = time.Duration(latency)
		points = append(points, p)
	}
	return points, rows.Err()
}

func decode(blob []byte) (*store.Report, error) {
	var r store.Report
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("decoding stored report: %w", err)
	}
	return &r, nil
}
