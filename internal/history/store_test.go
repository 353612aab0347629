package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/otterhound/internal/store"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // test cleanup
	return s
}

func testReport(start time.Time, webStatus store.Status, fingerprint string) *store.Report {
	web := store.Target{Host: "10.0.0.1", Port: 443, Protocol: store.ProtocolTLS}
	ssh := store.Target{Host: "10.0.0.1", Port: 22}
	r := &store.Report{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Phase:      store.PhaseDone,
		Entries: []store.Entry{
			{Index: 0, Target: web, Probe: store.ProbeResult{Target: web, Status: webStatus, Latency: 7 * time.Millisecond}},
			{Index: 1, Target: ssh, Probe: store.ProbeResult{Target: ssh, Status: store.StatusClosed}},
		},
		InvalidSpecs: []store.InvalidSpec{{Spec: "nope:99999", Reason: "port out of range"}},
	}
	if webStatus == store.StatusOpen {
		r.Entries[0].TLS = &store.TLSSummary{
			Target:  web,
			Version: "TLS 1.3",
			Chain:   []store.CertInfo{{Subject: "CN=web", Issuer: "CN=CA", FingerprintSHA256: fingerprint, Raw: []byte{0x30, 0x01}}},
		}
	}
	return r
}

func TestOpen_InMemory(t *testing.T) {
	s := openMemory(t)
	if s.db == nil {
		t.Fatal("expected non-nil db")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openMemory(t)
	if err := migrate(s.db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestSaveAssignsID(t *testing.T) {
	s := openMemory(t)
	r := testReport(time.Now().UTC(), store.StatusOpen, "aa")

	id, err := s.Save(r)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if id == "" || r.ID != id {
		t.Errorf("expected ID written back, got id=%q report.ID=%q", id, r.ID)
	}

	r2 := testReport(time.Now().UTC(), store.StatusOpen, "aa")
	r2.ID = "fixed-id"
	if id, _ := s.Save(r2); id != "fixed-id" {
		t.Errorf("existing ID should be kept, got %q", id)
	}
}

func TestSaveAndList(t *testing.T) {
	s := openMemory(t)
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	for i, status := range []store.Status{store.StatusOpen, store.StatusFiltered} {
		if _, err := s.Save(testReport(base.Add(time.Duration(i)*time.Hour), status, "aa")); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	summaries, err := s.List(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 scans, got %d", len(summaries))
	}

	newest := summaries[0]
	if !newest.StartedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("expected newest first, got %v", newest.StartedAt)
	}
	if newest.Targets != 2 || newest.Filtered != 1 || newest.Closed != 1 || newest.Open != 0 {
		t.Errorf("unexpected counts %+v", newest)
	}
	if newest.Invalid != 1 {
		t.Errorf("expected 1 invalid spec, got %d", newest.Invalid)
	}
	if newest.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s duration, got %v", newest.Duration)
	}

	limited, err := s.List(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestGet_RoundTrip(t *testing.T) {
	s := openMemory(t)
	orig := testReport(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC), store.StatusOpen, "beef")
	id, err := s.Save(orig)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != id || len(got.Entries) != 2 {
		t.Fatalf("unexpected report %+v", got)
	}
	leaf := got.Entries[0].TLS.Leaf()
	if leaf == nil || leaf.FingerprintSHA256 != "beef" || len(leaf.Raw) != 2 {
		t.Errorf("leaf not preserved: %+v", leaf)
	}
	if !got.StartedAt.Equal(orig.StartedAt) {
		t.Errorf("startedAt = %v, want %v", got.StartedAt, orig.StartedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openMemory(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLatest(t *testing.T) {
	s := openMemory(t)

	got, err := s.Latest()
	if err != nil || got != nil {
		t.Fatalf("expected nil report from empty db, got %v, %v", got, err)
	}

	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	if _, err := s.Save(testReport(base.Add(time.Hour), store.StatusOpen, "new")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(testReport(base, store.StatusOpen, "old")); err != nil {
		t.Fatal(err)
	}

	got, err = s.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if fp := got.Entries[0].TLS.Leaf().FingerprintSHA256; fp != "new" {
		t.Errorf("expected the most recent scan, got fingerprint %q", fp)
	}
}

func TestTrend(t *testing.T) {
	s := openMemory(t)
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	statuses := []store.Status{store.StatusOpen, store.StatusFiltered, store.StatusOpen}
	for i, st := range statuses {
		if _, err := s.Save(testReport(base.Add(time.Duration(i)*time.Hour), st, "fp")); err != nil {
			t.Fatal(err)
		}
	}

	points, err := s.Trend("10.0.0.1", 443, 10)
	if err != nil {
		t.Fatalf("trend failed: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if points[0].Status != "open" || points[1].Status != "filtered" {
		t.Errorf("unexpected order: %+v", points)
	}
	if points[0].TLSVersion != "TLS 1.3" || points[0].LeafFingerprint != "fp" {
		t.Errorf("leaf identity missing: %+v", points[0])
	}
	if points[1].LeafFingerprint != "" {
		t.Errorf("filtered target should have no fingerprint, got %q", points[1].LeafFingerprint)
	}
	if points[0].Latency != 7*time.Millisecond {
		t.Errorf("latency = %v", points[0].Latency)
	}

	none, err := s.Trend("10.9.9.9", 443, 10)
	if err != nil || len(none) != 0 {
		t.Errorf("expected no points, got %v, %v", none, err)
	}
}

func TestOpen_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Save(testReport(time.Now().UTC(), store.StatusClosed, ""))
	if err != nil {
		t.Fatal(err)
	}
	s.Close() //nolint:errcheck // reopened below

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck // test cleanup
	if _, err := s.Get(id); err != nil {
		t.Errorf("report lost after reopen: %v", err)
	}
}
