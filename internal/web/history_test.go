package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ppiankov/otterhound/internal/history"
	"github.com/ppiankov/otterhound/internal/store"
)

func openTestHistory(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory history: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // test cleanup
	return s
}

func saveReports(t *testing.T, hs *history.Store, n int) []string {
	t.Helper()
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	ids := make([]string, 0, n)
	for i := range n {
		id, err := hs.Save(testReport(base.Add(time.Duration(i) * time.Hour)))
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestHistoryHandler_Empty(t *testing.T) {
	hs := openTestHistory(t)

	w := httptest.NewRecorder()
	HistoryHandler(hs)(w, httptest.NewRequest(http.MethodGet, "/api/v1/history", http.NoBody))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
	var summaries []history.ScanSummary
	if err := json.NewDecoder(w.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if summaries == nil || len(summaries) != 0 {
		t.Errorf("expected empty array, got %v", summaries)
	}
}

func TestHistoryHandler_Limit(t *testing.T) {
	hs := openTestHistory(t)
	ids := saveReports(t, hs, 3)

	w := httptest.NewRecorder()
	HistoryHandler(hs)(w, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=2", http.NoBody))

	var summaries []history.ScanSummary
	if err := json.NewDecoder(w.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].ID != ids[2] {
		t.Errorf("newest first: got %s, want %s", summaries[0].ID, ids[2])
	}
	if summaries[0].Open != 1 || summaries[0].Closed != 1 {
		t.Errorf("counts = open %d closed %d, want 1/1", summaries[0].Open, summaries[0].Closed)
	}
}

func TestTrendHandler(t *testing.T) {
	hs := openTestHistory(t)
	saveReports(t, hs, 2)

	w := httptest.NewRecorder()
	TrendHandler(hs)(w, httptest.NewRequest(http.MethodGet, "/api/v1/trend?target=10.0.0.1:443", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var points []history.TrendPoint
	if err := json.NewDecoder(w.Body).Decode(&points); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Status != string(store.StatusOpen) {
		t.Errorf("status = %s, want open", points[0].Status)
	}
}

func TestTrendHandler_BadRequest(t *testing.T) {
	hs := openTestHistory(t)
	for _, q := range []string{"", "?target=10.0.0.0/24:443", "?target=10.0.0.1:22,443"} {
		w := httptest.NewRecorder()
		TrendHandler(hs)(w, httptest.NewRequest(http.MethodGet, "/api/v1/trend"+q, http.NoBody))
		if w.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", q, w.Code)
		}
	}
}

func TestScanHandler(t *testing.T) {
	hs := openTestHistory(t)
	ids := saveReports(t, hs, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/scans/{id}", ScanHandler(hs))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+ids[0], http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rep store.Report
	if err := json.NewDecoder(w.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if rep.ID != ids[0] {
		t.Errorf("id = %q, want %q", rep.ID, ids[0])
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/scans/missing", http.NoBody))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing scan: status = %d, want 404", w.Code)
	}
}
