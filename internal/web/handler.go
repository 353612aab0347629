// Package web provides HTTP handlers for the otterhound serve mode UI and API.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ppiankov/otterhound/internal/report"
	"github.com/ppiankov/otterhound/internal/store"
)

// ReportFunc returns the latest completed report, or nil before the first scan.
type ReportFunc func() *store.Report

const noReport = "no scan has completed yet"

// UIHandler serves the latest report as an HTML page.
func UIHandler(getReport ReportFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := getReport()
		if rep == nil {
			http.Error(w, noReport, http.StatusServiceUnavailable)
			return
		}
		page, err := report.GenerateHTML(rep)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page) //nolint:errcheck // best-effort response
	}
}

// ReportHandler returns the latest report as JSON.
func ReportHandler(getReport ReportFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := getReport()
		if rep == nil {
			http.Error(w, noReport, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, rep)
	}
}

// HealthzHandler returns 200 "ok" while the latest report finished within
// maxAge. A zero maxAge only requires that a scan has completed.
func HealthzHandler(getReport ReportFunc, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := getReport()
		w.Header().Set("Content-Type", "text/plain")
		if rep == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("waiting for first scan")) //nolint:errcheck // best-effort response
			return
		}
		if maxAge > 0 && time.Since(rep.FinishedAt) > maxAge {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("stale")) //nolint:errcheck // best-effort response
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck // best-effort response
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
