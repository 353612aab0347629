package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ppiankov/otterhound/internal/history"
	"github.com/ppiankov/otterhound/internal/target"
)

const defaultLimit = 50

func limitParam(r *http.Request) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return defaultLimit
}

// HistoryHandler returns the most recent scan summaries as JSON.
func HistoryHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := hs.List(limitParam(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if summaries == nil {
			summaries = []history.ScanSummary{}
		}
		writeJSON(w, summaries)
	}
}

// TrendHandler returns the observations of ?target=host:port as JSON.
func TrendHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("target")
		if raw == "" {
			http.Error(w, "target query parameter is required", http.StatusBadRequest)
			return
		}
		host, port, err := target.ParseKey(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		points, err := hs.Trend(host, port, limitParam(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if points == nil {
			points = []history.TrendPoint{}
		}
		writeJSON(w, points)
	}
}

// ScanHandler returns the stored report named by the {id} path value.
func ScanHandler(hs *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := hs.Get(r.PathValue("id"))
		if errors.Is(err, history.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rep)
	}
}
