// Package report collects scan results and renders them as CSV or HTML.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math"
	"strings"
	"time"

	"github.com/ppiankov/otterhound/internal/store"
)

//go:embed templates/report.html
var templateFS embed.FS

var reportTmpl = template.Must(template.ParseFS(templateFS, "templates/report.html"))

// GenerateHTML renders a report as a self-contained HTML page.
func GenerateHTML(r *store.Report) ([]byte, error) {
	counts := r.CountByStatus()
	data := htmlData{
		ScanTime:   r.StartedAt.UTC().Format("2006-01-02 15:04 UTC"),
		Duration:   r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
		Open:       counts[store.StatusOpen],
		Closed:     counts[store.StatusClosed],
		Filtered:   counts[store.StatusFiltered],
		Errors:     counts[store.StatusError],
		Incomplete: counts[store.StatusIncomplete],
		Total:      len(r.Entries),
		Invalid:    r.InvalidSpecs,
		Rows:       make([]htmlRow, 0, len(r.Entries)),
	}
	if r.DeadlineExceeded {
		data.Banner = "Scan deadline exceeded; unresolved targets are marked incomplete."
	} else if r.Cancelled {
		data.Banner = "Scan interrupted; unresolved targets are marked incomplete."
	}
	for i := range r.Entries {
		data.Rows = append(data.Rows, buildRow(&r.Entries[i], r.FinishedAt))
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type htmlData struct {
	ScanTime   string
	Duration   string
	Banner     string
	Invalid    []store.InvalidSpec
	Rows       []htmlRow
	Open       int
	Closed     int
	Filtered   int
	Errors     int
	Incomplete int
	Total      int
}

type htmlRow struct {
	Status      string
	Target      string
	Latency     string
	TLSVersion  string
	CipherSuite string
	Subject     string
	Issuer      string
	NotAfter    string
	ExpiresIn   string
	Issue       string
}

func buildRow(e *store.Entry, now time.Time) htmlRow {
	row := htmlRow{
		Status:  string(e.Probe.Status),
		Target:  e.Target.String(),
		Latency: e.Probe.Latency.Round(time.Millisecond).String(),
	}

	var issues []string
	if e.Probe.Error != "" {
		issues = append(issues, e.Probe.Error)
	}
	if e.TLSError != "" {
		issues = append(issues, e.TLSError)
	}

	if s := e.TLS; s != nil {
		row.TLSVersion = s.Version
		row.CipherSuite = s.CipherSuite
		if leaf := s.Leaf(); leaf != nil {
			row.Subject = leaf.Subject
			row.Issuer = leaf.Issuer
			row.NotAfter = leaf.NotAfter.UTC().Format("2006-01-02 15:04 UTC")
			row.ExpiresIn = FormatExpiresIn(leaf.NotAfter, now)
		}
		issues = append(issues, s.RevocationIssues...)
		issues = append(issues, s.ValidationErrors...)
		issues = append(issues, s.PostureIssues...)
	}
	row.Issue = strings.Join(issues, "; ")
	return row
}

// FormatExpiresIn returns a human-readable relative time such as "12d 3h".
func FormatExpiresIn(notAfter, now time.Time) string {
	d := notAfter.Sub(now)
	if d < 0 {
		return "EXPIRED"
	}
	days := int(math.Floor(d.Hours() / 24))
	hours := int(math.Floor(d.Hours())) % 24
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}
