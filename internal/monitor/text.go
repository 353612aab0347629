package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/ppiankov/otterhound/internal/report"
	"github.com/ppiankov/otterhound/internal/store"
)

const rowFormat = "%-10s %-32s %-9s %-8s %-10s %s\n"

// PlainText returns a non-interactive text rendering for piped output.
func PlainText(r *store.Report) string {
	var b strings.Builder
	for _, inv := range r.InvalidSpecs {
		fmt.Fprintf(&b, "invalid: %s: %s\n", inv.Spec, inv.Reason)
	}
	if len(r.Entries) == 0 {
		b.WriteString("No targets.\n")
		return b.String()
	}

	fmt.Fprintf(&b, rowFormat, "STATUS", "TARGET", "LATENCY", "TLS", "EXPIRES", "ISSUES")
	fmt.Fprintf(&b, rowFormat, "------", "------", "-------", "---", "-------", "------")
	for i := range r.Entries {
		row := entryToRow(&r.Entries[i], r.FinishedAt, 0)
		fmt.Fprintf(&b, rowFormat, row[0], row[1], row[2], row[3], row[4], row[5])
	}

	fmt.Fprintf(&b, "\n%s\n", summaryLine(r))
	switch {
	case r.DeadlineExceeded:
		b.WriteString("scan deadline exceeded; unresolved targets are incomplete\n")
	case r.Cancelled:
		b.WriteString("scan interrupted; unresolved targets are incomplete\n")
	}
	return b.String()
}

func summaryLine(r *store.Report) string {
	c := r.CountByStatus()
	return fmt.Sprintf("%d targets: %d open, %d closed, %d filtered, %d error, %d incomplete (%s)",
		len(r.Entries), c[store.StatusOpen], c[store.StatusClosed], c[store.StatusFiltered],
		c[store.StatusError], c[store.StatusIncomplete],
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

// entryToRow converts an entry to a table row with plain text (no ANSI).
// ANSI in cells makes the table miscalculate column widths. maxIssue of 0
// disables truncation.
func entryToRow(e *store.Entry, now time.Time, maxIssue int) table.Row {
	var tlsCol, expires string
	if s := e.TLS; s != nil {
		tlsCol = strings.TrimPrefix(s.Version, "TLS ")
		if leaf := s.Leaf(); leaf != nil {
			expires = report.FormatExpiresIn(leaf.NotAfter, now)
		}
	} else if e.TLSError != "" {
		tlsCol = "failed"
	}

	latency := ""
	if e.Probe.Status != store.StatusIncomplete {
		latency = e.Probe.Latency.Round(time.Millisecond).String()
	}

	issue := firstIssue(e)
	if maxIssue > 0 {
		issue = truncate(issue, maxIssue)
	}
	return table.Row{string(e.Probe.Status), e.Target.String(), latency, tlsCol, expires, issue}
}

// firstIssue picks the most important problem on an entry for the summary row.
func firstIssue(e *store.Entry) string {
	if e.Probe.Status == store.StatusError || e.Probe.Status == store.StatusIncomplete {
		return e.Probe.Error
	}
	if e.TLSError != "" {
		return e.TLSError
	}
	s := e.TLS
	if s == nil {
		return ""
	}
	for _, list := range [][]string{s.RevocationIssues, s.ValidationErrors, s.PostureIssues} {
		if len(list) > 0 {
			if len(list) > 1 {
				return fmt.Sprintf("%s (+%d)", list[0], len(list)-1)
			}
			return list[0]
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
