package monitor

import (
	"testing"

	"github.com/ppiankov/otterhound/internal/store"
)

func TestExitCode(t *testing.T) {
	open := store.Entry{Probe: store.ProbeResult{Status: store.StatusOpen}}
	closed := store.Entry{Probe: store.ProbeResult{Status: store.StatusClosed}}
	incomplete := store.Entry{Probe: store.ProbeResult{Status: store.StatusIncomplete}}
	invalid := []store.InvalidSpec{{Spec: "bad"}}

	tests := []struct {
		name   string
		report store.Report
		want   int
	}{
		{name: "empty", report: store.Report{}, want: ExitOK},
		{name: "all resolved", report: store.Report{Entries: []store.Entry{open, closed}}, want: ExitOK},
		{name: "invalid specs", report: store.Report{Entries: []store.Entry{open}, InvalidSpecs: invalid}, want: ExitInvalidSpecs},
		{name: "incomplete entry", report: store.Report{Entries: []store.Entry{open, incomplete}}, want: ExitIncomplete},
		{name: "deadline flag", report: store.Report{DeadlineExceeded: true}, want: ExitIncomplete},
		{name: "cancelled flag", report: store.Report{Cancelled: true}, want: ExitIncomplete},
		{name: "incomplete outranks invalid", report: store.Report{Entries: []store.Entry{incomplete}, InvalidSpecs: invalid}, want: ExitIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(&tt.report); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
