// Package monitor renders scan reports for the terminal and derives the
// process exit code.
package monitor

import "github.com/ppiankov/otterhound/internal/store"

// Process exit codes.
const (
	ExitOK           = 0
	ExitFatal        = 1
	ExitInvalidSpecs = 2
	ExitIncomplete   = 3
)

// ExitCode returns the process exit code for a finished report.
//
//	0 = every target resolved, every specification valid
//	2 = some specifications were rejected
//	3 = the scan was cut short (deadline or interrupt)
//
// An incomplete scan outranks rejected specifications.
func ExitCode(r *store.Report) int {
	switch {
	case r.Incomplete():
		return ExitIncomplete
	case len(r.InvalidSpecs) > 0:
		return ExitInvalidSpecs
	default:
		return ExitOK
	}
}
