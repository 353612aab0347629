package monitor

import (
	"encoding/json"
	"io"

	"github.com/ppiankov/otterhound/internal/store"
)

// ScanOutput is the JSON envelope for `otterhound scan --output json`.
type ScanOutput struct {
	Report   *store.Report `json:"report"`
	ExitCode int           `json:"exitCode"`
}

// WriteJSON serializes a ScanOutput envelope to w.
func WriteJSON(w io.Writer, r *store.Report, exitCode int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ScanOutput{
		ExitCode: exitCode,
		Report:   r,
	})
}
