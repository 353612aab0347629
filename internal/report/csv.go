package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/otterhound/internal/store"
)

var csvHeader = []string{
	"index", "host", "port", "protocol", "status", "latencyMs", "errorKind", "error",
	"tlsVersion", "cipherSuite", "subject", "issuer", "notAfter", "fingerprintSha256",
	"validationErrors", "postureIssues", "revocationIssues", "tlsError",
}

// WriteCSV writes one row per report entry to w.
func WriteCSV(w io.Writer, r *store.Report) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range r.Entries {
		e := &r.Entries[i]
		row := []string{
			strconv.Itoa(e.Index),
			e.Target.Host,
			strconv.Itoa(int(e.Target.Port)),
			string(e.Target.Protocol),
			string(e.Probe.Status),
			strconv.FormatInt(e.Probe.Latency.Milliseconds(), 10),
			string(e.Probe.ErrorKind),
			e.Probe.Error,
		}
		row = append(row, tlsColumns(e.TLS)...)
		row = append(row, e.TLSError)
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func tlsColumns(s *store.TLSSummary) []string {
	cols := make([]string, 9)
	if s == nil {
		return cols
	}
	cols[0] = s.Version
	cols[1] = s.CipherSuite
	if leaf := s.Leaf(); leaf != nil {
		cols[2] = leaf.Subject
		cols[3] = leaf.Issuer
		cols[4] = leaf.NotAfter.UTC().Format(time.RFC3339)
		cols[5] = leaf.FingerprintSHA256
	}
	cols[6] = strings.Join(s.ValidationErrors, "; ")
	cols[7] = strings.Join(s.PostureIssues, "; ")
	cols[8] = strings.Join(s.RevocationIssues, "; ")
	return cols
}
