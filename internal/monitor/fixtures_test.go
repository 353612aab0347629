package monitor

import (
	"time"

	"github.com/ppiankov/otterhound/internal/store"
)

var fixtureStart = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func fixtureReport() *store.Report {
	web := store.Target{Host: "10.0.0.1", Port: 443, Protocol: store.ProtocolTLS}
	ssh := store.Target{Host: "10.0.0.1", Port: 22}
	dark := store.Target{Host: "10.0.0.9", Port: 22}
	late := store.Target{Host: "10.0.0.10", Port: 22}
	finished := fixtureStart.Add(2 * time.Second)
	return &store.Report{
		StartedAt:  fixtureStart,
		FinishedAt: finished,
		Phase:      store.PhaseDone,
		Entries: []store.Entry{
			{
				Index:  0,
				Target: web,
				Probe:  store.ProbeResult{Target: web, Status: store.StatusOpen, Latency: 4 * time.Millisecond},
				TLS: &store.TLSSummary{
					Target:      web,
					ServerName:  "www.example.com",
					Version:     "TLS 1.3",
					CipherSuite: "TLS_AES_128_GCM_SHA256",
					ALPN:        "h2",
					Chain: []store.CertInfo{
						{Subject: "CN=www.example.com", Issuer: "CN=Example CA", NotAfter: finished.Add(10 * 24 * time.Hour), DNSNames: []string{"www.example.com"}},
						{Subject: "CN=Example CA", Issuer: "CN=Example Root", NotAfter: finished.Add(900 * 24 * time.Hour), IsCA: true},
					},
					ValidationErrors: []string{"untrusted chain: x509: certificate signed by unknown authority"},
				},
			},
			{Index: 1, Target: ssh, Probe: store.ProbeResult{Target: ssh, Status: store.StatusClosed, Latency: time.Millisecond, Error: "connection refused"}},
			{Index: 2, Target: dark, Probe: store.ProbeResult{Target: dark, Status: store.StatusFiltered, Latency: 3 * time.Second, Error: "i/o timeout"}},
			{Index: 3, Target: late, Probe: store.ProbeResult{Target: late, Status: store.StatusIncomplete, ErrorKind: store.ErrorKindDeadline, Error: "scan ended before the target was resolved"}},
		},
		InvalidSpecs:     []store.InvalidSpec{{Spec: "10.0.0.300", Reason: "not a valid IP address or hostname"}},
		DeadlineExceeded: true,
	}
}
