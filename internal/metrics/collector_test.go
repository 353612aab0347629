package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ppiankov/otterhound/internal/store"
)

func TestUpdate_EmptyReport(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	start := time.Now()
	c.Update(&store.Report{StartedAt: start, FinishedAt: start.Add(500 * time.Millisecond)})

	if got := testutil.ToFloat64(c.scanDuration); got != 0.5 {
		t.Errorf("scanDuration = %v, want 0.5", got)
	}
	for _, s := range []string{"open", "closed", "filtered", "error", "incomplete"} {
		if got := testutil.ToFloat64(c.targets.WithLabelValues(s)); got != 0 {
			t.Errorf("targets{%s} = %v, want 0", s, got)
		}
	}
	if got := testutil.ToFloat64(c.incomplete); got != 0 {
		t.Errorf("scan_incomplete = %v, want 0", got)
	}
}

func TestUpdate_MixedReport(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	web := store.Target{Host: "10.0.0.1", Port: 443}
	r := &store.Report{
		StartedAt:  now.Add(-2 * time.Second),
		FinishedAt: now,
		Entries: []store.Entry{
			{
				Target: web,
				Probe:  store.ProbeResult{Status: store.StatusOpen},
				TLS:    &store.TLSSummary{Chain: []store.CertInfo{{NotAfter: now.Add(48 * time.Hour)}}},
			},
			{Target: store.Target{Host: "10.0.0.1", Port: 22}, Probe: store.ProbeResult{Status: store.StatusClosed}},
			{Target: store.Target{Host: "10.0.0.2", Port: 22}, Probe: store.ProbeResult{Status: store.StatusIncomplete}},
		},
		InvalidSpecs:     []store.InvalidSpec{{Spec: "x"}, {Spec: "y"}},
		DeadlineExceeded: true,
	}
	c.Update(r)

	if got := testutil.ToFloat64(c.targets.WithLabelValues("open")); got != 1 {
		t.Errorf("targets{open} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.targets.WithLabelValues("incomplete")); got != 1 {
		t.Errorf("targets{incomplete} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.certExpiresIn.WithLabelValues("10.0.0.1:443")); got != 48*3600 {
		t.Errorf("cert_expires_in_seconds = %v, want %v", got, 48*3600)
	}
	if got := testutil.ToFloat64(c.invalidSpecs); got != 2 {
		t.Errorf("invalid_specs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.incomplete); got != 1 {
		t.Errorf("scan_incomplete = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.lastScan); got != float64(now.Unix()) {
		t.Errorf("last_scan_timestamp_seconds = %v", got)
	}
}

func TestUpdate_ResetsStaleTargets(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	now := time.Now()
	withCert := &store.Report{FinishedAt: now, Entries: []store.Entry{{
		Target: store.Target{Host: "10.0.0.1", Port: 443},
		Probe:  store.ProbeResult{Status: store.StatusOpen},
		TLS:    &store.TLSSummary{Chain: []store.CertInfo{{NotAfter: now.Add(time.Hour)}}},
	}}}
	c.Update(withCert)
	c.Update(&store.Report{FinishedAt: now})

	if got := testutil.CollectAndCount(c.certExpiresIn); got != 0 {
		t.Errorf("expected cert gauges to be reset, got %d series", got)
	}
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveProbe(store.ProbeResult{Status: store.StatusOpen, Latency: 3 * time.Millisecond})
	c.ObserveProbe(store.ProbeResult{Status: store.StatusOpen, Latency: 5 * time.Millisecond})
	c.ObserveProbe(store.ProbeResult{Status: store.StatusFiltered, Latency: time.Second})
	c.ObserveHandshake(nil)
	c.ObserveHandshake(errors.New("handshake error"))

	if got := testutil.ToFloat64(c.probesTotal.WithLabelValues("open")); got != 2 {
		t.Errorf("probes_total{open} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.probesTotal.WithLabelValues("filtered")); got != 1 {
		t.Errorf("probes_total{filtered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.handshakesTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("tls_handshakes_total{error} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.probeLatency); got != 2 {
		t.Errorf("expected 2 latency series, got %d", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveProbe(store.ProbeResult{Status: store.StatusClosed})

	path := filepath.Join(t.TempDir(), "otterhound.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `otterhound_probes_total{status="closed"} 1`) {
		t.Errorf("textfile missing probe counter:\n%s", data)
	}
}
