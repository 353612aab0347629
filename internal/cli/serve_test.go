package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/otterhound/internal/config"
	"github.com/ppiankov/otterhound/internal/drift"
	"github.com/ppiankov/otterhound/internal/history"
	"github.com/ppiankov/otterhound/internal/metrics"
	"github.com/ppiankov/otterhound/internal/notify"
	"github.com/ppiankov/otterhound/internal/store"
)

// acceptLoop accepts and closes connections until ln is closed.
func acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func newTestService(t *testing.T, specs ...string) (*scanService, *prometheus.Registry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.TLS = "off"
	cfg.Timeout = 2 * time.Second

	hs, err := history.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hs.Close() }) //nolint:errcheck // test cleanup

	reg := prometheus.NewRegistry()
	return &scanService{
		cfg:       cfg,
		specs:     specs,
		history:   hs,
		collector: metrics.NewCollector(reg),
	}, reg
}

// listenAccepting returns a loopback listener that accepts and closes connections.
func listenAccepting(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck // test cleanup
	go acceptLoop(ln)
	return ln
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	registerServeFlags(cmd)
	for _, name := range []string{"config", "file", "ports", "tls", "proxy", "listen", "interval", "history"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("missing flag --%s", name)
		}
	}
	if cmd.Flags().Lookup("output") != nil {
		t.Error("serve has no --output")
	}
}

func TestLoadServeConfig(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	registerServeFlags(cmd)
	if err := cmd.ParseFlags([]string{"--listen", "127.0.0.1:9999", "--interval", "30s", "--tls", "off"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadServeConfig(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %s, want 30s", cfg.Interval)
	}
	if cfg.TLS != "off" {
		t.Errorf("TLS = %q, want off", cfg.TLS)
	}

	cmd = &cobra.Command{Use: "serve"}
	registerServeFlags(cmd)
	if err := cmd.ParseFlags([]string{"--interval", "0s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := loadServeConfig(cmd); err == nil {
		t.Error("zero interval should be rejected")
	}
}

func TestScanService_RunOnce(t *testing.T) {
	ln := listenAccepting(t)

	svc, _ := newTestService(t, ln.Addr().String())
	if svc.latest() != nil {
		t.Fatal("no report before the first scan")
	}

	if err := svc.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	rep := svc.latest()
	if rep == nil || len(rep.Entries) != 1 {
		t.Fatalf("expected one entry, got %+v", rep)
	}
	if rep.Entries[0].Probe.Status != store.StatusOpen {
		t.Errorf("status = %s, want open", rep.Entries[0].Probe.Status)
	}
	if rep.ID == "" {
		t.Error("report should be saved to history")
	}

	scans, err := svc.history.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 1 {
		t.Errorf("expected 1 recorded scan, got %d", len(scans))
	}
}

func TestScanService_NotifiesDrift(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []notify.GenericPayload
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p notify.GenericPayload
		if json.Unmarshal(body, &p) == nil {
			mu.Lock()
			payloads = append(payloads, p)
			mu.Unlock()
		}
	}))
	defer hook.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go acceptLoop(ln)
	addr := ln.Addr().String()

	svc, _ := newTestService(t, addr)
	svc.notifier = notify.New(config.NotificationConfig{
		Enabled:  true,
		Webhooks: []config.WebhookConfig{{URL: hook.URL}},
	})

	if err := svc.runOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	ln.Close()
	if err := svc.runOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 notification (first scan has nothing to compare against), got %d", len(payloads))
	}
	if len(payloads[0].Changes) != 1 {
		t.Fatalf("expected 1 change, got %v", payloads[0].Changes)
	}
	want := drift.Change{Kind: drift.KindStatusChanged, Target: addr, Before: "open", After: "closed"}
	if c := payloads[0].Changes[0]; c != want {
		t.Errorf("change = %+v, want %+v", c, want)
	}
}

func TestServeMux_Endpoints(t *testing.T) {
	ln := listenAccepting(t)

	svc, reg := newTestService(t, ln.Addr().String())
	srv := httptest.NewServer(newServeMux(svc, reg))
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading %s: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}
	expect := func(path string, wantCode int, wantBody string) string {
		t.Helper()
		code, body := get(path)
		if code != wantCode {
			t.Errorf("GET %s = %d, want %d", path, code, wantCode)
		}
		if !strings.Contains(body, wantBody) {
			t.Errorf("GET %s body missing %q", path, wantBody)
		}
		return body
	}

	expect("/healthz", http.StatusServiceUnavailable, "")
	expect("/api/v1/report", http.StatusServiceUnavailable, "")

	if err := svc.runOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if body := expect("/healthz", http.StatusOK, "ok"); body != "ok" {
		t.Errorf("healthz body = %q, want ok", body)
	}
	expect("/", http.StatusOK, "otterhound scan report")

	body := expect("/api/v1/report", http.StatusOK, "")
	var rep store.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if len(rep.Entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(rep.Entries))
	}

	expect("/api/v1/history", http.StatusOK, rep.ID)
	expect("/api/v1/scans/"+rep.ID, http.StatusOK, "")
	expect(fmt.Sprintf("/api/v1/trend?target=%s", ln.Addr().String()), http.StatusOK, "")
	expect("/metrics", http.StatusOK, "otterhound_targets")
}

func TestServeMux_NoHistory(t *testing.T) {
	svc := &scanService{cfg: config.Defaults()}
	srv := httptest.NewServer(newServeMux(svc, prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// falls through to the UI handler, which has no report yet
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
