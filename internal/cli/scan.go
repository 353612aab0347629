package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/otterhound/internal/chain"
	"github.com/ppiankov/otterhound/internal/config"
	"github.com/ppiankov/otterhound/internal/drift"
	"github.com/ppiankov/otterhound/internal/history"
	"github.com/ppiankov/otterhound/internal/metrics"
	"github.com/ppiankov/otterhound/internal/monitor"
	"github.com/ppiankov/otterhound/internal/probe"
	"github.com/ppiankov/otterhound/internal/report"
	"github.com/ppiankov/otterhound/internal/revocation"
	"github.com/ppiankov/otterhound/internal/scan"
	"github.com/ppiankov/otterhound/internal/store"
	"github.com/ppiankov/otterhound/internal/target"
	"github.com/ppiankov/otterhound/internal/telemetry"
)

var outputFormats = []string{"table", "json", "csv", "html", "tui"}

var scanCmd = &cobra.Command{
	Use:   "scan [target ...]",
	Short: "Probe targets and inspect TLS endpoints",
	Long: `Expand the given target specifications, probe every (host, port) pair
concurrently and print one result per target in enumeration order.

A target is an IP, a CIDR block or a hostname, with an optional port list
and an optional tcp:// or tls:// prefix:

  10.0.0.1:22,443   10.0.0.0/24:80-81   [::1]:8443   tls://db.internal:5432

Exit codes:
  0  Every target was resolved
  1  Fatal error (bad flags, unreadable config, worker pool failure)
  2  Some target specifications were invalid
  3  The deadline passed or the scan was interrupted`,
	Example: `  # Scan a /24 on the default port (443)
  otterhound scan 192.168.1.0/24

  # Several ports, inspect TLS on every open port
  otterhound scan 10.0.0.0/28:22,443,8443 --tls all

  # Verify chains against the system roots, JSON output
  otterhound scan example.com:443 --trust-policy system -o json

  # Stop after 30s, keep history and write node_exporter metrics
  otterhound scan -f targets.txt --deadline 30s --history scans.db --metrics-file /var/lib/node_exporter/otterhound.prom`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	registerScanFlags(scanCmd)
}

func registerScanFlags(cmd *cobra.Command) {
	registerProbeFlags(cmd)
	f := cmd.Flags()
	f.StringP("output", "o", "table", "Output format: "+strings.Join(outputFormats, ", "))
	f.String("history", "", "SQLite file to record scans in and compare against")
	f.String("metrics-file", "", "Write Prometheus metrics to this file after the scan")
}

// registerProbeFlags registers the flags shared by scan and serve.
func registerProbeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "Path to config file")
	f.StringP("file", "f", "", "Read target specifications from a file, one per line")
	f.StringSlice("exclude", nil, "IPs or CIDR blocks never to probe")
	f.StringP("ports", "p", "", "Default ports for targets without any (default 443)")
	f.IntP("concurrency", "c", 0, "Maximum in-flight probes (default 100)")
	f.Duration("timeout", 0, "Per-target budget for the connect check and for the TLS handshake, retries included (default 3s)")
	f.Duration("deadline", 0, "Overall deadline for probing (0 = none)")
	f.String("tls", "", "TLS inspection: off, hinted or all (default hinted)")
	f.String("trust-policy", "", "Chain trust policy: none, chain or system (default none)")
	f.String("ca-bundle", "", "PEM roots used by --trust-policy system")
	f.String("sni", "", "Server name to send when the target is an IP")
	f.Bool("check-revocation", false, "Check certificate revocation via OCSP/CRL")
	f.String("proxy", "", "Route probes through a SOCKS5 proxy (socks5://host:port)")
	f.Int("max-targets", 0, "Refuse expansions beyond this many targets")
	f.Uint64("max-hosts-per-block", 0, "Refuse CIDR blocks larger than this")
}

func runScan(cmd *cobra.Command, args []string) error {
	code, err := executeScan(cmd, args)
	if err != nil {
		return err
	}
	if code != monitor.ExitOK {
		os.Exit(code)
	}
	return nil
}

// executeScan runs one scan and returns the process exit code. Deferred
// cleanup happens here so runScan can exit afterwards.
func executeScan(cmd *cobra.Command, args []string) (int, error) {
	cfg, err := loadScanConfig(cmd)
	if err != nil {
		return monitor.ExitFatal, err
	}
	format, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	if !validFormat(format) {
		return monitor.ExitFatal, fmt.Errorf("invalid --output value %q: must be one of %s", format, strings.Join(outputFormats, ", "))
	}

	specs, err := collectSpecs(cmd, cfg, args)
	if err != nil {
		return monitor.ExitFatal, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered above
	tracer, tracerShutdown, tracerErr := telemetry.InitTracer(ctx, otelEndpoint, "otterhound", version)
	if tracerErr != nil {
		slog.Warn("initializing tracer", "err", tracerErr)
		tracer = nil
	} else {
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	orch, err := buildOrchestrator(cfg, tracer, collector)
	if err != nil {
		return monitor.ExitFatal, err
	}

	slog.Info("starting scan", "specs", len(specs), "concurrency", cfg.Concurrency, "tls", cfg.TLS, "trust_policy", cfg.TrustPolicy)
	rep, err := orch.Run(ctx, specs)
	if err != nil {
		return writeAborted(cmd.OutOrStdout(), format, &rep, err)
	}

	if cfg.History != "" {
		changes, histErr := recordHistory(cfg.History, &rep)
		if histErr != nil {
			slog.Warn("recording scan history", "path", cfg.History, "err", histErr)
		}
		for _, c := range changes {
			slog.Info("drift detected", "kind", c.Kind, "target", c.Target, "before", c.Before, "after", c.After)
		}
	}

	collector.Update(&rep)
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile, reg); err != nil {
			slog.Warn("writing metrics file", "err", err)
		}
	}

	code := monitor.ExitCode(&rep)
	if format == "tui" {
		p := tea.NewProgram(monitor.NewModel(&rep), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return monitor.ExitFatal, fmt.Errorf("running TUI: %w", err)
		}
		return code, nil
	}
	if err := writeReport(cmd.OutOrStdout(), format, &rep, code); err != nil {
		return monitor.ExitFatal, err
	}
	return code, nil
}

// writeAborted emits the partial report of a scan that could not schedule
// every target and returns the fatal exit code with runErr.
func writeAborted(w io.Writer, format string, rep *store.Report, runErr error) (int, error) {
	c := rep.CountByStatus()
	slog.Error("scan aborted, writing partial report", "err", runErr, "targets", len(rep.Entries),
		"open", c[store.StatusOpen], "closed", c[store.StatusClosed], "filtered", c[store.StatusFiltered],
		"errors", c[store.StatusError], "incomplete", c[store.StatusIncomplete])
	if format == "tui" {
		format = "table"
	}
	if err := writeReport(w, format, rep, monitor.ExitFatal); err != nil {
		slog.Warn("writing partial report", "err", err)
	}
	return monitor.ExitFatal, fmt.Errorf("scan failed: %w", runErr)
}

// collectSpecs gathers target specifications from the config, the
// arguments and --file, in that order.
func collectSpecs(cmd *cobra.Command, cfg *config.Config, args []string) ([]string, error) {
	specs := append([]string{}, cfg.Targets...)
	specs = append(specs, args...)
	if path, _ := cmd.Flags().GetString("file"); path != "" { //nolint:errcheck // flag registered above
		fromFile, err := readTargetsFile(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fromFile...)
	}
	if len(specs) == 0 {
		return nil, errors.New("no targets given: pass specifications as arguments, via --file or in the config")
	}
	return specs, nil
}

// loadScanConfig merges the config file (or defaults) with every flag the
// user set explicitly, then validates the result.
func loadScanConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	cfg := config.Defaults()
	if path, _ := f.GetString("config"); path != "" { //nolint:errcheck // flag registered above
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if f.Changed("exclude") {
		cfg.Exclude, _ = f.GetStringSlice("exclude") //nolint:errcheck // flag registered above
	}
	if f.Changed("ports") {
		cfg.Ports, _ = f.GetString("ports") //nolint:errcheck // flag registered above
	}
	if f.Changed("concurrency") {
		cfg.Concurrency, _ = f.GetInt("concurrency") //nolint:errcheck // flag registered above
	}
	if f.Changed("timeout") {
		cfg.Timeout, _ = f.GetDuration("timeout") //nolint:errcheck // flag registered above
	}
	if f.Changed("deadline") {
		cfg.Deadline, _ = f.GetDuration("deadline") //nolint:errcheck // flag registered above
	}
	if f.Changed("tls") {
		cfg.TLS, _ = f.GetString("tls") //nolint:errcheck // flag registered above
	}
	if f.Changed("trust-policy") {
		cfg.TrustPolicy, _ = f.GetString("trust-policy") //nolint:errcheck // flag registered above
	}
	if f.Changed("ca-bundle") {
		cfg.CABundle, _ = f.GetString("ca-bundle") //nolint:errcheck // flag registered above
	}
	if f.Changed("sni") {
		cfg.SNI, _ = f.GetString("sni") //nolint:errcheck // flag registered above
	}
	if f.Changed("check-revocation") {
		cfg.CheckRevocation, _ = f.GetBool("check-revocation") //nolint:errcheck // flag registered above
	}
	if f.Changed("proxy") {
		cfg.Proxy, _ = f.GetString("proxy") //nolint:errcheck // flag registered above
	}
	if f.Changed("max-targets") {
		cfg.MaxTargets, _ = f.GetInt("max-targets") //nolint:errcheck // flag registered above
	}
	if f.Changed("max-hosts-per-block") {
		cfg.MaxHostsPerBlock, _ = f.GetUint64("max-hosts-per-block") //nolint:errcheck // flag registered above
	}
	if f.Changed("history") {
		cfg.History, _ = f.GetString("history") //nolint:errcheck // flag registered above
	}
	if f.Changed("metrics-file") {
		cfg.MetricsFile, _ = f.GetString("metrics-file") //nolint:errcheck // flag registered above
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildOrchestrator wires the enumerator, prober and inspector described by
// cfg. cfg must already be validated.
func buildOrchestrator(cfg *config.Config, tracer trace.Tracer, observer scan.Observer) (*scan.Orchestrator, error) {
	enum, err := target.NewEnumerator(target.Options{
		DefaultPorts:     cfg.DefaultPorts(),
		Exclude:          cfg.Exclude,
		MaxHostsPerBlock: cfg.MaxHostsPerBlock,
		MaxTargets:       cfg.MaxTargets,
	})
	if err != nil {
		return nil, err
	}

	dial := probe.DirectDialer()
	if cfg.Proxy != "" {
		dial, err = probe.ProxyDialer(cfg.Proxy)
		if err != nil {
			return nil, err
		}
	}

	mode, _ := scan.ParseTLSMode(cfg.TLS)           //nolint:errcheck // validated
	policy, _ := chain.ParsePolicy(cfg.TrustPolicy) //nolint:errcheck // validated
	validator := chain.Validator{Policy: policy}
	if cfg.CABundle != "" {
		pem, readErr := os.ReadFile(cfg.CABundle)
		if readErr != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", readErr)
		}
		validator.Roots, err = chain.PoolFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("CA bundle %s: %w", cfg.CABundle, err)
		}
	}

	inspOpts := []probe.InspectorOption{
		probe.WithDialer(dial),
		probe.WithValidator(validator),
		probe.WithServerName(cfg.SNI),
	}
	if cfg.CheckRevocation {
		inspOpts = append(inspOpts, probe.WithRevocation(revocation.NewChecker(nil)))
	}

	return scan.New(scan.Options{
		Enumerator:  enum,
		Prober:      probe.NewProber(dial),
		Inspector:   probe.NewInspector(inspOpts...),
		Tracer:      tracer,
		Observer:    observer,
		TLSMode:     mode,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		Deadline:    cfg.Deadline,
	})
}

// recordHistory compares rep against the latest stored scan, then saves it.
// rep.ID is set to the stored ID.
func recordHistory(path string, rep *store.Report) ([]drift.Change, error) {
	hs, err := history.Open(path)
	if err != nil {
		return nil, err
	}
	defer hs.Close() //nolint:errcheck // read-mostly handle

	prev, err := hs.Latest()
	if err != nil {
		return nil, err
	}
	var changes []drift.Change
	if prev != nil {
		changes = drift.Compare(prev, rep)
	}

	id, err := hs.Save(rep)
	if err != nil {
		return changes, err
	}
	rep.ID = id
	return changes, nil
}

func writeReport(w io.Writer, format string, rep *store.Report, code int) error {
	switch format {
	case "json":
		if err := monitor.WriteJSON(w, rep, code); err != nil {
			return fmt.Errorf("writing JSON output: %w", err)
		}
	case "csv":
		if err := report.WriteCSV(w, rep); err != nil {
			return fmt.Errorf("writing CSV output: %w", err)
		}
	case "html":
		page, err := report.GenerateHTML(rep)
		if err != nil {
			return fmt.Errorf("generating HTML report: %w", err)
		}
		if _, err := w.Write(page); err != nil {
			return fmt.Errorf("writing HTML report: %w", err)
		}
	default:
		if _, err := io.WriteString(w, monitor.PlainText(rep)); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
	return nil
}

// readTargetsFile returns the non-empty lines of path. Text after # is ignored.
func readTargetsFile(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening targets file: %w", err)
	}
	defer fh.Close() //nolint:errcheck // read-only

	var specs []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")
		line = strings.TrimSpace(line)
		if line != "" {
			specs = append(specs, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}
	return specs, nil
}

func validFormat(f string) bool {
	for _, v := range outputFormats {
		if f == v {
			return true
		}
	}
	return false
}
