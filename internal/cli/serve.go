package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/otterhound/internal/config"
	"github.com/ppiankov/otterhound/internal/drift"
	"github.com/ppiankov/otterhound/internal/history"
	"github.com/ppiankov/otterhound/internal/metrics"
	"github.com/ppiankov/otterhound/internal/notify"
	"github.com/ppiankov/otterhound/internal/store"
	"github.com/ppiankov/otterhound/internal/telemetry"
	"github.com/ppiankov/otterhound/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve [target ...]",
	Short: "Scan on an interval and serve results over HTTP",
	Long: `Run otterhound as a long-running service. The targets are scanned on
start and then every --interval; the latest report is served over HTTP.

Endpoints:
  /                   HTML report of the latest scan
  /metrics            Prometheus scrape endpoint
  /healthz            Liveness probe (503 before the first scan or when stale)
  /api/v1/report      JSON report of the latest scan
  /api/v1/history     Recorded scan summaries (needs --history)
  /api/v1/trend       ?target=host:port observations (needs --history)
  /api/v1/scans/{id}  One recorded report (needs --history)

With --history, each scan is compared against the previous one and the
changes are sent to the webhooks configured under notifications.`,
	Example: `  # Scan a subnet every 5 minutes
  otterhound serve 10.0.0.0/24:22,443 --interval 5m

  # Config file with targets, history and webhooks
  otterhound serve --config /etc/otterhound/config.yaml --history /var/lib/otterhound/scans.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	registerServeFlags(serveCmd)
}

func registerServeFlags(cmd *cobra.Command) {
	registerProbeFlags(cmd)
	f := cmd.Flags()
	f.String("listen", "", "Listen address (default :8080)")
	f.Duration("interval", 0, "Time between scans (default 15m)")
	f.String("history", "", "SQLite file to record scans in (enables history endpoints and notifications)")
}

// loadServeConfig applies the serve-only flags on top of loadScanConfig.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadScanConfig(cmd)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen, _ = f.GetString("listen") //nolint:errcheck // flag registered above
	}
	if f.Changed("interval") {
		cfg.Interval, _ = f.GetDuration("interval") //nolint:errcheck // flag registered above
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	return cfg, nil
}

// scanService runs scans in the background and holds the latest report.
type scanService struct {
	tracer    trace.Tracer
	cfg       *config.Config
	collector *metrics.Collector
	history   *history.Store
	notifier  *notify.Notifier
	current   *store.Report
	specs     []string
	mu        sync.RWMutex
}

func (s *scanService) latest() *store.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// runOnce performs one scan, records it and publishes it as the latest report.
func (s *scanService) runOnce(ctx context.Context) error {
	orch, err := buildOrchestrator(s.cfg, s.tracer, s.collector)
	if err != nil {
		return err
	}
	rep, err := orch.Run(ctx, s.specs)
	if err != nil {
		// the partial report is not published; the previous one stays current
		c := rep.CountByStatus()
		return fmt.Errorf("scan failed with %d of %d targets incomplete: %w",
			c[store.StatusIncomplete], len(rep.Entries), err)
	}

	if s.history != nil {
		changes, histErr := s.record(&rep)
		if histErr != nil {
			slog.Error("saving scan history", "err", histErr)
		}
		for _, c := range changes {
			slog.Info("drift detected", "kind", c.Kind, "target", c.Target, "before", c.Before, "after", c.After)
		}
		if s.notifier != nil && len(changes) > 0 {
			s.notifier.Notify(ctx, changes)
		}
	}

	s.collector.Update(&rep)

	s.mu.Lock()
	s.current = &rep
	s.mu.Unlock()

	c := rep.CountByStatus()
	slog.Info("scan complete", "id", rep.ID, "targets", len(rep.Entries),
		"open", c[store.StatusOpen], "closed", c[store.StatusClosed], "filtered", c[store.StatusFiltered],
		"errors", c[store.StatusError], "incomplete", c[store.StatusIncomplete], "invalid", len(rep.InvalidSpecs),
		"duration", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	return nil
}

func (s *scanService) record(rep *store.Report) ([]drift.Change, error) {
	prev, err := s.history.Latest()
	if err != nil {
		return nil, err
	}
	var changes []drift.Change
	if prev != nil {
		changes = drift.Compare(prev, rep)
	}
	if _, err := s.history.Save(rep); err != nil {
		return changes, err
	}
	return changes, nil
}

// safeRun is runOnce with panics and errors logged.
func (s *scanService) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scan panic recovered", "panic", r)
		}
	}()
	if err := s.runOnce(ctx); err != nil {
		slog.Error("scan failed", "err", err)
	}
}

// loop scans immediately and then every interval until ctx is done.
func (s *scanService) loop(ctx context.Context, interval time.Duration) {
	s.safeRun(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

func newServeMux(s *scanService, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", web.UIHandler(s.latest))
	mux.HandleFunc("/healthz", web.HealthzHandler(s.latest, 2*s.cfg.Interval))
	mux.HandleFunc("/api/v1/report", web.ReportHandler(s.latest))
	if s.history != nil {
		mux.HandleFunc("/api/v1/history", web.HistoryHandler(s.history))
		mux.HandleFunc("/api/v1/trend", web.TrendHandler(s.history))
		mux.HandleFunc("GET /api/v1/scans/{id}", web.ScanHandler(s.history))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	specs, err := collectSpecs(cmd, cfg, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := &scanService{cfg: cfg, specs: specs}

	if cfg.History != "" {
		svc.history, err = history.Open(cfg.History)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer svc.history.Close() //nolint:errcheck // best-effort cleanup on shutdown
		slog.Info("history storage enabled", "path", cfg.History)
		svc.notifier = notify.New(cfg.Notifications)
	} else if cfg.Notifications.Enabled {
		slog.Warn("notifications need --history to detect changes; disabled")
	}

	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered above
	tracer, tracerShutdown, tracerErr := telemetry.InitTracer(ctx, otelEndpoint, "otterhound", version)
	if tracerErr != nil {
		slog.Warn("initializing tracer", "err", tracerErr)
	} else {
		svc.tracer = tracer
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	}

	registry := prometheus.NewRegistry()
	svc.collector = metrics.NewCollector(registry)

	// fail fast on settings buildOrchestrator rejects, such as an unreadable CA bundle
	if _, err := buildOrchestrator(cfg, nil, nil); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newServeMux(svc, registry),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.loop(ctx, cfg.Interval)
	}()

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("otterhound serve listening", "version", version, "addr", cfg.Listen, "interval", cfg.Interval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		stop()
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()

	slog.Info("shutdown complete")
	return runErr
}
