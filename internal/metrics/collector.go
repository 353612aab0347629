// Package metrics provides Prometheus instrumentation for scans.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/otterhound/internal/store"
)

const namespace = "otterhound"

// Collector counts probe outcomes as they happen and summarizes finished
// reports into gauges.
type Collector struct {
	probesTotal     *prometheus.CounterVec
	probeLatency    *prometheus.HistogramVec
	handshakesTotal *prometheus.CounterVec
	targets         *prometheus.GaugeVec
	certExpiresIn   *prometheus.GaugeVec
	invalidSpecs    prometheus.Gauge
	incomplete      prometheus.Gauge
	scanDuration    prometheus.Gauge
	lastScan        prometheus.Gauge
	mu              sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Connection probes by resulting status.",
		}, []string{"status"}),

		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Time to classify a target.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),

		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshakes_total",
			Help:      "TLS inspections by result (ok, error).",
		}, []string{"result"}),

		targets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "targets",
			Help:      "Targets in the last report by status.",
		}, []string{"status"}),

		certExpiresIn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cert_expires_in_seconds",
			Help:      "Seconds until the leaf certificate expires (negative if expired).",
		}, []string{"target"}),

		invalidSpecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invalid_specs",
			Help:      "Target specifications rejected in the last scan.",
		}),

		incomplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_incomplete",
			Help:      "Whether the last scan ended before every target was resolved (1=yes).",
		}),

		scanDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of the last scan in seconds.",
		}),

		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time the last scan finished.",
		}),
	}

	reg.MustRegister(
		c.probesTotal,
		c.probeLatency,
		c.handshakesTotal,
		c.targets,
		c.certExpiresIn,
		c.invalidSpecs,
		c.incomplete,
		c.scanDuration,
		c.lastScan,
	)
	return c
}

// ObserveProbe counts one classified target. Safe for concurrent use.
func (c *Collector) ObserveProbe(res store.ProbeResult) {
	status := string(res.Status)
	c.probesTotal.WithLabelValues(status).Inc()
	c.probeLatency.WithLabelValues(status).Observe(res.Latency.Seconds())
}

// ObserveHandshake counts one TLS inspection.
func (c *Collector) ObserveHandshake(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.handshakesTotal.WithLabelValues(result).Inc()
}

// Update replaces the report gauges with values from r.
func (c *Collector) Update(r *store.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.targets.Reset()
	c.certExpiresIn.Reset()

	for status, n := range r.CountByStatus() {
		c.targets.WithLabelValues(string(status)).Set(float64(n))
	}

	for i := range r.Entries {
		leaf := r.Entries[i].TLS.Leaf()
		if leaf == nil {
			continue
		}
		c.certExpiresIn.WithLabelValues(r.Entries[i].Target.Key()).Set(leaf.NotAfter.Sub(r.FinishedAt).Seconds())
	}

	c.invalidSpecs.Set(float64(len(r.InvalidSpecs)))
	if r.Incomplete() {
		c.incomplete.Set(1)
	} else {
		c.incomplete.Set(0)
	}
	c.scanDuration.Set(r.FinishedAt.Sub(r.StartedAt).Seconds())
	c.lastScan.Set(float64(r.FinishedAt.Unix()))
}

// WriteTextfile writes every metric gathered by g to path in the text
// exposition format, for the node_exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
